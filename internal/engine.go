package internal

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

const VectorsDirname = "vectors"

// Engine wires the event store, journal, vector index, retriever, policy
// engine, assembler and roll-up service over one data directory.
type Engine struct {
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time

	db        *sql.DB
	store     *GitEventStore
	journal   *SQLJournal
	queue     *AppendQueue
	index     VectorIndex
	updater   *IndexUpdater
	retriever *Retriever
	policies  *PolicyEngine
	assembler *Assembler
	rollup    *RollupService
	watcher   *PolicyWatcher
	embedder  Embedder

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

type engineOptions struct {
	embedder   Embedder
	noEmbedder bool
	summarizer Summarizer
	now        func() time.Time
	logger     *slog.Logger
}

type EngineOption func(*engineOptions)

// WithEmbedder overrides the embedder built from the config. A nil embedder
// disables automatic embedding.
func WithEmbedder(e Embedder) EngineOption {
	return func(o *engineOptions) {
		o.embedder = e
		o.noEmbedder = e == nil
	}
}

func WithSummarizer(s Summarizer) EngineOption {
	return func(o *engineOptions) {
		o.summarizer = s
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.now = now
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// Open builds an engine over cfg.DataDir and starts the index updater.
// Background roll-ups and policy watching begin with Start.
func Open(ctx context.Context, cfg *Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	utcNow := func() time.Time { return o.now().UTC() }

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create data directory", goerr.V("path", cfg.DataDir))
	}

	e := &Engine{cfg: cfg, logger: o.logger, now: utcNow}

	db, err := OpenDB(ctx, filepath.Join(cfg.DataDir, JournalFilename))
	if err != nil {
		return nil, err
	}
	e.db = db

	ok := false
	defer func() {
		if !ok {
			_ = db.Close()
		}
	}()

	cache, err := NewEventCache(cfg.Cache.MaxCost, cfg.Cache.NumCounters)
	if err != nil {
		return nil, err
	}

	e.queue = NewAppendQueue(cfg.Index.QueueSize)
	e.store = NewGitEventStore(
		OpenObjectStorage(filepath.Join(cfg.DataDir, ObjectsDirname)),
		db,
		WithStoreCache(cache),
		WithStoreClock(utcNow),
		WithStoreLogger(o.logger),
		WithAppendQueue(e.queue),
	)
	e.journal = NewSQLJournal(db, WithJournalClock(utcNow), WithJournalLogger(o.logger))

	if err := e.ensureBranch(ctx, cfg.DefaultBranch); err != nil {
		return nil, err
	}

	switch {
	case o.embedder != nil:
		e.embedder = o.embedder
	case o.noEmbedder:
	default:
		if e.embedder, err = newEmbedder(ctx, cfg.Embeddings); err != nil {
			return nil, err
		}
	}
	if e.embedder != nil && e.embedder.Dimension() != cfg.Embeddings.Dimension {
		return nil, goerr.Wrap(ErrInvalidArgument, "embedder dimension does not match config",
			goerr.V("embedder", e.embedder.Name()),
			goerr.V("got", e.embedder.Dimension()),
			goerr.V("want", cfg.Embeddings.Dimension))
	}

	if e.index, err = newIndex(cfg, o.logger); err != nil {
		return nil, err
	}
	if err := e.loadIndex(ctx); err != nil {
		return nil, err
	}

	e.updater = NewIndexUpdater(e.queue, e.index,
		WithRefreshInterval(cfg.Index.RefreshInterval.Duration),
		WithBatchSize(cfg.Index.BatchSize),
		WithUpdaterClock(utcNow),
		WithUpdaterLogger(o.logger),
	)
	e.retriever = NewRetriever(e.store, e.journal, e.index, cfg.RetrieverConfig(),
		WithRetrieverClock(utcNow),
		WithRetrieverLogger(o.logger),
	)

	registry := NewPolicyRegistry()
	ids := make([]string, 0, len(cfg.Policies))
	for id := range cfg.Policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := registry.Register(cfg.Policies[id].Policy(id)); err != nil {
			return nil, err
		}
	}
	if cfg.PolicyFile != "" {
		e.watcher = NewPolicyWatcher(cfg.PolicyFile, registry, WithWatcherLogger(o.logger))
		e.watcher.Seed(cfg.Policies)
		if _, err := e.watcher.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	e.policies = NewPolicyEngine(registry)

	e.assembler = NewAssembler(e.retriever, e.policies, e.journal,
		WithQueryEmbedder(e.embedder, cfg.Embeddings.Timeout.Duration),
		WithLagSource(e.updater),
		WithDefaultBudget(cfg.Retrieval.DefaultTokenBudget),
		WithAssemblerClock(utcNow),
		WithAssemblerLogger(o.logger),
	)

	summarizer := o.summarizer
	if summarizer == nil && cfg.Summarizer.Provider != "" {
		summarizer, err = NewFantasySummarizer(ctx, FantasyConfig{
			Provider: cfg.Summarizer.Provider,
			APIKey:   cfg.Summarizer.APIKey,
			BaseURL:  cfg.Summarizer.BaseURL,
			Model:    cfg.Summarizer.Model,
		})
		if err != nil {
			return nil, err
		}
	}
	rollupOpts := []RollupOption{
		WithRollupEmbedder(e.embedder),
		WithRollupClock(utcNow),
		WithRollupLogger(o.logger),
	}
	if summarizer != nil {
		rollupOpts = append(rollupOpts, WithRollupSummarizer(summarizer))
	}
	e.rollup = NewRollupService(e.store, e.journal, e.index, cfg.RollupConfig(), rollupOpts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.updater.Run(runCtx)
	}()

	ok = true
	e.logger.Debug("engine opened",
		"data_dir", cfg.DataDir,
		"index", cfg.Index.Backend,
		"embedder", e.embedderName(),
		"policies", len(ids))
	return e, nil
}

func newEmbedder(ctx context.Context, cfg EmbeddingsConfig) (Embedder, error) {
	switch cfg.Backend {
	case "hash":
		return NewHashEmbedder(cfg.Dimension)
	case "gemini":
		return NewGeminiEmbedder(ctx, GeminiConfig{
			APIKey:    cfg.APIKey,
			Project:   cfg.Project,
			Location:  cfg.Location,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "none":
		return nil, nil
	}
	return nil, goerr.Wrap(ErrInvalidArgument, "unknown embeddings backend", goerr.V("backend", cfg.Backend))
}

func newIndex(cfg *Config, logger *slog.Logger) (VectorIndex, error) {
	path := filepath.Join(cfg.DataDir, VectorsDirname)
	switch cfg.Index.Backend {
	case "chromem":
		return NewChromemIndex(path, cfg.Embeddings.Dimension, WithChromemLogger(logger))
	default:
		return NewAnnoyIndex(path, cfg.Embeddings.Dimension,
			WithTrees(cfg.Index.Trees),
			WithExactThreshold(cfg.Index.ExactThreshold),
			WithAnnoyLogger(logger),
		)
	}
}

// loadIndex restores the persisted index and rebuilds it from the event
// store when it is missing or unreadable.
func (e *Engine) loadIndex(ctx context.Context) error {
	if err := e.index.Load(ctx); err != nil {
		e.logger.Warn("vector index unreadable, rebuilding", "error", err)
		_, err := e.rebuild(ctx)
		return err
	}
	if err := e.index.Refresh(ctx); err != nil {
		return err
	}
	if e.index.Len() == 0 {
		_, err := e.rebuild(ctx)
		return err
	}
	return nil
}

func (e *Engine) ensureBranch(ctx context.Context, name string) error {
	_, err := e.journal.Branch(ctx, name)
	if errors.Is(err, ErrNotFound) {
		_, err = e.journal.CreateBranch(ctx, name)
		if errors.Is(err, ErrDuplicateBranch) {
			return nil
		}
	}
	return err
}

func (e *Engine) embedderName() string {
	if e.embedder == nil {
		return "none"
	}
	return e.embedder.Name()
}

// Start launches the roll-up loop, when enabled, and the policy file watcher.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		prev := e.cancel
		e.cancel = func() {
			cancel()
			prev()
		}

		if e.cfg.Rollup.Enabled {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.rollup.Run(runCtx)
			}()
		}
		if e.watcher != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.watcher.Run(runCtx); err != nil {
					e.logger.Warn("policy watcher stopped", "error", err)
				}
			}()
		}
	})
}

// Close stops background work, persists the vector index and closes the
// journal database.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.queue.Close()

		var errs []error
		if err := e.index.Save(context.Background()); err != nil {
			errs = append(errs, err)
		}
		if err := e.index.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.db.Close(); err != nil {
			errs = append(errs, goerr.Wrap(err, "close journal db"))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) Config() *Config {
	return e.cfg
}

func (e *Engine) Store() EventStore {
	return e.store
}

func (e *Engine) Journal() Journal {
	return e.journal
}

func (e *Engine) Index() VectorIndex {
	return e.index
}

func (e *Engine) Policies() *PolicyRegistry {
	return e.policies.Registry()
}

// AppendInput describes one event to append. Branch accepts a name or id;
// empty means the default branch.
type AppendInput struct {
	Branch       string
	Type         string
	Payload      string
	Embedding    []float32
	ExpectParent *string
	// SkipEmbedding stores the event without computing an embedding.
	SkipEmbedding bool
}

// Append stores an event. Without an explicit embedding the configured
// embedder is used; when it fails the event is stored without a vector.
func (e *Engine) Append(ctx context.Context, in AppendInput) (*Event, error) {
	b, err := e.branch(ctx, in.Branch)
	if err != nil {
		return nil, err
	}

	var opts []AppendOption
	if in.ExpectParent != nil {
		opts = append(opts, ExpectParent(*in.ExpectParent))
	}

	vec := in.Embedding
	if vec == nil && !in.SkipEmbedding && e.embedder != nil {
		embedCtx, cancel := e.embedContext(ctx)
		vec, err = e.embedder.Embed(embedCtx, in.Payload)
		cancel()
		if err != nil {
			e.logger.Warn("embedding failed, appending without vector",
				"branch", b.Name, "type", in.Type, "error", err)
			vec = nil
		}
	}
	if vec != nil {
		opts = append(opts, WithVector(vec))
	}

	return e.store.Append(ctx, b.ID, in.Type, in.Payload, opts...)
}

func (e *Engine) embedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.cfg.Embeddings.Timeout.Duration; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) Get(ctx context.Context, id string) (*Event, error) {
	return e.store.Get(ctx, id)
}

// Scan lists a branch's own events after sinceID in append order.
func (e *Engine) Scan(ctx context.Context, branch, sinceID string) iter.Seq2[*Event, error] {
	b, err := e.branch(ctx, branch)
	if err != nil {
		return func(yield func(*Event, error) bool) {
			yield(nil, err)
		}
	}
	return e.store.Scan(ctx, b.ID, sinceID)
}

func (e *Engine) branch(ctx context.Context, nameOrID string) (*Branch, error) {
	if nameOrID == "" {
		nameOrID = e.cfg.DefaultBranch
	}
	return e.journal.Branch(ctx, nameOrID)
}

// CommitRequest records events on a branch. A nil ExpectedHead uses the head
// read at call time.
type CommitRequest struct {
	Branch       string
	ExpectedHead *string
	EventIDs     []string
	Message      string
}

func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*Commit, error) {
	b, err := e.branch(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	head := b.Head
	if req.ExpectedHead != nil {
		head = *req.ExpectedHead
	}
	return e.journal.Commit(ctx, CommitInput{
		BranchID:     b.ID,
		ExpectedHead: head,
		EventIDs:     req.EventIDs,
		Message:      req.Message,
	})
}

func (e *Engine) CreateBranch(ctx context.Context, name string) (*Branch, error) {
	return e.journal.CreateBranch(ctx, name)
}

func (e *Engine) Branch(ctx context.Context, nameOrID string) (*Branch, error) {
	return e.branch(ctx, nameOrID)
}

func (e *Engine) ListBranches(ctx context.Context) ([]*Branch, error) {
	return e.journal.ListBranches(ctx)
}

func (e *Engine) DeleteBranch(ctx context.Context, name string) error {
	if name == e.cfg.DefaultBranch {
		return goerr.Wrap(ErrInvalidArgument, "cannot delete the default branch", goerr.V("branch", name))
	}
	return e.journal.DeleteBranch(ctx, name)
}

func (e *Engine) Fork(ctx context.Context, fromRef, name string) (*Branch, error) {
	return e.journal.Fork(ctx, fromRef, name)
}

func (e *Engine) Tag(ctx context.Context, ref, name string) (*Tag, error) {
	return e.journal.Tag(ctx, ref, name)
}

func (e *Engine) DeleteTag(ctx context.Context, name string) error {
	return e.journal.DeleteTag(ctx, name)
}

func (e *Engine) ListTags(ctx context.Context) ([]*Tag, error) {
	return e.journal.ListTags(ctx)
}

func (e *Engine) Resolve(ctx context.Context, ref string) (*ResolvedRef, error) {
	return e.journal.Resolve(ctx, ref)
}

func (e *Engine) GetCommit(ctx context.Context, id string) (*Commit, error) {
	return e.journal.GetCommit(ctx, id)
}

// History walks commits reachable from ref, newest first. See
// Journal.History for how roll-ups shorten the default walk.
func (e *Engine) History(ctx context.Context, ref string, opts HistoryOptions) iter.Seq2[*Commit, error] {
	if ref == "" {
		ref = e.cfg.DefaultBranch
	}
	resolved, err := e.journal.Resolve(ctx, ref)
	if err != nil {
		return func(yield func(*Commit, error) bool) {
			yield(nil, err)
		}
	}
	return e.journal.History(ctx, resolved.CommitID, opts)
}

func (e *Engine) Diff(ctx context.Context, fromRef, toRef string) (*Diff, error) {
	return e.journal.Diff(ctx, fromRef, toRef)
}

func (e *Engine) RenderDiff(ctx context.Context, d *Diff) (string, error) {
	return RenderDiff(ctx, e.store, d)
}

// Retrieve assembles a context pack. An empty BranchRef means the default
// branch. The policy must always be named.
func (e *Engine) Retrieve(ctx context.Context, req RetrievalRequest) (*RetrievalResponse, error) {
	if req.BranchRef == "" {
		req.BranchRef = e.cfg.DefaultBranch
	}
	return e.assembler.Assemble(ctx, req)
}

// RollUp runs one roll-up on a branch. It returns nil when nothing was
// eligible.
func (e *Engine) RollUp(ctx context.Context, branch string) (*RollupResult, error) {
	b, err := e.branch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return e.rollup.RunOnce(ctx, b.ID)
}

// RegisterPolicy adds a new version of a policy.
func (e *Engine) RegisterPolicy(p Policy) (*Policy, error) {
	return e.policies.Registry().Register(p)
}

// RebuildIndex clears the vector index and reloads it from the embeddings
// kept in the event store. It returns the number of vectors indexed.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	n, err := e.rebuild(ctx)
	if err != nil {
		return n, err
	}
	if err := e.index.Save(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (e *Engine) rebuild(ctx context.Context) (int, error) {
	if err := e.index.Reset(ctx); err != nil {
		return 0, err
	}
	n := 0
	for notice, err := range e.store.Embedded(ctx) {
		if err != nil {
			return n, err
		}
		ev := notice.Event
		if err := e.index.Upsert(ctx, ev.ID, notice.Vector, VectorMeta{
			EventID:   ev.ID,
			BranchID:  ev.BranchID,
			Timestamp: ev.Timestamp,
		}); err != nil {
			if errors.Is(err, ErrInvalidArgument) {
				e.logger.Warn("skipping unindexable vector", "event_id", ev.ID, "error", err)
				continue
			}
			return n, err
		}
		n++
	}
	if err := e.index.Refresh(ctx); err != nil {
		return n, err
	}
	if n > 0 {
		e.logger.Info("vector index rebuilt", "vectors", n)
	}
	return n, nil
}

func (e *Engine) IsIndexed(id string) bool {
	return e.index.IsIndexed(id)
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type ServiceHealth struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Index      IndexStats                 `json:"index"`
}

// Health reports the state of each component. The overall status is the
// worst component status.
func (e *Engine) Health(ctx context.Context) *ServiceHealth {
	h := &ServiceHealth{
		Components: make(map[string]ComponentHealth),
		Index:      e.updater.Stats(),
	}

	if err := e.db.PingContext(ctx); err != nil {
		h.Components["journal"] = ComponentHealth{Status: StatusDown, Detail: err.Error()}
	} else {
		h.Components["journal"] = ComponentHealth{Status: StatusOK}
	}

	switch {
	case h.Index.LastError != "":
		h.Components["index"] = ComponentHealth{Status: StatusDegraded, Detail: h.Index.LastError}
	default:
		h.Components["index"] = ComponentHealth{Status: StatusOK, Detail: e.cfg.Index.Backend}
	}

	if e.embedder == nil {
		h.Components["embedder"] = ComponentHealth{Status: StatusDegraded, Detail: "disabled"}
	} else {
		h.Components["embedder"] = ComponentHealth{Status: StatusOK, Detail: e.embedder.Name()}
	}

	detail := "manual"
	if e.cfg.Rollup.Enabled {
		detail = "every " + e.cfg.Rollup.Interval.String()
	}
	h.Components["rollup"] = ComponentHealth{Status: StatusOK, Detail: detail}

	h.Status = StatusOK
	for _, c := range h.Components {
		switch {
		case c.Status == StatusDown:
			h.Status = StatusDown
		case c.Status == StatusDegraded && h.Status == StatusOK:
			h.Status = StatusDegraded
		}
	}
	return h
}

type EngineStats struct {
	Events   int64      `json:"events"`
	Branches int        `json:"branches"`
	Tags     int        `json:"tags"`
	Commits  int64      `json:"commits"`
	Index    IndexStats `json:"index"`
}

func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	s := &EngineStats{Index: e.updater.Stats()}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&s.Events); err != nil {
		return nil, goerr.Wrap(err, "count events")
	}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&s.Commits); err != nil {
		return nil, goerr.Wrap(err, "count commits")
	}
	branches, err := e.journal.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := e.journal.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	s.Branches, s.Tags = len(branches), len(tags)
	return s, nil
}

// Flush waits for the updater to take every vector published so far and
// makes them visible to queries.
func (e *Engine) Flush(ctx context.Context) error {
	target := e.queue.Published()
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for e.updater.Received() < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.updater.Done():
			return ErrIndexUnavailable
		case <-tick.C:
		}
	}
	e.updater.Flush(ctx)
	return nil
}
