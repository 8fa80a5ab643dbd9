package internal

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

type RetrievalRequest struct {
	QueryText      string
	QueryEmbedding []float32
	BranchRef      string
	PolicyID       string
	K              int
	Filters        Filters
	// TokenBudget nil uses the configured default.
	TokenBudget *int
}

type BlockProvenance struct {
	BranchID  string    `json:"branch_id"`
	CommitID  string    `json:"commit_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Redacted  bool      `json:"redacted"`
	// DerivedFrom lists source events when the block is a roll-up summary.
	DerivedFrom []string `json:"derived_from,omitempty"`
}

type Block struct {
	EventID    string          `json:"event_id"`
	Content    string          `json:"content"`
	Score      float64         `json:"score"`
	Tokens     int             `json:"tokens"`
	Provenance BlockProvenance `json:"provenance"`
}

type ContextPack struct {
	Blocks          []Block    `json:"blocks"`
	TotalTokens     int        `json:"total_tokens"`
	Truncated       bool       `json:"truncated"`
	PolicyDecisions []Decision `json:"policy_decisions"`
}

type RetrievalResponse struct {
	RequestID      string        `json:"request_id"`
	Pack           ContextPack   `json:"pack"`
	ResolvedCommit string        `json:"resolved_commit"`
	Policy         string        `json:"policy"`
	Degraded       bool          `json:"degraded"`
	IndexLag       time.Duration `json:"index_lag"`
}

// CountTokens approximates a token as four runes. Non-empty text costs at
// least one token.
func CountTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return max(1, (n+3)/4)
}

// packGreedy walks items in order and keeps each one that still fits in
// budget. Items that do not fit are skipped, not a stopping point.
func packGreedy(items []Scored, budget int) (kept, dropped []Scored, total int) {
	for _, it := range items {
		if total+it.Tokens <= budget {
			kept = append(kept, it)
			total += it.Tokens
			continue
		}
		dropped = append(dropped, it)
	}
	return kept, dropped, total
}

// Assembler turns a RetrievalRequest into a ContextPack: resolve, retrieve,
// apply policy, pack.
type Assembler struct {
	retriever     *Retriever
	policies      *PolicyEngine
	journal       Journal
	embedder      Embedder
	updater       *IndexUpdater
	defaultBudget int
	embedTimeout  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type AssemblerOption func(*Assembler)

func WithQueryEmbedder(e Embedder, timeout time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.embedder = e
		a.embedTimeout = timeout
	}
}

func WithLagSource(u *IndexUpdater) AssemblerOption {
	return func(a *Assembler) {
		a.updater = u
	}
}

func WithDefaultBudget(n int) AssemblerOption {
	return func(a *Assembler) {
		a.defaultBudget = n
	}
}

func WithAssemblerClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) {
		a.now = now
	}
}

func WithAssemblerLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

func NewAssembler(retriever *Retriever, policies *PolicyEngine, journal Journal, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		retriever:     retriever,
		policies:      policies,
		journal:       journal,
		defaultBudget: 2048,
		logger:        logging.Default(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Assembler) validate(req RetrievalRequest) error {
	switch {
	case req.BranchRef == "":
		return goerr.Wrap(ErrInvalidArgument, "branch ref is empty")
	case req.PolicyID == "":
		return goerr.Wrap(ErrInvalidArgument, "policy id is empty")
	case req.K <= 0:
		return goerr.Wrap(ErrInvalidArgument, "k must be positive", goerr.V("k", req.K))
	case req.TokenBudget != nil && *req.TokenBudget < 0:
		return goerr.Wrap(ErrInvalidArgument, "token budget is negative", goerr.V("token_budget", *req.TokenBudget))
	}
	return nil
}

func (a *Assembler) Assemble(ctx context.Context, req RetrievalRequest) (*RetrievalResponse, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}
	// Unknown policies fail before any retrieval work.
	policy, err := a.policies.Registry().Get(req.PolicyID)
	if err != nil {
		return nil, err
	}

	resp := &RetrievalResponse{RequestID: uuid.NewString(), Policy: policy.Ref()}
	logger := a.logger.With("request_id", resp.RequestID)

	var degraded []Degradation
	vec := req.QueryEmbedding
	if len(vec) == 0 && a.embedder != nil && req.QueryText != "" {
		vec, err = a.embedQuery(ctx, req.QueryText)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("query embedding failed, degrading to lexical", "error", err)
			degraded = append(degraded, Degradation{Component: "embedding", Reason: err.Error()})
		}
	}

	res, err := a.retriever.Retrieve(ctx, Query{
		Text:      req.QueryText,
		Embedding: vec,
		Ref:       req.BranchRef,
		K:         req.K,
		Filters:   req.Filters,
	})
	if err != nil {
		return nil, err
	}
	resp.ResolvedCommit = res.Resolved.CommitID

	for _, d := range res.Degraded {
		// The retriever's "no query embedding" is already explained above.
		if len(degraded) > 0 && d.Component == "embedding" {
			continue
		}
		degraded = append(degraded, d)
	}

	budget := a.defaultBudget
	if req.TokenBudget != nil {
		budget = *req.TokenBudget
	}

	names, err := a.branchNames(ctx)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, len(res.Candidates))
	copy(cands, res.Candidates)
	eval, err := a.policies.Evaluate(ctx, cands, policy.Ref(), RequestContext{
		Now:         a.now(),
		TokenBudget: budget,
		Ref:         res.Resolved,
		BranchNames: names,
	})
	if err != nil {
		return nil, err
	}

	pack := ContextPack{
		Blocks:          make([]Block, 0, len(eval.Kept)),
		TotalTokens:     eval.TotalTokens,
		Truncated:       eval.Truncated,
		PolicyDecisions: eval.Decisions,
	}
	for _, s := range eval.Kept {
		pack.Blocks = append(pack.Blocks, Block{
			EventID: s.Event.ID,
			Content: s.Content,
			Score:   s.Score,
			Tokens:  s.Tokens,
			Provenance: BlockProvenance{
				BranchID:    s.Event.BranchID,
				CommitID:    s.CommitID,
				EventType:   s.Event.Type,
				Timestamp:   s.Event.Timestamp,
				Redacted:    s.Redacted,
				DerivedFrom: s.Event.Provenance,
			},
		})
	}
	for _, d := range degraded {
		pack.PolicyDecisions = append(pack.PolicyDecisions, Decision{Action: ActionDegrade, Reason: d.Component + ": " + d.Reason})
	}

	resp.Pack = pack
	resp.Degraded = len(degraded) > 0
	if a.updater != nil {
		resp.IndexLag = a.updater.Stats().LastLag
	}

	logger.Debug("context pack assembled",
		"ref", req.BranchRef, "commit", resp.ResolvedCommit, "blocks", len(pack.Blocks),
		"tokens", pack.TotalTokens, "truncated", pack.Truncated, "degraded", resp.Degraded)
	return resp, nil
}

func (a *Assembler) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ectx := ctx
	if a.embedTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, a.embedTimeout)
		defer cancel()
	}
	vec, err := a.embedder.Embed(ectx, text)
	if err != nil {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "embed query", goerr.V("error", err.Error()))
	}
	return vec, nil
}

func (a *Assembler) branchNames(ctx context.Context) (map[string]string, error) {
	branches, err := a.journal.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(branches))
	for _, b := range branches {
		names[b.ID] = b.Name
	}
	return names, nil
}
