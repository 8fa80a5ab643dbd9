package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

const RollupEventType = "rollup.summary"

type RollupConfig struct {
	Interval time.Duration
	// MaxLiveCommits triggers a roll-up when a branch has more live regular
	// commits than this. Zero disables the count trigger.
	MaxLiveCommits int
	// KeepRecent newest regular commits are never rolled up.
	KeepRecent int
	// MaxAge triggers a roll-up of commits older than this. Zero disables the
	// age trigger.
	MaxAge time.Duration
}

func DefaultRollupConfig() RollupConfig {
	return RollupConfig{
		Interval:       10 * time.Minute,
		MaxLiveCommits: 100,
		KeepRecent:     20,
	}
}

type RollupResult struct {
	Commit           *Commit
	SummaryEvent     *Event
	SupersededEvents []string
}

// RollupService folds old live commits of a branch into one roll-up commit
// holding a summary event. It only moves a head with the journal's CAS.
type RollupService struct {
	store      EventStore
	journal    Journal
	index      VectorIndex
	summarizer Summarizer
	fallback   Summarizer
	embedder   Embedder
	cfg        RollupConfig
	logger     *slog.Logger
	now        func() time.Time
}

type RollupOption func(*RollupService)

func WithRollupSummarizer(s Summarizer) RollupOption {
	return func(r *RollupService) {
		r.summarizer = s
	}
}

// WithRollupEmbedder embeds summaries so roll-ups stay vector searchable.
func WithRollupEmbedder(e Embedder) RollupOption {
	return func(r *RollupService) {
		r.embedder = e
	}
}

func WithRollupClock(now func() time.Time) RollupOption {
	return func(r *RollupService) {
		r.now = now
	}
}

func WithRollupLogger(logger *slog.Logger) RollupOption {
	return func(r *RollupService) {
		r.logger = logger
	}
}

func NewRollupService(store EventStore, journal Journal, index VectorIndex, cfg RollupConfig, opts ...RollupOption) *RollupService {
	r := &RollupService{
		store:    store,
		journal:  journal,
		index:    index,
		fallback: NewExtractiveSummarizer(0),
		cfg:      cfg,
		logger:   logging.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.summarizer == nil {
		r.summarizer = r.fallback
	}
	return r
}

// Run rolls up every branch once per interval until ctx is cancelled.
func (r *RollupService) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = DefaultRollupConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAll(ctx)
		}
	}
}

func (r *RollupService) runAll(ctx context.Context) {
	branches, err := r.journal.ListBranches(ctx)
	if err != nil {
		r.logger.Warn("roll-up: list branches failed", "error", err)
		return
	}
	for _, b := range branches {
		if ctx.Err() != nil {
			return
		}
		_, err := r.RunOnce(ctx, b.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrStaleHead):
			r.logger.Info("roll-up aborted, head moved", "branch", b.Name)
		default:
			r.logger.Warn("roll-up failed", "branch", b.Name, "error", err)
		}
	}
}

// eligible returns the live regular commits to fold, newest first. The
// newest KeepRecent regular commits are never eligible.
func (r *RollupService) eligible(history []*Commit) []*Commit {
	var regular []*Commit
	for _, c := range history {
		if c.Kind == CommitRegular {
			regular = append(regular, c)
		}
	}
	if len(regular) <= r.cfg.KeepRecent {
		return nil
	}

	old := regular[r.cfg.KeepRecent:]
	if r.cfg.MaxLiveCommits > 0 && len(regular) > r.cfg.MaxLiveCommits {
		return old
	}
	if r.cfg.MaxAge > 0 {
		cutoff := r.now().Add(-r.cfg.MaxAge)
		var aged []*Commit
		for _, c := range old {
			if c.Timestamp.Before(cutoff) {
				aged = append(aged, c)
			}
		}
		return aged
	}
	return nil
}

// RunOnce rolls up one branch. It returns a nil result when nothing is
// eligible, and an ErrStaleHead error when the head moved while it worked.
func (r *RollupService) RunOnce(ctx context.Context, branchID string) (*RollupResult, error) {
	b, err := r.journal.Branch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	head := b.Head
	if head == "" {
		return nil, nil
	}

	history, err := CollectHistory(ctx, r.journal, head, HistoryOptions{})
	if err != nil {
		return nil, err
	}
	fold := r.eligible(history)
	if len(fold) == 0 {
		return nil, nil
	}

	// Oldest first for the summary.
	slices.Reverse(fold)
	commitIDs := make([]string, 0, len(fold))
	var eventIDs []string
	for _, c := range fold {
		commitIDs = append(commitIDs, c.ID)
		eventIDs = append(eventIDs, c.EventIDs...)
	}
	eventIDs = dedupe(eventIDs)

	events := make([]*Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	text, err := r.summarizer.Summarize(ctx, events)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("summarizer failed, using extractive summary", "summarizer", r.summarizer.Name(), "error", err)
		if text, err = r.fallback.Summarize(ctx, events); err != nil {
			return nil, err
		}
	}

	// Summarizing can take a while; skip the append when a writer got in.
	if now, err := r.journal.Branch(ctx, b.ID); err != nil {
		return nil, err
	} else if now.Head != head {
		return nil, goerr.Wrap(&StaleHeadError{BranchID: b.ID, Expected: head, Actual: now.Head},
			"branch moved during roll-up", goerr.V("branch", b.Name))
	}

	opts := []AppendOption{WithProvenance(eventIDs), DeferNotice()}
	if r.embedder != nil {
		if vec, err := r.embedder.Embed(ctx, text); err == nil {
			opts = append(opts, WithVector(vec))
		} else {
			r.logger.Warn("summary embedding failed", "error", err)
		}
	}
	summary, err := r.store.Append(ctx, b.ID, RollupEventType, text, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "append roll-up summary", goerr.V("branch", b.Name))
	}

	commit, err := r.journal.CommitRollup(ctx, RollupInput{
		BranchID:       b.ID,
		ExpectedHead:   head,
		SummaryEventID: summary.ID,
		Supersedes:     commitIDs,
		Message:        fmt.Sprintf("roll-up of %d commits", len(commitIDs)),
	})
	if err != nil {
		r.discard(ctx, summary.ID)
		return nil, err
	}
	if err := r.store.Announce(ctx, summary); err != nil {
		r.logger.Warn("roll-up summary not queued for indexing", "event_id", summary.ID, "error", err)
	}

	superseded, err := r.retire(ctx, eventIDs, commit.ID)
	if err != nil {
		// The roll-up commit is in place; retiring is retried on the next
		// cycle that folds these events.
		r.logger.Warn("roll-up committed but event retirement failed", "commit_id", commit.ID, "error", err)
	}

	r.logger.Info("roll-up committed",
		"branch", b.Name, "commit_id", commit.ID, "folded_commits", len(commitIDs),
		"folded_events", len(eventIDs), "retired_events", len(superseded))

	return &RollupResult{Commit: commit, SummaryEvent: summary, SupersededEvents: superseded}, nil
}

// discard drops a summary whose roll-up commit lost the race.
func (r *RollupService) discard(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Discard(ctx, id); err != nil {
		r.logger.Warn("orphaned roll-up summary", "event_id", id, "error", err)
	}
	if r.index != nil {
		if err := r.index.Remove(ctx, id); err != nil {
			r.logger.Warn("index remove failed", "event_id", id, "error", err)
		}
	}
}

// retire soft-deletes the folded events that no branch head can still see and
// drops them from the vector index.
func (r *RollupService) retire(ctx context.Context, eventIDs []string, rollupID string) ([]string, error) {
	branches, err := r.journal.ListBranches(ctx)
	if err != nil {
		return nil, err
	}

	var live []string
	for _, b := range branches {
		ids, err := LiveEventIDs(ctx, r.journal, b.Head, 0)
		if err != nil {
			return nil, err
		}
		live = append(live, ids...)
	}

	retired := subtract(eventIDs, live)
	if err := r.store.Supersede(ctx, retired, rollupID); err != nil {
		return nil, err
	}
	if r.index != nil {
		for _, id := range retired {
			if err := r.index.Remove(ctx, id); err != nil {
				r.logger.Warn("index remove failed", "event_id", id, "error", err)
			}
		}
	}
	return retired, nil
}

var _ Summarizer = (*ExtractiveSummarizer)(nil)

// ExtractiveSummarizer keeps the first line of every event, oldest first,
// clipped to a rune limit. It needs no model and never fails on input.
type ExtractiveSummarizer struct {
	maxRunes int
}

func NewExtractiveSummarizer(maxRunes int) *ExtractiveSummarizer {
	if maxRunes <= 0 {
		maxRunes = 4000
	}
	return &ExtractiveSummarizer{maxRunes: maxRunes}
}

func (s *ExtractiveSummarizer) Summarize(ctx context.Context, events []*Event) (string, error) {
	if len(events) == 0 {
		return "", goerr.Wrap(ErrInvalidArgument, "nothing to summarize")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d events", len(events))
	first, last := events[0].Timestamp, events[len(events)-1].Timestamp
	if !first.IsZero() {
		fmt.Fprintf(&sb, " from %s to %s", first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	}
	sb.WriteString(":\n")

	for _, ev := range events {
		line, _, _ := strings.Cut(ev.Payload, "\n")
		entry := fmt.Sprintf("- %s: %s\n", ev.Type, clip(line, 200))
		if utf8.RuneCountInString(sb.String())+utf8.RuneCountInString(entry) > s.maxRunes {
			sb.WriteString("- ...\n")
			break
		}
		sb.WriteString(entry)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (s *ExtractiveSummarizer) Name() string {
	return "extractive"
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
