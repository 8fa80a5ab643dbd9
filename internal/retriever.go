package internal

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/4thel00z/ctxmem/internal/logging"
)

type Filters struct {
	Types []string
	Since time.Time
	Until time.Time
}

func (f Filters) match(ev *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

type Query struct {
	Text      string
	Embedding []float32
	Ref       string
	K         int
	Filters   Filters
}

type Candidate struct {
	Event    *Event
	CommitID string
	Score    float64
	Vector   float64
	Lexical  float64
	Recency  float64
}

// Degradation records a component whose contribution was dropped.
type Degradation struct {
	Component string
	Reason    string
}

type RetrieveResult struct {
	Resolved   *ResolvedRef
	Candidates []Candidate
	// Live is the number of live events before filters.
	Live     int
	Degraded []Degradation
}

type RetrieverConfig struct {
	Alpha           float64
	RecencyWeight   float64
	RecencyHalfLife time.Duration
	CommitWindow    int
	IndexTimeout    time.Duration
	IndexRetries    int
	Concurrency     int
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		Alpha:           0.6,
		RecencyWeight:   0.1,
		RecencyHalfLife: 7 * 24 * time.Hour,
		CommitWindow:    50,
		IndexTimeout:    2 * time.Second,
		IndexRetries:    2,
		Concurrency:     8,
	}
}

// Retriever ranks the live events of a ref by a blend of vector similarity,
// lexical match and recency.
type Retriever struct {
	store   EventStore
	journal Journal
	index   VectorIndex
	cfg     RetrieverConfig
	logger  *slog.Logger
	now     func() time.Time
}

type RetrieverOption func(*Retriever)

func WithRetrieverClock(now func() time.Time) RetrieverOption {
	return func(r *Retriever) {
		r.now = now
	}
}

func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		r.logger = logger
	}
}

func NewRetriever(store EventStore, journal Journal, index VectorIndex, cfg RetrieverConfig, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:   store,
		journal: journal,
		index:   index,
		cfg:     cfg,
		logger:  logging.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Retriever) Retrieve(ctx context.Context, q Query) (*RetrieveResult, error) {
	if q.K <= 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "k must be positive", goerr.V("k", q.K))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved, err := r.journal.Resolve(ctx, q.Ref)
	if err != nil {
		return nil, err
	}

	live, err := LiveEvents(ctx, r.journal, resolved.CommitID, r.cfg.CommitWindow)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, goerr.Wrap(ErrEmptyCandidateSet, "retrieve", goerr.V("ref", q.Ref))
	}

	events, err := r.load(ctx, live)
	if err != nil {
		return nil, err
	}

	res := &RetrieveResult{Resolved: resolved, Live: len(live)}

	var cands []Candidate
	for i, ev := range events {
		if q.Filters.match(ev) {
			cands = append(cands, Candidate{Event: ev, CommitID: live[i].CommitID})
		}
	}
	if len(cands) == 0 {
		return res, nil
	}

	vectorOK := false
	if len(q.Embedding) == 0 {
		res.Degraded = append(res.Degraded, Degradation{Component: "embedding", Reason: "no query embedding"})
	} else if scores, err := r.vectorScores(ctx, q.Embedding, cands); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("vector scoring unavailable, using lexical only", "error", err)
		res.Degraded = append(res.Degraded, Degradation{Component: "index", Reason: err.Error()})
	} else {
		vectorOK = true
		for i := range cands {
			cands[i].Vector = scores[cands[i].Event.ID]
		}
	}

	for i := range cands {
		cands[i].Lexical = LexicalScore(q.Text, cands[i].Event.Payload)
	}

	r.combine(cands, vectorOK)

	slices.SortFunc(cands, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Event.ID, b.Event.ID)
	})
	if len(cands) > q.K {
		cands = cands[:q.K]
	}
	res.Candidates = cands
	return res, nil
}

func (r *Retriever) load(ctx context.Context, live []LiveEvent) ([]*Event, error) {
	events := make([]*Event, len(live))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.cfg.Concurrency))
	for i, le := range live {
		g.Go(func() error {
			ev, err := r.store.Get(gctx, le.EventID)
			if err != nil {
				return err
			}
			events[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, goerr.Wrap(err, "load live events")
	}
	return events, nil
}

// vectorScores queries the index for the candidate set with a per-attempt
// timeout, retrying failed attempts with backoff.
func (r *Retriever) vectorScores(ctx context.Context, vec []float32, cands []Candidate) (map[string]float64, error) {
	if r.index == nil {
		return nil, ErrIndexUnavailable
	}

	ids := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		ids[c.Event.ID] = struct{}{}
	}

	var (
		hits []VectorHit
		err  error
	)
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt <= r.cfg.IndexRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		qctx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.IndexTimeout > 0 {
			qctx, cancel = context.WithTimeout(ctx, r.cfg.IndexTimeout)
		}
		hits, err = r.index.Query(qctx, vec, len(ids), VectorFilter{IDs: ids})
		cancel()

		if err == nil || ctx.Err() != nil || IsValidation(err) {
			break
		}
		r.logger.Debug("index query failed", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query vector index")
	}

	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.EmbeddingID] = float64(h.Similarity)
	}
	return scores, nil
}

// combine fills Score. Without vector scores the lexical part carries the
// full non-recency weight.
func (r *Retriever) combine(cands []Candidate, withVector bool) {
	vec := make([]float64, len(cands))
	lex := make([]float64, len(cands))
	for i, c := range cands {
		vec[i] = c.Vector
		lex[i] = c.Lexical
	}
	minMax(vec)
	minMax(lex)

	alpha := r.cfg.Alpha
	if !withVector {
		alpha = 0
	}

	now := r.now()
	for i := range cands {
		cands[i].Recency = RecencyBonus(now.Sub(cands[i].Event.Timestamp), r.cfg.RecencyHalfLife, r.cfg.RecencyWeight)
		cands[i].Score = alpha*vec[i] + (1-alpha)*lex[i] + cands[i].Recency
	}
}

// minMax rescales xs into [0, 1] in place. A constant slice maps to 1 when
// its value is positive and to 0 otherwise.
func minMax(xs []float64) {
	if len(xs) == 0 {
		return
	}
	lo, hi := slices.Min(xs), slices.Max(xs)
	if hi == lo {
		v := 0.0
		if hi > 0 {
			v = 1
		}
		for i := range xs {
			xs[i] = v
		}
		return
	}
	for i := range xs {
		xs[i] = (xs[i] - lo) / (hi - lo)
	}
}

// RecencyBonus halves every halfLife of age. Future timestamps count as age
// zero.
func RecencyBonus(age, halfLife time.Duration, weight float64) float64 {
	if weight == 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	if halfLife <= 0 {
		return weight
	}
	return weight * math.Pow(0.5, float64(age)/float64(halfLife))
}

// LexicalScore is the fraction of query keywords present in the payload,
// plus one when the query occurs verbatim and one more when it is the whole
// payload. Matching ignores case.
func LexicalScore(query, payload string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	p := strings.ToLower(payload)

	terms := tokenize(q)
	var score float64
	if len(terms) > 0 {
		have := make(map[string]struct{})
		for _, t := range tokenize(p) {
			have[t] = struct{}{}
		}
		uniq := make(map[string]struct{}, len(terms))
		hit := 0
		for _, t := range terms {
			if _, dup := uniq[t]; dup {
				continue
			}
			uniq[t] = struct{}{}
			if _, ok := have[t]; ok {
				hit++
			}
		}
		score = float64(hit) / float64(len(uniq))
	}

	if strings.Contains(p, q) {
		score++
	}
	if strings.TrimSpace(p) == q {
		score++
	}
	return score
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
