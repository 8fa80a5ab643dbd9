package internal

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4thel00z/ctxmem/internal/logging"
)

// failingIndex is a VectorIndex whose queries always fail.
type failingIndex struct {
	VectorIndex
	calls atomic.Int32
}

func (f *failingIndex) Query(ctx context.Context, vec []float32, k int, filter VectorFilter) ([]VectorHit, error) {
	f.calls.Add(1)
	return nil, errors.New("index offline")
}

// blockingIndex holds every query until its context ends.
type blockingIndex struct {
	VectorIndex
	started chan struct{}
}

func (b *blockingIndex) Query(ctx context.Context, vec []float32, k int, filter VectorFilter) ([]VectorHit, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestRetriever(t *testing.T, env *testEnv, index VectorIndex, cfg RetrieverConfig) *Retriever {
	t.Helper()
	now := newStepClock(testEpoch.Add(time.Hour), 0)
	return NewRetriever(env.store, env.journal, index, cfg,
		WithRetrieverClock(now.Now),
		WithRetrieverLogger(logging.Discard()),
	)
}

// indexed appends events with vectors along distinct axes, commits them on
// main and loads them into a fresh annoy index.
func indexed(t *testing.T, env *testEnv, payloads ...string) ([]*Event, *AnnoyIndex) {
	t.Helper()
	ctx := context.Background()
	idx := newTestAnnoy(t, t.TempDir())

	var (
		events []*Event
		ids    []string
	)
	for i, p := range payloads {
		ev := env.append(t, env.main.ID, "note", p, WithVector(axis(4, i)))
		events = append(events, ev)
		ids = append(ids, ev.ID)
		require.NoError(t, idx.Upsert(ctx, ev.ID, axis(4, i), VectorMeta{EventID: ev.ID, BranchID: ev.BranchID, Timestamp: ev.Timestamp}))
	}
	require.NoError(t, idx.Refresh(ctx))
	env.drainQueue()
	env.commit(t, "main", ids...)
	return events, idx
}

func TestRetrieverRanksByVectorAndText(t *testing.T) {
	env := newTestEnv(t)
	events, idx := indexed(t, env, "deploy the api gateway", "lunch menu", "gateway timeout incident")

	r := newTestRetriever(t, env, idx, DefaultRetrieverConfig())
	res, err := r.Retrieve(context.Background(), Query{
		Text:      "gateway",
		Embedding: axis(4, 2),
		Ref:       "main",
		K:         3,
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Empty(t, res.Degraded)
	assert.Equal(t, 3, res.Live)

	assert.Equal(t, events[2].ID, res.Candidates[0].Event.ID)
	assert.Equal(t, events[1].ID, res.Candidates[2].Event.ID)
	for i := 1; i < len(res.Candidates); i++ {
		assert.GreaterOrEqual(t, res.Candidates[i-1].Score, res.Candidates[i].Score)
	}
}

func TestRetrieverIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	_, idx := indexed(t, env, "alpha", "beta", "gamma", "delta")
	r := newTestRetriever(t, env, idx, DefaultRetrieverConfig())

	q := Query{Text: "nothing matches", Embedding: axis(4, 0), Ref: "main", K: 4}
	first, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	for range 5 {
		again, err := r.Retrieve(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, again.Candidates, len(first.Candidates))
		for i := range first.Candidates {
			assert.Equal(t, first.Candidates[i].Event.ID, again.Candidates[i].Event.ID)
			assert.Equal(t, first.Candidates[i].Score, again.Candidates[i].Score)
		}
	}
}

func TestRetrieverDegradesToLexical(t *testing.T) {
	env := newTestEnv(t)
	events, _ := indexed(t, env, "cache eviction policy", "weekly report")

	cfg := DefaultRetrieverConfig()
	cfg.IndexRetries = 1
	broken := &failingIndex{}
	r := newTestRetriever(t, env, broken, cfg)

	res, err := r.Retrieve(context.Background(), Query{Text: "cache", Embedding: axis(4, 1), Ref: "main", K: 2})
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "index", res.Degraded[0].Component)
	assert.Equal(t, int32(2), broken.calls.Load())
	assert.Equal(t, events[0].ID, res.Candidates[0].Event.ID)
	assert.Zero(t, res.Candidates[0].Vector)
}

func TestRetrieverWithoutQueryEmbedding(t *testing.T) {
	env := newTestEnv(t)
	_, idx := indexed(t, env, "one", "two")
	r := newTestRetriever(t, env, idx, DefaultRetrieverConfig())

	res, err := r.Retrieve(context.Background(), Query{Text: "two", Ref: "main", K: 1})
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "embedding", res.Degraded[0].Component)
	assert.Equal(t, "two", res.Candidates[0].Event.Payload)
}

func TestRetrieverEmptyCandidateSet(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRetriever(t, env, nil, DefaultRetrieverConfig())

	_, err := r.Retrieve(context.Background(), Query{Text: "x", Ref: "main", K: 1})
	assert.ErrorIs(t, err, ErrEmptyCandidateSet)

	_, err = r.Retrieve(context.Background(), Query{Text: "x", Ref: "main", K: 0})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = r.Retrieve(context.Background(), Query{Text: "x", Ref: "unknown", K: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieverFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.append(t, env.main.ID, "decision", "use sqlite")
	b := env.append(t, env.main.ID, "note", "sqlite is fine")
	env.commit(t, "main", a.ID, b.ID)

	r := newTestRetriever(t, env, nil, DefaultRetrieverConfig())
	res, err := r.Retrieve(ctx, Query{Text: "sqlite", Ref: "main", K: 5, Filters: Filters{Types: []string{"decision"}}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, a.ID, res.Candidates[0].Event.ID)

	res, err = r.Retrieve(ctx, Query{Text: "sqlite", Ref: "main", K: 5, Filters: Filters{Since: b.Timestamp}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, b.ID, res.Candidates[0].Event.ID)
}

func TestRetrieverRespectsForkIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := env.append(t, env.main.ID, "note", "shared fact")
	env.commit(t, "main", base.ID)
	exp, err := env.journal.Fork(ctx, "main", "exp")
	require.NoError(t, err)
	only := env.append(t, exp.ID, "note", "experimental fact")
	env.commit(t, "exp", only.ID)

	r := newTestRetriever(t, env, nil, DefaultRetrieverConfig())
	res, err := r.Retrieve(ctx, Query{Text: "fact", Ref: "main", K: 10})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, base.ID, res.Candidates[0].Event.ID)

	res, err = r.Retrieve(ctx, Query{Text: "fact", Ref: "exp", K: 10})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
}

func TestLexicalScore(t *testing.T) {
	assert.Zero(t, LexicalScore("", "anything"))
	assert.Equal(t, 0.5, LexicalScore("red car", "a red bicycle"))
	assert.Equal(t, 2.0, LexicalScore("red car", "the Red Car parked"))
	assert.Equal(t, 3.0, LexicalScore("Red Car", "red car"))
}

func TestRecencyBonus(t *testing.T) {
	day := 24 * time.Hour
	assert.Equal(t, 0.1, RecencyBonus(0, day, 0.1))
	assert.InDelta(t, 0.05, RecencyBonus(day, day, 0.1), 1e-9)
	assert.Equal(t, 0.1, RecencyBonus(-time.Hour, day, 0.1))
	assert.Zero(t, RecencyBonus(day, day, 0))
}

func TestMinMax(t *testing.T) {
	xs := []float64{2, 4, 3}
	minMax(xs)
	assert.Equal(t, []float64{0, 1, 0.5}, xs)

	same := []float64{0.3, 0.3}
	minMax(same)
	assert.Equal(t, []float64{1, 1}, same)

	zeros := []float64{0, 0}
	minMax(zeros)
	assert.Equal(t, []float64{0, 0}, zeros)
	assert.False(t, math.IsNaN(zeros[0]))
}

func TestRetrieverHonorsCancellation(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(cancel context.CancelFunc, started <-chan struct{})
	}{
		{
			name:   "before the call",
			cancel: func(cancel context.CancelFunc, _ <-chan struct{}) { cancel() },
		},
		{
			name: "during the index query",
			cancel: func(cancel context.CancelFunc, started <-chan struct{}) {
				go func() {
					<-started
					cancel()
				}()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			indexed(t, env, "cache eviction policy", "weekly report")

			cfg := DefaultRetrieverConfig()
			cfg.IndexTimeout = 0
			cfg.IndexRetries = 3
			idx := &blockingIndex{started: make(chan struct{}, 1)}
			r := newTestRetriever(t, env, idx, cfg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.cancel(cancel, idx.started)

			res, err := r.Retrieve(ctx, Query{Text: "cache", Embedding: axis(4, 0), Ref: "main", K: 2})
			assert.ErrorIs(t, err, context.Canceled)
			assert.Nil(t, res)
		})
	}
}
