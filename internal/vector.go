package internal

import (
	"cmp"
	"context"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type VectorMeta struct {
	EventID   string    `json:"event_id"`
	BranchID  string    `json:"branch_id"`
	Timestamp time.Time `json:"timestamp"`
}

type VectorHit struct {
	EmbeddingID string
	Similarity  float32 // cosine, higher is better
	Meta        VectorMeta
}

// VectorFilter restricts a query. A nil IDs set admits every vector.
type VectorFilter struct {
	IDs map[string]struct{}
}

func (f VectorFilter) admits(id string) bool {
	if f.IDs == nil {
		return true
	}
	_, ok := f.IDs[id]
	return ok
}

// VectorIndex is a derived, eventually consistent index over event
// embeddings. Upserts become visible to Query after Refresh.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vec []float32, meta VectorMeta) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int, filter VectorFilter) ([]VectorHit, error)
	IsIndexed(id string) bool
	Refresh(ctx context.Context) error
	Len() int
	// Reset drops every vector, for a rebuild from the event store.
	Reset(ctx context.Context) error
	Save(ctx context.Context) error
	Load(ctx context.Context) error
	Close() error
}

func checkVector(vec []float32, dim int) error {
	if len(vec) != dim {
		return goerr.Wrap(ErrInvalidArgument, "dimension mismatch", goerr.V("expected", dim), goerr.V("actual", len(vec)))
	}
	if vecNorm(vec) == 0 {
		return goerr.Wrap(ErrInvalidArgument, "zero vector")
	}
	return nil
}

func vecNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// sortHits orders by descending similarity, then newer timestamp, then id.
func sortHits(hits []VectorHit) {
	slices.SortFunc(hits, func(a, b VectorHit) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := b.Meta.Timestamp.Compare(a.Meta.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.EmbeddingID, b.EmbeddingID)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
