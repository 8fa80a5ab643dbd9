package internal

import (
	"context"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/m-mizutani/goerr/v2"
)

var _ Embedder = (*HashEmbedder)(nil)

// HashEmbedder is an offline embedder: lowercase word and bigram counts
// hashed into signed buckets and L2 normalized. Texts that share vocabulary
// land close together.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) (*HashEmbedder, error) {
	if dimension <= 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "embedding dimension must be positive", goerr.V("dimension", dimension))
	}
	return &HashEmbedder{dimension: dimension}, nil
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := tokenize(strings.ToLower(NormalizePayload(text)))
	if len(terms) == 0 {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "nothing to embed")
	}

	vec := make([]float32, h.dimension)
	add := func(feature string, weight float32) {
		sum := xxhash.Sum64String(feature)
		bucket := sum % uint64(h.dimension)
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[bucket] += weight
	}
	for i, t := range terms {
		add(t, 1)
		if i > 0 {
			add(terms[i-1]+" "+t, 0.5)
		}
	}

	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		// Every feature cancelled out; fall back to one bucket.
		vec[xxhash.Sum64String(terms[0])%uint64(h.dimension)] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(sq))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func (h *HashEmbedder) Name() string {
	return "hash"
}
