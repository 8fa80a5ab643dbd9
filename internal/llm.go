package internal

import "context"

// Embedder turns text into a vector. Implementations may be slow and may
// fail; callers treat failures as ErrEmbeddingUnavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// Summarizer condenses a run of events into one summary payload for a
// roll-up commit.
type Summarizer interface {
	Summarize(ctx context.Context, events []*Event) (string, error)
	Name() string
}
