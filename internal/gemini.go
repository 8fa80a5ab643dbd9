package internal

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

const DefaultGeminiEmbeddingModel = "gemini-embedding-001"

type GeminiConfig struct {
	APIKey    string
	Project   string
	Location  string
	Model     string
	Dimension int
}

var _ Embedder = (*GeminiEmbedder)(nil)

type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGeminiEmbedder uses the Gemini API when an API key is set and Vertex AI
// otherwise.
func NewGeminiEmbedder(ctx context.Context, cfg GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.Dimension <= 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "embedding dimension must be positive")
	}

	cc := &genai.ClientConfig{
		Project:  cfg.Project,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	}
	if cfg.APIKey != "" {
		cc = &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiEmbeddingModel
	}
	return &GeminiEmbedder{client: client, model: model, dimension: cfg.Dimension}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(g.dimension)
	resp, err := g.client.Models.EmbedContent(ctx, g.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, goerr.Wrap(errors.Join(ErrEmbeddingUnavailable, err), "failed to embed content", goerr.V("model", g.model))
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "empty embedding response", goerr.V("model", g.model))
	}

	vec := resp.Embeddings[0].Values
	if len(vec) != g.dimension {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "embedding dimension mismatch",
			goerr.V("expected", g.dimension), goerr.V("actual", len(vec)))
	}
	return vec, nil
}

func (g *GeminiEmbedder) Dimension() int {
	return g.dimension
}

func (g *GeminiEmbedder) Name() string {
	return "gemini:" + g.model
}
