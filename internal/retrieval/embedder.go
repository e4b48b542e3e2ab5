package retrieval

import (
	"context"
	"fmt"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// maxEmbedChars bounds the text handed to the embedding model.
const maxEmbedChars = 2000

// Embedder turns text into a vector. Version identifies the embedding
// function; records carry it so stale vectors can be detected.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Version() Version
}

// Version names an embedding model and the dimension it produces.
type Version struct {
	Model     string
	Dimension int
}

// EmbedClient is the backend call an EngineEmbedder delegates to.
// The Ollama client satisfies it.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// EngineEmbedder wraps an EmbedClient to generate text embeddings.
type EngineEmbedder struct {
	client    EmbedClient
	model     string
	dimension int
}

// NewEngineEmbedder creates an EngineEmbedder for model. dimension is the
// expected vector length; 0 accepts whatever the model returns.
func NewEngineEmbedder(c EmbedClient, model string, dimension int) *EngineEmbedder {
	return &EngineEmbedder{client: c, model: model, dimension: dimension}
}

func (e *EngineEmbedder) Version() Version {
	return Version{Model: e.model, Dimension: e.dimension}
}

// Embed returns the embedding vector for a single text.
func (e *EngineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, truncate(text, maxEmbedChars))
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(vec), e.dimension)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *EngineEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
