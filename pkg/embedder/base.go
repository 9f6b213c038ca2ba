// Package embedder provides text-to-vector conversion for similarity search.
//
// Embeddings are optional for the engine: items without one still take part
// in keyword and graph retrieval, and reflection clustering falls back to
// a hashed bag-of-words vector.
package embedder

import "context"

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of produced vectors.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
