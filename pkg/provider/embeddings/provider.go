// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to a dense float32 vector. Lumi embeds every
// persisted user and assistant message (for topic continuity and in-session
// recall) and every summary (for long-term memory search), so all vectors that
// are ever compared must come from the same Provider.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions).
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The i-th result corresponds to texts[i]. On error the
	// entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for embeddings.
	ModelID() string
}
