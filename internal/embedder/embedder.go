// internal/embedder/embedder.go
package embedder

import (
	"context"
	"math"
)

// Embedder generates vector embeddings for text
type Embedder interface {
	// EmbedForStorage creates embeddings optimized for document storage,
	// one per input text and in the same order.
	EmbedForStorage(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedForSearch creates an embedding optimized for search queries
	EmbedForSearch(ctx context.Context, query string) ([]float32, error)
	// Dimensions is the length of every vector the embedder returns.
	Dimensions() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
