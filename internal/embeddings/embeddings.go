// Package embeddings turns text into vectors for semantic memory
// lookup. Backends are Ollama and OpenAI.
package embeddings

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// Embedder generates one embedding per text.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity computes cosine similarity between two vectors.
// Vectors of different length, or zero vectors, score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x, y := widen(a), widen(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(floats.Dot(x, y) / (na * nb))
}

// TopK returns indices of the k vectors most similar to query, best
// first.
func TopK(query []float32, vectors [][]float32, k int) []int {
	if k <= 0 || len(vectors) == 0 {
		return nil
	}
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = float64(CosineSimilarity(query, v))
	}
	idx := make([]int, len(scores))
	floats.Argsort(scores, idx)

	// Argsort is ascending.
	n := min(k, len(idx))
	out := make([]int, 0, n)
	for i := len(idx) - 1; i >= len(idx)-n; i-- {
		out = append(out, idx[i])
	}
	return out
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
