// Package embed provides vector embedding providers for chunk content
// and queries.
package embed

import (
	"context"
	"math"
	"time"

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
)

const (
	// DefaultDimensions matches mxbai-embed-large.
	DefaultDimensions = 1024

	// DefaultTimeout bounds every provider call.
	DefaultTimeout = 30 * time.Second

	// DefaultBatchSize is the number of texts sent per provider request.
	DefaultBatchSize = 32
)

// Embedder turns text into a fixed-dimension vector. Implementations must
// be deterministic for identical input within one model version.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension D.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases provider resources.
	Close() error
}

func errClosed(op string) error {
	return ferrors.New(ferrors.KindFatal, op, "embedder is closed")
}

// normalizeVector scales a vector to unit length so dot products equal
// cosine similarity. Zero vectors are returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
