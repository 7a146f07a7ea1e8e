// Package store is the persistence layer: chunk records in SQLite, an
// HNSW index over their vectors, and a BM25 full-text index over their
// content.
package store

import (
	"context"
	"fmt"

	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

// ChunkRecord is one persisted chunk: content, its embedding, and the
// metadata extracted at ingestion time. Chunks are never mutated in
// place; re-ingest overwrites by ChunkID.
type ChunkRecord struct {
	ChunkID  string
	Content  string
	Vector   []float32
	Metadata fhir.Metadata
}

// ScoredChunk pairs a chunk with a retrieval score. The score's meaning
// depends on the producing search (cosine similarity, BM25, or fused).
type ScoredChunk struct {
	Chunk *ChunkRecord
	Score float64
}

// SparseResult is one full-text hit before chunk hydration.
type SparseResult struct {
	ChunkID string
	Score   float64
}

// DenseResult is one vector hit before chunk hydration.
type DenseResult struct {
	ChunkID string
	Score   float64
}

// SparseIndex provides BM25-equivalent keyword search over chunk content.
type SparseIndex interface {
	// Index adds or replaces documents by chunk ID.
	Index(ctx context.Context, chunks []*ChunkRecord) error

	// Search returns the top limit chunks for query, best first.
	// An empty or all-stopword query returns no results.
	Search(ctx context.Context, query string, limit int) ([]SparseResult, error)

	// Delete removes documents by chunk ID.
	Delete(ctx context.Context, chunkIDs []string) error

	// Count returns the number of indexed documents.
	Count() (int, error)

	Close() error
}

// VectorIndex provides approximate nearest neighbor search.
type VectorIndex interface {
	// Add inserts vectors by chunk ID, replacing existing entries.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search returns the k nearest chunks to query with cosine-based
	// similarity scores, higher is better.
	Search(ctx context.Context, query []float32, k int) ([]DenseResult, error)

	// Delete removes vectors by chunk ID.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of live vectors.
	Count() int

	// Save and Load persist the index and its ID mappings.
	Save(path string) error
	Load(path string) error

	Close() error
}

// Stats reports store health for the observability endpoints.
type Stats struct {
	ChunkCount     int `json:"chunk_count"`
	PoolSize       int `json:"pool_size"`
	PoolCheckedOut int `json:"pool_checked_out"`
	PoolOverflow   int `json:"pool_overflow"`
}

// ErrDimensionMismatch indicates a vector with the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
