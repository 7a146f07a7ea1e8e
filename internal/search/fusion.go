// Package search is the retrieval engine: dense, sparse, hybrid, and
// timeline queries over the chunk store.
//
// Hybrid results are fused with weighted score combination: BM25 scores
// normalize against the list maximum, dense results contribute rank
// position, and the weighted sum orders the merged list.
package search

import (
	"sort"

	"github.com/hcai-dev/fhirsearch/internal/fhir"
	"github.com/hcai-dev/fhirsearch/internal/store"
)

// Result is one retrieval hit.
type Result struct {
	ChunkID  string        `json:"id"`
	Content  string        `json:"content"`
	Score    float64       `json:"score"`
	Metadata fhir.Metadata `json:"metadata"`

	// SparseScore and DenseScore are the normalized per-leg
	// contributions, populated for hybrid results only.
	SparseScore float64 `json:"sparse_score,omitempty"`
	DenseScore  float64 `json:"dense_score,omitempty"`
}

// fuse merges the sparse and dense candidate lists into one ranking.
//
// Sparse BM25 scores are unbounded, so they normalize against the list
// maximum. Dense cosine scores cluster too tightly to separate results,
// so the dense leg contributes rank position instead: the i-th of n
// results scores 1-i/n. The combined score is the weighted sum. Ties
// break by sparse contribution, then chunk ID ascending, so identical
// queries always return identical orderings.
func fuse(sparse, dense []store.ScoredChunk, weightSparse, weightDense float64) []Result {
	if len(sparse) == 0 && len(dense) == 0 {
		return []Result{}
	}

	byID := make(map[string]*Result, len(sparse)+len(dense))

	var maxSparse float64
	for _, s := range sparse {
		if s.Score > maxSparse {
			maxSparse = s.Score
		}
	}
	for _, s := range sparse {
		var norm float64
		if maxSparse > 0 {
			norm = s.Score / maxSparse
		}
		byID[s.Chunk.ChunkID] = &Result{
			ChunkID:     s.Chunk.ChunkID,
			Content:     s.Chunk.Content,
			Metadata:    s.Chunk.Metadata,
			SparseScore: norm,
		}
	}

	n := float64(len(dense))
	for i, d := range dense {
		rank := 1.0 - float64(i)/n
		if existing, ok := byID[d.Chunk.ChunkID]; ok {
			existing.DenseScore = rank
			continue
		}
		byID[d.Chunk.ChunkID] = &Result{
			ChunkID:    d.Chunk.ChunkID,
			Content:    d.Chunk.Content,
			Metadata:   d.Chunk.Metadata,
			DenseScore: rank,
		}
	}

	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.Score = weightSparse*r.SparseScore + weightDense*r.DenseScore
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].SparseScore != results[j].SparseScore {
			return results[i].SparseScore > results[j].SparseScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}
