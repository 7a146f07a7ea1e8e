package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"
)

// clinicalAnalyzerName is the bleve analyzer used for chunk content:
// whitespace tokenization with lowercasing, nothing else. Clinical text
// carries codes ("mg/dL", "I10", "120/80") that stemming would destroy.
const clinicalAnalyzerName = "clinical"

// BleveSparseIndex implements SparseIndex on a bleve full-text index.
type BleveSparseIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

var _ SparseIndex = (*BleveSparseIndex)(nil)

type bleveChunkDoc struct {
	Content string `json:"content"`
}

// NewBleveSparseIndex opens (or creates) a bleve index at path. An empty
// path creates an in-memory index for tests.
func NewBleveSparseIndex(path string) (*BleveSparseIndex, error) {
	indexMapping, err := clinicalIndexMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open sparse index: %w", err)
	}
	return &BleveSparseIndex{index: idx}, nil
}

func clinicalIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(clinicalAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add clinical analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = clinicalAnalyzerName
	return indexMapping, nil
}

// Index adds or replaces chunk documents.
func (b *BleveSparseIndex) Index(_ context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("sparse index is closed")
	}

	batch := b.index.NewBatch()
	for _, chunk := range chunks {
		if err := batch.Index(chunk.ChunkID, bleveChunkDoc{Content: chunk.Content}); err != nil {
			return fmt.Errorf("index chunk %s: %w", chunk.ChunkID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search returns the top limit chunks for query, scored by BM25.
// A query wrapped in double quotes runs as an exact phrase match.
func (b *BleveSparseIndex) Search(ctx context.Context, queryStr string, limit int) ([]SparseResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}

	queryStr = strings.TrimSpace(queryStr)
	if queryStr == "" {
		return []SparseResult{}, nil
	}

	var req *bleve.SearchRequest
	if phrase, ok := phraseQuery(queryStr); ok {
		q := bleve.NewMatchPhraseQuery(phrase)
		q.SetField("content")
		req = bleve.NewSearchRequest(q)
	} else {
		q := bleve.NewMatchQuery(queryStr)
		q.SetField("content")
		req = bleve.NewSearchRequest(q)
	}
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}

	results := make([]SparseResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, SparseResult{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Delete removes chunk documents by ID.
func (b *BleveSparseIndex) Delete(_ context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("sparse index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Count returns the number of indexed documents.
func (b *BleveSparseIndex) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("sparse index is closed")
	}
	count, err := b.index.DocCount()
	return int(count), err
}

// Close closes the index. Bleve persists on write, so there is nothing
// to flush.
func (b *BleveSparseIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// phraseQuery reports whether the query is a quoted phrase and returns
// its unquoted content.
func phraseQuery(q string) (string, bool) {
	if len(q) >= 2 && strings.HasPrefix(q, `"`) && strings.HasSuffix(q, `"`) {
		return q[1 : len(q)-1], true
	}
	return "", false
}
