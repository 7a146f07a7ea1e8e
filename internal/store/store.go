package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
)

// Store composes the chunk table, vector index, and sparse index behind
// the operations the retrieval engine and ingestion queue need. The
// chunk table is the commit point; the indexes derive from it and are
// rebuilt when their snapshots are missing.
type Store struct {
	chunks  *ChunkDB
	vectors VectorIndex
	sparse  SparseIndex

	dataDir string
	lock    *flock.Flock
	log     *slog.Logger
}

// Options configures Open.
type Options struct {
	// DataDir holds all store files. Empty means fully in-memory.
	DataDir string

	// SparseBackend selects "bleve" (default) or "fts5".
	SparseBackend string

	// Dimensions is the embedding dimension D.
	Dimensions int

	Pool   PoolConfig
	Logger *slog.Logger
}

// Open builds the composite store, acquiring an exclusive lock on the
// data directory so two processes never share the same index files.
func Open(opts Options) (*Store, error) {
	const op = "store.open"

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Store{dataDir: opts.DataDir, log: log}

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		s.lock = flock.New(filepath.Join(opts.DataDir, ".lock"))
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		if !locked {
			return nil, ferrors.New(ferrors.KindFatal, op,
				fmt.Sprintf("data directory %s is locked by another process", opts.DataDir))
		}
	}

	chunkPath := ""
	if opts.DataDir != "" {
		chunkPath = filepath.Join(opts.DataDir, "chunks.db")
	}
	chunks, err := NewChunkDB(chunkPath, opts.Pool)
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.chunks = chunks

	sparse, err := NewSparseIndex(opts.SparseBackend, opts.DataDir)
	if err != nil {
		_ = chunks.Close()
		s.unlock()
		return nil, ferrors.Fatal(op, err)
	}
	s.sparse = sparse

	vectors := NewHNSWIndex(opts.Dimensions)
	s.vectors = vectors

	if opts.DataDir != "" {
		vecPath := s.vectorPath()
		if _, statErr := os.Stat(vecPath); statErr == nil {
			if loadErr := vectors.Load(vecPath); loadErr != nil {
				log.Warn("vector index load failed, rebuilding",
					slog.String("path", vecPath),
					slog.String("error", loadErr.Error()))
				if err := s.rebuildVectors(context.Background()); err != nil {
					s.closeAll()
					return nil, err
				}
			}
		} else if chunkCount, _ := chunks.Count(context.Background()); chunkCount > 0 {
			// Chunks survived a crash before the index snapshot did.
			if err := s.rebuildVectors(context.Background()); err != nil {
				s.closeAll()
				return nil, err
			}
		}
	}

	return s, nil
}

func (s *Store) vectorPath() string {
	return filepath.Join(s.dataDir, "vectors.hnsw")
}

// rebuildVectors repopulates the vector index from the chunk table.
func (s *Store) rebuildVectors(ctx context.Context) error {
	ids, vectors, err := s.chunks.AllVectors(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	s.log.Info("rebuilding vector index", slog.Int("chunks", len(ids)))
	if err := s.vectors.Add(ctx, ids, vectors); err != nil {
		return ferrors.Classify("store.rebuild", err)
	}
	return nil
}

// UpsertBatch commits all chunks of one work item. The chunk table
// transaction is the commit point; index writes follow and are safe to
// repeat because indexing is idempotent by chunk ID.
func (s *Store) UpsertBatch(ctx context.Context, chunks []*ChunkRecord) (inserted, updated int, err error) {
	inserted, updated, err = s.chunks.UpsertBatch(ctx, chunks)
	if err != nil {
		return 0, 0, err
	}

	ids := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	for i, chunk := range chunks {
		ids[i] = chunk.ChunkID
		vectors[i] = chunk.Vector
	}
	if err := s.vectors.Add(ctx, ids, vectors); err != nil {
		return 0, 0, ferrors.Classify("store.upsert", err)
	}
	if err := s.sparse.Index(ctx, chunks); err != nil {
		return 0, 0, ferrors.Classify("store.upsert", err)
	}
	return inserted, updated, nil
}

// DenseSearch returns the top k chunks by cosine similarity, then
// applies the equality filter.
func (s *Store) DenseSearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]ScoredChunk, error) {
	hits, err := s.vectors.Search(ctx, vector, k)
	if err != nil {
		return nil, ferrors.Classify("store.dense", err)
	}
	return s.hydrate(ctx, hitsToPairs(hits), filter)
}

// SparseSearch returns the top k chunks by BM25 score, then applies the
// equality filter.
func (s *Store) SparseSearch(ctx context.Context, query string, k int, filter map[string]string) ([]ScoredChunk, error) {
	hits, err := s.sparse.Search(ctx, query, k)
	if err != nil {
		return nil, ferrors.Classify("store.sparse", err)
	}
	pairs := make([]scoredID, len(hits))
	for i, h := range hits {
		pairs[i] = scoredID{id: h.ChunkID, score: h.Score}
	}
	return s.hydrate(ctx, pairs, filter)
}

// FilteredScan runs an exact-equality metadata scan.
func (s *Store) FilteredScan(ctx context.Context, q ScanQuery) ([]*ChunkRecord, error) {
	return s.chunks.Scan(ctx, q)
}

// Stats reports store health.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.chunks.Stats(ctx)
}

type scoredID struct {
	id    string
	score float64
}

func hitsToPairs(hits []DenseResult) []scoredID {
	pairs := make([]scoredID, len(hits))
	for i, h := range hits {
		pairs[i] = scoredID{id: h.ChunkID, score: h.Score}
	}
	return pairs
}

// hydrate loads chunk records for the hits, preserving score order and
// dropping chunks that fail the filter.
func (s *Store) hydrate(ctx context.Context, pairs []scoredID, filter map[string]string) ([]ScoredChunk, error) {
	if len(pairs) == 0 {
		return []ScoredChunk{}, nil
	}

	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
	}
	records, err := s.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, len(pairs))
	for _, p := range pairs {
		chunk, ok := records[p.id]
		if !ok {
			continue
		}
		if len(filter) > 0 && !chunk.Metadata.Matches(filter) {
			continue
		}
		results = append(results, ScoredChunk{Chunk: chunk, Score: p.score})
	}
	return results, nil
}

// Flush persists the vector index snapshot.
func (s *Store) Flush() error {
	if s.dataDir == "" {
		return nil
	}
	return s.vectors.Save(s.vectorPath())
}

// Close flushes and closes every component.
func (s *Store) Close() error {
	var firstErr error
	if err := s.Flush(); err != nil {
		firstErr = err
	}
	s.closeAll()
	return firstErr
}

func (s *Store) closeAll() {
	if s.vectors != nil {
		_ = s.vectors.Close()
	}
	if s.sparse != nil {
		_ = s.sparse.Close()
	}
	if s.chunks != nil {
		_ = s.chunks.Close()
	}
	s.unlock()
}

func (s *Store) unlock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}
