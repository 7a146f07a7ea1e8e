package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

func testChunk(chunkID, resourceID, patientID, resourceType, content string, vector []float32) *ChunkRecord {
	return &ChunkRecord{
		ChunkID: chunkID,
		Content: content,
		Vector:  vector,
		Metadata: fhir.Metadata{
			PatientID:    patientID,
			ResourceID:   resourceID,
			ResourceType: resourceType,
			ChunkID:      chunkID,
			ChunkIndex:   0,
			TotalChunks:  1,
			ChunkSize:    len(content),
		},
	}
}

func vec(dims int, hot ...int) []float32 {
	v := make([]float32, dims)
	for _, i := range hot {
		v[i] = 1
	}
	return v
}

func TestChunkDB_UpsertIdempotent(t *testing.T) {
	db, err := NewChunkDB("", DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	chunks := []*ChunkRecord{
		testChunk("obs-1_chunk_0", "obs-1", "p-1", "Observation", "cholesterol 195", vec(4, 0)),
	}

	inserted, updated, err := db.UpsertBatch(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 0, updated)

	inserted, updated, err = db.UpsertBatch(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 1, updated)

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChunkDB_GetChunksRoundTrip(t *testing.T) {
	db, err := NewChunkDB("", DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	original := testChunk("obs-1_chunk_0", "obs-1", "p-1", "Observation", "glucose 98 mg/dL", vec(4, 1, 3))
	original.Metadata.EffectiveDate = "2024-01-15"

	_, _, err = db.UpsertBatch(ctx, []*ChunkRecord{original})
	require.NoError(t, err)

	got, err := db.GetChunks(ctx, []string{"obs-1_chunk_0", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	chunk := got["obs-1_chunk_0"]
	assert.Equal(t, original.Content, chunk.Content)
	assert.Equal(t, original.Vector, chunk.Vector)
	assert.Equal(t, "2024-01-15", chunk.Metadata.EffectiveDate)
	assert.Equal(t, "p-1", chunk.Metadata.PatientID)
}

func TestChunkDB_ScanFilterAndOrder(t *testing.T) {
	db, err := NewChunkDB("", DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	mk := func(id, patient, rtype, date string) *ChunkRecord {
		c := testChunk(id+"_chunk_0", id, patient, rtype, "content "+id, vec(4, 0))
		c.Metadata.EffectiveDate = date
		return c
	}
	_, _, err = db.UpsertBatch(ctx, []*ChunkRecord{
		mk("obs-1", "p-1", "Observation", "2024-03-01"),
		mk("obs-2", "p-1", "Observation", "2024-01-01"),
		mk("cond-1", "p-1", "Condition", "2024-02-01"),
		mk("obs-3", "p-1", "Observation", ""),
		mk("obs-4", "p-2", "Observation", "2024-05-01"),
	})
	require.NoError(t, err)

	results, err := db.Scan(ctx, ScanQuery{
		Equals:  map[string]string{"patient_id": "p-1"},
		OrderBy: "effective_date",
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	// Descending by date, missing dates last.
	assert.Equal(t, "obs-1_chunk_0", results[0].ChunkID)
	assert.Equal(t, "cond-1_chunk_0", results[1].ChunkID)
	assert.Equal(t, "obs-2_chunk_0", results[2].ChunkID)
	assert.Equal(t, "obs-3_chunk_0", results[3].ChunkID)

	// Type restriction via In.
	results, err = db.Scan(ctx, ScanQuery{
		Equals: map[string]string{"patient_id": "p-1"},
		In:     map[string][]string{"resource_type": {"Condition"}},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cond-1_chunk_0", results[0].ChunkID)
}

func TestChunkDB_ScanNumericMetadataFilter(t *testing.T) {
	db, err := NewChunkDB("", DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	mk := func(id string, index, total int) *ChunkRecord {
		c := testChunk(fmt.Sprintf("%s_chunk_%d", id, index), id, "p-1", "Observation", "content "+id, vec(4, 0))
		c.Metadata.ChunkIndex = index
		c.Metadata.TotalChunks = total
		return c
	}
	_, _, err = db.UpsertBatch(ctx, []*ChunkRecord{
		mk("obs-1", 0, 2),
		mk("obs-1", 1, 2),
		mk("obs-2", 0, 1),
	})
	require.NoError(t, err)

	// chunk_index and total_chunks are stored as JSON numbers; filter
	// values always arrive as strings.
	results, err := db.Scan(ctx, ScanQuery{
		Equals: map[string]string{"chunk_index": "1"},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "obs-1_chunk_1", results[0].ChunkID)

	results, err = db.Scan(ctx, ScanQuery{
		In:    map[string][]string{"total_chunks": {"2"}},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestChunkDB_ScanRejectsUnknownKey(t *testing.T) {
	db, err := NewChunkDB("", DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Scan(context.Background(), ScanQuery{
		Equals: map[string]string{"evil; DROP TABLE chunks": "x"},
	})
	assert.Error(t, err)
}

func TestHNSWIndex_AddSearchDelete(t *testing.T) {
	idx := NewHNSWIndex(4)
	defer func() { _ = idx.Close() }()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx,
		[]string{"a", "b", "c"},
		[][]float32{vec(4, 0), vec(4, 1), vec(4, 0, 1)},
	))
	assert.Equal(t, 3, idx.Count())

	results, err := idx.Search(ctx, vec(4, 0), 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	require.NoError(t, idx.Delete(ctx, []string{"a"}))
	assert.Equal(t, 2, idx.Count())

	results, err = idx.Search(ctx, vec(4, 0), 3)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ChunkID)
	}
}

func TestHNSWIndex_ReplaceExisting(t *testing.T) {
	idx := NewHNSWIndex(4)
	defer func() { _ = idx.Close() }()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{vec(4, 0)}))
	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{vec(4, 1)}))
	assert.Equal(t, 1, idx.Count())

	results, err := idx.Search(ctx, vec(4, 1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := NewHNSWIndex(4)
	defer func() { _ = idx.Close() }()

	err := idx.Add(context.Background(), []string{"a"}, [][]float32{vec(8, 0)})
	var mismatch ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
}

func TestHNSWIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/vectors.hnsw"

	idx := NewHNSWIndex(4)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []string{"a", "b"}, [][]float32{vec(4, 0), vec(4, 1)}))
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Close())

	restored := NewHNSWIndex(0)
	require.NoError(t, restored.Load(path))
	defer func() { _ = restored.Close() }()

	assert.Equal(t, 2, restored.Count())
	results, err := restored.Search(ctx, vec(4, 1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ChunkID)
}

func sparseBackends(t *testing.T) map[string]SparseIndex {
	t.Helper()
	bleveIdx, err := NewBleveSparseIndex("")
	require.NoError(t, err)
	ftsIdx, err := NewFTSSparseIndex("")
	require.NoError(t, err)
	return map[string]SparseIndex{"bleve": bleveIdx, "fts5": ftsIdx}
}

func TestSparseIndex_SearchRanksMatches(t *testing.T) {
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = idx.Close() }()
			ctx := context.Background()

			require.NoError(t, idx.Index(ctx, []*ChunkRecord{
				testChunk("c1", "obs-1", "p-1", "Observation", "Cholesterol total 195 mg/dL", nil),
				testChunk("c2", "obs-2", "p-1", "Observation", "Blood pressure 120/80 mmHg", nil),
				testChunk("c3", "cond-1", "p-1", "Condition", "Essential hypertension diagnosed", nil),
			}))

			results, err := idx.Search(ctx, "cholesterol", 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "c1", results[0].ChunkID)
			assert.Greater(t, results[0].Score, 0.0)

			count, err := idx.Count()
			require.NoError(t, err)
			assert.Equal(t, 3, count)
		})
	}
}

func TestSparseIndex_EmptyQueryReturnsNothing(t *testing.T) {
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = idx.Close() }()
			ctx := context.Background()

			require.NoError(t, idx.Index(ctx, []*ChunkRecord{
				testChunk("c1", "obs-1", "p-1", "Observation", "Cholesterol total 195", nil),
			}))

			results, err := idx.Search(ctx, "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, results)

			results, err = idx.Search(ctx, "zzznonexistentterm", 10)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestSparseIndex_DeleteRemovesDoc(t *testing.T) {
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = idx.Close() }()
			ctx := context.Background()

			require.NoError(t, idx.Index(ctx, []*ChunkRecord{
				testChunk("c1", "obs-1", "p-1", "Observation", "glucose fasting 98", nil),
			}))
			require.NoError(t, idx.Delete(ctx, []string{"c1"}))

			results, err := idx.Search(ctx, "glucose", 10)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestSparseIndex_QueryPunctuationIsLiteral(t *testing.T) {
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = idx.Close() }()
			ctx := context.Background()

			require.NoError(t, idx.Index(ctx, []*ChunkRecord{
				testChunk("c1", "obs-1", "p-1", "Observation", "blood pressure 120/80 mmHg", nil),
			}))

			// Operator-looking input is plain text, never query syntax.
			for _, q := range []string{
				"pressure AND 120/80",
				"pressure NEAR(mmhg",
				"mmhg OR -pressure",
			} {
				results, err := idx.Search(ctx, q, 10)
				require.NoError(t, err, "query %q", q)
				require.NotEmpty(t, results, "query %q", q)
				assert.Equal(t, "c1", results[0].ChunkID)
			}
		})
	}
}

func TestBleveSparseIndex_PhraseQuery(t *testing.T) {
	idx, err := NewBleveSparseIndex("")
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*ChunkRecord{
		testChunk("c1", "obs-1", "p-1", "Observation", "blood pressure 120/80", nil),
		testChunk("c2", "obs-2", "p-1", "Observation", "pressure ulcer on blood draw site", nil),
	}))

	results, err := idx.Search(ctx, `"blood pressure"`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestStore_UpsertAndSearch(t *testing.T) {
	s, err := Open(Options{Dimensions: 4})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	chunks := []*ChunkRecord{
		testChunk("obs-1_chunk_0", "obs-1", "p-1", "Observation", "cholesterol total 195 mg/dL", vec(4, 0)),
		testChunk("cond-1_chunk_0", "cond-1", "p-1", "Condition", "essential hypertension", vec(4, 1)),
		testChunk("obs-2_chunk_0", "obs-2", "p-2", "Observation", "cholesterol ldl 130", vec(4, 0, 2)),
	}
	inserted, updated, err := s.UpsertBatch(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Equal(t, 0, updated)

	dense, err := s.DenseSearch(ctx, vec(4, 0), 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, dense)
	assert.Equal(t, "obs-1_chunk_0", dense[0].Chunk.ChunkID)

	// Equality filter applies after the global top-k.
	dense, err = s.DenseSearch(ctx, vec(4, 0), 3, map[string]string{"patient_id": "p-2"})
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.Equal(t, "obs-2_chunk_0", dense[0].Chunk.ChunkID)

	sparse, err := s.SparseSearch(ctx, "cholesterol", 10, nil)
	require.NoError(t, err)
	assert.Len(t, sparse, 2)

	sparse, err = s.SparseSearch(ctx, "cholesterol", 10, map[string]string{"resource_type": "Condition"})
	require.NoError(t, err)
	assert.Empty(t, sparse)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ChunkCount)
}

func TestStore_ReingestDoesNotGrow(t *testing.T) {
	s, err := Open(Options{Dimensions: 4})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	chunks := []*ChunkRecord{
		testChunk("obs-1_chunk_0", "obs-1", "p-1", "Observation", "glucose 98", vec(4, 3)),
	}

	_, _, err = s.UpsertBatch(ctx, chunks)
	require.NoError(t, err)
	inserted, updated, err := s.UpsertBatch(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 1, updated)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunkCount)
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{DataDir: dir, Dimensions: 4})
	require.NoError(t, err)
	_, _, err = s.UpsertBatch(ctx, []*ChunkRecord{
		testChunk("obs-1_chunk_0", "obs-1", "p-1", "Observation", "cholesterol 195", vec(4, 0)),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Options{DataDir: dir, Dimensions: 4})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	dense, err := reopened.DenseSearch(ctx, vec(4, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.Equal(t, "obs-1_chunk_0", dense[0].Chunk.ChunkID)

	sparse, err := reopened.SparseSearch(ctx, "cholesterol", 1, nil)
	require.NoError(t, err)
	require.Len(t, sparse, 1)
}
