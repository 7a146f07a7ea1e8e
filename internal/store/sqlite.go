package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

// metadataKeys is the allowlist of filterable metadata keys. Filter and
// order-by keys outside this set are rejected before reaching SQL.
var metadataKeys = map[string]bool{
	"patient_id": true, "resource_id": true, "resource_type": true,
	"full_url": true, "source_file": true, "chunk_id": true,
	"chunk_index": true, "total_chunks": true, "chunk_size": true,
	"effective_date": true, "status": true, "last_updated": true,
}

// PoolConfig bounds the SQLite connection pool.
type PoolConfig struct {
	Size           int
	Overflow       int
	AcquireTimeout time.Duration
}

// DefaultPoolConfig returns the default pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Size: 10, Overflow: 5, AcquireTimeout: 30 * time.Second}
}

// ChunkDB is the durable chunk table. It is the source of truth for
// committed chunks; the vector and sparse indexes derive from it.
type ChunkDB struct {
	mu     sync.RWMutex
	db     *sql.DB
	pool   PoolConfig
	closed bool
}

// ScanQuery describes a filtered metadata scan.
type ScanQuery struct {
	// Equals filters by exact equality on metadata keys.
	Equals map[string]string

	// In filters by set membership on a metadata key.
	In map[string][]string

	// OrderBy sorts descending by a metadata key, missing values last.
	OrderBy string

	// Limit caps the result count. Zero means no limit.
	Limit int
}

// NewChunkDB opens (or creates) the chunk database at path. An empty
// path opens an in-memory database for tests.
func NewChunkDB(path string, pool PoolConfig) (*ChunkDB, error) {
	const op = "store.open"

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ferrors.Fatal(op, err)
	}

	if pool.Size <= 0 {
		pool = DefaultPoolConfig()
	}
	if path == "" {
		// An in-memory database is per-connection; keep a single one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(pool.Size + pool.Overflow)
		db.SetMaxIdleConns(pool.Size)
	}
	db.SetConnMaxLifetime(0)

	// Pre-ping so a broken database surfaces at startup, not first query.
	pingCtx, cancel := context.WithTimeout(context.Background(), pool.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, ferrors.Classify(op, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ferrors.Fatal(op, err)
		}
	}

	c := &ChunkDB{db: db, pool: pool}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, ferrors.Fatal(op, err)
	}
	return c, nil
}

func (c *ChunkDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id    TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		content     TEXT NOT NULL,
		vector      BLOB NOT NULL,
		metadata    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_resource ON chunks(resource_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_patient
		ON chunks(json_extract(metadata, '$.patient_id'));
	CREATE INDEX IF NOT EXISTS idx_chunks_type
		ON chunks(json_extract(metadata, '$.resource_type'));
	CREATE INDEX IF NOT EXISTS idx_chunks_date
		ON chunks(json_extract(metadata, '$.effective_date'));
	`
	_, err := c.db.Exec(schema)
	return err
}

// UpsertBatch commits all chunks in one transaction, idempotent by
// chunk ID. Returns how many rows were newly inserted and how many
// replaced existing rows.
func (c *ChunkDB) UpsertBatch(ctx context.Context, chunks []*ChunkRecord) (inserted, updated int, err error) {
	const op = "store.upsert"

	if len(chunks) == 0 {
		return 0, 0, nil
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return 0, 0, ferrors.New(ferrors.KindFatal, op, "store is closed")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, ferrors.Classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	existsStmt, err := tx.PrepareContext(ctx, `SELECT 1 FROM chunks WHERE chunk_id = ?`)
	if err != nil {
		return 0, 0, ferrors.Classify(op, err)
	}
	defer func() { _ = existsStmt.Close() }()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, resource_id, content, vector, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			resource_id = excluded.resource_id,
			content     = excluded.content,
			vector      = excluded.vector,
			metadata    = excluded.metadata`)
	if err != nil {
		return 0, 0, ferrors.Classify(op, err)
	}
	defer func() { _ = upsertStmt.Close() }()

	for _, chunk := range chunks {
		metaJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return 0, 0, ferrors.Fatal(op, err)
		}

		var one int
		exists := true
		if err := existsStmt.QueryRowContext(ctx, chunk.ChunkID).Scan(&one); err != nil {
			if err != sql.ErrNoRows {
				return 0, 0, ferrors.Classify(op, err)
			}
			exists = false
		}

		if _, err := upsertStmt.ExecContext(ctx,
			chunk.ChunkID, chunk.Metadata.ResourceID, chunk.Content,
			encodeVector(chunk.Vector), string(metaJSON)); err != nil {
			return 0, 0, ferrors.Classify(op, err)
		}

		if exists {
			updated++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, ferrors.Classify(op, err)
	}
	return inserted, updated, nil
}

// GetChunks loads chunk records by ID. Missing IDs are simply absent
// from the result map.
func (c *ChunkDB) GetChunks(ctx context.Context, ids []string) (map[string]*ChunkRecord, error) {
	const op = "store.get"

	result := make(map[string]*ChunkRecord, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(
		`SELECT chunk_id, content, vector, metadata FROM chunks WHERE chunk_id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		result[chunk.ChunkID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Classify(op, err)
	}
	return result, nil
}

// Scan runs a filtered metadata scan per the query.
func (c *ChunkDB) Scan(ctx context.Context, q ScanQuery) ([]*ChunkRecord, error) {
	const op = "store.scan"

	var conds []string
	var args []any

	// Iterate keys in sorted order so the generated SQL is deterministic.
	for _, key := range sortedKeys(q.Equals) {
		if !metadataKeys[key] {
			return nil, ferrors.Newf(ferrors.KindValidation, op, "unknown filter key %q", key)
		}
		// CAST so numeric metadata values compare against string binds.
		conds = append(conds, fmt.Sprintf("CAST(json_extract(metadata, '$.%s') AS TEXT) = ?", key))
		args = append(args, q.Equals[key])
	}
	for _, key := range sortedKeys(q.In) {
		if !metadataKeys[key] {
			return nil, ferrors.Newf(ferrors.KindValidation, op, "unknown filter key %q", key)
		}
		vals := q.In[key]
		if len(vals) == 0 {
			continue
		}
		placeholders := make([]string, len(vals))
		for i, v := range vals {
			placeholders[i] = "?"
			args = append(args, v)
		}
		conds = append(conds, fmt.Sprintf("CAST(json_extract(metadata, '$.%s') AS TEXT) IN (%s)",
			key, strings.Join(placeholders, ",")))
	}

	query := `SELECT chunk_id, content, vector, metadata FROM chunks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.OrderBy != "" {
		if !metadataKeys[q.OrderBy] {
			return nil, ferrors.Newf(ferrors.KindValidation, op, "unknown order key %q", q.OrderBy)
		}
		query += fmt.Sprintf(" ORDER BY json_extract(metadata, '$.%s') DESC NULLS LAST, chunk_id ASC", q.OrderBy)
	} else {
		query += " ORDER BY chunk_id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var results []*ChunkRecord
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		results = append(results, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Classify(op, err)
	}
	return results, nil
}

// Count returns the total number of persisted chunks.
func (c *ChunkDB) Count(ctx context.Context) (int, error) {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, ferrors.Classify("store.count", err)
	}
	return count, nil
}

// AllVectors streams every chunk ID and vector, used to rebuild the
// vector index when its snapshot is missing.
func (c *ChunkDB) AllVectors(ctx context.Context) ([]string, [][]float32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT chunk_id, vector FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return nil, nil, ferrors.Classify("store.vectors", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	var vectors [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, ferrors.Fatal("store.vectors", err)
		}
		ids = append(ids, id)
		vectors = append(vectors, decodeVector(blob))
	}
	return ids, vectors, rows.Err()
}

// Stats reports chunk count and connection pool utilization.
func (c *ChunkDB) Stats(ctx context.Context) (Stats, error) {
	count, err := c.Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	dbStats := c.db.Stats()
	overflow := dbStats.OpenConnections - c.pool.Size
	if overflow < 0 {
		overflow = 0
	}
	return Stats{
		ChunkCount:     count,
		PoolSize:       c.pool.Size,
		PoolCheckedOut: dbStats.InUse,
		PoolOverflow:   overflow,
	}, nil
}

// Close checkpoints the WAL and closes the pool.
func (c *ChunkDB) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

func scanChunk(rows *sql.Rows) (*ChunkRecord, error) {
	var chunk ChunkRecord
	var blob []byte
	var metaJSON string
	if err := rows.Scan(&chunk.ChunkID, &chunk.Content, &blob, &metaJSON); err != nil {
		return nil, err
	}
	chunk.Vector = decodeVector(blob)

	var md fhir.Metadata
	if err := json.Unmarshal([]byte(metaJSON), &md); err != nil {
		return nil, err
	}
	chunk.Metadata = md
	return &chunk, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodeVector packs float32s little-endian for blob storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
