package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// FTSSparseIndex implements SparseIndex with SQLite FTS5. It keeps its
// own database file so sparse writes never contend with the chunk table.
type FTSSparseIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ SparseIndex = (*FTSSparseIndex)(nil)

// NewFTSSparseIndex opens (or creates) the FTS5 database at path. An
// empty path opens an in-memory database for tests.
func NewFTSSparseIndex(path string) (*FTSSparseIndex, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sparse database: %w", err)
	}
	// Single writer avoids FTS5 lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	);
	CREATE TABLE IF NOT EXISTS fts_ids (
		chunk_id TEXT PRIMARY KEY
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &FTSSparseIndex{db: db}, nil
}

// Index adds or replaces chunk documents. FTS5 virtual tables have no
// REPLACE, so existing rows are deleted first.
func (s *FTSSparseIndex) Index(ctx context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sparse index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fts_chunks WHERE chunk_id = ?`, chunk.ChunkID); err != nil {
			return fmt.Errorf("delete existing %s: %w", chunk.ChunkID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts_chunks(chunk_id, content) VALUES (?, ?)`,
			chunk.ChunkID, strings.ToLower(chunk.Content)); err != nil {
			return fmt.Errorf("index chunk %s: %w", chunk.ChunkID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO fts_ids(chunk_id) VALUES (?)`, chunk.ChunkID); err != nil {
			return fmt.Errorf("track chunk %s: %w", chunk.ChunkID, err)
		}
	}
	return tx.Commit()
}

// Search returns the top limit chunks, best BM25 match first.
func (s *FTSSparseIndex) Search(ctx context.Context, queryStr string, limit int) ([]SparseResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}

	tokens := strings.Fields(strings.ToLower(queryStr))
	if len(tokens) == 0 {
		return []SparseResult{}, nil
	}
	// Quote each token so FTS5 never interprets query punctuation.
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	matchExpr := strings.Join(quoted, " OR ")

	// bm25() returns negative values, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(fts_chunks) AS score
		FROM fts_chunks
		WHERE content MATCH ?
		ORDER BY score
		LIMIT ?`, matchExpr, limit)
	if err != nil {
		// Tokens are quoted above, so a query can never reach FTS5 as
		// an operator expression; any error here is a real failure.
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SparseResult
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, SparseResult{ChunkID: id, Score: -score})
	}
	return results, rows.Err()
}

// Delete removes chunk documents by ID.
func (s *FTSSparseIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sparse index is closed")
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM fts_chunks WHERE chunk_id IN (%s)", in), args...); err != nil {
		return fmt.Errorf("delete from fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM fts_ids WHERE chunk_id IN (%s)", in), args...); err != nil {
		return fmt.Errorf("delete from ids: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of indexed documents.
func (s *FTSSparseIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("sparse index is closed")
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_ids`).Scan(&count)
	return count, err
}

// Close checkpoints and closes the database.
func (s *FTSSparseIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
