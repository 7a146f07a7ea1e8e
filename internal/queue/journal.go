// Package queue is the durable ingestion queue: a bounded worker pool
// fed from a SQLite journal, with exponential-backoff retries and an
// append-only dead-letter log for items that exhaust them.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

// Work item states in the journal. Completed items are deleted, so
// "done" never appears as a row.
const (
	StatePending        = "pending"
	StateInFlight       = "in_flight"
	StateRetryScheduled = "retry_scheduled"
)

// WorkItem is one journaled submission. Seq is assigned by the journal
// and is strictly monotonic across the life of the database.
type WorkItem struct {
	Seq        int64
	State      string
	RetryCount int
	FirstSeen  time.Time
	Submission *fhir.Submission
}

// DeadLetter is one permanently failed submission.
type DeadLetter struct {
	ID           int64            `json:"id"`
	ResourceID   string           `json:"resource_id"`
	ErrorClass   string           `json:"error_class"`
	ErrorMessage string           `json:"error_message"`
	RetryCount   int              `json:"retry_count"`
	FirstSeen    time.Time        `json:"first_seen"`
	LastSeen     time.Time        `json:"last_seen"`
	Submission   *fhir.Submission `json:"submission"`
}

// Journal persists queue state so submissions survive restarts. Every
// accepted submission gets a row before the caller sees 202; the row is
// deleted on success or moved to dead_letters on permanent failure.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal database at path. An empty
// path opens an in-memory journal for tests.
func NewJournal(path string) (*Journal, error) {
	const op = "queue.journal.open"

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
	// Single writer; the queue serializes journal access anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ferrors.Fatal(op, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id     TEXT NOT NULL,
		submission      TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER,
		last_error      TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_state ON work_items(state);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id   TEXT NOT NULL,
		error_class   TEXT NOT NULL,
		error_message TEXT NOT NULL,
		retry_count   INTEGER NOT NULL,
		first_seen    INTEGER NOT NULL,
		last_seen     INTEGER NOT NULL,
		submission    TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, ferrors.Fatal(op, err)
	}

	return &Journal{db: db}, nil
}

// Append journals a new submission in the pending state and returns its
// sequence number.
func (j *Journal) Append(ctx context.Context, sub *fhir.Submission) (int64, error) {
	const op = "queue.journal.append"

	payload, err := json.Marshal(sub)
	if err != nil {
		return 0, ferrors.Fatal(op, err)
	}

	now := time.Now().UnixMilli()
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO work_items(resource_id, submission, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ResourceID, string(payload), StatePending, now, now)
	if err != nil {
		return 0, ferrors.Classify(op, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, ferrors.Fatal(op, err)
	}
	return seq, nil
}

// Remove deletes a work item, used on success and on queue-full rollback.
func (j *Journal) Remove(ctx context.Context, seq int64) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM work_items WHERE seq = ?`, seq)
	if err != nil {
		return ferrors.Classify("queue.journal.remove", err)
	}
	return nil
}

// MarkInFlight transitions a work item to in_flight.
func (j *Journal) MarkInFlight(ctx context.Context, seq int64) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE work_items SET state = ?, updated_at = ? WHERE seq = ?`,
		StateInFlight, time.Now().UnixMilli(), seq)
	if err != nil {
		return ferrors.Classify("queue.journal.in_flight", err)
	}
	return nil
}

// ScheduleRetry transitions a work item to retry_scheduled with the next
// attempt time and the error that caused the retry.
func (j *Journal) ScheduleRetry(ctx context.Context, seq int64, retryCount int, nextAttempt time.Time, lastError string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE work_items
		SET state = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE seq = ?`,
		StateRetryScheduled, retryCount, nextAttempt.UnixMilli(), lastError,
		time.Now().UnixMilli(), seq)
	if err != nil {
		return ferrors.Classify("queue.journal.schedule", err)
	}
	return nil
}

// MoveToDeadLetters atomically records a permanent failure and removes
// the work item. The dead-letter log is append-only.
func (j *Journal) MoveToDeadLetters(ctx context.Context, item *WorkItem, errorClass, errorMessage string) error {
	const op = "queue.journal.dead_letter"

	payload, err := json.Marshal(item.Submission)
	if err != nil {
		return ferrors.Fatal(op, err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters(resource_id, error_class, error_message, retry_count, first_seen, last_seen, submission)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.Submission.ResourceID, errorClass, errorMessage, item.RetryCount,
		item.FirstSeen.UnixMilli(), time.Now().UnixMilli(), string(payload)); err != nil {
		return ferrors.Classify(op, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE seq = ?`, item.Seq); err != nil {
		return ferrors.Classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return ferrors.Classify(op, err)
	}
	return nil
}

// Outstanding returns every journaled work item in sequence order, used
// to recover the queue after a restart. Items found in_flight crashed
// mid-processing and are safe to re-run because the store upserts by
// chunk ID.
func (j *Journal) Outstanding(ctx context.Context) ([]*WorkItem, error) {
	const op = "queue.journal.outstanding"

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, state, retry_count, created_at, submission
		FROM work_items ORDER BY seq ASC`)
	if err != nil {
		return nil, ferrors.Classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		var (
			item      WorkItem
			createdAt int64
			payload   string
		)
		if err := rows.Scan(&item.Seq, &item.State, &item.RetryCount, &createdAt, &payload); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		var sub fhir.Submission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		item.FirstSeen = time.UnixMilli(createdAt)
		item.Submission = &sub
		items = append(items, &item)
	}
	return items, rows.Err()
}

// StateCounts returns the number of work items per state.
func (j *Journal) StateCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM work_items GROUP BY state`)
	if err != nil {
		return nil, ferrors.Classify("queue.journal.counts", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, ferrors.Fatal("queue.journal.counts", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeadLetterCount returns the size of the dead-letter log.
func (j *Journal) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, ferrors.Classify("queue.journal.dead_count", err)
	}
	return n, nil
}

// DeadLetters returns up to limit dead letters, most recent first.
func (j *Journal) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	const op = "queue.journal.dead_letters"

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, resource_id, error_class, error_message, retry_count, first_seen, last_seen, submission
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, ferrors.Classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			firstSeen int64
			lastSeen  int64
			payload   string
		)
		if err := rows.Scan(&dl.ID, &dl.ResourceID, &dl.ErrorClass, &dl.ErrorMessage,
			&dl.RetryCount, &firstSeen, &lastSeen, &payload); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		dl.FirstSeen = time.UnixMilli(firstSeen)
		dl.LastSeen = time.UnixMilli(lastSeen)
		var sub fhir.Submission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, ferrors.Fatal(op, err)
		}
		dl.Submission = &sub
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// Close checkpoints and closes the journal database.
func (j *Journal) Close() error {
	_, _ = j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
