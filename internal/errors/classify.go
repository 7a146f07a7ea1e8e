package errors

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Classify maps a raw error from the store or a provider into the closed
// taxonomy. This is the single place where driver-level errors are inspected;
// callers only ever see a classified *Error.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	// Already classified upstream.
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	// Context expiry counts as transient: the caller's deadline elapsed,
	// not the operation's correctness.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindRetryable, op, err)
	}

	// Network-level failures are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindRetryable, op, err)
	}

	// SQLite status codes: constraint violations are duplicates,
	// lock contention is retryable, everything else is fatal.
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return Wrap(KindDuplicate, op, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Wrap(KindRetryable, op, err)
		}
		return Wrap(KindFatal, op, err)
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Wrap(KindRetryable, op, err)
	}

	return Wrap(KindFatal, op, err)
}

// ClassifyHTTPStatus maps an HTTP status code from a provider into the
// taxonomy. 429 and 5xx are transient; 4xx are caller errors.
func ClassifyHTTPStatus(op string, status int, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return Wrap(KindRetryable, op, err)
	case status == http.StatusConflict:
		return Wrap(KindDuplicate, op, err)
	default:
		return Wrap(KindFatal, op, err)
	}
}
