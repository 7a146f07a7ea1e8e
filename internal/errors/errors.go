package errors

import (
	"errors"
	"fmt"
)

// Error is the structured error type for fhirsearch.
// It carries a closed-taxonomy Kind, the failing operation, and the cause.
type Error struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// Op is the operation that failed (e.g. "store.upsert", "embed.ollama").
	Op string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with kind sentinels.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new Error with the given kind, operation, and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error from an existing error. Returns nil if err is nil.
// If err is already an *Error, its kind is preserved unless the caller
// supplies a terminal kind.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Cause: err}
}

// Validation creates a validation error. Terminal, never enqueued.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// Retryable creates a retryable error.
func Retryable(op string, err error) *Error {
	return Wrap(KindRetryable, op, err)
}

// Fatal creates a fatal error.
func Fatal(op string, err error) *Error {
	return Wrap(KindFatal, op, err)
}

// KindOf extracts the kind from an error chain.
// Unclassified errors are fatal by default: anything that escaped the
// boundary classifiers is a programming error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsRetryable reports whether the error chain contains a retryable error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsDuplicate reports whether the error chain contains a duplicate error.
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicate
}
