// Package errors provides structured error handling for the ingestion and
// retrieval pipelines.
//
// The error taxonomy is a closed set of kinds. Classification happens once,
// at the store/provider boundary (see Classify), never by string matching in
// callers. Each kind maps to a terminal or retryable disposition in the
// ingestion queue.
package errors

// Kind classifies an error into the closed ingestion/retrieval taxonomy.
type Kind string

const (
	// KindValidation indicates structurally invalid input. Terminal.
	KindValidation Kind = "validation"
	// KindRetryable indicates a transient failure: network, timeout,
	// provider rate limit, pool exhaustion, store unavailability.
	KindRetryable Kind = "retryable"
	// KindDuplicate indicates a unique-key conflict from the store.
	// Treated as success by the queue (chunks already present).
	KindDuplicate Kind = "duplicate"
	// KindFatal indicates a structural or programming error. Terminal.
	KindFatal Kind = "fatal"
	// KindMaxRetries indicates a retryable error that exhausted its
	// attempt budget. Terminal, dead-lettered.
	KindMaxRetries Kind = "max_retries"
	// KindQueueFull indicates backpressure from the ingestion queue.
	KindQueueFull Kind = "queue_full"
)

// Terminal reports whether an error of this kind should never be retried.
func (k Kind) Terminal() bool {
	switch k {
	case KindValidation, KindFatal, KindMaxRetries:
		return true
	}
	return false
}

// Retryable reports whether an error of this kind is eligible for retry.
func (k Kind) Retryable() bool {
	return k == KindRetryable
}
