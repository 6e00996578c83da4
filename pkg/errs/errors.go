// Package errs provides the structured error kinds used across attic.
// Every error carries a kind and a retryable flag so callers can decide
// between rejecting, retrying, and logging without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	// KindValidation marks malformed input. Rejected at ingestion, never retried.
	KindValidation Kind = "VALIDATION"

	// KindTransientStore marks an I/O failure against a tier store.
	// Consolidation retries on the next schedule; ingestion callers retry.
	KindTransientStore Kind = "TRANSIENT_STORE"

	// KindScoringDegraded marks an unavailable scoring factor. Logged only;
	// the factor contributes zero and the operation continues.
	KindScoringDegraded Kind = "SCORING_DEGRADED"

	// KindConsolidationAborted marks a batch that exceeded its budget or hit
	// an unrecoverable state before committing. Source data is untouched.
	KindConsolidationAborted Kind = "CONSOLIDATION_ABORTED"

	// KindQueryTimeout marks a query that ran out of time. Partial results
	// gathered so far are still returned, flagged as partial.
	KindQueryTimeout Kind = "QUERY_TIMEOUT"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err (or anything in its chain) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether an error is safe to retry as-is.
// Validation errors are permanent; everything else in the taxonomy is a
// condition that can clear on a later attempt.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTransientStore, KindConsolidationAborted, KindQueryTimeout:
		return true
	default:
		return false
	}
}
