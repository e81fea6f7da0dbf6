// Package chaterr defines the error taxonomy shared by the message pipeline,
// the write serializer and the transport layer.
//
// Validation and dedup outcomes are resolved at the pipeline boundary and never
// reach the serializer. Storage errors are returned to the original caller
// unchanged in kind; the core never retries them on its own.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictResolved marks a dedup hit. It is a successful no-op, never a
	// failure returned to clients.
	ErrConflictResolved = errors.New("submission already committed")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// ErrBackpressure is returned when the write queue stays full for the whole
	// submission timeout. Nothing was enqueued.
	ErrBackpressure = errors.New("write queue full")

	// ErrStorageTransient wraps storage failures that may succeed on retry.
	// Resubmitting with the same client token is safe.
	ErrStorageTransient = errors.New("transient storage failure")

	// ErrStorageFatal wraps storage failures that need operator attention.
	ErrStorageFatal = errors.New("fatal storage failure")

	// ErrDuplicate is reported by a store when a unique constraint rejected a
	// write that raced past the in-lane check.
	ErrDuplicate = errors.New("duplicate key")

	ErrConnectionLost = errors.New("connection lost")
	ErrIndexDesync    = errors.New("search index out of sync")
	ErrClosed         = errors.New("closed")
)

// ValidationError reports bad input rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a *ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Transient wraps err as a retryable storage failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageTransient, err)
}

// Fatal wraps err as a non-retryable storage failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageFatal, err)
}

// IsDomain reports whether err is an outcome decided by the operation itself
// (validation, ownership, existence) rather than by the storage engine.
func IsDomain(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDuplicate)
}

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageTransient) || errors.Is(err, ErrBackpressure)
}

// Code maps err to the short machine-readable code used in error frames and
// HTTP error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrStorageTransient):
		return "storage_transient"
	case errors.Is(err, ErrStorageFatal):
		return "storage_fatal"
	case errors.Is(err, ErrClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
