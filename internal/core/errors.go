// Package core provides the shared types, errors and collaborator
// interfaces for the geodata cache engine.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for retry and propagation decisions.
type ErrorKind string

const (
	// KindValidation indicates malformed key inputs, rejected before storage.
	KindValidation ErrorKind = "validation"
	// KindStorage indicates a persistence layer failure.
	KindStorage ErrorKind = "storage"
	// KindProviderTimeout indicates the upstream geodata provider timed out.
	KindProviderTimeout ErrorKind = "provider_timeout"
	// KindProviderRateLimited indicates the upstream provider throttled us.
	KindProviderRateLimited ErrorKind = "provider_rate_limited"
	// KindProviderInvalid indicates the provider rejected the request.
	KindProviderInvalid ErrorKind = "provider_invalid"
	// KindConcurrency indicates a failed claim or lock acquisition.
	KindConcurrency ErrorKind = "concurrency"
	// KindBudgetExceeded indicates the warming budget is exhausted.
	KindBudgetExceeded ErrorKind = "budget_exceeded"
)

// EngineError is the base error type for all engine failures.
type EngineError struct {
	Kind    ErrorKind
	Op      string // operation that failed, e.g. "store.put"
	Key     string // cache key or lock name, when applicable
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Key, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should drive retry/backoff rather
// than terminal failure. Only provider timeouts and rate limits retry.
func (e *EngineError) Retryable() bool {
	return e.Kind == KindProviderTimeout || e.Kind == KindProviderRateLimited
}

// NewValidationError creates a validation error for malformed key inputs.
func NewValidationError(op, message string) *EngineError {
	return &EngineError{Kind: KindValidation, Op: op, Message: message}
}

// NewStorageError wraps a persistence layer failure.
func NewStorageError(op, key string, err error) *EngineError {
	return &EngineError{Kind: KindStorage, Op: op, Key: key, Message: "storage failure", Err: err}
}

// NewProviderError wraps an upstream provider failure with the given kind.
func NewProviderError(kind ErrorKind, op, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Message: message, Err: err}
}

// NewConcurrencyError records a failed claim or lock acquisition.
// Callers retry on the next pass; this is not fatal.
func NewConcurrencyError(op, name, message string) *EngineError {
	return &EngineError{Kind: KindConcurrency, Op: op, Key: name, Message: message}
}

// NewBudgetError signals the warming budget is exhausted. Soft stop: the
// executor defers remaining jobs instead of attempting provider calls.
func NewBudgetError(op, message string) *EngineError {
	return &EngineError{Kind: KindBudgetExceeded, Op: op, Message: message}
}

// KindOf extracts the ErrorKind from err, or "" if err carries no EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsKind reports whether err is an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
