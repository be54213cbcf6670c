package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the error taxonomy surfaced to callers. Handlers
// map these onto transport status codes.
var (
	// ErrNotFound means the referenced order or batch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not legal in the order's
	// current lifecycle state (e.g. filling a settled order).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrIdempotencyConflict means an idempotency key was reused with a
	// different request payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrDependencyUnavailable means a required collaborator (idempotency
	// store, event bus) is down.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// OrderFailure records why one order in a batch failed validation.
type OrderFailure struct {
	Index  int    `json:"index"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// ValidationError reports every failing order in a batch, not just the
// first, so the caller can fix all issues in one round trip.
type ValidationError struct {
	Failures []OrderFailure `json:"failures"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("order %d (%s): %s", f.Index, f.Symbol, f.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// BrokerError wraps a failure reported by (or while talking to) a broker
// connector. It is recorded per order and never fails the batch call.
type BrokerError struct {
	Broker string
	Reason string
	Err    error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Broker, e.Reason, e.Err)
	}
	return fmt.Sprintf("broker %s: %s", e.Broker, e.Reason)
}

func (e *BrokerError) Unwrap() error { return e.Err }
