package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a record is absent.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict means another worker won the claim.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStageConflict means the item is not in the expected predecessor stage.
	ErrStageConflict = errors.New("unexpected pipeline stage")
	// ErrCircuitOpen is returned without invoking the wrapped call.
	ErrCircuitOpen = errors.New("circuit open")
)

// TransientUpstreamError marks a retryable failure of a feed or generative call.
type TransientUpstreamError struct {
	Operation string
	Err       error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Operation, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientUpstreamError unless it is nil.
func Transient(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientUpstreamError{Operation: operation, Err: err}
}

// IsTransient reports whether err should count against a circuit breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientUpstreamError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// BudgetDeniedError is a policy outcome, never a task failure.
type BudgetDeniedError struct {
	Decision Decision
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("budget denied (%s): %s", e.Decision.Action, e.Decision.Reason)
}

// IsBudgetDenied extracts the denial decision if err carries one.
func IsBudgetDenied(err error) (Decision, bool) {
	var d *BudgetDeniedError
	if errors.As(err, &d) {
		return d.Decision, true
	}
	return Decision{}, false
}

// CircuitOpenError carries the operation and when a probe becomes possible.
type CircuitOpenError struct {
	Operation  string
	RetryAfter time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Operation)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// ValidationError flags malformed sources, entries or payloads. Not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ParseError means generative output was not well-formed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse generated output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsDeferrable reports whether err is a policy outcome eligible for automatic retry.
func IsDeferrable(err error) (string, time.Time, bool) {
	if d, ok := IsBudgetDenied(err); ok {
		return d.Reason, d.RetryAfter, true
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return open.Error(), open.RetryAfter, true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return err.Error(), time.Time{}, true
	}
	return "", time.Time{}, false
}
