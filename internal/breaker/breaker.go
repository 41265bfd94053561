// Package breaker short-circuits calls to failing upstreams. Circuit state is
// kept in a shared store so every worker sees the same circuit.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/metrics"
	"Newsroom/internal/ports"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
)

// Config holds the defaults used by Do.
type Config struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

// Deps wires the breaker.
type Deps struct {
	Store   ports.BreakerStore
	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Breaker executes functions behind named circuits.
type Breaker struct {
	store   ports.BreakerStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ ports.Breaker = (*Breaker)(nil)

// New applies defaults to the config.
func New(deps Deps) *Breaker {
	cfg := deps.Config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{
		store:   deps.Store,
		cfg:     cfg,
		logger:  logger,
		metrics: deps.Metrics,
		now:     clock,
	}
}

// Do runs fn behind the circuit named operation using configured defaults.
func (b *Breaker) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	return b.Execute(ctx, operation, fn, b.cfg.FailureThreshold, b.cfg.OpenTimeout)
}

// Execute runs fn unless the circuit is open. Only transient upstream errors
// and deadlines count as failures; a failing half-open probe reopens the circuit.
// A non-positive threshold or timeout falls back to the configured default.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error, failureThreshold int, openTimeout time.Duration) error {
	if failureThreshold <= 0 {
		failureThreshold = b.cfg.FailureThreshold
	}
	if openTimeout <= 0 {
		openTimeout = b.cfg.OpenTimeout
	}
	now := b.now()

	admission, state, err := b.store.Acquire(ctx, operation, now, openTimeout)
	if err != nil {
		return fmt.Errorf("breaker %s: %w", operation, err)
	}

	if admission == ports.AdmitDenied {
		b.metrics.BreakerEvent("short_circuit")
		retryAfter := state.LastFailureTime.Add(openTimeout)
		if state.ProbeUntil.After(retryAfter) {
			retryAfter = state.ProbeUntil
		}
		return &domain.CircuitOpenError{Operation: operation, RetryAfter: retryAfter}
	}

	probe := admission == ports.AdmitProbe
	if probe {
		b.metrics.BreakerEvent("probe")
		b.logger.Info("circuit half-open, probing", "operation", operation)
	}

	callErr := fn(ctx)

	switch {
	case callErr == nil || (!domain.IsTransient(callErr) && !errors.Is(callErr, context.Canceled)):
		if probe || state.FailureCount > 0 {
			if err := b.store.RecordSuccess(ctx, operation); err != nil {
				b.logger.Warn("reset circuit failed", "operation", operation, "error", err)
			} else if probe {
				b.metrics.BreakerEvent("closed")
				b.logger.Info("circuit closed", "operation", operation)
			}
		}
	case domain.IsTransient(callErr):
		b.metrics.BreakerEvent("failure")
		next, err := b.store.RecordFailure(ctx, operation, b.now(), failureThreshold, probe)
		if err != nil {
			b.logger.Warn("record circuit failure failed", "operation", operation, "error", err)
			break
		}
		if next.IsOpen && (probe || !state.IsOpen) {
			b.metrics.BreakerEvent("opened")
			b.logger.Warn("circuit opened",
				"operation", operation,
				"failures", next.FailureCount,
				"retry_after", next.LastFailureTime.Add(openTimeout),
			)
		}
	}

	return callErr
}

// State returns the shared circuit snapshot for health output.
func (b *Breaker) State(ctx context.Context, operation string) (domain.BreakerState, error) {
	return b.store.State(ctx, operation)
}
