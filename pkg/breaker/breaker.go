// Package breaker guards calls to external collaborators with a circuit
// breaker. Failures and open-circuit rejections surface as
// core.CollaboratorUnavailableError so callers can degrade or retry.
package breaker

import (
	"context"
	"errors"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker wraps a gobreaker.CircuitBreaker for one named collaborator.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker from configuration. A zero ConsecutiveFailures trips
// after the first failure.
func New(name string, cfg core.BreakerConfig, logger *zap.Logger) *Breaker {
	logger = core.LoggerOrNop(logger)
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Std(),
		Timeout:     cfg.Timeout.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("collaborator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Cancellation by the caller says nothing about collaborator health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the collaborator name.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state ("closed", "half-open", "open").
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn through the breaker. Errors are wrapped as
// CollaboratorUnavailableError for this collaborator.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, core.Unavailable(b.name, err)
	}
	v, _ := res.(T)
	return v, nil
}

// Open reports whether the breaker currently short-circuits calls.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}
