// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures retries.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// Jitter adds +/-25% randomization to each delay.
	Jitter bool

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before each delayed attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns 3 attempts, 200ms initial delay doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions under a Policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer, correcting out-of-range policy values.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt - 1)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
		if r.policy.Retryable != nil && !r.policy.Retryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

// delay returns initial*multiplier^(n-1), capped at MaxDelay, with optional jitter.
func (r *Retryer) delay(n int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}
