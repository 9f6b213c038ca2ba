package llm

import (
	"context"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/breaker"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guarded wraps a Provider with a per-call timeout, an optional rate limiter
// and a circuit breaker. Every failure it returns is a
// core.CollaboratorUnavailableError for the "llm" collaborator.
type Guarded struct {
	inner   Provider
	breaker *breaker.Breaker
	limiter *rate.Limiter
	timeout time.Duration
}

// GuardOption configures a Guarded provider.
type GuardOption func(*Guarded)

// WithRateLimit limits calls to rps per second with the given burst.
// rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) GuardOption {
	return func(g *Guarded) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewGuarded wraps inner according to cfg.
func NewGuarded(inner Provider, cfg core.LLMConfig, logger *zap.Logger, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:   inner,
		breaker: breaker.New("llm", cfg.Breaker, logger),
		timeout: cfg.Timeout.Std(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate implements Provider.
func (g *Guarded) Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	return g.GenerateWithMessages(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages implements Provider.
func (g *Guarded) GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", core.Unavailable("llm", err)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return breaker.Execute(g.breaker, func() (string, error) {
		return g.inner.GenerateWithMessages(ctx, messages, opts...)
	})
}

// Close closes the wrapped provider.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
