package embedder

import (
	"context"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/breaker"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"go.uber.org/zap"
)

// Guarded runs a Provider behind a circuit breaker and a per-call timeout.
// Failures are core.CollaboratorUnavailableError for "embedder".
type Guarded struct {
	inner   Provider
	breaker *breaker.Breaker
	timeout time.Duration
}

// NewGuarded wraps inner.
func NewGuarded(inner Provider, cfg core.BreakerConfig, timeout time.Duration, logger *zap.Logger) *Guarded {
	return &Guarded{
		inner:   inner,
		breaker: breaker.New("embedder", cfg, logger),
		timeout: timeout,
	}
}

func (g *Guarded) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return ctx, func() {}
}

// Embed implements Provider.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return breaker.Execute(g.breaker, func() ([]float64, error) {
		return g.inner.Embed(ctx, text)
	})
}

// EmbedBatch implements Provider.
func (g *Guarded) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return breaker.Execute(g.breaker, func() ([][]float64, error) {
		return g.inner.EmbedBatch(ctx, texts)
	})
}

// Dimensions implements Provider.
func (g *Guarded) Dimensions() int { return g.inner.Dimensions() }

// Close implements Provider.
func (g *Guarded) Close() error { return g.inner.Close() }
