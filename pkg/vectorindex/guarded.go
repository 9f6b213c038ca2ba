package vectorindex

import (
	"context"

	"github.com/oceanbase/reflective-memory-go/pkg/breaker"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"go.uber.org/zap"
)

// Guarded runs an Index behind a circuit breaker. Failures surface as
// core.CollaboratorUnavailableError for "vector_index".
type Guarded struct {
	inner   Index
	breaker *breaker.Breaker
}

// NewGuarded wraps inner.
func NewGuarded(inner Index, cfg core.BreakerConfig, logger *zap.Logger) *Guarded {
	return &Guarded{inner: inner, breaker: breaker.New("vector_index", cfg, logger)}
}

// Upsert implements Index.
func (g *Guarded) Upsert(ctx context.Context, scope core.Scope, id int64, vector []float64, payload map[string]string) error {
	_, err := breaker.Execute(g.breaker, func() (struct{}, error) {
		return struct{}{}, g.inner.Upsert(ctx, scope, id, vector, payload)
	})
	return err
}

// Search implements Index.
func (g *Guarded) Search(ctx context.Context, scope core.Scope, vector []float64, k int, filter map[string]string) ([]Hit, error) {
	return breaker.Execute(g.breaker, func() ([]Hit, error) {
		return g.inner.Search(ctx, scope, vector, k, filter)
	})
}

// Delete implements Index.
func (g *Guarded) Delete(ctx context.Context, scope core.Scope, id int64) error {
	_, err := breaker.Execute(g.breaker, func() (struct{}, error) {
		return struct{}{}, g.inner.Delete(ctx, scope, id)
	})
	return err
}

// Close implements Index.
func (g *Guarded) Close() error { return g.inner.Close() }
