package embedder_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
)

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashing(t *testing.T) {
	h := embedder.NewHashing(128)
	ctx := context.Background()
	assert.Equal(t, 128, h.Dimensions())

	a, err := h.Embed(ctx, "Deploy failed: timeout on service X")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "deploy FAILED timeout on service x")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "weekly finance report")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, cosine(a, b), 1e-9)
	assert.Less(t, cosine(a, c), 0.5)

	var norm float64
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	empty, err := h.Embed(ctx, "!")
	require.NoError(t, err)
	assert.Len(t, empty, 128)
	assert.Zero(t, cosine(empty, a))

	batch, err := h.EmbedBatch(ctx, []string{"deploy failed", "weekly finance report"})
	require.NoError(t, err)
	assert.Equal(t, c, batch[1])
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"deploy", "failed", "timeout", "on", "service_x"}, embedder.Tokenize("Deploy failed: timeout on service_X (a)"))
}

type countingProvider struct {
	*embedder.Hashing
	calls atomic.Int64
	fail  bool
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.calls.Add(1)
	if p.fail {
		return nil, errors.New("rate limited")
	}
	return p.Hashing.Embed(ctx, text)
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	p.calls.Add(int64(len(texts)))
	return p.Hashing.EmbedBatch(ctx, texts)
}

func TestCached(t *testing.T) {
	inner := &countingProvider{Hashing: embedder.NewHashing(32)}
	c, err := embedder.NewCached(inner, 100)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	first, err := c.Embed(ctx, "timeout on service X")
	require.NoError(t, err)
	c.Wait()

	second, err := c.Embed(ctx, "timeout on service X")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())

	// Callers may mutate the returned slice without corrupting the cache.
	second[0] = 42
	third, err := c.Embed(ctx, "timeout on service X")
	require.NoError(t, err)
	assert.Equal(t, first, third)

	out, err := c.EmbedBatch(ctx, []string{"timeout on service X", "a new text"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first, out[0])
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestGuarded(t *testing.T) {
	inner := &countingProvider{Hashing: embedder.NewHashing(32), fail: true}
	g := embedder.NewGuarded(inner, core.BreakerConfig{
		MaxRequests:         1,
		Timeout:             core.Duration(time.Minute),
		ConsecutiveFailures: 3,
	}, time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Embed(ctx, "x")
		require.Error(t, err)
		assert.True(t, core.IsRetryable(err))
	}
	_, err := g.Embed(ctx, "x")
	assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
	assert.Equal(t, int64(3), inner.calls.Load())
	assert.Equal(t, 32, g.Dimensions())
}
