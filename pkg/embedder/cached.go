package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes embeddings by content hash in a bounded in-process cache.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache holding up to maxEntries vectors.
func NewCached(inner Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed implements Provider.
func (c *Cached) Embed(ctx context.Context, text string) ([]float64, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return append([]float64(nil), v.([]float64)...), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float64(nil), vec...), 1)
	return vec, nil
}

// EmbedBatch implements Provider. Only cache misses reach the inner provider.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(t)); ok {
			out[i] = append([]float64(nil), v.([]float64)...)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(cacheKey(missTexts[j]), append([]float64(nil), vecs[j]...), 1)
	}
	return out, nil
}

// Dimensions implements Provider.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Wait blocks until pending cache writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Close closes the cache and the wrapped provider.
func (c *Cached) Close() error {
	c.cache.Close()
	return c.inner.Close()
}
