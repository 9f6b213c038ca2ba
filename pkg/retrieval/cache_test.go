package retrieval_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
)

func sampleResponse() *retrieval.SearchResponse {
	return &retrieval.SearchResponse{
		Results: []retrieval.Result{{
			Item:  &core.MemoryItem{ID: 7, TenantID: "acme", ProjectID: "ops", Content: "deploy failed", Tags: []string{"deploy"}},
			Score: 0.8,
			Contributions: map[retrieval.Strategy]retrieval.Contribution{
				retrieval.StrategyVector: {Status: retrieval.StatusOK, Normalized: 1, Weight: 0.6},
			},
		}},
		Strategies: []retrieval.StrategyReport{{Strategy: retrieval.StrategyVector, Status: retrieval.StatusOK, Weight: 0.6}},
	}
}

func TestCacheKey(t *testing.T) {
	req := &retrieval.SearchRequest{Query: "deploy timeout", Scope: scope, K: 5}
	k1 := retrieval.CacheKey("rm", req, 0)
	assert.True(t, strings.HasPrefix(k1, "rm:search:"))
	assert.Equal(t, k1, retrieval.CacheKey("rm", &retrieval.SearchRequest{Query: "  deploy timeout ", Scope: scope, K: 5}, 0))
	assert.NotEqual(t, k1, retrieval.CacheKey("rm", req, 1))
	assert.NotEqual(t, k1, retrieval.CacheKey("rm", &retrieval.SearchRequest{Query: "deploy timeout", Scope: core.Scope{TenantID: "acme", ProjectID: "dev"}, K: 5}, 0))
	assert.NotEqual(t, k1, retrieval.CacheKey("rm", &retrieval.SearchRequest{Query: "deploy timeout", Scope: scope, K: 6}, 0))
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	c, err := retrieval.NewLocalCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Version(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", sampleResponse()))
	c.Wait()
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deploy failed", got.Results[0].Item.Content)

	got.Results[0].Item.Content = "mutated"
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "deploy failed", again.Results[0].Item.Content)

	require.NoError(t, c.Invalidate(ctx, scope))
	v, _ = c.Version(ctx, scope)
	assert.Equal(t, int64(1), v)
	other, _ := c.Version(ctx, core.Scope{TenantID: "acme", ProjectID: "dev"})
	assert.Equal(t, int64(0), other)
}

type sharedVersions struct {
	versions map[core.Scope]int64
	err      error
}

func (s *sharedVersions) ScopeVersion(_ context.Context, scope core.Scope) (int64, error) {
	return s.versions[scope], s.err
}

func TestWithSharedVersions(t *testing.T) {
	ctx := context.Background()
	local, err := retrieval.NewLocalCache(100, time.Minute)
	require.NoError(t, err)
	shared := &sharedVersions{versions: map[core.Scope]int64{}}
	c := retrieval.WithSharedVersions(local, shared)
	defer c.Close()

	v0, err := c.Version(ctx, scope)
	require.NoError(t, err)

	// A write recorded only in the shared counter retires the entry.
	shared.versions[scope]++
	v1, err := c.Version(ctx, scope)
	require.NoError(t, err)
	assert.Greater(t, v1, v0)

	require.NoError(t, c.Invalidate(ctx, scope))
	v2, err := c.Version(ctx, scope)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	shared.err = core.Unavailable("store", errors.New("connection refused"))
	_, err = c.Version(ctx, scope)
	assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := retrieval.NewRedisCache(ctx, retrieval.RedisConfig{Addr: mr.Addr(), KeyPrefix: "rm", TTL: time.Minute}, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "rm", c.Prefix())

	v, err := c.Version(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	key := retrieval.CacheKey(c.Prefix(), &retrieval.SearchRequest{Query: "deploy", Scope: scope}, v)
	require.NoError(t, c.Set(ctx, key, sampleResponse()))
	assert.Equal(t, time.Minute, mr.TTL(key))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Results[0].Item.ID)
	assert.Equal(t, retrieval.StatusOK, got.Results[0].Contributions[retrieval.StrategyVector].Status)

	require.NoError(t, c.Invalidate(ctx, scope))
	require.NoError(t, c.Invalidate(ctx, scope))
	v, err = c.Version(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	require.NoError(t, mr.Set("rm:search:garbage", "{not json"))
	_, ok, err = c.Get(ctx, "rm:search:garbage")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := retrieval.NewRedisCache(context.Background(), retrieval.RedisConfig{Addr: addr}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
}
