package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores search responses.
//
// Entries are keyed by the scope's current version; Invalidate bumps the
// version so every entry written before it becomes unreachable. A search
// that started before a write stores its response under the old version,
// so stale results are never served.
type Cache interface {
	// Version returns the current version of scope.
	Version(ctx context.Context, scope core.Scope) (int64, error)

	// Invalidate bumps the version of scope.
	Invalidate(ctx context.Context, scope core.Scope) error

	Get(ctx context.Context, key string) (*SearchResponse, bool, error)
	Set(ctx context.Context, key string, resp *SearchResponse) error
	Close() error
}

// VersionSource reads a scope's write counter kept outside the cache, such
// as storage.VersionStore.
type VersionSource interface {
	ScopeVersion(ctx context.Context, scope core.Scope) (int64, error)
}

// sharedVersionCache versions entries by the sum of the cache's own counter
// and a shared write counter. Both only grow, so a bump of either retires
// every entry written before it.
type sharedVersionCache struct {
	Cache
	shared VersionSource
}

// WithSharedVersions makes c honor writes recorded in shared, including
// writes made by other processes that never touched c.
func WithSharedVersions(c Cache, shared VersionSource) Cache {
	return &sharedVersionCache{Cache: c, shared: shared}
}

// Version implements Cache.
func (c *sharedVersionCache) Version(ctx context.Context, scope core.Scope) (int64, error) {
	own, err := c.Cache.Version(ctx, scope)
	if err != nil {
		return 0, err
	}
	shared, err := c.shared.ScopeVersion(ctx, scope)
	if err != nil {
		return 0, err
	}
	return own + shared, nil
}

// CacheKey derives the entry key of a request at a scope version.
func CacheKey(prefix string, req *SearchRequest, version int64) string {
	raw, _ := json.Marshal(struct {
		Query   string     `json:"q"`
		Scope   core.Scope `json:"s"`
		Filters Filters    `json:"f"`
		K       int        `json:"k"`
		Version int64      `json:"v"`
	}{strings.TrimSpace(req.Query), req.Scope, req.Filters, req.K, version})
	sum := sha256.Sum256(raw)
	return prefix + ":search:" + hex.EncodeToString(sum[:])
}

func cloneResponse(r *SearchResponse) *SearchResponse {
	c := *r
	c.Results = make([]Result, len(r.Results))
	for i, res := range r.Results {
		res.Item = res.Item.Clone()
		contrib := make(map[Strategy]Contribution, len(res.Contributions))
		for k, v := range res.Contributions {
			contrib[k] = v
		}
		res.Contributions = contrib
		c.Results[i] = res
	}
	c.Strategies = append([]StrategyReport(nil), r.Strategies...)
	return &c
}

// LocalCache is an in-process cache backed by ristretto.
type LocalCache struct {
	cache    *ristretto.Cache
	ttl      time.Duration
	versions sync.Map // scope string -> *atomic.Int64
}

// NewLocalCache creates an in-process cache of up to maxEntries responses.
func NewLocalCache(maxEntries int64, ttl time.Duration) (*LocalCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	return &LocalCache{cache: cache, ttl: ttl}, nil
}

func (c *LocalCache) counter(scope core.Scope) *atomic.Int64 {
	v, _ := c.versions.LoadOrStore(scope.String(), new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Version implements Cache.
func (c *LocalCache) Version(_ context.Context, scope core.Scope) (int64, error) {
	return c.counter(scope).Load(), nil
}

// Invalidate implements Cache.
func (c *LocalCache) Invalidate(_ context.Context, scope core.Scope) error {
	c.counter(scope).Add(1)
	return nil
}

// Get implements Cache.
func (c *LocalCache) Get(_ context.Context, key string) (*SearchResponse, bool, error) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return cloneResponse(v.(*SearchResponse)), true, nil
}

// Set implements Cache.
func (c *LocalCache) Set(_ context.Context, key string, resp *SearchResponse) error {
	c.cache.SetWithTTL(key, cloneResponse(resp), 1, c.ttl)
	return nil
}

// Wait blocks until pending writes are visible.
func (c *LocalCache) Wait() { c.cache.Wait() }

// Close implements Cache.
func (c *LocalCache) Close() error {
	c.cache.Close()
	return nil
}

// RedisConfig configures RedisCache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache is a cache shared between engine instances. Scope versions are
// Redis counters, so an invalidation on one instance is seen by all.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.Unavailable("redis", fmt.Errorf("failed to connect to redis: %w", err))
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "reflectmem"
	}
	logger = core.LoggerOrNop(logger).With(zap.String("component", "result_cache"))
	logger.Info("redis result cache initialized", zap.String("addr", cfg.Addr))
	return &RedisCache{client: client, prefix: prefix, ttl: cfg.TTL, logger: logger}, nil
}

// Prefix returns the key prefix entries should be created with.
func (c *RedisCache) Prefix() string { return c.prefix }

func (c *RedisCache) versionKey(scope core.Scope) string {
	return fmt.Sprintf("%s:version:%s:%s", c.prefix, scope.TenantID, scope.ProjectID)
}

// Version implements Cache.
func (c *RedisCache) Version(ctx context.Context, scope core.Scope) (int64, error) {
	v, err := c.client.Get(ctx, c.versionKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, core.Unavailable("redis", err)
	}
	return v, nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, scope core.Scope) error {
	if err := c.client.Incr(ctx, c.versionKey(scope)).Err(); err != nil {
		return core.Unavailable("redis", err)
	}
	return nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*SearchResponse, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.Unavailable("redis", err)
	}
	var resp SearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return &resp, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, resp *SearchResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return core.Unavailable("redis", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
