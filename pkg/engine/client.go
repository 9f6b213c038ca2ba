// Package engine wires the reflective memory engine together from a
// core.Config: the relational store, vector index, collaborators, knowledge
// graph, hybrid retrieval, reflection pipeline and maintenance runner.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	openaiEmbedder "github.com/oceanbase/reflective-memory-go/pkg/embedder/openai"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	anthropicLLM "github.com/oceanbase/reflective-memory-go/pkg/llm/anthropic"
	openaiLLM "github.com/oceanbase/reflective-memory-go/pkg/llm/openai"
	"github.com/oceanbase/reflective-memory-go/pkg/maintenance"
	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/sqlstore"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex/chromem"
)

// Store is everything the engine persists: items, embeddings, the graph and
// its snapshots. sqlstore.Client implements it.
type Store interface {
	storage.MemoryStore
	graph.Store
	vectorindex.EmbeddingStore
}

// Client is the entry point of the memory engine.
//
// It is safe for concurrent use. The client holds no locks of its own;
// concurrent writes to a scope are serialized by the store.
//
// Example usage:
//
//	cfg, _ := core.LoadConfigFromEnv()
//	client, _ := engine.NewClient(cfg)
//	defer client.Close()
//
//	scope := core.Scope{TenantID: "acme", ProjectID: "ops"}
//	item, _ := client.Add(ctx, scope, "deploy failed: timeout on service X")
//	resp, _ := client.Search(ctx, scope, "timeout")
type Client struct {
	cfg *core.Config

	store    Store
	index    vectorindex.Index
	llm      llm.Provider
	embedder embedder.Provider
	ids      core.IDGenerator

	scorer     *scoring.Scorer
	importance *scoring.ImportanceEvaluator
	graph      *graph.Engine
	extractor  *graph.Extractor
	retriever  *retrieval.Retriever
	cache      retrieval.Cache
	versions   storage.VersionStore
	pipeline   *reflection.Pipeline
	runner     *maintenance.Runner
	jobs       *maintenance.BadgerJobStore

	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a client.
//
// The configuration is validated first; an invalid configuration is a
// ConfigurationError and nothing is opened. Collaborators not injected with
// an Option are built from cfg:
//   - Store: sqlite, postgres or mysql (OceanBase) through database/sql
//   - Vector index: chromem-go, or brute-force cosine over the store
//   - LLM: openai, qwen, deepseek, ollama (OpenAI-compatible) or anthropic; optional
//   - Embedder: openai, qwen or ollama; a local hashing embedder when unset
//
// Collaborators are wrapped with circuit breakers and timeouts.
func NewClient(cfg *core.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{cfg: cfg, now: time.Now}
	if o.now != nil {
		c.now = o.now
	}
	if o.logger != nil {
		c.logger = o.logger
	} else {
		l, err := core.NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		c.logger = l
	}

	if err := c.init(o); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("memory engine initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("vector_index", cfg.VectorIndex.Provider),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("embedder", cfg.Embedder.Provider),
		zap.String("cache", cfg.Cache.Provider),
	)
	return c, nil
}

func (c *Client) init(o *options) error {
	cfg := c.cfg
	var err error

	c.store = o.store
	if c.store == nil {
		if c.store, err = initStore(cfg.Store, c.logger); err != nil {
			return err
		}
	}

	c.ids = o.ids
	if c.ids == nil {
		if c.ids, err = core.NewSnowflakeGenerator(cfg.NodeID); err != nil {
			return err
		}
	}

	rawLLM := o.llm
	if rawLLM == nil && cfg.LLM.Provider != "" {
		if rawLLM, err = initLLM(cfg.LLM); err != nil {
			return err
		}
	}
	if rawLLM != nil {
		c.llm = llm.NewGuarded(rawLLM, cfg.LLM, c.logger)
	}

	rawEmbedder := o.embedder
	if rawEmbedder == nil {
		if rawEmbedder, err = initEmbedder(cfg.Embedder); err != nil {
			return err
		}
	}
	var emb embedder.Provider = embedder.NewGuarded(rawEmbedder, cfg.Embedder.Breaker, cfg.Embedder.Timeout.Std(), c.logger)
	if cfg.Embedder.CacheSize > 0 {
		if emb, err = embedder.NewCached(emb, cfg.Embedder.CacheSize); err != nil {
			return core.NewMemoryError("NewClient", err)
		}
	}
	c.embedder = emb

	rawIndex := o.index
	if rawIndex == nil {
		if rawIndex, err = initVectorIndex(cfg.VectorIndex, c.store); err != nil {
			return err
		}
	}
	c.index = vectorindex.NewGuarded(rawIndex, cfg.VectorIndex.Breaker, c.logger)

	c.cache = o.cache
	if c.cache == nil {
		if c.cache, err = initCache(cfg.Cache, c.logger); err != nil {
			return err
		}
	}
	if vs, ok := c.store.(storage.VersionStore); ok {
		c.versions = vs
		if c.cache != nil {
			c.cache = retrieval.WithSharedVersions(c.cache, vs)
		}
	} else if c.cache != nil {
		c.logger.Warn("store keeps no scope versions; cached results only see this instance's writes")
	}

	if c.scorer, err = scoring.NewScorerFromConfig(cfg); err != nil {
		return err
	}
	c.importance = scoring.NewImportanceEvaluator(c.llm)

	c.graph = graph.NewEngine(c.store, c.ids, cfg.Graph,
		graph.WithLogger(c.logger),
		graph.WithClock(c.now),
		graph.WithWriteHook(c.invalidate),
	)
	if cfg.Graph.ExtractEntities {
		c.extractor = graph.NewExtractor(c.graph, c.llm, cfg.Graph.MaxEntitiesPerItem, c.logger)
	}

	c.retriever = c.newRetriever(o.registerer)

	c.pipeline = reflection.New(c.store, c.graph,
		reflection.NewGenerator(c.llm, reflection.NewLimiter(cfg.Reflection.RequestsPerSecond, cfg.Reflection.Burst), c.logger),
		c.ids, cfg.Reflection,
		reflection.WithClusterer(reflection.NewAdaptive(
			cfg.Reflection.DBSCANEps,
			cfg.Reflection.MinClusterSize,
			cfg.Reflection.DBSCANMaxPoints,
			cfg.Reflection.MaxClusters,
		)),
		reflection.WithEmbedder(c.embedder),
		reflection.WithVectorIndex(c.index),
		reflection.WithExtractor(c.extractor),
		reflection.WithSearcher(c.retriever),
		reflection.WithMetrics(reflection.NewMetrics(o.registerer)),
		reflection.WithLogger(c.logger),
		reflection.WithClock(c.now),
	)

	if c.jobs, err = maintenance.NewBadgerJobStore(cfg.Maintenance.JobStoreDir, c.logger); err != nil {
		return err
	}
	c.runner = maintenance.NewRunner(c.store, c.scorer, cfg.Maintenance,
		maintenance.WithGraph(c.graph),
		maintenance.WithReflector(c.pipeline),
		maintenance.WithJobStore(c.jobs),
		maintenance.WithBatchSize(cfg.Decay.BatchSize),
		maintenance.WithWriteHook(c.invalidate),
		maintenance.WithMetrics(maintenance.NewMetrics(o.registerer)),
		maintenance.WithLogger(c.logger),
		maintenance.WithClock(c.now),
	)
	return nil
}

func (c *Client) newRetriever(reg prometheus.Registerer) *retrieval.Retriever {
	cfg := c.cfg.Retrieval
	var analyzerLLM llm.Provider
	if cfg.UseLLMAnalyzer {
		analyzerLLM = c.llm
	}
	opts := []retrieval.Option{
		retrieval.WithMetrics(retrieval.NewMetrics(reg)),
		retrieval.WithLogger(c.logger),
		retrieval.WithClock(c.now),
	}
	if c.cache != nil {
		opts = append(opts, retrieval.WithCache(c.cache, c.cfg.Cache.KeyPrefix))
	}
	if cfg.RerankEnabled && c.llm != nil {
		limiter := reflection.NewLimiter(c.cfg.Reflection.RequestsPerSecond, c.cfg.Reflection.Burst)
		opts = append(opts, retrieval.WithReranker(retrieval.NewLLMReranker(c.llm, limiter, c.logger)))
	}
	searchers := []retrieval.Searcher{
		retrieval.NewVectorSearch(c.embedder, c.index, c.store),
		retrieval.NewKeywordSearch(c.store),
		retrieval.NewGraphSearch(c.graph, c.store, cfg.GraphDepth),
	}
	analyzer := retrieval.NewAnalyzer(analyzerLLM, retrieval.NewProfiles(cfg.Profiles), c.logger)
	return retrieval.New(analyzer, c.scorer, cfg, searchers, opts...)
}

// invalidate bumps the version of a scope after a write. The shared
// counter is bumped even without a local cache, since other instances on the
// same store may cache the scope.
func (c *Client) invalidate(scope core.Scope) {
	ctx := context.Background()
	if c.versions != nil {
		if err := c.versions.BumpScopeVersion(ctx, scope); err != nil {
			c.logger.Warn("failed to bump scope version", zap.String("scope", scope.String()), zap.Error(err))
		}
	}
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, scope); err != nil {
		c.logger.Warn("failed to invalidate result cache", zap.String("scope", scope.String()), zap.Error(err))
	}
}

// Graph returns the knowledge graph engine.
func (c *Client) Graph() *graph.Engine { return c.graph }

// Retriever returns the hybrid retriever.
func (c *Client) Retriever() *retrieval.Retriever { return c.retriever }

// Scorer returns the composite scorer.
func (c *Client) Scorer() *scoring.Scorer { return c.scorer }

// Close waits for background entity linking and releases all resources.
//
// Returns the first error encountered during cleanup, or nil if all
// resources were closed successfully.
func (c *Client) Close() error {
	if c.extractor != nil {
		c.extractor.Wait()
	}

	var errs []error
	closers := []interface{ Close() error }{}
	if c.jobs != nil {
		closers = append(closers, c.jobs)
	}
	if c.cache != nil {
		closers = append(closers, c.cache)
	}
	if c.index != nil {
		closers = append(closers, c.index)
	}
	if c.embedder != nil {
		closers = append(closers, c.embedder)
	}
	if c.llm != nil {
		closers = append(closers, c.llm)
	}
	if c.store != nil {
		closers = append(closers, c.store)
	}
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// initStore opens the relational store.
func initStore(cfg core.StoreConfig, logger *zap.Logger) (Store, error) {
	store, err := sqlstore.NewClient(cfg, logger)
	if err != nil {
		return nil, core.NewMemoryError("initStore", err)
	}
	return store, nil
}

// initVectorIndex opens the vector index.
func initVectorIndex(cfg core.VectorIndexConfig, store Store) (vectorindex.Index, error) {
	switch cfg.Provider {
	case "chromem":
		idx, err := chromem.New(chromem.Config{Path: cfg.Path, Compress: cfg.Compress})
		if err != nil {
			return nil, core.NewMemoryError("initVectorIndex", err)
		}
		return idx, nil
	case "store":
		return vectorindex.NewStoreIndex(store), nil
	default:
		return nil, core.NewMemoryError("initVectorIndex", &core.ConfigurationError{
			Field:  "vector_index.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		})
	}
}

// initLLM initializes the completion provider.
func initLLM(cfg core.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai", "qwen", "deepseek", "ollama":
		p, err := openaiLLM.NewClient(&openaiLLM.Config{
			Provider: cfg.Provider,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			BaseURL:  cfg.BaseURL,
		})
		if err != nil {
			return nil, core.NewMemoryError("initLLM", err)
		}
		return p, nil
	case "anthropic":
		p, err := anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, core.NewMemoryError("initLLM", err)
		}
		return p, nil
	default:
		return nil, core.NewMemoryError("initLLM", &core.ConfigurationError{
			Field:  "llm.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		})
	}
}

// initEmbedder initializes the embedding provider. Without a configured
// provider a local feature-hashing embedder is used.
func initEmbedder(cfg core.EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "":
		dims := cfg.Dimensions
		if dims == 0 {
			dims = 256
		}
		return embedder.NewHashing(dims), nil
	case "openai", "qwen", "ollama":
		p, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			Provider:   cfg.Provider,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, core.NewMemoryError("initEmbedder", err)
		}
		return p, nil
	default:
		return nil, core.NewMemoryError("initEmbedder", &core.ConfigurationError{
			Field:  "embedder.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		})
	}
}

// initCache creates the retrieval result cache, or nil when disabled.
func initCache(cfg core.CacheConfig, logger *zap.Logger) (retrieval.Cache, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		cache, err := retrieval.NewLocalCache(cfg.MaxEntries, cfg.TTL.Std())
		if err != nil {
			return nil, core.NewMemoryError("initCache", err)
		}
		return cache, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cache, err := retrieval.NewRedisCache(ctx, retrieval.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL.Std(),
		}, logger)
		if err != nil {
			return nil, core.NewMemoryError("initCache", err)
		}
		return cache, nil
	default:
		return nil, core.NewMemoryError("initCache", &core.ConfigurationError{
			Field:  "cache.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		})
	}
}
