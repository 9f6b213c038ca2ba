package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains the complete configuration of the memory engine.
//
// Configuration is read at startup or reload and validated once. Invalid
// configuration is fatal; it is never replaced by defaults at runtime.
//
// Example:
//
//	cfg := core.DefaultConfig()
//	cfg.Store.Provider = "sqlite"
//	cfg.Store.Path = "./memories.db"
//	cfg.LLM = core.LLMConfig{Provider: "openai", APIKey: "sk-...", Model: "gpt-4o-mini"}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Store configures the relational store for items, graph and snapshots.
	Store StoreConfig `json:"store" yaml:"store"`

	// VectorIndex configures the vector similarity index.
	VectorIndex VectorIndexConfig `json:"vector_index" yaml:"vector_index"`

	// LLM configures the text-completion collaborator (optional).
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Embedder configures the embedding collaborator (optional).
	Embedder EmbedderConfig `json:"embedder" yaml:"embedder"`

	Scoring     ScoringConfig     `json:"scoring" yaml:"scoring"`
	Decay       DecayConfig       `json:"decay" yaml:"decay"`
	Graph       GraphConfig       `json:"graph" yaml:"graph"`
	Retrieval   RetrievalConfig   `json:"retrieval" yaml:"retrieval"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Reflection  ReflectionConfig  `json:"reflection" yaml:"reflection"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`

	// NodeID is the snowflake node number of this engine instance.
	NodeID int64 `json:"node_id" yaml:"node_id" validate:"gte=0,lte=1023"`
}

// StoreConfig contains configuration for the relational store.
//
// Supported providers: sqlite, postgres, mysql (also used for OceanBase).
type StoreConfig struct {
	Provider string `json:"provider" yaml:"provider" validate:"oneof=sqlite postgres mysql"`

	// Path is the SQLite database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Provider sqlite"`

	Host     string `json:"host,omitempty" yaml:"host,omitempty" validate:"required_unless=Provider sqlite"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty" validate:"required_unless=Provider sqlite"`
	SSLMode  string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`

	// TablePrefix is prepended to every table name.
	TablePrefix string `json:"table_prefix,omitempty" yaml:"table_prefix,omitempty" validate:"omitempty,alphanum"`

	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"gte=0"`
}

// VectorIndexConfig selects the vector index.
//
//   - chromem: embedded chromem-go index (in memory, or persisted when Path is set)
//   - store: brute-force cosine similarity over embeddings held by the relational store
type VectorIndexConfig struct {
	Provider string `json:"provider" yaml:"provider" validate:"oneof=chromem store"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Compress bool   `json:"compress,omitempty" yaml:"compress,omitempty"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker placed in front of a collaborator.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `json:"max_requests" yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for clearing counts.
	Interval Duration `json:"interval" yaml:"interval"`

	// Timeout is how long the breaker stays open.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures" validate:"gte=1"`
}

// LLMConfig contains configuration for the completion provider.
//
// Supported providers: openai, qwen, deepseek, ollama (OpenAI-compatible), anthropic.
// An empty provider disables completion; the engine then uses its heuristics.
type LLMConfig struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=openai qwen deepseek ollama anthropic"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Timeout bounds a single completion call.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen, ollama (OpenAI-compatible endpoints).
type EmbedderConfig struct {
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=openai qwen ollama"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty" validate:"gte=0"`

	// CacheSize is the number of embeddings kept in the content-hash cache (0 disables it).
	CacheSize int64 `json:"cache_size" yaml:"cache_size" validate:"gte=0"`

	// Timeout bounds a single embedding call.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// ScoringConfig holds the composite score weights: alpha*relevance + beta*importance + gamma*recency.
// The weights must sum to 1.
type ScoringConfig struct {
	Alpha float64 `json:"alpha" yaml:"alpha" validate:"gte=0,lte=1"`
	Beta  float64 `json:"beta" yaml:"beta" validate:"gte=0,lte=1"`
	Gamma float64 `json:"gamma" yaml:"gamma" validate:"gte=0,lte=1"`
}

// DecayConfig configures memory importance decay.
type DecayConfig struct {
	// Rates overrides the per-layer base decay rate (per second).
	Rates map[Layer]float64 `json:"rates,omitempty" yaml:"rates,omitempty"`

	// MinImportance is the floor importance never decays below.
	MinImportance float64 `json:"min_importance" yaml:"min_importance" validate:"gte=0,lte=1"`

	// StaleAfter selects items not accessed for at least this long.
	StaleAfter Duration `json:"stale_after" yaml:"stale_after"`

	// RetentionWindow is how long an item may sit at the floor before it is flagged for archival.
	RetentionWindow Duration `json:"retention_window" yaml:"retention_window"`

	// BatchSize bounds items loaded per store round trip.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"gte=1"`
}

// RateFor returns the base decay rate for layer.
func (c DecayConfig) RateFor(layer Layer) float64 {
	if r, ok := c.Rates[layer]; ok {
		return r
	}
	return Layers[layer].DefaultDecayRate
}

// GraphConfig configures the knowledge graph engine.
type GraphConfig struct {
	// EdgeHalfLife is the time constant of edge weight decay.
	EdgeHalfLife Duration `json:"edge_half_life" yaml:"edge_half_life"`

	// PruneThreshold deactivates edges whose decayed weight falls below it.
	PruneThreshold float64 `json:"prune_threshold" yaml:"prune_threshold" validate:"gte=0,lte=1"`

	// MaxDepth is the hard upper bound on traversal depth.
	MaxDepth int `json:"max_depth" yaml:"max_depth" validate:"gte=1"`

	// ExtractEntities links ingested items to entity nodes.
	ExtractEntities bool `json:"extract_entities" yaml:"extract_entities"`

	// AsyncExtraction runs entity extraction off the ingest path.
	AsyncExtraction bool `json:"async_extraction" yaml:"async_extraction"`

	MaxEntitiesPerItem int `json:"max_entities_per_item" yaml:"max_entities_per_item" validate:"gte=1"`

	// ExemptRelations are never decayed (provenance must survive).
	ExemptRelations []string `json:"exempt_relations,omitempty" yaml:"exempt_relations,omitempty"`
}

// WeightProfile is a {vector, keyword, graph} weight triple.
type WeightProfile struct {
	Vector  float64 `json:"vector" yaml:"vector" validate:"gte=0,lte=1"`
	Keyword float64 `json:"keyword" yaml:"keyword" validate:"gte=0,lte=1"`
	Graph   float64 `json:"graph" yaml:"graph" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (p WeightProfile) Sum() float64 {
	return p.Vector + p.Keyword + p.Graph
}

// RetrievalConfig configures the hybrid retrieval engine.
type RetrievalConfig struct {
	DefaultK int `json:"default_k" yaml:"default_k" validate:"gte=1"`

	// CandidatesPerStrategy is the top-N each sub-search returns.
	CandidatesPerStrategy int `json:"candidates_per_strategy" yaml:"candidates_per_strategy" validate:"gte=1"`

	// StrategyTimeout bounds each sub-search.
	StrategyTimeout Duration `json:"strategy_timeout" yaml:"strategy_timeout"`

	// GraphDepth bounds graph-expansion search.
	GraphDepth int `json:"graph_depth" yaml:"graph_depth" validate:"gte=1"`

	// UseLLMAnalyzer enables completion-backed query analysis.
	UseLLMAnalyzer bool `json:"use_llm_analyzer" yaml:"use_llm_analyzer"`

	RerankEnabled bool `json:"rerank_enabled" yaml:"rerank_enabled"`

	// RerankTopM caps the candidates sent to the reranker (further capped at 3k).
	RerankTopM int `json:"rerank_top_m" yaml:"rerank_top_m" validate:"gte=1"`

	// RerankBlend is the weight of the rerank score in the final blend.
	RerankBlend float64 `json:"rerank_blend" yaml:"rerank_blend" validate:"gte=0,lte=1"`

	// ReinforceOnSearch counts returned results as read accesses.
	ReinforceOnSearch bool `json:"reinforce_on_search" yaml:"reinforce_on_search"`

	// Profiles overrides entries of the default weight profile table.
	Profiles map[string]WeightProfile `json:"profiles,omitempty" yaml:"profiles,omitempty" validate:"omitempty,dive"`
}

// CacheConfig configures the retrieval result cache.
type CacheConfig struct {
	Provider string   `json:"provider" yaml:"provider" validate:"oneof=none memory redis"`
	TTL      Duration `json:"ttl" yaml:"ttl"`

	// MaxEntries bounds the in-process cache.
	MaxEntries int64 `json:"max_entries" yaml:"max_entries" validate:"gte=0"`

	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" validate:"required_if=Provider redis"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// ReflectionConfig configures the reflection pipeline.
type ReflectionConfig struct {
	MaxSamples     int      `json:"max_samples" yaml:"max_samples" validate:"gte=1"`
	MinImportance  float64  `json:"min_importance" yaml:"min_importance" validate:"gte=0,lte=1"`
	Lookback       Duration `json:"lookback" yaml:"lookback"`
	MinClusterSize int      `json:"min_cluster_size" yaml:"min_cluster_size" validate:"gte=2"`

	// DBSCANEps is the neighborhood radius in cosine distance.
	DBSCANEps float64 `json:"dbscan_eps" yaml:"dbscan_eps" validate:"gt=0,lte=2"`

	// DBSCANMaxPoints switches to k-means for larger samples.
	DBSCANMaxPoints int `json:"dbscan_max_points" yaml:"dbscan_max_points" validate:"gte=1"`

	MaxClusters int `json:"max_clusters" yaml:"max_clusters" validate:"gte=2"`

	// StrategyBoost multiplies the reflection importance for strategies (capped at 1).
	StrategyBoost float64 `json:"strategy_boost" yaml:"strategy_boost" validate:"gte=1"`

	StoreAttempts     int      `json:"store_attempts" yaml:"store_attempts" validate:"gte=1"`
	RetryInitialDelay Duration `json:"retry_initial_delay" yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration `json:"retry_max_delay" yaml:"retry_max_delay"`

	// RequestsPerSecond limits completion calls (0 disables limiting).
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"gte=1"`
}

// MaintenanceConfig configures scheduled cycles.
type MaintenanceConfig struct {
	// MaxParallelTenants bounds concurrently processed tenant/project scopes.
	MaxParallelTenants int `json:"max_parallel_tenants" yaml:"max_parallel_tenants" validate:"gte=1"`

	// JobStoreDir persists job descriptors. Empty keeps them in memory.
	JobStoreDir string `json:"job_store_dir,omitempty" yaml:"job_store_dir,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `json:"development" yaml:"development"`
}

// DefaultConfig returns a configuration with every default filled in.
// It uses a local SQLite store, the embedded vector index and no collaborators.
func DefaultConfig() *Config {
	breaker := BreakerConfig{
		MaxRequests:         1,
		Interval:            Duration(time.Minute),
		Timeout:             Duration(30 * time.Second),
		ConsecutiveFailures: 5,
	}
	return &Config{
		Store: StoreConfig{
			Provider: "sqlite",
			Path:     "./reflectmem.db",
		},
		VectorIndex: VectorIndexConfig{Provider: "chromem", Breaker: breaker},
		LLM: LLMConfig{
			Timeout: Duration(30 * time.Second),
			Breaker: breaker,
		},
		Embedder: EmbedderConfig{
			CacheSize: 10000,
			Timeout:   Duration(30 * time.Second),
			Breaker:   breaker,
		},
		Scoring: ScoringConfig{Alpha: 0.5, Beta: 0.3, Gamma: 0.2},
		Decay: DecayConfig{
			MinImportance:   0.1,
			StaleAfter:      Duration(24 * time.Hour),
			RetentionWindow: Duration(30 * 24 * time.Hour),
			BatchSize:       500,
		},
		Graph: GraphConfig{
			EdgeHalfLife:       Duration(30 * 24 * time.Hour),
			PruneThreshold:     0.05,
			MaxDepth:           5,
			ExtractEntities:    true,
			MaxEntitiesPerItem: 8,
			ExemptRelations:    []string{RelationDerivesFrom},
		},
		Retrieval: RetrievalConfig{
			DefaultK:              10,
			CandidatesPerStrategy: 50,
			StrategyTimeout:       Duration(2 * time.Second),
			GraphDepth:            2,
			RerankTopM:            20,
			RerankBlend:           0.7,
		},
		Cache: CacheConfig{
			Provider:   "memory",
			TTL:        Duration(30 * time.Second),
			MaxEntries: 1000,
			KeyPrefix:  "reflectmem",
		},
		Reflection: ReflectionConfig{
			MaxSamples:        100,
			MinImportance:     0.5,
			Lookback:          Duration(72 * time.Hour),
			MinClusterSize:    3,
			DBSCANEps:         0.35,
			DBSCANMaxPoints:   2000,
			MaxClusters:       10,
			StrategyBoost:     1.1,
			StoreAttempts:     3,
			RetryInitialDelay: Duration(200 * time.Millisecond),
			RetryMaxDelay:     Duration(5 * time.Second),
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Maintenance: MaintenanceConfig{MaxParallelTenants: 4},
		Logging:     LoggingConfig{Level: "info"},
		NodeID:      1,
	}
}

// weightTolerance is the allowed deviation of a weight sum from 1.
const weightTolerance = 1e-6

var validate = validator.New()

// Validate checks the configuration.
//
// Struct tags are checked first, then semantic constraints: scoring weights
// and weight profiles sum to 1, decay rates are non-negative, and durations
// are positive. The first violation is returned as a *ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewMemoryError("Validate", &ConfigurationError{
				Field:  fe.Namespace(),
				Reason: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			})
		}
		return NewMemoryError("Validate", &ConfigurationError{Field: "config", Reason: err.Error()})
	}

	sum := c.Scoring.Alpha + c.Scoring.Beta + c.Scoring.Gamma
	if math.Abs(sum-1) > weightTolerance {
		return NewMemoryError("Validate", &ConfigurationError{
			Field:  "scoring",
			Reason: fmt.Sprintf("weights must sum to 1, got %.6f", sum),
		})
	}

	for layer, rate := range c.Decay.Rates {
		if !layer.Valid() {
			return NewMemoryError("Validate", &ConfigurationError{Field: "decay.rates", Reason: fmt.Sprintf("unknown layer %q", layer)})
		}
		if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return NewMemoryError("Validate", &ConfigurationError{Field: "decay.rates." + string(layer), Reason: "rate must be a non-negative number"})
		}
	}

	for name, p := range c.Retrieval.Profiles {
		if math.Abs(p.Sum()-1) > weightTolerance {
			return NewMemoryError("Validate", &ConfigurationError{
				Field:  "retrieval.profiles." + name,
				Reason: fmt.Sprintf("weights must sum to 1, got %.6f", p.Sum()),
			})
		}
	}

	durations := map[string]Duration{
		"decay.stale_after":              c.Decay.StaleAfter,
		"decay.retention_window":         c.Decay.RetentionWindow,
		"graph.edge_half_life":           c.Graph.EdgeHalfLife,
		"retrieval.strategy_timeout":     c.Retrieval.StrategyTimeout,
		"reflection.lookback":            c.Reflection.Lookback,
		"reflection.retry_initial_delay": c.Reflection.RetryInitialDelay,
	}
	for field, d := range durations {
		if d <= 0 {
			return NewMemoryError("Validate", &ConfigurationError{Field: field, Reason: "duration must be positive"})
		}
	}
	if c.Reflection.RetryMaxDelay < c.Reflection.RetryInitialDelay {
		return NewMemoryError("Validate", &ConfigurationError{Field: "reflection.retry_max_delay", Reason: "must not be shorter than retry_initial_delay"})
	}
	if c.Cache.Provider != "none" && c.Cache.TTL <= 0 {
		return NewMemoryError("Validate", &ConfigurationError{Field: "cache.ttl", Reason: "duration must be positive"})
	}

	return nil
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Overlays environment variables on DefaultConfig and validates the result
//
// Supported environment variables:
//   - STORE_PROVIDER (sqlite, postgres, mysql), SQLITE_PATH, STORE_HOST, STORE_PORT,
//     STORE_USER, STORE_PASSWORD, STORE_DATABASE, STORE_SSLMODE, STORE_TABLE_PREFIX
//   - VECTOR_INDEX_PROVIDER (chromem, store), VECTOR_INDEX_PATH
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL, EMBEDDING_DIMS
//   - SCORING_ALPHA, SCORING_BETA, SCORING_GAMMA
//   - CACHE_PROVIDER (none, memory, redis), REDIS_ADDR, REDIS_PASSWORD
//   - RERANK_ENABLED, REFLECTION_MIN_IMPORTANCE, MAINTENANCE_PARALLELISM, JOB_STORE_DIR
//   - LOG_LEVEL, NODE_ID
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()

	cfg.Store.Provider = getEnvOrDefault("STORE_PROVIDER", cfg.Store.Provider)
	switch cfg.Store.Provider {
	case "sqlite":
		cfg.Store.Path = getEnvOrDefault("SQLITE_PATH", cfg.Store.Path)
	case "postgres":
		cfg.Store.Host = getEnvOrDefault("STORE_HOST", "localhost")
		cfg.Store.Port = getEnvInt("STORE_PORT", 5432)
		cfg.Store.User = getEnvOrDefault("STORE_USER", "postgres")
		cfg.Store.Database = getEnvOrDefault("STORE_DATABASE", "reflectmem")
		cfg.Store.SSLMode = getEnvOrDefault("STORE_SSLMODE", "disable")
	case "mysql":
		cfg.Store.Host = getEnvOrDefault("STORE_HOST", "127.0.0.1")
		cfg.Store.Port = getEnvInt("STORE_PORT", 2881)
		cfg.Store.User = getEnvOrDefault("STORE_USER", "root@sys")
		cfg.Store.Database = getEnvOrDefault("STORE_DATABASE", "reflectmem")
	}
	cfg.Store.Password = os.Getenv("STORE_PASSWORD")
	cfg.Store.TablePrefix = os.Getenv("STORE_TABLE_PREFIX")

	cfg.VectorIndex.Provider = getEnvOrDefault("VECTOR_INDEX_PROVIDER", cfg.VectorIndex.Provider)
	cfg.VectorIndex.Path = os.Getenv("VECTOR_INDEX_PATH")

	cfg.LLM.Provider = os.Getenv("LLM_PROVIDER")
	cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	cfg.LLM.Model = os.Getenv("LLM_MODEL")
	cfg.LLM.BaseURL = os.Getenv("LLM_BASE_URL")

	cfg.Embedder.Provider = os.Getenv("EMBEDDING_PROVIDER")
	cfg.Embedder.APIKey = os.Getenv("EMBEDDING_API_KEY")
	cfg.Embedder.Model = os.Getenv("EMBEDDING_MODEL")
	cfg.Embedder.BaseURL = os.Getenv("EMBEDDING_BASE_URL")
	cfg.Embedder.Dimensions = getEnvInt("EMBEDDING_DIMS", 0)

	var err error
	if cfg.Scoring.Alpha, err = getEnvFloat("SCORING_ALPHA", cfg.Scoring.Alpha); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", err)
	}
	if cfg.Scoring.Beta, err = getEnvFloat("SCORING_BETA", cfg.Scoring.Beta); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", err)
	}
	if cfg.Scoring.Gamma, err = getEnvFloat("SCORING_GAMMA", cfg.Scoring.Gamma); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", err)
	}
	if cfg.Reflection.MinImportance, err = getEnvFloat("REFLECTION_MIN_IMPORTANCE", cfg.Reflection.MinImportance); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", err)
	}

	cfg.Cache.Provider = getEnvOrDefault("CACHE_PROVIDER", cfg.Cache.Provider)
	cfg.Cache.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.Cache.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.Retrieval.RerankEnabled = os.Getenv("RERANK_ENABLED") == "true"
	cfg.Maintenance.MaxParallelTenants = getEnvInt("MAINTENANCE_PARALLELISM", cfg.Maintenance.MaxParallelTenants)
	cfg.Maintenance.JobStoreDir = os.Getenv("JOB_STORE_DIR")
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.NodeID = int64(getEnvInt("NODE_ID", int(cfg.NodeID)))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file over DefaultConfig and validates it.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", &ConfigurationError{Field: path, Reason: err.Error()})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromYAML loads configuration from a YAML file over DefaultConfig and validates it.
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", &ConfigurationError{Field: path, Reason: err.Error()})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile picks the loader by file extension (.json, .yaml, .yml, .env).
func LoadConfigFromFile(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadConfigFromJSON(path)
	case ".yaml", ".yml":
		return LoadConfigFromYAML(path)
	case ".env":
		return LoadConfigFromEnvFile(path)
	default:
		return nil, NewMemoryError("LoadConfigFromFile", &ConfigurationError{Field: path, Reason: "unsupported config file extension"})
	}
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: err.Error()}
	}
	return v, nil
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}

// Duration is a time.Duration that reads "90s" / "24h" strings from JSON and YAML.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1h30m" strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "1h30m" strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
