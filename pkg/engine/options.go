package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
)

// Option injects a collaborator or setting into NewClient.
//
// Injected collaborators take precedence over the ones cfg would build.
type Option func(*options)

type options struct {
	store      Store
	index      vectorindex.Index
	llm        llm.Provider
	embedder   embedder.Provider
	cache      retrieval.Cache
	ids        core.IDGenerator
	registerer prometheus.Registerer
	logger     *zap.Logger
	now        func() time.Time
}

// WithStore uses store instead of opening cfg.Store.
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithVectorIndex uses idx instead of opening cfg.VectorIndex.
func WithVectorIndex(idx vectorindex.Index) Option {
	return func(o *options) { o.index = idx }
}

// WithLLM uses p as the completion provider.
func WithLLM(p llm.Provider) Option {
	return func(o *options) { o.llm = p }
}

// WithEmbedder uses p as the embedding provider.
func WithEmbedder(p embedder.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithCache uses c as the retrieval result cache.
func WithCache(c retrieval.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithIDGenerator replaces the snowflake generator.
func WithIDGenerator(ids core.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithRegisterer registers the engine metrics on reg.
//
// Example:
//
//	client, _ := engine.NewClient(cfg, engine.WithRegisterer(prometheus.DefaultRegisterer))
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// AddOption configures an Add operation.
type AddOption func(*AddOptions)

// AddOptions contains configuration options for Add operations.
type AddOptions struct {
	// Layer of the new item. Defaults to episodic; reflective is rejected.
	Layer core.Layer

	// Importance in [0,1]. When unset the importance evaluator assigns one.
	Importance *float64

	Tags      []string
	Metadata  map[string]interface{}
	SessionID string

	// CreatedAt overrides the ingest time (backfills and imports).
	CreatedAt *time.Time
}

// WithLayer sets the layer of the new item.
//
// Example:
//
//	item, _ := client.Add(ctx, scope, "prefers blue-green deploys", engine.WithLayer(core.LayerSemantic))
func WithLayer(layer core.Layer) AddOption {
	return func(opts *AddOptions) {
		opts.Layer = layer
	}
}

// WithImportance sets the importance of the new item.
func WithImportance(importance float64) AddOption {
	return func(opts *AddOptions) {
		opts.Importance = &importance
	}
}

// WithTags sets the tags of the new item.
func WithTags(tags ...string) AddOption {
	return func(opts *AddOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithMetadata sets the metadata of the new item.
//
// The reflection pipeline reads "outcome", "task_description", "event_type",
// "tool_name", "error" and "error_category" when building prompts.
//
// Example:
//
//	item, _ := client.Add(ctx, scope, "deploy failed: timeout on service X",
//	    engine.WithMetadata(map[string]interface{}{
//	        "outcome":   "failure",
//	        "tool_name": "kubectl",
//	    }),
//	)
func WithMetadata(metadata map[string]interface{}) AddOption {
	return func(opts *AddOptions) {
		opts.Metadata = metadata
	}
}

// WithSessionID sets the session of the new item.
func WithSessionID(sessionID string) AddOption {
	return func(opts *AddOptions) {
		opts.SessionID = sessionID
	}
}

// WithCreatedAt overrides the ingest time.
func WithCreatedAt(t time.Time) AddOption {
	return func(opts *AddOptions) {
		opts.CreatedAt = &t
	}
}

func applyAddOptions(opts []AddOption) *AddOptions {
	o := &AddOptions{Layer: core.LayerEpisodic}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SearchOption configures a Search operation.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	// Limit is k. Defaults to retrieval.default_k.
	Limit int

	Filters retrieval.Filters

	// Reinforce counts returned items as read accesses. Defaults to
	// retrieval.reinforce_on_search.
	Reinforce *bool
}

// WithLimit sets the number of results.
//
// Example:
//
//	resp, _ := client.Search(ctx, scope, "timeout", engine.WithLimit(5))
func WithLimit(limit int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Limit = limit
	}
}

// WithLayers restricts results to the given layers.
func WithLayers(layers ...core.Layer) SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters.Layers = append(opts.Filters.Layers, layers...)
	}
}

// WithTagFilter keeps results carrying any of the tags.
func WithTagFilter(tags ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters.Tags = append(opts.Filters.Tags, tags...)
	}
}

// WithSessionFilter restricts results to one session.
func WithSessionFilter(sessionID string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters.SessionID = sessionID
	}
}

// WithMinImportance drops results below the importance.
func WithMinImportance(min float64) SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters.MinImportance = min
	}
}

// WithCreatedBetween bounds the creation time of results. A zero bound is open.
func WithCreatedBetween(after, before time.Time) SearchOption {
	return func(opts *SearchOptions) {
		if !after.IsZero() {
			opts.Filters.CreatedAfter = &after
		}
		if !before.IsZero() {
			opts.Filters.CreatedBefore = &before
		}
	}
}

// WithoutArchival drops archival candidates.
func WithoutArchival() SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters.ExcludeArchival = true
	}
}

// WithReinforce overrides whether results count as read accesses.
func WithReinforce(reinforce bool) SearchOption {
	return func(opts *SearchOptions) {
		opts.Reinforce = &reinforce
	}
}

func applySearchOptions(opts []SearchOption) *SearchOptions {
	o := &SearchOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
