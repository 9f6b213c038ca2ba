// Package reflection distills stored memories into reflective insights.
//
// A cycle runs SAMPLE, CLUSTER, GENERATE, SCORE and STORE for one
// tenant/project. Sampled episodic and working memories are clustered by
// embedding similarity; each cluster, and each explicit task context passed
// in, becomes one completion call whose reflection (and optional strategy)
// is stored in the reflective layer with derives_from edges to its sources.
//
// Writes carry a deterministic idempotency key built from the scope, the
// sorted source IDs and the cycle timestamp, so a retried store of the same
// generation never creates a second item.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
	"github.com/oceanbase/reflective-memory-go/pkg/retry"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
	"go.uber.org/zap"
)

// Item kinds recorded in reflective item metadata.
const (
	KindReflection = "reflection"
	KindStrategy   = "strategy"
)

// Sources of a generation.
const (
	SourceCluster = "cluster"
	SourceContext = "context"
)

// maxPromptEvents bounds the memories rendered into one prompt.
const maxPromptEvents = 20

// fallbackDims is the size of hashed vectors used when no embedding is available.
const fallbackDims = 256

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("reflectmem/reflection"))

// IdempotencyKey derives the write key of a generation. salt separates
// generations that share members, such as explicit contexts without sources.
func IdempotencyKey(scope core.Scope, members []int64, cycleTime time.Time, salt string) string {
	ids := append([]int64(nil), members...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	name := strings.Join([]string{
		scope.TenantID, scope.ProjectID,
		strings.Join(parts, ","),
		cycleTime.UTC().Format(time.RFC3339Nano),
		salt,
	}, "|")
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// Searcher finds sample candidates for a focus query.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// CycleRequest describes one reflection cycle.
type CycleRequest struct {
	Scope core.Scope

	// CycleTime is part of every idempotency key. Rerunning a cycle with the
	// same time and sample reuses the items it stored. Zero means now.
	CycleTime time.Time

	// FocusQuery samples through retrieval instead of an importance scan.
	FocusQuery string

	// Contexts are reflected on individually, in addition to the sample.
	Contexts []FailureContext

	// SkipSampling reflects on Contexts only.
	SkipSampling bool
}

// ClusterOutcome is the result of one generation.
type ClusterOutcome struct {
	Source       string  `json:"source"`
	MemberIDs    []int64 `json:"member_ids,omitempty"`
	Outcome      string  `json:"outcome"`
	ReflectionID int64   `json:"reflection_id,omitempty"`
	StrategyID   int64   `json:"strategy_id,omitempty"`

	// Reused is set when the idempotency key matched an existing item.
	Reused bool   `json:"reused,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CycleResult summarizes a cycle.
type CycleResult struct {
	Scope     core.Scope `json:"scope"`
	CycleTime time.Time  `json:"cycle_time"`
	Sampled   int        `json:"sampled"`

	// Skipped is set when too few memories qualified for clustering.
	Skipped bool `json:"skipped"`

	Clusters   []ClusterOutcome `json:"clusters"`
	CreatedIDs []int64          `json:"created_ids,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// Failed counts generations that stored nothing.
func (r *CycleResult) Failed() int {
	n := 0
	for _, c := range r.Clusters {
		if c.Error != "" {
			n++
		}
	}
	return n
}

// Pipeline runs reflection cycles.
type Pipeline struct {
	store     storage.MemoryStore
	graph     *graph.Engine
	generator *Generator
	ids       core.IDGenerator
	cfg       core.ReflectionConfig
	clusterer Clusterer
	embedder  embedder.Provider
	index     vectorindex.Index
	extractor *graph.Extractor
	searcher  Searcher
	retryer   *retry.Retryer
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClusterer replaces the adaptive DBSCAN/k-means clusterer.
func WithClusterer(c Clusterer) Option {
	return func(p *Pipeline) { p.clusterer = c }
}

// WithEmbedder embeds sampled items that have no stored embedding, and new
// reflective items.
func WithEmbedder(e embedder.Provider) Option {
	return func(p *Pipeline) { p.embedder = e }
}

// WithVectorIndex indexes stored reflective items.
func WithVectorIndex(idx vectorindex.Index) Option {
	return func(p *Pipeline) { p.index = idx }
}

// WithExtractor links stored reflective items to the entities they mention.
func WithExtractor(x *graph.Extractor) Option {
	return func(p *Pipeline) { p.extractor = x }
}

// WithSearcher enables focus-query sampling.
func WithSearcher(s Searcher) Option {
	return func(p *Pipeline) { p.searcher = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline.
func New(store storage.MemoryStore, g *graph.Engine, gen *Generator, ids core.IDGenerator, cfg core.ReflectionConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		graph:     g,
		generator: gen,
		ids:       ids,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = core.LoggerOrNop(p.logger).With(zap.String("component", "reflection"))
	if p.clusterer == nil {
		p.clusterer = NewAdaptive(cfg.DBSCANEps, cfg.MinClusterSize, cfg.DBSCANMaxPoints, cfg.MaxClusters)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.retryer = retry.New(retry.Policy{
		MaxAttempts:  cfg.StoreAttempts,
		InitialDelay: cfg.RetryInitialDelay.Std(),
		MaxDelay:     cfg.RetryMaxDelay.Std(),
		Multiplier:   2,
		Jitter:       true,
		Retryable:    storeRetryable,
	}, p.logger)
	return p
}

func storeRetryable(err error) bool {
	return !errors.Is(err, core.ErrInvalidInput) &&
		!errors.Is(err, core.ErrStorageOperation) &&
		!errors.Is(err, core.ErrConsistencyViolation) &&
		!errors.Is(err, core.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Run executes one cycle. Per-generation failures are reported in the
// result; only an invalid request, a failed sample or cancellation return
// an error.
func (p *Pipeline) Run(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, core.NewMemoryError("Reflect", err)
	}
	for i := range req.Contexts {
		if fc := &req.Contexts[i]; len(fc.SourceItemIDs) == 0 && len(fc.Events) == 0 {
			return nil, core.NewMemoryError("Reflect",
				fmt.Errorf("%w: context %d has neither source items nor events", core.ErrInvalidInput, i))
		}
	}
	cycleTime := req.CycleTime
	if cycleTime.IsZero() {
		cycleTime = p.now()
	}
	res := &CycleResult{Scope: req.Scope, CycleTime: cycleTime}

	if !req.SkipSampling {
		if err := p.reflectOnSample(ctx, &req, res); err != nil {
			p.metrics.cycles.WithLabelValues("error").Inc()
			return nil, core.NewMemoryError("Reflect", err)
		}
	}

	for i := range req.Contexts {
		if err := ctx.Err(); err != nil {
			p.metrics.cycles.WithLabelValues("error").Inc()
			return res, core.NewMemoryError("Reflect", err)
		}
		fc := req.Contexts[i]
		fc.Events = append([]Event(nil), fc.Events...)
		fc.SourceItemIDs = append([]int64(nil), fc.SourceItemIDs...)
		salt := contextSalt(&fc)

		recorded, err := p.recordEvents(ctx, res.Scope, res.CycleTime, &fc, salt)
		if err != nil {
			p.fail(res, ClusterOutcome{Source: SourceContext, Outcome: outcomeOf(&fc)}, "record events", err)
			continue
		}
		p.process(ctx, res, SourceContext, &fc, recorded, salt)
	}

	outcome := "ok"
	switch {
	case res.Failed() > 0:
		outcome = "partial"
	case res.Skipped && len(res.Clusters) == 0:
		outcome = "skipped"
	}
	p.metrics.cycles.WithLabelValues(outcome).Inc()
	p.logger.Info("reflection cycle finished",
		zap.String("scope", req.Scope.String()),
		zap.Int("sampled", res.Sampled),
		zap.Int("generations", len(res.Clusters)),
		zap.Int("created", len(res.CreatedIDs)),
		zap.Int("failed", res.Failed()),
		zap.Bool("skipped", res.Skipped),
	)
	return res, nil
}

func (p *Pipeline) reflectOnSample(ctx context.Context, req *CycleRequest, res *CycleResult) error {
	items, err := p.sample(ctx, req, res.CycleTime)
	if err != nil {
		return err
	}
	res.Sampled = len(items)
	if len(items) < p.cfg.MinClusterSize {
		res.Skipped = true
		p.logger.Debug("too few memories to reflect on",
			zap.String("scope", req.Scope.String()),
			zap.Int("sampled", len(items)),
		)
		return nil
	}

	groups := p.clusterer.Cluster(p.vectors(ctx, items))
	if len(groups) == 0 {
		res.Skipped = true
		return nil
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		members := make([]*core.MemoryItem, len(g))
		for i, idx := range g {
			members[i] = items[idx]
		}
		p.process(ctx, res, SourceCluster, clusterContext(members), members, SourceCluster)
	}
	return nil
}

// SampleLayers returns the layers reflection samples from.
func SampleLayers() []core.Layer {
	var out []core.Layer
	for l, spec := range core.Layers {
		if spec.Sampleable {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Pipeline) sample(ctx context.Context, req *CycleRequest, now time.Time) ([]*core.MemoryItem, error) {
	since := now.Add(-p.cfg.Lookback.Std())
	if strings.TrimSpace(req.FocusQuery) != "" && p.searcher != nil {
		resp, err := p.searcher.Search(ctx, retrieval.SearchRequest{
			Query: req.FocusQuery,
			Scope: req.Scope,
			K:     p.cfg.MaxSamples,
			Filters: retrieval.Filters{
				Layers:          SampleLayers(),
				MinImportance:   p.cfg.MinImportance,
				CreatedAfter:    &since,
				ExcludeArchival: true,
			},
		})
		if err != nil {
			return nil, err
		}
		items := make([]*core.MemoryItem, len(resp.Results))
		for i, r := range resp.Results {
			items[i] = r.Item
		}
		return items, nil
	}
	return p.store.ListItems(ctx, storage.ItemFilter{
		Scope:           req.Scope,
		Layers:          SampleLayers(),
		MinImportance:   p.cfg.MinImportance,
		CreatedAfter:    &since,
		ExcludeArchival: true,
		OrderBy:         storage.OrderByImportance,
		Limit:           p.cfg.MaxSamples,
	})
}

// vectors returns one vector per item. Stored embeddings are used when every
// item has one; otherwise the items are embedded, and if that fails all of
// them are hashed so the sample shares one vector space.
func (p *Pipeline) vectors(ctx context.Context, items []*core.MemoryItem) [][]float64 {
	vecs := make([][]float64, len(items))
	var missing []int
	for i, it := range items {
		if len(it.Embedding) == 0 {
			missing = append(missing, i)
			continue
		}
		vecs[i] = it.Embedding
	}
	if len(missing) == 0 {
		return vecs
	}

	if p.embedder != nil {
		texts := make([]string, len(missing))
		for i, idx := range missing {
			texts[i] = items[idx].Content
		}
		embedded, err := p.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(embedded) == len(missing) {
			for i, idx := range missing {
				vecs[idx] = embedded[i]
			}
			return vecs
		}
		p.logger.Warn("embedding unavailable, clustering on hashed vectors", zap.Error(err))
	}
	for i, it := range items {
		vecs[i] = embedder.HashVector(it.Content, fallbackDims)
	}
	return vecs
}

// clusterContext turns a cluster of memories into a task context for the prompt.
func clusterContext(items []*core.MemoryItem) *FailureContext {
	sorted := append([]*core.MemoryItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	fc := &FailureContext{
		TaskGoal: fmt.Sprintf("Find the common cause behind %d related memories", len(sorted)),
		Outcome:  OutcomeSuccess,
	}
	sessions := make(map[string]bool)
	for i, it := range sorted {
		fc.SourceItemIDs = append(fc.SourceItemIDs, it.ID)
		sessions[it.SessionID] = true

		outcome := metaString(it, "outcome")
		failed := IsFailureOutcome(outcome) || (outcome == "" && LooksLikeFailure(it.Content))
		if failed && !fc.Failed() {
			fc.Outcome = OutcomeFailure
			if IsFailureOutcome(outcome) {
				fc.Outcome = strings.ToLower(outcome)
			}
			fc.ErrorMessage = it.Content
			fc.ErrorCategory = metaString(it, "error_category")
		}
		if fc.TaskDescription == "" {
			fc.TaskDescription = metaString(it, "task_description")
		}
		if i < maxPromptEvents {
			typ := metaString(it, "event_type")
			if typ == "" {
				typ = string(it.Layer)
			}
			fc.Events = append(fc.Events, Event{
				Timestamp: it.CreatedAt,
				Type:      typ,
				Content:   it.Content,
				ToolName:  metaString(it, "tool_name"),
				Error:     metaString(it, "error"),
			})
		}
	}
	if len(sessions) == 1 {
		fc.SessionID = sorted[0].SessionID
	}
	sort.Slice(fc.SourceItemIDs, func(i, j int) bool { return fc.SourceItemIDs[i] < fc.SourceItemIDs[j] })
	return fc
}

func metaString(it *core.MemoryItem, key string) string {
	if v, ok := it.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// process runs GENERATE, SCORE and STORE for one task context and records
// the outcome. Failures are contained to this generation.
func (p *Pipeline) process(ctx context.Context, res *CycleResult, source string, fc *FailureContext, members []*core.MemoryItem, salt string) {
	out := ClusterOutcome{Source: source, MemberIDs: fc.SourceItemIDs, Outcome: outcomeOf(fc)}
	fail := func(stage string, err error) { p.fail(res, out, stage, err) }

	start := time.Now()
	gen, err := p.generator.Generate(ctx, fc)
	p.metrics.generationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		fail("generate", err)
		return
	}
	reflImp, stratImp := p.Score(gen)

	key := IdempotencyKey(res.Scope, fc.SourceItemIDs, res.CycleTime, salt)
	meta := map[string]interface{}{
		"kind":       KindReflection,
		"source":     source,
		"outcome":    out.Outcome,
		"confidence": gen.Confidence,
		"cycle_at":   res.CycleTime.UTC().Format(time.RFC3339Nano),
	}
	if fc.TaskDescription != "" {
		meta["task_description"] = fc.TaskDescription
	}
	if fc.SessionID != "" {
		meta["session_id"] = fc.SessionID
	}
	if n := len(fc.Events); n > 0 {
		meta["event_count"] = n
	}

	refl, created, err := p.persist(ctx, res.Scope, &core.MemoryItem{
		ID:             p.ids.NextID(),
		TenantID:       res.Scope.TenantID,
		ProjectID:      res.Scope.ProjectID,
		Content:        gen.ReflectionText,
		Layer:          core.LayerReflective,
		Importance:     reflImp,
		Tags:           gen.Tags,
		Metadata:       meta,
		SessionID:      fc.SessionID,
		SourceItemIDs:  fc.SourceItemIDs,
		IdempotencyKey: key,
	}, fc.SourceItemIDs, members, gen.Confidence)
	if err != nil {
		fail("store", err)
		return
	}
	out.ReflectionID, out.Reused = refl.ID, !created
	if created {
		res.CreatedIDs = append(res.CreatedIDs, refl.ID)
		p.metrics.stored.WithLabelValues(KindReflection).Inc()
	}

	if gen.HasStrategy() {
		smeta := make(map[string]interface{}, len(meta)+1)
		for k, v := range meta {
			smeta[k] = v
		}
		smeta["kind"] = KindStrategy
		smeta["reflection_id"] = refl.ID
		sources := append(append([]int64(nil), fc.SourceItemIDs...), refl.ID)
		strat, screated, err := p.persist(ctx, res.Scope, &core.MemoryItem{
			ID:             p.ids.NextID(),
			TenantID:       res.Scope.TenantID,
			ProjectID:      res.Scope.ProjectID,
			Content:        gen.StrategyText,
			Layer:          core.LayerReflective,
			Importance:     stratImp,
			Tags:           NormalizeTags(append(append([]string(nil), gen.Tags...), KindStrategy)),
			Metadata:       smeta,
			SessionID:      fc.SessionID,
			SourceItemIDs:  sources,
			IdempotencyKey: key + ":" + KindStrategy,
		}, sources, members, gen.Confidence)
		if err != nil {
			fail("store strategy", err)
			return
		}
		out.StrategyID = strat.ID
		if screated {
			res.CreatedIDs = append(res.CreatedIDs, strat.ID)
			p.metrics.stored.WithLabelValues(KindStrategy).Inc()
		}
	}

	result := "stored"
	if out.Reused {
		result = "reused"
	}
	p.metrics.generations.WithLabelValues(result).Inc()
	res.Clusters = append(res.Clusters, out)
}

// fail records a generation that stored nothing.
func (p *Pipeline) fail(res *CycleResult, out ClusterOutcome, stage string, err error) {
	out.Error = fmt.Sprintf("%s: %v", stage, err)
	res.Errors = append(res.Errors, out.Error)
	res.Clusters = append(res.Clusters, out)
	p.metrics.generations.WithLabelValues("failed").Inc()
	p.logger.Warn("reflection failed",
		zap.String("scope", res.Scope.String()),
		zap.String("source", out.Source),
		zap.String("stage", stage),
		zap.Int64s("members", out.MemberIDs),
		zap.Error(err),
	)
}

func outcomeOf(fc *FailureContext) string {
	if fc.Outcome == "" {
		return OutcomeSuccess
	}
	return fc.Outcome
}

// contextSalt separates explicit contexts that share a cycle. Every field
// that reaches the prompt takes part.
func contextSalt(fc *FailureContext) string {
	return strings.Join([]string{
		SourceContext,
		fc.TaskGoal,
		fc.TaskDescription,
		strings.ToLower(outcomeOf(fc)),
		fc.ErrorCategory,
		fc.ErrorMessage,
		fc.ErrorContext,
		fc.SessionID,
		FormatEvents(fc.Events),
	}, "\x1f")
}

// recordEvents gives a context without source items its provenance. Events
// that name a stored memory are used as they are; the rest are stored as
// episodic items keyed by the context and their position, so a rerun of the
// cycle finds them again.
func (p *Pipeline) recordEvents(ctx context.Context, scope core.Scope, cycleTime time.Time, fc *FailureContext, salt string) ([]*core.MemoryItem, error) {
	if len(fc.SourceItemIDs) > 0 {
		return nil, nil
	}
	var recorded []*core.MemoryItem
	seen := make(map[int64]bool, len(fc.Events))
	for i := range fc.Events {
		ev := &fc.Events[i]
		if ev.ItemID == 0 {
			item, err := p.recordEvent(ctx, scope, cycleTime, fc, ev, salt+":event:"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			ev.ItemID = item.ID
			recorded = append(recorded, item)
		}
		if !seen[ev.ItemID] {
			seen[ev.ItemID] = true
			fc.SourceItemIDs = append(fc.SourceItemIDs, ev.ItemID)
		}
	}
	sort.Slice(fc.SourceItemIDs, func(i, j int) bool { return fc.SourceItemIDs[i] < fc.SourceItemIDs[j] })
	return recorded, nil
}

func (p *Pipeline) recordEvent(ctx context.Context, scope core.Scope, cycleTime time.Time, fc *FailureContext, ev *Event, salt string) (*core.MemoryItem, error) {
	meta := map[string]interface{}{
		"event_type": ev.Type,
		"task_goal":  fc.TaskGoal,
	}
	if ev.ToolName != "" {
		meta["tool_name"] = ev.ToolName
	}
	if ev.Error != "" {
		meta["error"] = ev.Error
	}
	if fc.TaskDescription != "" {
		meta["task_description"] = fc.TaskDescription
	}
	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = cycleTime
	}
	item := &core.MemoryItem{
		ID:             p.ids.NextID(),
		TenantID:       scope.TenantID,
		ProjectID:      scope.ProjectID,
		Content:        ev.Content,
		Layer:          core.LayerEpisodic,
		Importance:     eventImportance(ev),
		Metadata:       meta,
		SessionID:      fc.SessionID,
		CreatedAt:      createdAt,
		IdempotencyKey: IdempotencyKey(scope, nil, cycleTime, salt),
	}
	if p.embedder != nil {
		if vec, err := p.embedder.Embed(ctx, item.Content); err == nil {
			item.Embedding = vec
		} else {
			p.logger.Warn("failed to embed task event", zap.Error(err))
		}
	}

	var stored *core.MemoryItem
	var created bool
	err := p.retryer.Do(ctx, func(ctx context.Context) error {
		s, c, err := p.store.InsertItem(ctx, item)
		if err != nil {
			return err
		}
		stored, created = s, c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.indexAndLink(ctx, scope, stored)
	}
	return stored, nil
}

// eventImportance ranks failing steps above the steps around them.
func eventImportance(ev *Event) float64 {
	if ev.Error != "" || IsFailureOutcome(ev.Type) || strings.EqualFold(ev.Type, "error") {
		return 0.6
	}
	return 0.4
}

// Score applies the strategy boost: the strategy importance is the
// reflection importance times StrategyBoost, capped at 1.
func (p *Pipeline) Score(gen *core.ReflectionResult) (reflection, strategy float64) {
	reflection = unitScore(gen.Importance)
	strategy = min(1, reflection*p.cfg.StrategyBoost)
	return reflection, strategy
}

// persist writes one reflective item and its derives_from edges under retry,
// then indexes and links it on a best-effort basis.
func (p *Pipeline) persist(ctx context.Context, scope core.Scope, item *core.MemoryItem, sources []int64, members []*core.MemoryItem, confidence float64) (*core.MemoryItem, bool, error) {
	item.CreatedAt = p.now()
	if p.embedder != nil {
		if vec, err := p.embedder.Embed(ctx, item.Content); err == nil {
			item.Embedding = vec
		} else {
			p.logger.Warn("failed to embed reflective item", zap.Error(err))
		}
	}

	var stored *core.MemoryItem
	var created bool
	err := p.retryer.Do(ctx, func(ctx context.Context) error {
		s, c, err := p.store.InsertItem(ctx, item)
		if err != nil {
			return err
		}
		// A retry after a failed edge write finds the item stored by the
		// previous attempt.
		stored, created = s, created || c
		return p.linkSources(ctx, scope, stored, sources, members, confidence)
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		p.indexAndLink(ctx, scope, stored)
	}
	return stored, created, nil
}

// indexAndLink adds a stored item to the vector index and links its
// entities. Both are best-effort.
func (p *Pipeline) indexAndLink(ctx context.Context, scope core.Scope, item *core.MemoryItem) {
	if p.index != nil && len(item.Embedding) > 0 {
		if err := p.index.Upsert(ctx, scope, item.ID, item.Embedding, map[string]string{"layer": string(item.Layer)}); err != nil {
			p.logger.Warn("failed to index item", zap.Int64("id", item.ID), zap.String("layer", string(item.Layer)), zap.Error(err))
		}
	}
	if p.extractor != nil {
		if err := p.extractor.Link(ctx, item); err != nil {
			p.logger.Warn("failed to link item", zap.Int64("id", item.ID), zap.String("layer", string(item.Layer)), zap.Error(err))
		}
	}
}

func (p *Pipeline) linkSources(ctx context.Context, scope core.Scope, item *core.MemoryItem, sources []int64, members []*core.MemoryItem, confidence float64) error {
	if p.graph == nil {
		return nil
	}
	if err := p.graph.UpsertNode(ctx, scope, graph.MemoryNode(item)); err != nil {
		return err
	}
	for _, m := range members {
		if err := p.graph.UpsertNode(ctx, scope, graph.MemoryNode(m)); err != nil {
			return err
		}
	}
	for _, src := range sources {
		if src == item.ID {
			continue
		}
		if _, _, err := p.graph.EnsureEdge(ctx, scope, graph.EdgeInput{
			SourceID:   core.MemoryNodeID(item.ID),
			TargetID:   core.MemoryNodeID(src),
			Relation:   core.RelationDerivesFrom,
			Weight:     1,
			Confidence: unitScore(confidence),
		}); err != nil {
			return err
		}
	}
	return nil
}
