package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/oceanbase/reflective-memory-go/pkg/retrieval"

// Retriever runs hybrid searches.
type Retriever struct {
	analyzer    *Analyzer
	searchers   []Searcher
	scorer      *scoring.Scorer
	cfg         core.RetrievalConfig
	reranker    Reranker
	cache       Cache
	cachePrefix string
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithReranker sets the reranker used when reranking is enabled.
func WithReranker(r Reranker) Option {
	return func(rt *Retriever) { rt.reranker = r }
}

// WithCache enables result caching under keys starting with prefix.
func WithCache(c Cache, prefix string) Option {
	return func(rt *Retriever) {
		rt.cache = c
		rt.cachePrefix = prefix
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(rt *Retriever) { rt.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(rt *Retriever) { rt.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(rt *Retriever) { rt.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rt *Retriever) { rt.now = now }
}

// New creates a retriever over the given sub-searches.
func New(analyzer *Analyzer, scorer *scoring.Scorer, cfg core.RetrievalConfig, searchers []Searcher, opts ...Option) *Retriever {
	r := &Retriever{
		analyzer:  analyzer,
		searchers: searchers,
		scorer:    scorer,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.analyzer == nil {
		r.analyzer = NewAnalyzer(nil, NewProfiles(cfg.Profiles), r.logger)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.cachePrefix == "" {
		r.cachePrefix = "reflectmem"
	}
	r.logger = core.LoggerOrNop(r.logger).With(zap.String("component", "retrieval"))
	return r
}

// strategyRun is the outcome of one sub-search.
type strategyRun struct {
	searcher Searcher
	status   Status
	cands    []Candidate
	err      error
	latency  time.Duration
}

// Search runs a hybrid search.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := r.now()
	if err := req.Scope.Validate(); err != nil {
		return nil, core.NewMemoryError("Search", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, core.NewMemoryError("Search", fmt.Errorf("%w: query is required", core.ErrInvalidInput))
	}
	if req.K <= 0 {
		req.K = r.cfg.DefaultK
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.Search", trace.WithAttributes(
		attribute.String("tenant_id", req.Scope.TenantID),
		attribute.String("project_id", req.Scope.ProjectID),
		attribute.Int("k", req.K),
	))
	defer span.End()

	key, cacheable := r.cacheKey(ctx, &req)
	if cacheable {
		if resp, ok := r.cached(ctx, key); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			r.metrics.observeSearch("ok", true, r.now().Sub(start))
			return resp, nil
		}
	}

	resp, err := r.search(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.observeSearch("error", false, r.now().Sub(start))
		return nil, err
	}

	if cacheable && !resp.Partial {
		if err := r.cache.Set(ctx, key, resp); err != nil {
			r.logger.Warn("result cache write failed", zap.Error(err))
		}
	}
	outcome := "ok"
	if resp.Partial {
		outcome = "partial"
	}
	span.SetAttributes(attribute.Int("results", len(resp.Results)), attribute.Bool("partial", resp.Partial))
	r.metrics.observeSearch(outcome, false, r.now().Sub(start))
	return resp, nil
}

func (r *Retriever) cacheKey(ctx context.Context, req *SearchRequest) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, err := r.cache.Version(ctx, req.Scope)
	if err != nil {
		r.logger.Warn("result cache unavailable", zap.Error(err))
		return "", false
	}
	return CacheKey(r.cachePrefix, req, v), true
}

func (r *Retriever) cached(ctx context.Context, key string) (*SearchResponse, bool) {
	resp, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("result cache read failed", zap.Error(err))
		return nil, false
	}
	r.metrics.cacheLookup(ok)
	if !ok {
		return nil, false
	}
	resp.Cached = true
	return resp, true
}

func (r *Retriever) search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	now := r.now()
	analysis := r.analyzer.Analyze(ctx, req.Query)
	limit := r.cfg.CandidatesPerStrategy
	if limit < req.K {
		limit = req.K
	}
	q := &Query{
		Text:     req.Query,
		Scope:    req.Scope,
		Filters:  req.Filters,
		Analysis: analysis,
		Limit:    limit,
		Now:      now,
	}

	profile := weightsOf(analysis.Weights)
	runs := r.runStrategies(ctx, q, profile)
	if err := ctx.Err(); err != nil {
		return nil, core.NewMemoryError("Search", err)
	}

	var survivors []Strategy
	var failures []string
	resp := &SearchResponse{Analysis: analysis}
	for _, run := range runs {
		switch run.status {
		case StatusOK:
			survivors = append(survivors, run.searcher.Strategy())
		case StatusUnavailable:
			resp.Partial = true
			failures = append(failures, fmt.Sprintf("%s: %v", run.searcher.Strategy(), run.err))
		}
	}
	if len(survivors) == 0 && len(failures) > 0 {
		return nil, core.NewMemoryError("Search", core.Unavailable("retrieval",
			fmt.Errorf("%w: %s", core.ErrRetrievalFailed, strings.Join(failures, "; "))))
	}

	weights := Renormalize(profile, survivors)
	normalized := make(map[Strategy][]Candidate, len(runs))
	items := make(map[int64]*core.MemoryItem)
	for _, run := range runs {
		s := run.searcher.Strategy()
		rep := StrategyReport{Strategy: s, Status: run.status, Weight: weights[s], Latency: run.latency}
		if run.err != nil {
			rep.Error = run.err.Error()
		}
		if run.status == StatusOK {
			normalized[s] = TopN(MaxScale(run.cands), limit)
			rep.Candidates = len(normalized[s])
			for _, c := range normalized[s] {
				if c.Item != nil {
					items[c.ItemID] = c.Item
				}
			}
		}
		resp.Strategies = append(resp.Strategies, rep)
	}

	fused := Fuse(weights, normalized)
	scoreOf := make(map[Strategy]map[int64]float64, len(normalized))
	for s, cands := range normalized {
		m := make(map[int64]float64, len(cands))
		for _, c := range cands {
			m[c.ItemID] = c.Score
		}
		scoreOf[s] = m
	}

	results := make([]Result, 0, len(fused))
	for id, f := range fused {
		item, ok := items[id]
		if !ok {
			continue
		}
		b := r.scorer.Breakdown(item, f, now)
		res := Result{
			Item:          item,
			Score:         b.Score,
			Fused:         scoring.Clamp01(f),
			Composite:     b,
			Contributions: make(map[Strategy]Contribution, len(resp.Strategies)),
		}
		for _, rep := range resp.Strategies {
			res.Contributions[rep.Strategy] = Contribution{
				Status:     rep.Status,
				Normalized: scoreOf[rep.Strategy][id],
				Weight:     rep.Weight,
				Error:      rep.Error,
			}
		}
		results = append(results, res)
	}
	sortResults(results)

	if r.cfg.RerankEnabled && r.reranker != nil && len(results) > 0 {
		r.rerank(ctx, req, resp, results)
	}
	if len(results) > req.K {
		results = results[:req.K]
	}
	resp.Results = results
	return resp, nil
}

// runStrategies runs every enabled sub-search concurrently, each under its
// own timeout. A failing sub-search never cancels the others.
func (r *Retriever) runStrategies(ctx context.Context, q *Query, weights map[Strategy]float64) []strategyRun {
	runs := make([]strategyRun, len(r.searchers))
	var g errgroup.Group
	for i, s := range r.searchers {
		runs[i] = strategyRun{searcher: s, status: StatusDisabled}
		if weights[s.Strategy()] <= 0 || !s.Enabled(q) {
			continue
		}
		g.Go(func() error {
			runs[i] = r.runStrategy(ctx, s, q)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

func (r *Retriever) runStrategy(ctx context.Context, s Searcher, q *Query) strategyRun {
	ctx, span := r.tracer.Start(ctx, "retrieval.strategy."+string(s.Strategy()))
	defer span.End()
	if timeout := r.cfg.StrategyTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	cands, err := s.Search(ctx, q)
	run := strategyRun{searcher: s, status: StatusOK, cands: cands, latency: time.Since(start)}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", run.latency.Round(time.Millisecond), err)
		}
		run.status, run.cands, run.err = StatusUnavailable, nil, err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("sub-search failed",
			zap.String("strategy", string(s.Strategy())),
			zap.String("scope", q.Scope.String()),
			zap.Error(err),
		)
	}
	span.SetAttributes(attribute.Int("candidates", len(run.cands)))
	r.metrics.observeStrategy(s.Strategy(), run.latency, run.err != nil)
	return run
}

// rerank blends judge scores into the top M results:
// final = (1 - ratio) * composite + ratio * rerank. On failure the
// composite order is kept.
func (r *Retriever) rerank(ctx context.Context, req *SearchRequest, resp *SearchResponse, results []Result) {
	m := min(r.cfg.RerankTopM, 3*req.K, len(results))
	if m <= 0 {
		return
	}
	docs := make([]string, m)
	for i := 0; i < m; i++ {
		docs[i] = results[i].Item.Content
	}

	scores, err := r.reranker.Rerank(ctx, req.Query, docs)
	if err != nil {
		resp.RerankError = err.Error()
		r.metrics.rerankFailures.Inc()
		r.logger.Warn("rerank failed, keeping composite order", zap.Error(err))
		return
	}

	ratio := r.cfg.RerankBlend
	for i := 0; i < m; i++ {
		rr, ok := scores[i]
		if !ok {
			continue
		}
		results[i].RerankScore = &rr
		results[i].Score = (1-ratio)*results[i].Composite.Score + ratio*rr
	}
	// Blended scores can drop below candidates outside the top M, so the
	// whole list is reordered.
	sortResults(results)
	resp.Reranked = true
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.ID < results[j].Item.ID
	})
}
