// Package maintenance runs the scheduled cycles of the memory engine.
//
// The engine keeps no clock of its own. An external scheduler calls
// RunDecayCycle and RunReflectionCycle; each processes every tenant/project
// scope with bounded parallelism, isolates failures per scope and returns a
// CycleSummary. Progress is recorded as job descriptors so an interrupted
// reflection cycle resumes with the same cycle time and its writes dedupe.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Reflector runs one reflection cycle for a scope.
type Reflector interface {
	Run(ctx context.Context, req reflection.CycleRequest) (*reflection.CycleResult, error)
}

// ScopeReport is the outcome of a cycle for one scope.
type ScopeReport struct {
	Scope    core.Scope    `json:"scope"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Decay cycle.
	Scanned   int                      `json:"scanned,omitempty"`
	Decayed   int                      `json:"decayed,omitempty"`
	Archival  int                      `json:"archival,omitempty"`
	EdgeDecay *graph.EdgeDecaySummary `json:"edge_decay,omitempty"`

	// Reflection cycle.
	Reflection *reflection.CycleResult `json:"reflection,omitempty"`
}

// CycleSummary aggregates a cycle over all scopes.
type CycleSummary struct {
	Cycle      string        `json:"cycle"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Scopes     []ScopeReport `json:"scopes"`
}

// Runner executes maintenance cycles.
type Runner struct {
	store     storage.MemoryStore
	scorer    *scoring.Scorer
	graph     *graph.Engine
	reflector Reflector
	jobs      JobStore
	cfg       core.MaintenanceConfig
	batchSize int
	onWrite   func(core.Scope)
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithGraph enables edge decay in the decay cycle.
func WithGraph(g *graph.Engine) Option {
	return func(r *Runner) { r.graph = g }
}

// WithReflector enables the reflection cycle.
func WithReflector(rf Reflector) Option {
	return func(r *Runner) { r.reflector = rf }
}

// WithJobStore persists job descriptors.
func WithJobStore(js JobStore) Option {
	return func(r *Runner) { r.jobs = js }
}

// WithBatchSize sets the number of items decayed per store round trip.
func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batchSize = n }
}

// WithWriteHook registers fn to be called after a scope's items change.
func WithWriteHook(fn func(core.Scope)) Option {
	return func(r *Runner) { r.onWrite = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner.
func NewRunner(store storage.MemoryStore, scorer *scoring.Scorer, cfg core.MaintenanceConfig, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		scorer:    scorer,
		cfg:       cfg,
		batchSize: 500,
		onWrite:   func(core.Scope) {},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.MaxParallelTenants < 1 {
		r.cfg.MaxParallelTenants = 1
	}
	if r.batchSize < 1 {
		r.batchSize = 500
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	r.logger = core.LoggerOrNop(r.logger).With(zap.String("component", "maintenance"))
	return r
}

// RunDecayCycle decays stale items, and graph edges when a graph is
// configured, in every scope. It is safe to call repeatedly: decay is
// measured from the previous run.
func (r *Runner) RunDecayCycle(ctx context.Context) (*CycleSummary, error) {
	return r.run(ctx, CycleDecay, r.decayScope)
}

// RunReflectionCycle runs the reflection pipeline in every scope.
func (r *Runner) RunReflectionCycle(ctx context.Context) (*CycleSummary, error) {
	if r.reflector == nil {
		return nil, core.NewMemoryError("RunReflectionCycle", fmt.Errorf("%w: no reflection pipeline configured", core.ErrInvalidConfig))
	}
	return r.run(ctx, CycleReflection, r.reflectScope)
}

type scopeFunc func(ctx context.Context, scope core.Scope, job *JobDescriptor, rep *ScopeReport) error

func (r *Runner) run(ctx context.Context, cycle string, fn scopeFunc) (*CycleSummary, error) {
	scopes, err := r.store.ListScopes(ctx)
	if err != nil {
		return nil, core.NewMemoryError("Run"+cycle, err)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })

	summary := &CycleSummary{Cycle: cycle, StartedAt: r.now()}
	reports := make([]ScopeReport, len(scopes))
	sem := semaphore.NewWeighted(int64(r.cfg.MaxParallelTenants))
	var wg sync.WaitGroup
	for i, scope := range scopes {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled: report the scopes that never started.
			for j := i; j < len(scopes); j++ {
				reports[j] = ScopeReport{Scope: scopes[j], Error: err.Error()}
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			reports[i] = r.runScope(ctx, cycle, scope, fn)
		}()
	}
	wg.Wait()

	for _, rep := range reports {
		if rep.Error != "" {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	summary.Scopes = reports
	summary.FinishedAt = r.now()
	r.metrics.cycleScopes.WithLabelValues(cycle, "succeeded").Add(float64(summary.Succeeded))
	r.metrics.cycleScopes.WithLabelValues(cycle, "failed").Add(float64(summary.Failed))
	r.logger.Info("maintenance cycle finished",
		zap.String("cycle", cycle),
		zap.Int("scopes", len(scopes)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, ctx.Err()
}

// runScope runs fn for one scope and records the job descriptor. A panic or
// error is contained to the scope.
func (r *Runner) runScope(ctx context.Context, cycle string, scope core.Scope, fn scopeFunc) (rep ScopeReport) {
	start := time.Now()
	rep.Scope = scope
	job := r.loadJob(ctx, cycle, scope)
	now := r.now()
	if cycle != CycleReflection || job.Status != StatusRunning || job.CycleTime.IsZero() {
		job.CycleTime = now
	}
	job.Status = StatusRunning
	job.LastRunAt = now
	job.Runs++
	r.saveJob(ctx, job)

	defer func() {
		if p := recover(); p != nil {
			rep.Error = fmt.Sprintf("panic: %v", p)
		}
		rep.Duration = time.Since(start)
		r.metrics.scopeDuration.WithLabelValues(cycle).Observe(rep.Duration.Seconds())
		if rep.Error != "" {
			job.Status, job.LastError = StatusFailed, rep.Error
			job.Failures++
			r.logger.Warn("maintenance failed for scope",
				zap.String("cycle", cycle),
				zap.String("scope", scope.String()),
				zap.String("error", rep.Error),
			)
		} else {
			done := r.now()
			job.Status, job.LastError, job.LastSuccessAt = StatusSucceeded, "", &done
		}
		r.saveJob(context.WithoutCancel(ctx), job)
	}()

	if err := fn(ctx, scope, job, &rep); err != nil {
		rep.Error = err.Error()
	}
	return rep
}

func (r *Runner) loadJob(ctx context.Context, cycle string, scope core.Scope) *JobDescriptor {
	fresh := &JobDescriptor{TenantID: scope.TenantID, ProjectID: scope.ProjectID, Cycle: cycle}
	if r.jobs == nil {
		return fresh
	}
	job, err := r.jobs.Get(ctx, cycle, scope)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("failed to load job descriptor", zap.String("scope", scope.String()), zap.Error(err))
		}
		return fresh
	}
	return job
}

func (r *Runner) saveJob(ctx context.Context, job *JobDescriptor) {
	if r.jobs == nil {
		return
	}
	if err := r.jobs.Put(ctx, job); err != nil {
		r.logger.Warn("failed to save job descriptor", zap.String("scope", job.Scope().String()), zap.Error(err))
	}
}

// decayScope pages through stale items by ID and writes back decay results.
func (r *Runner) decayScope(ctx context.Context, scope core.Scope, job *JobDescriptor, rep *ScopeReport) error {
	now := job.CycleTime
	cutoff := now.Add(-r.scorer.StaleAfter())
	var after int64
	for {
		items, err := r.store.ListStale(ctx, scope, cutoff, after, r.batchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		updates := make([]storage.DecayUpdate, 0, len(items))
		for _, it := range items {
			rep.Scanned++
			after = max(after, it.ID)
			res := r.scorer.ApplyDecay(it, now)
			if res.ArchivalCandidate {
				rep.Archival++
			}
			if res.Changed {
				rep.Decayed++
			}
			updates = append(updates, storage.DecayUpdate{
				ID:                it.ID,
				Importance:        res.Importance,
				DecayedAt:         res.DecayedAt,
				FloorSince:        res.FloorSince,
				ArchivalCandidate: res.ArchivalCandidate,
			})
		}
		if err := r.store.ApplyDecay(ctx, scope, updates); err != nil {
			return err
		}
		if len(items) < r.batchSize {
			break
		}
	}
	r.metrics.itemsDecayed.Add(float64(rep.Decayed))
	if rep.Decayed > 0 {
		r.onWrite(scope)
	}

	if r.graph != nil {
		sum, err := r.graph.DecayEdges(ctx, scope, now)
		if err != nil {
			return err
		}
		rep.EdgeDecay = sum
		r.metrics.edgesPruned.Add(float64(sum.Pruned))
	}
	r.logger.Debug("scope decayed",
		zap.String("scope", scope.String()),
		zap.Int("scanned", rep.Scanned),
		zap.Int("decayed", rep.Decayed),
		zap.Int("archival", rep.Archival),
	)
	return nil
}

func (r *Runner) reflectScope(ctx context.Context, scope core.Scope, job *JobDescriptor, rep *ScopeReport) error {
	res, err := r.reflector.Run(ctx, reflection.CycleRequest{Scope: scope, CycleTime: job.CycleTime})
	if err != nil {
		return err
	}
	rep.Reflection = res
	if len(res.CreatedIDs) > 0 {
		r.onWrite(scope)
	}
	if n := res.Failed(); n > 0 {
		return fmt.Errorf("%d of %d reflections failed: %s", n, len(res.Clusters), res.Errors[0])
	}
	return nil
}
