package reflection_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/sqlstore"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/storagetest"
)

var scope = core.Scope{TenantID: "acme", ProjectID: "ops"}

const timeoutReply = `{"reflection": "Deploys to service X fail because its health check times out before warmup completes.", "strategy": "", "importance": 0.8, "confidence": 0.7, "tags": ["Timeout", "deploy"]}`

const strategyReply = `{"reflection": "Deploys to service X fail because its health check times out before warmup completes.", "strategy": "Raise the service X health check timeout during deploys.", "importance": 0.8, "confidence": 0.7, "tags": ["timeout"]}`

type env struct {
	store    storage.MemoryStore
	sql      *sqlstore.Client
	graph    *graph.Engine
	llm      *llmtest.Provider
	embedder embedder.Provider
	now      time.Time
}

func reflectionConfig() core.ReflectionConfig {
	cfg := core.DefaultConfig().Reflection
	cfg.RetryInitialDelay = core.Duration(time.Millisecond)
	cfg.RetryMaxDelay = core.Duration(5 * time.Millisecond)
	cfg.RequestsPerSecond = 0
	return cfg
}

func newEnv(t *testing.T, reply string) *env {
	sql := storagetest.NewSQLite(t)
	return &env{
		store:    sql,
		sql:      sql,
		graph:    graph.NewEngine(sql, &storagetest.IDs{}, core.DefaultConfig().Graph),
		llm:      llmtest.NewProvider(reply),
		embedder: embedder.NewHashing(64),
		now:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *env) pipeline(opts ...reflection.Option) *reflection.Pipeline {
	gen := reflection.NewGenerator(e.llm, nil, nil)
	base := []reflection.Option{
		reflection.WithEmbedder(e.embedder),
		reflection.WithExtractor(graph.NewExtractor(e.graph, nil, 0, nil)),
		reflection.WithClock(func() time.Time { return e.now }),
	}
	return reflection.New(e.store, e.graph, gen, &storagetest.IDs{}, reflectionConfig(), append(base, opts...)...)
}

func (e *env) ingest(t *testing.T, id int64, content string, importance float64, at time.Time) {
	t.Helper()
	vec, err := e.embedder.Embed(context.Background(), content)
	require.NoError(t, err)
	_, _, err = e.sql.InsertItem(context.Background(), &core.MemoryItem{
		ID: id, TenantID: scope.TenantID, ProjectID: scope.ProjectID,
		Content: content, Layer: core.LayerEpisodic, Importance: importance,
		CreatedAt: at, Embedding: vec,
	})
	require.NoError(t, err)
}

func (e *env) ingestDeployFailures(t *testing.T) []int64 {
	var ids []int64
	for i := 0; i < 5; i++ {
		id := int64(1001 + i)
		e.ingest(t, id, "deploy failed: timeout on service X", 0.6, e.now.Add(-time.Duration(24-5*i)*time.Hour))
		ids = append(ids, id)
	}
	return ids
}

func (e *env) reflective(t *testing.T) []*core.MemoryItem {
	t.Helper()
	items, err := e.sql.ListItems(context.Background(), storage.ItemFilter{
		Scope:   scope,
		Layers:  []core.Layer{core.LayerReflective},
		OrderBy: storage.OrderByCreated,
	})
	require.NoError(t, err)
	return items
}

func (e *env) derivedFrom(t *testing.T, id int64) []int64 {
	t.Helper()
	edges, err := e.sql.ListEdges(context.Background(), scope, storage.EdgeFilter{
		ActiveOnly: true,
		Relations:  []string{core.RelationDerivesFrom},
	})
	require.NoError(t, err)
	var out []int64
	for _, edge := range edges {
		if edge.SourceID != core.MemoryNodeID(id) {
			continue
		}
		var target int64
		_, err := fmt.Sscanf(edge.TargetID, "mem:%d", &target)
		require.NoError(t, err)
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestRun_RecurringFailureBecomesOneReflection(t *testing.T) {
	e := newEnv(t, timeoutReply)
	sources := e.ingestDeployFailures(t)

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sampled)
	assert.False(t, res.Skipped)
	require.Len(t, res.Clusters, 1)
	assert.Empty(t, res.Errors)
	assert.Equal(t, reflection.OutcomeFailure, res.Clusters[0].Outcome)
	assert.Equal(t, sources, res.Clusters[0].MemberIDs)

	items := e.reflective(t)
	require.Len(t, items, 1)
	refl := items[0]
	assert.Equal(t, []int64{refl.ID}, res.CreatedIDs)
	assert.True(t, refl.HasTag("timeout"))
	assert.Equal(t, 0.8, refl.Importance)
	assert.Equal(t, sources, refl.SourceItemIDs)
	assert.Equal(t, reflection.KindReflection, refl.Metadata["kind"])
	assert.Equal(t, "failure", refl.Metadata["outcome"])
	assert.NotEmpty(t, refl.IdempotencyKey)
	assert.NotEmpty(t, refl.Embedding)

	assert.Equal(t, sources, e.derivedFrom(t, refl.ID))

	prompts := e.llm.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "resulted in an error or failure")
	assert.Contains(t, prompts[0], "deploy failed: timeout on service X")
}

func TestRun_StoreIsIdempotent(t *testing.T) {
	e := newEnv(t, timeoutReply)
	sources := e.ingestDeployFailures(t)
	p := e.pipeline()
	ctx := context.Background()

	first, err := p.Run(ctx, reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	require.Len(t, first.CreatedIDs, 1)

	again, err := p.Run(ctx, reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	require.Len(t, again.Clusters, 1)
	assert.True(t, again.Clusters[0].Reused)
	assert.Empty(t, again.CreatedIDs)
	assert.Equal(t, first.Clusters[0].ReflectionID, again.Clusters[0].ReflectionID)
	assert.Len(t, e.reflective(t), 1)
	assert.Equal(t, sources, e.derivedFrom(t, first.Clusters[0].ReflectionID))

	later, err := p.Run(ctx, reflection.CycleRequest{Scope: scope, CycleTime: e.now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, later.CreatedIDs, 1)
	assert.Len(t, e.reflective(t), 2)
}

func TestIdempotencyKey(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	k := reflection.IdempotencyKey(scope, []int64{3, 1, 2}, at, "cluster")
	assert.Equal(t, k, reflection.IdempotencyKey(scope, []int64{1, 2, 3}, at.In(time.FixedZone("x", 3600)), "cluster"))
	assert.NotEqual(t, k, reflection.IdempotencyKey(scope, []int64{1, 2}, at, "cluster"))
	assert.NotEqual(t, k, reflection.IdempotencyKey(scope, []int64{1, 2, 3}, at.Add(time.Second), "cluster"))
	assert.NotEqual(t, k, reflection.IdempotencyKey(core.Scope{TenantID: "acme", ProjectID: "dev"}, []int64{1, 2, 3}, at, "cluster"))
	assert.NotEqual(t, k, reflection.IdempotencyKey(scope, []int64{1, 2, 3}, at, "context"))
}

func TestRun_StrategyBoost(t *testing.T) {
	e := newEnv(t, strategyReply)
	sources := e.ingestDeployFailures(t)

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	require.Len(t, res.CreatedIDs, 2)
	out := res.Clusters[0]
	require.NotZero(t, out.StrategyID)

	items := e.reflective(t)
	require.Len(t, items, 2)
	var strat *core.MemoryItem
	for _, it := range items {
		if it.ID == out.StrategyID {
			strat = it
		}
	}
	require.NotNil(t, strat)
	assert.InDelta(t, 0.88, strat.Importance, 1e-9)
	assert.True(t, strat.HasTag("strategy"))
	assert.True(t, strat.HasTag("timeout"))
	assert.Equal(t, reflection.KindStrategy, strat.Metadata["kind"])

	want := append(append([]int64(nil), sources...), out.ReflectionID)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, e.derivedFrom(t, strat.ID))
}

func TestScore_CapsStrategyImportance(t *testing.T) {
	e := newEnv(t, timeoutReply)
	p := e.pipeline()
	r, s := p.Score(&core.ReflectionResult{Importance: 0.95})
	assert.Equal(t, 0.95, r)
	assert.Equal(t, 1.0, s)
	r, s = p.Score(&core.ReflectionResult{Importance: 0.5})
	assert.Equal(t, 0.5, r)
	assert.InDelta(t, 0.55, s, 1e-9)
}

func TestRun_TooFewMemoriesIsNoop(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingest(t, 1, "deploy failed: timeout on service X", 0.9, e.now.Add(-time.Hour))
	e.ingest(t, 2, "deploy failed: timeout on service X", 0.9, e.now.Add(-time.Hour))
	e.ingest(t, 3, "deploy failed: timeout on service X", 0.2, e.now.Add(-time.Hour))
	e.ingest(t, 4, "deploy failed: timeout on service X", 0.9, e.now.Add(-30*24*time.Hour))

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2, res.Sampled)
	assert.Empty(t, res.Clusters)
	assert.Zero(t, e.llm.Calls())
}

func TestRun_FailedClusterDoesNotStopSiblings(t *testing.T) {
	e := newEnv(t, "")
	e.llm.Handler = func(msgs []llm.Message) (string, error) {
		if strings.Contains(msgs[len(msgs)-1].Content, "cache warmup") {
			return "", errors.New("model overloaded")
		}
		return timeoutReply, nil
	}
	e.ingestDeployFailures(t)
	for i := 0; i < 3; i++ {
		e.ingest(t, int64(2001+i), "cache warmup finished before the release", 0.7, e.now.Add(-time.Duration(i+1)*time.Hour))
	}

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2)
	assert.Equal(t, 1, res.Failed())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "model overloaded")
	assert.Len(t, res.CreatedIDs, 1)
	assert.Len(t, e.reflective(t), 1)
}

type flakyStore struct {
	*sqlstore.Client
	failures atomic.Int32
}

func (f *flakyStore) InsertItem(ctx context.Context, item *core.MemoryItem) (*core.MemoryItem, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, false, core.Unavailable("store", errors.New("connection reset"))
	}
	return f.Client.InsertItem(ctx, item)
}

func TestRun_StoreRetries(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingestDeployFailures(t)
	flaky := &flakyStore{Client: e.sql}
	flaky.failures.Store(2)
	e.store = flaky

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.CreatedIDs, 1)
	assert.Len(t, e.reflective(t), 1)
}

func TestRun_StoreRetriesExhausted(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingestDeployFailures(t)
	flaky := &flakyStore{Client: e.sql}
	flaky.failures.Store(10)
	e.store = flaky

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.Contains(t, res.Errors[0], "failed after 3 attempts")
	assert.Empty(t, e.reflective(t))
}

type rejectingStore struct {
	*sqlstore.Client
	calls atomic.Int32
}

func (r *rejectingStore) InsertItem(context.Context, *core.MemoryItem) (*core.MemoryItem, bool, error) {
	r.calls.Add(1)
	return nil, false, fmt.Errorf("InsertItem: %w: CHECK constraint failed", core.ErrStorageOperation)
}

func TestRun_PermanentStoreErrorIsNotRetried(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingestDeployFailures(t)
	rejecting := &rejectingStore{Client: e.sql}
	e.store = rejecting

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{Scope: scope, CycleTime: e.now})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.EqualValues(t, 1, rejecting.calls.Load())
	assert.Contains(t, res.Errors[0], "CHECK constraint failed")
}

func TestRun_ExplicitFailureContext(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingest(t, 1001, "orders migration failed", 0.4, e.now.Add(-time.Hour))

	fc := reflection.FailureContext{
		TaskGoal:        "migrate the orders table",
		TaskDescription: "add an index on customer_id",
		Outcome:         "error",
		ErrorMessage:    "lock wait timeout exceeded",
		SessionID:       "sess-9",
		SourceItemIDs:   []int64{1001},
		Events: []reflection.Event{
			{Timestamp: e.now.Add(-time.Minute), Type: "tool_call", Content: "ALTER TABLE orders", ToolName: "psql"},
			{Timestamp: e.now, Type: "error", Content: "lock wait timeout exceeded"},
		},
	}
	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{
		Scope: scope, CycleTime: e.now, SkipSampling: true,
		Contexts: []reflection.FailureContext{fc},
	})
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, reflection.SourceContext, res.Clusters[0].Source)
	assert.Equal(t, "error", res.Clusters[0].Outcome)

	items := e.reflective(t)
	require.Len(t, items, 1)
	assert.Equal(t, "sess-9", items[0].SessionID)
	assert.Equal(t, "add an index on customer_id", items[0].Metadata["task_description"])
	assert.EqualValues(t, 2, items[0].Metadata["event_count"])
	assert.Equal(t, []int64{1001}, e.derivedFrom(t, items[0].ID))

	prompt := e.llm.Prompts()[0]
	assert.Contains(t, prompt, "Task Goal: migrate the orders table")
	assert.Contains(t, prompt, "1. [11:59:00] tool_call: ALTER TABLE orders\n   Tool: psql")
	assert.Contains(t, prompt, "- Message: lock wait timeout exceeded")
}

func (e *env) episodic(t *testing.T) []*core.MemoryItem {
	t.Helper()
	items, err := e.sql.ListItems(context.Background(), storage.ItemFilter{
		Scope:   scope,
		Layers:  []core.Layer{core.LayerEpisodic},
		OrderBy: storage.OrderByCreated,
	})
	require.NoError(t, err)
	return items
}

func TestRun_ContextWithoutSourcesRecordsEvents(t *testing.T) {
	e := newEnv(t, timeoutReply)
	p := e.pipeline()
	ctx := context.Background()
	req := reflection.CycleRequest{
		Scope: scope, CycleTime: e.now, SkipSampling: true,
		Contexts: []reflection.FailureContext{{
			TaskGoal: "roll out service X v2",
			Outcome:  reflection.OutcomeError,
			Events: []reflection.Event{
				{Timestamp: e.now.Add(-2 * time.Minute), Type: "tool_call", Content: "kubectl rollout status deploy/x", ToolName: "kubectl"},
				{Timestamp: e.now, Type: "error", Content: "rollout timed out", Error: "deadline exceeded"},
			},
		}},
	}

	res, err := p.Run(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Empty(t, res.Errors)
	assert.Empty(t, req.Contexts[0].Events[0].ItemID)

	events := e.episodic(t) // newest first
	require.Len(t, events, 2)
	assert.Equal(t, "rollout timed out", events[0].Content)
	assert.Equal(t, "deadline exceeded", events[0].Metadata["error"])
	assert.Equal(t, "kubectl rollout status deploy/x", events[1].Content)
	assert.Equal(t, "kubectl", events[1].Metadata["tool_name"])
	assert.Greater(t, events[0].Importance, events[1].Importance)
	eventIDs := []int64{events[0].ID, events[1].ID}
	sort.Slice(eventIDs, func(i, j int) bool { return eventIDs[i] < eventIDs[j] })

	items := e.reflective(t)
	require.Len(t, items, 1)
	assert.Equal(t, eventIDs, items[0].SourceItemIDs)
	assert.Equal(t, eventIDs, res.Clusters[0].MemberIDs)
	assert.Equal(t, eventIDs, e.derivedFrom(t, items[0].ID))

	again, err := p.Run(ctx, req)
	require.NoError(t, err)
	require.Len(t, again.Clusters, 1)
	assert.True(t, again.Clusters[0].Reused)
	assert.Len(t, e.episodic(t), 2)
	assert.Len(t, e.reflective(t), 1)
}

func TestRun_ContextEventsNamingStoredItems(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingest(t, 1001, "orders migration failed", 0.4, e.now.Add(-time.Hour))

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{
		Scope: scope, CycleTime: e.now, SkipSampling: true,
		Contexts: []reflection.FailureContext{{
			TaskGoal: "migrate the orders table",
			Outcome:  reflection.OutcomeFailure,
			Events: []reflection.Event{
				{Timestamp: e.now, Type: "error", Content: "orders migration failed", ItemID: 1001},
			},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, e.episodic(t), 1)

	items := e.reflective(t)
	require.Len(t, items, 1)
	assert.Equal(t, []int64{1001}, items[0].SourceItemIDs)
	assert.Equal(t, []int64{1001}, e.derivedFrom(t, items[0].ID))
}

func TestRun_RejectsContextWithoutSourcesOrEvents(t *testing.T) {
	e := newEnv(t, timeoutReply)
	_, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{
		Scope: scope, SkipSampling: true,
		Contexts: []reflection.FailureContext{{TaskGoal: "deploy", Outcome: reflection.OutcomeFailure}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
	assert.Empty(t, e.reflective(t))
	assert.Empty(t, e.llm.Prompts())
}

func TestRun_ContextsDifferingOnlyInOutcome(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingest(t, 1001, "nightly export of service X", 0.4, e.now.Add(-time.Hour))

	base := reflection.FailureContext{
		TaskGoal:      "export service X data",
		SourceItemIDs: []int64{1001},
		Events: []reflection.Event{
			{Timestamp: e.now, Type: "tool_call", Content: "run export job"},
		},
	}
	succeeded, failed := base, base
	succeeded.Outcome = reflection.OutcomeSuccess
	failed.Outcome = reflection.OutcomeFailure

	res, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{
		Scope: scope, CycleTime: e.now, SkipSampling: true,
		Contexts: []reflection.FailureContext{succeeded, failed},
	})
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2)
	for _, c := range res.Clusters {
		assert.False(t, c.Reused)
	}
	assert.Len(t, res.CreatedIDs, 2)
	assert.Len(t, e.reflective(t), 2)
}

func TestRun_WithoutProviderReportsEachCluster(t *testing.T) {
	e := newEnv(t, timeoutReply)
	e.ingestDeployFailures(t)
	p := reflection.New(e.store, e.graph, reflection.NewGenerator(nil, nil, nil), &storagetest.IDs{}, reflectionConfig(),
		reflection.WithClock(func() time.Time { return e.now }))

	res, err := p.Run(context.Background(), reflection.CycleRequest{Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.Contains(t, res.Errors[0], "no completion provider")
}

func TestRun_RejectsInvalidScope(t *testing.T) {
	e := newEnv(t, timeoutReply)
	_, err := e.pipeline().Run(context.Background(), reflection.CycleRequest{})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}
