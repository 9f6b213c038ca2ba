package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/engine"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
	"github.com/oceanbase/reflective-memory-go/pkg/maintenance"
	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/sqlstore"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/storagetest"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
)

var scope = core.Scope{TenantID: "acme", ProjectID: "ops"}

const timeoutReflection = `{"reflection": "Deploys to service X keep failing with a timeout because the health check gives up before warmup completes.", "strategy": "", "importance": 0.8, "confidence": 0.7, "tags": ["timeout", "deploy"]}`

// reflectionOnly answers reflection prompts and fails everything else, so
// importance and entity extraction take their heuristic paths.
func reflectionOnly(messages []llm.Message) (string, error) {
	for _, m := range messages {
		if strings.Contains(m.Content, "- tags:") {
			return timeoutReflection, nil
		}
	}
	return "", llmtest.ErrScripted
}

type harness struct {
	client *engine.Client
	store  *sqlstore.Client
	llm    *llmtest.Provider
	now    time.Time
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Cache.Provider = "memory"
	cfg.Maintenance.JobStoreDir = ""
	cfg.LLM.Breaker.ConsecutiveFailures = 1000
	cfg.Reflection.RequestsPerSecond = 0
	cfg.Reflection.RetryInitialDelay = core.Duration(time.Millisecond)
	cfg.Reflection.RetryMaxDelay = core.Duration(5 * time.Millisecond)
	return cfg
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{
		store: storagetest.NewSQLite(t),
		llm:   &llmtest.Provider{Handler: reflectionOnly},
		now:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []engine.Option{
		engine.WithStore(h.store),
		engine.WithLLM(h.llm),
		engine.WithEmbedder(embedder.NewHashing(64)),
		engine.WithIDGenerator(&storagetest.IDs{}),
		engine.WithLogger(zaptest.NewLogger(t)),
		engine.WithClock(func() time.Time { return h.now }),
	}
	client, err := engine.NewClient(testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

// addDeployFailures ingests the same failure five times over the last day.
func (h *harness) addDeployFailures(t *testing.T) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < 5; i++ {
		at := h.now.Add(-time.Duration(24-5*i) * time.Hour)
		item, err := h.client.Add(context.Background(), scope, "deploy failed: timeout on service X",
			engine.WithImportance(0.6),
			engine.WithCreatedAt(at),
		)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}
	return ids
}

func (h *harness) reflective(t *testing.T) []*core.MemoryItem {
	t.Helper()
	items, err := h.store.ListItems(context.Background(), storage.ItemFilter{
		Scope:   scope,
		Layers:  []core.Layer{core.LayerReflective},
		OrderBy: storage.OrderByCreated,
	})
	require.NoError(t, err)
	return items
}

func (h *harness) derivesFrom(t *testing.T, id int64) map[int64]bool {
	t.Helper()
	edges, err := h.store.ListEdges(context.Background(), scope, storage.EdgeFilter{
		ActiveOnly: true,
		Relations:  []string{core.RelationDerivesFrom},
	})
	require.NoError(t, err)
	out := map[int64]bool{}
	for _, e := range edges {
		if e.SourceID != core.MemoryNodeID(id) {
			continue
		}
		var target int64
		_, err := fmt.Sscanf(e.TargetID, "mem:%d", &target)
		require.NoError(t, err)
		out[target] = true
	}
	return out
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scoring.Alpha = 0.9

	_, err := engine.NewClient(cfg, engine.WithStore(storagetest.NewSQLite(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestAdd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item, err := h.client.Add(ctx, scope, "rollback of service Y succeeded",
		engine.WithImportance(0.4),
		engine.WithTags("deploy"),
		engine.WithSessionID("s-1"),
	)
	require.NoError(t, err)
	assert.Equal(t, core.LayerEpisodic, item.Layer)
	assert.Equal(t, 0.4, item.Importance)
	assert.True(t, item.CreatedAt.Equal(h.now))
	assert.Len(t, item.Embedding, 64)

	_, err = h.client.Add(ctx, scope, "a lesson", engine.WithLayer(core.LayerReflective))
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = h.client.Add(ctx, scope, "   ")
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = h.client.Add(ctx, scope, "x", engine.WithImportance(1.5))
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = h.client.Add(ctx, core.Scope{TenantID: "acme"}, "x")
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestAdd_ImportanceFallsBackToHeuristic(t *testing.T) {
	h := newHarness(t)

	item, err := h.client.Add(context.Background(), scope, "critical: production database is down")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, item.Importance, 0.0)
	assert.LessOrEqual(t, item.Importance, 1.0)
}

func TestAddBatch(t *testing.T) {
	h := newHarness(t)

	items, err := h.client.AddBatch(context.Background(), scope,
		[]string{"first note", "second note", "third note"}, engine.WithImportance(0.5))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "first note", items[0].Content)
	assert.Equal(t, "third note", items[2].Content)
}

func TestGet_Reinforces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item, err := h.client.Add(ctx, scope, "service X warmup takes 90 seconds", engine.WithImportance(0.5))
	require.NoError(t, err)

	h.now = h.now.Add(time.Hour)
	got, err := h.client.Get(ctx, scope, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	require.NotNil(t, got.LastAccessedAt)
	assert.True(t, got.LastAccessedAt.Equal(h.now))
	assert.Equal(t, 0.5, got.Importance)

	stored, err := h.store.GetItem(ctx, scope, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)

	_, err = h.client.Get(ctx, scope, 999999)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = h.client.Get(ctx, core.Scope{TenantID: "other", ProjectID: "ops"}, item.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

// A recurring failure becomes one reflective item derived from its sources.
func TestRunReflectionCycle_RecurringFailure(t *testing.T) {
	h := newHarness(t)
	sources := h.addDeployFailures(t)

	summary, err := h.client.RunReflectionCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	items := h.reflective(t)
	require.Len(t, items, 1)
	insight := items[0]
	assert.True(t, insight.HasTag("timeout"))
	assert.Contains(t, insight.Content, "timeout")
	assert.Equal(t, 0.8, insight.Importance)
	assert.ElementsMatch(t, sources, insight.SourceItemIDs)

	derived := h.derivesFrom(t, insight.ID)
	matched := 0
	for _, id := range sources {
		if derived[id] {
			matched++
		}
	}
	assert.GreaterOrEqual(t, matched, 3)

	jobs, err := h.client.Jobs(context.Background(), maintenance.CycleReflection)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, maintenance.StatusSucceeded, jobs[0].Status)
}

func TestRunReflectionCycle_RerunDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	h.addDeployFailures(t)

	_, err := h.client.RunReflectionCycle(context.Background())
	require.NoError(t, err)
	_, err = h.client.ReflectScope(context.Background(), scope, "")
	require.NoError(t, err)

	assert.Len(t, h.reflective(t), 1)
}

// After reflection, a query for the failure surfaces the insight.
func TestSearch_FindsReflection(t *testing.T) {
	h := newHarness(t)
	h.addDeployFailures(t)
	_, err := h.client.Add(context.Background(), scope, "the weekly report was sent to finance", engine.WithImportance(0.3))
	require.NoError(t, err)

	res, err := h.client.ReflectScope(context.Background(), scope, "")
	require.NoError(t, err)
	require.Len(t, res.CreatedIDs, 1)

	resp, err := h.client.Search(context.Background(), scope, "timeout")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Partial)

	found := false
	for _, r := range resp.Results {
		if r.Item.ID == res.CreatedIDs[0] {
			found = true
		}
	}
	assert.True(t, found, "reflective item missing from top results")

	only, err := h.client.Search(context.Background(), scope, "timeout",
		engine.WithLayers(core.LayerReflective))
	require.NoError(t, err)
	require.Len(t, only.Results, 1)
	assert.Equal(t, core.LayerReflective, only.Results[0].Item.Layer)
}

// openInstance opens an engine over its own handle to the SQLite file at
// path, the way a separate process would.
func openInstance(t *testing.T, path string, cfg *core.Config, opts ...engine.Option) *engine.Client {
	t.Helper()
	cfg.Store = core.StoreConfig{Provider: "sqlite", Path: path}
	base := []engine.Option{
		engine.WithEmbedder(embedder.NewHashing(64)),
		engine.WithLogger(zaptest.NewLogger(t)),
	}
	client, err := engine.NewClient(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSearch_SeesWritesFromAnotherClient(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	cache, err := retrieval.NewLocalCache(100, time.Minute)
	require.NoError(t, err)
	serverIDs, err := core.NewSnowflakeGenerator(1)
	require.NoError(t, err)
	server := openInstance(t, path, testConfig(), engine.WithCache(cache), engine.WithIDGenerator(serverIDs))

	// A maintenance process on the same database, without a result cache.
	cfg := testConfig()
	cfg.Cache.Provider = "none"
	workerIDs, err := core.NewSnowflakeGenerator(2)
	require.NoError(t, err)
	worker := openInstance(t, path, cfg, engine.WithIDGenerator(workerIDs))

	item, err := server.Add(ctx, scope, "deploy failed: timeout on service X", engine.WithImportance(0.6))
	require.NoError(t, err)
	first, err := server.Search(ctx, scope, "timeout")
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	cache.Wait()
	cached, err := server.Search(ctx, scope, "timeout")
	require.NoError(t, err)
	require.True(t, cached.Cached)

	require.NoError(t, worker.DeleteItem(ctx, scope, item.ID))
	after, err := server.Search(ctx, scope, "timeout")
	require.NoError(t, err)
	assert.False(t, after.Cached)
	assert.Empty(t, after.Results)
	cache.Wait()

	added, err := worker.Add(ctx, scope, "rollback failed: timeout on service Y", engine.WithImportance(0.6))
	require.NoError(t, err)
	latest, err := server.Search(ctx, scope, "timeout")
	require.NoError(t, err)
	assert.False(t, latest.Cached)
	require.Len(t, latest.Results, 1)
	assert.Equal(t, added.ID, latest.Results[0].Item.ID)
}

func TestSearch_Reinforce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item, err := h.client.Add(ctx, scope, "deploy failed: timeout on service X", engine.WithImportance(0.6))
	require.NoError(t, err)

	_, err = h.client.Search(ctx, scope, "timeout", engine.WithReinforce(true))
	require.NoError(t, err)

	stored, err := h.store.GetItem(ctx, scope, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)
}

type downIndex struct{}

func (downIndex) Upsert(context.Context, core.Scope, int64, []float64, map[string]string) error {
	return errors.New("connection refused")
}

func (downIndex) Search(context.Context, core.Scope, []float64, int, map[string]string) ([]vectorindex.Hit, error) {
	return nil, errors.New("connection refused")
}

func (downIndex) Delete(context.Context, core.Scope, int64) error {
	return errors.New("connection refused")
}

func (downIndex) Close() error { return nil }

// An unreachable vector index degrades search instead of failing it.
func TestSearch_VectorIndexDown(t *testing.T) {
	h := newHarness(t, engine.WithVectorIndex(downIndex{}))
	h.addDeployFailures(t)

	resp, err := h.client.Search(context.Background(), scope, "timeout")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.True(t, resp.Partial)

	rep, ok := resp.Report(retrieval.StrategyVector)
	require.True(t, ok)
	assert.Equal(t, retrieval.StatusUnavailable, rep.Status)

	kw, ok := resp.Report(retrieval.StrategyKeyword)
	require.True(t, ok)
	assert.Equal(t, retrieval.StatusOK, kw.Status)
}

func TestConsolidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig, err := h.client.Add(ctx, scope, "service X needs 90 seconds to warm up", engine.WithImportance(0.7))
	require.NoError(t, err)

	cp, err := h.client.Consolidate(ctx, scope, orig.ID, core.LayerSemantic)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, cp.ID)
	assert.Equal(t, core.LayerSemantic, cp.Layer)
	assert.Equal(t, orig.ID, cp.ConsolidatedFrom)
	assert.Equal(t, orig.Content, cp.Content)
	assert.True(t, h.derivesFrom(t, cp.ID)[orig.ID])

	again, err := h.client.Consolidate(ctx, scope, orig.ID, core.LayerSemantic)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, again.ID)

	unchanged, err := h.store.GetItem(ctx, scope, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, core.LayerEpisodic, unchanged.Layer)

	_, err = h.client.Consolidate(ctx, scope, cp.ID, core.LayerEpisodic)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestRunDecayCycle_ArchivalCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.now
	item, err := h.client.Add(ctx, scope, "temporary build cache path", engine.WithImportance(0.5),
		engine.WithCreatedAt(start.Add(-90*24*time.Hour)))
	require.NoError(t, err)

	h.now = start.Add(-60 * 24 * time.Hour)
	_, err = h.client.RunDecayCycle(ctx)
	require.NoError(t, err)

	h.now = start
	summary, err := h.client.RunDecayCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	candidates, err := h.client.ListArchivalCandidates(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, item.ID, candidates[0].ID)
	assert.InDelta(t, 0.1, candidates[0].Importance, 1e-9)

	require.NoError(t, h.client.DeleteItem(ctx, scope, item.ID))
	_, err = h.client.Get(ctx, scope, item.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestReflect_ExplicitContext(t *testing.T) {
	h := newHarness(t)
	t0 := h.now.Add(-time.Minute)
	src, err := h.client.Add(context.Background(), scope, "kubectl rollout of service X timed out", engine.WithImportance(0.6))
	require.NoError(t, err)

	res, err := h.client.Reflect(context.Background(), scope, reflection.FailureContext{
		TaskGoal:      "deploy service X",
		Outcome:       reflection.OutcomeFailure,
		SourceItemIDs: []int64{src.ID},
		Events: []reflection.Event{
			{Timestamp: t0, Type: "tool_call", Content: "kubectl rollout status", ToolName: "kubectl"},
			{Timestamp: h.now, Type: "error", Content: "rollout timed out", Error: "deadline exceeded"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.CreatedIDs, 1)

	items := h.reflective(t)
	require.Len(t, items, 1)
	assert.True(t, items[0].HasTag("timeout"))
	assert.True(t, h.derivesFrom(t, items[0].ID)[src.ID])
}

func TestSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDeployFailures(t)
	_, err := h.client.ReflectScope(ctx, scope, "")
	require.NoError(t, err)

	stats, err := h.client.GraphStats(ctx, scope)
	require.NoError(t, err)
	require.Greater(t, stats.ActiveEdges, 0)

	snap, err := h.client.Snapshot(ctx, scope, "after-reflection", "")
	require.NoError(t, err)
	assert.Equal(t, stats.ActiveEdges, snap.EdgeCount)

	list, err := h.client.ListSnapshots(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)

	restored, err := h.client.RestoreSnapshot(ctx, scope, snap.ID, true)
	require.NoError(t, err)
	assert.Equal(t, snap.EdgeCount, restored.EdgesCreated)
	assert.Zero(t, restored.EdgesExisting)

	after, err := h.client.GraphStats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, stats.ActiveEdges, after.ActiveEdges)

	_, err = h.client.RestoreSnapshot(ctx, scope, "missing", false)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}
