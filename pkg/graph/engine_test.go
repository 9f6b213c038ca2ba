package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/storagetest"
)

var scope = core.Scope{TenantID: "acme", ProjectID: "ops"}

func graphConfig() core.GraphConfig {
	cfg := core.DefaultConfig().Graph
	return cfg
}

func setupGraphTest(t *testing.T, opts ...graph.Option) *graph.Engine {
	store := storagetest.NewSQLite(t)
	return graph.NewEngine(store, &storagetest.IDs{}, graphConfig(), opts...)
}

func link(t *testing.T, g *graph.Engine, source, target string, weight float64) *core.GraphEdge {
	t.Helper()
	edge, err := g.UpsertEdge(context.Background(), scope, graph.EdgeInput{
		SourceID: source, TargetID: target, Relation: "leads_to", Weight: weight, Confidence: 0.5,
	})
	require.NoError(t, err)
	return edge
}

func TestDetectCycle_ABCA(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	link(t, g, "A", "B", 0.5)
	link(t, g, "B", "C", 0.5)
	closing := link(t, g, "C", "A", 0.5)

	path, found, err := g.DetectCycle(ctx, scope, "A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"A", "B", "C", "A"}, path)

	// Entering the cycle from outside still reports it from its entry node
	link(t, g, "S", "B", 0.5)
	path, found, err = g.DetectCycle(ctx, scope, "S")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"B", "C", "A", "B"}, path)

	require.NoError(t, g.DeactivateEdge(ctx, scope, closing.ID, "broken"))
	_, found, err = g.DetectCycle(ctx, scope, "A")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDetectCycle_DiamondIsAcyclic(t *testing.T) {
	g := setupGraphTest(t)

	link(t, g, "A", "B", 0.5)
	link(t, g, "A", "C", 0.5)
	link(t, g, "B", "D", 0.5)
	link(t, g, "C", "D", 0.5)

	_, found, err := g.DetectCycle(context.Background(), scope, "A")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWouldCreateCycle(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	link(t, g, "A", "B", 0.5)
	link(t, g, "B", "C", 0.5)

	cyc, err := g.WouldCreateCycle(ctx, scope, "C", "A")
	require.NoError(t, err)
	assert.True(t, cyc)

	cyc, err = g.WouldCreateCycle(ctx, scope, "A", "C")
	require.NoError(t, err)
	assert.False(t, cyc)

	cyc, err = g.WouldCreateCycle(ctx, scope, "A", "A")
	require.NoError(t, err)
	assert.True(t, cyc)
}

func TestUpsertEdge_Idempotent(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()
	in := graph.EdgeInput{SourceID: "A", TargetID: "B", Relation: "causes", Weight: 0.4, Confidence: 0.3}

	first, err := g.UpsertEdge(ctx, scope, in)
	require.NoError(t, err)
	in.Confidence = 0.7
	second, err := g.UpsertEdge(ctx, scope, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 0.5, second.Weight, 1e-9)
	assert.InDelta(t, 0.7, second.Confidence, 1e-9)
	assert.Equal(t, 2, second.EvidenceCount)

	stats, err := g.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveEdges)
}

func TestUpsertEdge_StrengtheningProperty(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		s := core.Scope{TenantID: "prop", ProjectID: fmt.Sprintf("p%d", run)}
		weights := rapid.SliceOfN(rapid.Float64Range(0, 1), 1, 8).Draw(rt, "weights")

		expected := 0.0
		for i, w := range weights {
			edge, err := g.UpsertEdge(ctx, s, graph.EdgeInput{
				SourceID: "x", TargetID: "y", Relation: "r", Weight: w, Confidence: 0.5,
			})
			if err != nil {
				rt.Fatalf("upsert: %v", err)
			}
			if i == 0 {
				expected = w
			} else {
				expected = min(1, max(expected, w)+0.1)
			}
			if d := edge.Weight - expected; d > 1e-9 || d < -1e-9 {
				rt.Fatalf("weight after %d upserts = %v, want %v", i+1, edge.Weight, expected)
			}
			if edge.EvidenceCount != i+1 {
				rt.Fatalf("evidence = %d, want %d", edge.EvidenceCount, i+1)
			}
			if edge.Weight > 1 {
				rt.Fatalf("weight exceeds 1: %v", edge.Weight)
			}
		}
	})
}

func TestEnsureEdge_NeverStrengthens(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()
	in := graph.EdgeInput{SourceID: "mem:9", TargetID: "mem:1", Relation: core.RelationDerivesFrom, Weight: 1, Confidence: 1}

	_, created, err := g.EnsureEdge(ctx, scope, in)
	require.NoError(t, err)
	assert.True(t, created)

	for i := 0; i < 3; i++ {
		edge, created, err := g.EnsureEdge(ctx, scope, in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, edge.EvidenceCount)
	}
}

func TestUpsertEdge_RejectsInvalidInput(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	_, err := g.UpsertEdge(ctx, scope, graph.EdgeInput{SourceID: "A", TargetID: "B", Relation: "r", Weight: 1.5})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = g.UpsertEdge(ctx, scope, graph.EdgeInput{SourceID: "A", Relation: "r"})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = g.UpsertEdge(ctx, core.Scope{}, graph.EdgeInput{SourceID: "A", TargetID: "B", Relation: "r"})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestReactivateEdge_Conflict(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	old := link(t, g, "A", "B", 0.5)
	require.NoError(t, g.DeactivateEdge(ctx, scope, old.ID, "replaced"))
	link(t, g, "A", "B", 0.5)

	err := g.ReactivateEdge(ctx, scope, old.ID)
	assert.True(t, errors.Is(err, core.ErrConsistencyViolation))
}

func TestTraverseTemporal(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := setupGraphTest(t, graph.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	link(t, g, "A", "B", 0.9)
	link(t, g, "B", "C", 0.9)
	link(t, g, "C", "D", 0.9)

	until := now.Add(-time.Hour)
	_, err := g.UpsertEdge(ctx, scope, graph.EdgeInput{
		SourceID: "A", TargetID: "E", Relation: "leads_to", Weight: 0.9, Confidence: 0.5, ValidTo: &until,
	})
	require.NoError(t, err)
	_, err = g.UpsertEdge(ctx, scope, graph.EdgeInput{
		SourceID: "A", TargetID: "W", Relation: "leads_to", Weight: 0.1, Confidence: 0.5,
	})
	require.NoError(t, err)

	tr, err := g.TraverseTemporal(ctx, scope, []string{"A"}, graph.TraverseOptions{MaxDepth: 2, MinWeight: 0.5})
	require.NoError(t, err)
	depth, ok := tr.Depth("C")
	assert.True(t, ok)
	assert.Equal(t, 2, depth)
	_, ok = tr.Depth("D")
	assert.False(t, ok, "depth is a hard bound")
	_, ok = tr.Depth("E")
	assert.False(t, ok, "expired edges are not followed")
	_, ok = tr.Depth("W")
	assert.False(t, ok, "weak edges are filtered")

	// As of a time inside the window the expired edge is followed
	past := now.Add(-2 * time.Hour)
	tr, err = g.TraverseTemporal(ctx, scope, []string{"A"}, graph.TraverseOptions{MaxDepth: 1, AsOf: &past})
	require.NoError(t, err)
	_, ok = tr.Depth("E")
	assert.True(t, ok)

	// Incoming walks edges backwards
	tr, err = g.TraverseTemporal(ctx, scope, []string{"C"}, graph.TraverseOptions{Direction: storage.Incoming})
	require.NoError(t, err)
	_, ok = tr.Depth("A")
	assert.True(t, ok)
	_, ok = tr.Depth("D")
	assert.False(t, ok)
}

func TestShortestPath(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	// Direct but weak, or two strong hops
	link(t, g, "A", "D", 0.1)
	link(t, g, "A", "B", 0.9)
	link(t, g, "B", "D", 0.9)

	p, err := g.ShortestPath(ctx, scope, "A", "D", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D"}, p.Nodes)
	assert.InDelta(t, 0.2, p.Cost, 1e-9)

	// With one hop allowed only the weak edge qualifies
	p, err = g.ShortestPath(ctx, scope, "A", "D", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D"}, p.Nodes)

	_, err = g.ShortestPath(ctx, scope, "D", "A", 3)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestShortestPath_Bidirectional(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	_, err := g.UpsertEdge(ctx, scope, graph.EdgeInput{
		SourceID: "A", TargetID: "B", Relation: "related_to", Weight: 0.8, Confidence: 0.5, Bidirectional: true,
	})
	require.NoError(t, err)

	p, err := g.ShortestPath(ctx, scope, "B", "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Hops())
}

func TestSnapshotAndRestore(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	require.NoError(t, g.UpsertNode(ctx, scope, &core.GraphNode{NodeID: "A", Label: "alpha"}))
	require.NoError(t, g.UpsertNode(ctx, scope, &core.GraphNode{NodeID: "B", Label: "beta"}))
	link(t, g, "A", "B", 0.6)
	inactive := link(t, g, "B", "A", 0.6)
	require.NoError(t, g.DeactivateEdge(ctx, scope, inactive.ID, "stale"))

	snap, err := g.Snapshot(ctx, scope, "baseline", "before cleanup")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.NodeCount)
	assert.Equal(t, 1, snap.EdgeCount, "only active edges are captured")

	got, err := g.GetSnapshot(ctx, scope, snap.ID)
	require.NoError(t, err)
	assert.Len(t, got.Edges, 1)

	sum, err := g.RestoreSnapshot(ctx, scope, snap.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Nodes)
	assert.Equal(t, 1, sum.EdgesCreated)

	// Restoring again changes nothing
	sum, err = g.RestoreSnapshot(ctx, scope, snap.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.EdgesCreated)
	assert.Equal(t, 1, sum.EdgesExisting)

	stats, err := g.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.ActiveEdges)
	assert.Equal(t, 1, stats.SnapshotCount)
	assert.NotNil(t, stats.LatestSnapshot)

	list, err := g.ListSnapshots(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "baseline", list[0].Name)
}

func TestNodeMetrics(t *testing.T) {
	g := setupGraphTest(t)
	ctx := context.Background()

	require.NoError(t, g.UpsertNode(ctx, scope, &core.GraphNode{NodeID: "A", Label: "alpha"}))
	link(t, g, "A", "B", 0.5)
	link(t, g, "A", "C", 0.3)
	link(t, g, "D", "A", 0.2)

	m, err := g.NodeMetrics(ctx, scope, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, m.OutDegree)
	assert.Equal(t, 1, m.InDegree)
	assert.Equal(t, 3, m.TotalDegree)
	assert.InDelta(t, 0.8, m.WeightedOutDegree, 1e-9)

	_, err = g.NodeMetrics(ctx, scope, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestDecayEdges(t *testing.T) {
	now := time.Now()
	g := setupGraphTest(t, graph.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	strong := link(t, g, "A", "B", 0.9)
	weak := link(t, g, "A", "C", 0.06)
	_, err := g.UpsertEdge(ctx, scope, graph.EdgeInput{
		SourceID: "mem:2", TargetID: "mem:1", Relation: core.RelationDerivesFrom, Weight: 0.06, Confidence: 1,
	})
	require.NoError(t, err)

	later := now.Add(30 * 24 * time.Hour)
	sum, err := g.DecayEdges(ctx, scope, later)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Scanned, "provenance edges are exempt")
	assert.Equal(t, 1, sum.Decayed)
	assert.Equal(t, 1, sum.Pruned)

	e, err := g.GetEdge(ctx, scope, strong.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.36787944117, e.Weight, 1e-6)

	e, err = g.GetEdge(ctx, scope, weak.ID)
	require.NoError(t, err)
	assert.False(t, e.IsActive)
	assert.Equal(t, graph.ReasonDecayed, e.Metadata["deactivation_reason"])
}

func TestWriteHook(t *testing.T) {
	var writes []core.Scope
	g := setupGraphTest(t, graph.WithWriteHook(func(s core.Scope) { writes = append(writes, s) }))

	link(t, g, "A", "B", 0.5)
	assert.Equal(t, []core.Scope{scope}, writes)
}
