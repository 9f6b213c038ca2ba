package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
)

func TestHeuristicEntities(t *testing.T) {
	got := graph.HeuristicEntities(`deploy failed: timeout on service X`, 10)
	assert.Equal(t, []string{"deploy", "failed", "timeout", "service"}, got)

	got = graph.HeuristicEntities(`Alice restarted "payment gateway" after the Redis outage`, 3)
	assert.Equal(t, []string{"payment gateway", "Alice", "Redis"}, got)

	assert.Empty(t, graph.HeuristicEntities("the and of it", 5))
}

func mentions(t *testing.T, g *graph.Engine, id int64) []*core.GraphEdge {
	t.Helper()
	tr, err := g.TraverseTemporal(context.Background(), scope, []string{core.MemoryNodeID(id)}, graph.TraverseOptions{
		MaxDepth:  1,
		Relations: []string{core.RelationMentions},
	})
	require.NoError(t, err)
	return tr.Edges
}

func episode(id int64, content string) *core.MemoryItem {
	return &core.MemoryItem{
		ID: id, TenantID: scope.TenantID, ProjectID: scope.ProjectID,
		Content: content, Layer: core.LayerEpisodic, CreatedAt: time.Now(),
	}
}

func TestExtractor_Heuristic(t *testing.T) {
	g := setupGraphTest(t)
	x := graph.NewExtractor(g, nil, 0, nil)
	ctx := context.Background()

	item := episode(42, "deploy failed: timeout on service X")
	require.NoError(t, x.Link(ctx, item))

	node, err := g.GetNode(ctx, scope, core.MemoryNodeID(42))
	require.NoError(t, err)
	id, ok := node.MemoryID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	edges := mentions(t, g, 42)
	require.Len(t, edges, 4)
	assert.InDelta(t, 0.6, edges[0].Confidence, 1e-9)

	timeout, err := g.GetNode(ctx, scope, core.EntityNodeID("timeout"))
	require.NoError(t, err)
	assert.Equal(t, "entity", timeout.Properties["kind"])

	// Linking again strengthens rather than duplicates
	require.NoError(t, x.Link(ctx, item))
	edges = mentions(t, g, 42)
	require.Len(t, edges, 4)
	for _, e := range edges {
		assert.Equal(t, 2, e.EvidenceCount)
	}
}

func TestExtractor_LLM(t *testing.T) {
	g := setupGraphTest(t)
	provider := llmtest.NewProvider("```json\n{\"entities\": [\"Service X\", \"deploy pipeline\", \"service x\"]}\n```")
	x := graph.NewExtractor(g, provider, 5, nil)

	entities, confidence := x.Extract(context.Background(), "deploy failed: timeout on service X")
	assert.Equal(t, []string{"Service X", "deploy pipeline"}, entities)
	assert.InDelta(t, 0.8, confidence, 1e-9)
	assert.Equal(t, 1, provider.Calls())
}

func TestExtractor_FallsBackOnLLMFailure(t *testing.T) {
	g := setupGraphTest(t)
	provider := &llmtest.Provider{Fail: true}
	x := graph.NewExtractor(g, provider, 5, nil)

	entities, confidence := x.Extract(context.Background(), "deploy failed: timeout on service X")
	assert.Contains(t, entities, "timeout")
	assert.InDelta(t, 0.6, confidence, 1e-9)

	provider = &llmtest.Provider{Handler: func([]llm.Message) (string, error) { return "no json here", nil }}
	x = graph.NewExtractor(g, provider, 5, nil)
	entities, _ = x.Extract(context.Background(), "deploy failed: timeout on service X")
	assert.Contains(t, entities, "timeout")
}

func TestExtractor_LinkAsync(t *testing.T) {
	g := setupGraphTest(t)
	x := graph.NewExtractor(g, nil, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	x.LinkAsync(ctx, episode(7, "Redis eviction storm"))
	cancel()
	x.Wait()

	assert.NotEmpty(t, mentions(t, g, 7))
}
