package retrieval_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		query string
		want  retrieval.Intent
	}{
		{"how is the billing service connected to auth", retrieval.IntentRelational},
		{"what port does the gateway listen on", retrieval.IntentFactual},
		{"explain eventual consistency", retrieval.IntentConceptual},
		{"deploys from yesterday", retrieval.IntentTemporal},
		{"summarize incidents this quarter", retrieval.IntentAggregative},
		{"deploy failures on service X", retrieval.IntentExploratory},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, retrieval.ClassifyIntent(tt.query))
		})
	}
}

func TestIsKeywordHeavy(t *testing.T) {
	assert.True(t, retrieval.IsKeywordHeavy("timeout"))
	assert.True(t, retrieval.IsKeywordHeavy(`find "connection reset" errors in the logs please`))
	assert.True(t, retrieval.IsKeywordHeavy("why does payment_service retry so often"))
	assert.True(t, retrieval.IsKeywordHeavy("errors from checkoutWorker during the night"))
	assert.False(t, retrieval.IsKeywordHeavy("why do deployments fail on friday evenings"))
}

func TestAnalyzer_HeuristicProfiles(t *testing.T) {
	a := retrieval.NewAnalyzer(nil, nil, nil)
	ctx := context.Background()

	res := a.Analyze(ctx, "timeout")
	assert.Equal(t, retrieval.SourceHeuristic, res.Source)
	assert.Equal(t, retrieval.ProfileKeyword, res.Profile)
	assert.InDelta(t, 0.5, res.Weights.Keyword, 1e-9)
	assert.Equal(t, []string{"timeout"}, res.Terms)

	res = a.Analyze(ctx, "how does the scheduler relate to queue backlog growth")
	assert.Equal(t, retrieval.IntentRelational, res.Intent)
	assert.Equal(t, retrieval.ProfileRelational, res.Profile)
	assert.InDelta(t, 0.5, res.Weights.Graph, 1e-9)

	long := "tell me everything we learned about deploys failing when the cache cluster was being resized during peak traffic"
	res = a.Analyze(ctx, long)
	assert.Equal(t, retrieval.ProfileBalanced, res.Profile)
	assert.InDelta(t, 0.7, res.Weights.Vector, 1e-9)
	assert.InDelta(t, 0.1, res.Weights.Keyword, 1e-9)
	assert.InDelta(t, 1.0, res.Weights.Sum(), 1e-9)
}

func TestAnalyzer_LLMWeightsAccepted(t *testing.T) {
	provider := llmtest.NewProvider(`{"intent": "relational", "confidence": 0.9, "entities": ["service X"], "weights": {"vector": 0.42, "keyword": 0.1, "graph": 0.5}}`)
	a := retrieval.NewAnalyzer(provider, nil, nil)

	res := a.Analyze(context.Background(), "what links service X to the outage")
	assert.Equal(t, retrieval.SourceLLM, res.Source)
	assert.Equal(t, retrieval.IntentRelational, res.Intent)
	assert.Equal(t, []string{"service X"}, res.Entities)
	assert.InDelta(t, 1.0, res.Weights.Sum(), 1e-9)
	assert.InDelta(t, 0.5/1.02, res.Weights.Graph, 1e-9)
}

func TestAnalyzer_LLMWeightsOutsideBand(t *testing.T) {
	provider := llmtest.NewProvider(`{"intent": "factual", "confidence": 0.8, "entities": [], "weights": {"vector": 0.9, "keyword": 0.3, "graph": 0.3}}`)
	a := retrieval.NewAnalyzer(provider, nil, nil)

	res := a.Analyze(context.Background(), "which region hosts the primary database cluster today")
	assert.Equal(t, retrieval.SourceLLM, res.Source)
	assert.Equal(t, retrieval.ProfileFactual, res.Profile)
	assert.InDelta(t, 0.75, res.Weights.Vector, 1e-9)
}

func TestAnalyzer_LLMFailureFallsBack(t *testing.T) {
	a := retrieval.NewAnalyzer(&llmtest.Provider{Fail: true}, nil, nil)
	res := a.Analyze(context.Background(), "timeout")
	assert.Equal(t, retrieval.SourceHeuristic, res.Source)

	a = retrieval.NewAnalyzer(llmtest.NewProvider(`{"intent": "mystery"}`), nil, nil)
	res = a.Analyze(context.Background(), "timeout")
	assert.Equal(t, retrieval.SourceHeuristic, res.Source)
}
