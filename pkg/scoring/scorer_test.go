package scoring_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *scoring.Scorer {
	t.Helper()
	s, err := scoring.NewScorerFromConfig(core.DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights scoring.Weights
		wantErr bool
	}{
		{"default", scoring.DefaultWeights(), false},
		{"all relevance", scoring.Weights{Alpha: 1}, false},
		{"sum too high", scoring.Weights{Alpha: 0.5, Beta: 0.5, Gamma: 0.5}, true},
		{"sum too low", scoring.Weights{Alpha: 0.1}, true},
		{"negative", scoring.Weights{Alpha: 1.2, Beta: -0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, core.ErrInvalidConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewScorer_RejectsInvalid(t *testing.T) {
	_, err := scoring.NewScorer(scoring.Weights{Alpha: 0.9}, core.DefaultConfig().Decay)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	decay := core.DefaultConfig().Decay
	decay.Rates = map[core.Layer]float64{core.LayerEpisodic: -1}
	_, err = scoring.NewScorer(scoring.DefaultWeights(), decay)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestScore_Composite(t *testing.T) {
	s := newScorer(t)
	item := &core.MemoryItem{Layer: core.LayerEpisodic, Importance: 0.6, CreatedAt: t0}

	b := s.Breakdown(item, 0.8, t0)
	assert.InDelta(t, 1.0, b.Recency, 1e-12, "no elapsed time means full recency")
	assert.InDelta(t, 0.5*0.8+0.3*0.6+0.2*1.0, b.Score, 1e-12)

	// Out-of-range similarity is clamped.
	assert.InDelta(t, s.Score(item, 1, t0), s.Score(item, 3.5, t0), 1e-12)
	assert.InDelta(t, s.Score(item, 0, t0), s.Score(item, math.NaN(), t0), 1e-12)
}

func TestRecency_LayerOrdering(t *testing.T) {
	s := newScorer(t)
	now := t0.Add(72 * time.Hour)
	var prev float64
	for i, layer := range []core.Layer{core.LayerEpisodic, core.LayerWorking, core.LayerSemantic, core.LayerLongTerm, core.LayerReflective} {
		r := s.Recency(&core.MemoryItem{Layer: layer, CreatedAt: t0}, now)
		if i > 0 {
			assert.Greater(t, r, prev, "layer %s should decay slower than the previous layer", layer)
		}
		prev = r
	}
}

func TestEffectiveDecayRate_Damping(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.Float64Range(1e-9, 1e-3).Draw(t, "base")
		ac := rapid.Int64Range(0, 1_000_000).Draw(t, "access_count")

		r0 := scoring.EffectiveDecayRate(base, ac)
		r1 := scoring.EffectiveDecayRate(base, ac+1)
		if r1 > r0 {
			t.Fatalf("rate increased with access count: %v -> %v", r0, r1)
		}
		if r0 > base {
			t.Fatalf("effective rate %v exceeds base %v", r0, base)
		}
	})
}

func TestRecencyFactor_Bounds(t *testing.T) {
	assert.Equal(t, 1.0, scoring.RecencyFactor(1e-5, -time.Hour))
	assert.Equal(t, 1.0, scoring.RecencyFactor(0, time.Hour))
	assert.InDelta(t, math.Exp(-1), scoring.RecencyFactor(1.0/3600, time.Hour), 1e-12)
}

func TestApplyDecay_Monotone(t *testing.T) {
	s := newScorer(t)
	layers := []core.Layer{core.LayerEpisodic, core.LayerWorking, core.LayerSemantic, core.LayerLongTerm, core.LayerReflective}

	rapid.Check(t, func(t *rapid.T) {
		item := &core.MemoryItem{
			Layer:       rapid.SampledFrom(layers).Draw(t, "layer"),
			Importance:  rapid.Float64Range(0, 1).Draw(t, "importance"),
			AccessCount: rapid.Int64Range(0, 10_000).Draw(t, "access_count"),
			CreatedAt:   t0,
		}
		elapsed := time.Duration(rapid.Int64Range(0, int64(365*24*time.Hour)).Draw(t, "elapsed"))

		res := s.ApplyDecay(item, t0.Add(elapsed))
		if res.Importance > item.Importance {
			t.Fatalf("decay increased importance: %v -> %v", item.Importance, res.Importance)
		}
		if res.Importance < 0 || res.Importance > 1 {
			t.Fatalf("importance %v out of range", res.Importance)
		}
		if item.Importance >= 0.1 && res.Importance < 0.1-1e-12 {
			t.Fatalf("importance %v fell below the floor", res.Importance)
		}
	})
}

func TestApplyDecay_CompoundsOnce(t *testing.T) {
	s := newScorer(t)
	item := &core.MemoryItem{Layer: core.LayerEpisodic, Importance: 0.9, CreatedAt: t0}

	// Two consecutive runs must equal one run over the whole interval.
	mid := t0.Add(12 * time.Hour)
	end := t0.Add(24 * time.Hour)

	first := s.ApplyDecay(item, mid)
	step := item.Clone()
	step.Importance = first.Importance
	step.DecayedAt = &first.DecayedAt
	second := s.ApplyDecay(step, end)

	whole := s.ApplyDecay(item, end)
	assert.InDelta(t, whole.Importance, second.Importance, 1e-12)
}

func TestApplyDecay_FloorAndArchival(t *testing.T) {
	s := newScorer(t)
	item := &core.MemoryItem{Layer: core.LayerEpisodic, Importance: 0.5, CreatedAt: t0}

	// exp(-8e-6 * 30 days) is far below 0.2, so the item hits the floor.
	hit := t0.Add(30 * 24 * time.Hour)
	res := s.ApplyDecay(item, hit)
	assert.InDelta(t, 0.1, res.Importance, 1e-12)
	require.NotNil(t, res.FloorSince)
	assert.False(t, res.ArchivalCandidate)

	item.Importance = res.Importance
	item.DecayedAt = &res.DecayedAt
	item.FloorSince = res.FloorSince

	later := s.ApplyDecay(item, hit.Add(31*24*time.Hour))
	assert.True(t, later.ArchivalCandidate)
	assert.Equal(t, hit, *later.FloorSince, "floor time is sticky")
	assert.False(t, later.Changed)
}

func TestApplyDecay_BelowFloorUnchanged(t *testing.T) {
	s := newScorer(t)
	item := &core.MemoryItem{Layer: core.LayerEpisodic, Importance: 0.05, CreatedAt: t0}
	res := s.ApplyDecay(item, t0.Add(48*time.Hour))
	assert.Equal(t, 0.05, res.Importance)
	assert.False(t, res.Changed)
}

func TestIsStale(t *testing.T) {
	s := newScorer(t)
	item := &core.MemoryItem{Layer: core.LayerEpisodic, CreatedAt: t0}
	assert.False(t, s.IsStale(item, t0.Add(time.Hour)))
	assert.True(t, s.IsStale(item, t0.Add(25*time.Hour)))

	scoring.Reinforce(item, t0.Add(24*time.Hour))
	assert.Equal(t, int64(1), item.AccessCount)
	assert.False(t, s.IsStale(item, t0.Add(25*time.Hour)))
}

func TestImportanceEvaluator_Rules(t *testing.T) {
	e := scoring.NewImportanceEvaluator(nil)
	ctx := context.Background()

	routine := e.Evaluate(ctx, "ok", nil)
	failure := e.Evaluate(ctx, "deploy failed with a timeout, remember to raise the limit", nil)
	assert.Greater(t, failure, routine)
	assert.LessOrEqual(t, failure, 1.0)

	high := e.Evaluate(ctx, "ok", map[string]interface{}{"priority": "high"})
	assert.Greater(t, high, routine)
}

func TestImportanceEvaluator_LLM(t *testing.T) {
	fake := llmtest.NewProvider(`{"importance_score": 0.83}`)
	e := scoring.NewImportanceEvaluator(fake)
	assert.InDelta(t, 0.83, e.Evaluate(context.Background(), "anything", nil), 1e-9)

	// Provider failure falls back to rules.
	fake.Fail = true
	v := e.Evaluate(context.Background(), "ok", nil)
	assert.InDelta(t, 0.3, v, 1e-9)
}
