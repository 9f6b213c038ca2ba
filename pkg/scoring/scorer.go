// Package scoring computes composite memory scores and applies time-based
// importance decay.
//
// The composite score of an item for a query is
//
//	score = alpha*relevance + beta*importance + gamma*recency
//
// where recency follows an exponential forgetting curve whose rate is damped
// by how often the item has been accessed:
//
//	recency        = exp(-effective_rate * seconds_since_last_access)
//	effective_rate = base_rate(layer) / (ln(1 + access_count) + 1)
//
// Scoring and decay are pure functions of their inputs. The importance
// evaluator used at ingest may consult a completion provider.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// Weights are the composite score weights. They must sum to 1.
type Weights struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// DefaultWeights returns (0.5, 0.3, 0.2).
func DefaultWeights() Weights {
	return Weights{Alpha: 0.5, Beta: 0.3, Gamma: 0.2}
}

// Validate returns a ConfigurationError when the weights are negative or do not sum to 1.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Beta < 0 || w.Gamma < 0 {
		return &core.ConfigurationError{Field: "scoring", Reason: "weights must be non-negative"}
	}
	if sum := w.Alpha + w.Beta + w.Gamma; math.Abs(sum-1) > 1e-6 {
		return &core.ConfigurationError{Field: "scoring", Reason: fmt.Sprintf("weights must sum to 1, got %.6f", sum)}
	}
	return nil
}

// Breakdown is the decomposition of a composite score.
type Breakdown struct {
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Score      float64 `json:"score"`
}

// Scorer computes composite scores and decay for memory items.
type Scorer struct {
	weights Weights
	decay   core.DecayConfig
}

// NewScorer creates a scorer from configuration.
//
// Invalid weights or negative decay rates are configuration errors; there is
// no fallback to defaults.
func NewScorer(weights Weights, decay core.DecayConfig) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, core.NewMemoryError("NewScorer", err)
	}
	for layer, rate := range decay.Rates {
		if rate < 0 {
			return nil, core.NewMemoryError("NewScorer", &core.ConfigurationError{
				Field:  "decay.rates." + string(layer),
				Reason: "rate must be non-negative",
			})
		}
	}
	if decay.MinImportance < 0 || decay.MinImportance > 1 {
		return nil, core.NewMemoryError("NewScorer", &core.ConfigurationError{
			Field:  "decay.min_importance",
			Reason: "must be within [0,1]",
		})
	}
	return &Scorer{weights: weights, decay: decay}, nil
}

// NewScorerFromConfig creates a scorer from the engine configuration.
func NewScorerFromConfig(cfg *core.Config) (*Scorer, error) {
	return NewScorer(Weights{
		Alpha: cfg.Scoring.Alpha,
		Beta:  cfg.Scoring.Beta,
		Gamma: cfg.Scoring.Gamma,
	}, cfg.Decay)
}

// Weights returns the configured composite weights.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score returns alpha*relevance + beta*importance + gamma*recency.
//
// querySimilarity is caller-supplied (cosine similarity or a fused hybrid
// score) and is clamped to [0,1].
func (s *Scorer) Score(item *core.MemoryItem, querySimilarity float64, now time.Time) float64 {
	return s.Breakdown(item, querySimilarity, now).Score
}

// Breakdown returns the composite score together with its components.
func (s *Scorer) Breakdown(item *core.MemoryItem, querySimilarity float64, now time.Time) Breakdown {
	b := Breakdown{
		Relevance:  clamp01(querySimilarity),
		Importance: clamp01(item.Importance),
		Recency:    s.Recency(item, now),
	}
	b.Score = s.weights.Alpha*b.Relevance + s.weights.Beta*b.Importance + s.weights.Gamma*b.Recency
	return b
}

// Recency returns exp(-effective_rate * dt), dt measured from the last access
// (or creation when never accessed).
func (s *Scorer) Recency(item *core.MemoryItem, now time.Time) float64 {
	rate := EffectiveDecayRate(s.decay.RateFor(item.Layer), item.AccessCount)
	return RecencyFactor(rate, now.Sub(item.ReferenceTime()))
}

// EffectiveDecayRate damps the base rate by access frequency:
// base / (ln(1 + accessCount) + 1). Frequently accessed items decay slower.
func EffectiveDecayRate(baseRate float64, accessCount int64) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return baseRate / (math.Log1p(float64(accessCount)) + 1)
}

// RecencyFactor returns exp(-rate * seconds(elapsed)). Negative elapsed
// times (clock skew) count as zero.
func RecencyFactor(rate float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || rate <= 0 {
		return 1
	}
	return math.Exp(-rate * elapsed.Seconds())
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clamp01 clamps v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	return clamp01(v)
}
