package retrieval

import (
	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// Intent classifies what a query is after.
type Intent string

const (
	IntentFactual     Intent = "factual"
	IntentConceptual  Intent = "conceptual"
	IntentExploratory Intent = "exploratory"
	IntentTemporal    Intent = "temporal"
	IntentRelational  Intent = "relational"
	IntentAggregative Intent = "aggregative"
)

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	_, ok := intentProfiles[i]
	return ok
}

// Weight profile names.
const (
	ProfileBalanced   = "balanced"
	ProfileFactual    = "factual"
	ProfileConceptual = "conceptual"
	ProfileRelational = "relational"
	ProfileKeyword    = "keyword"
)

// DefaultProfiles is the built-in weight profile table. It keeps retrieval
// fully functional without a completion provider.
func DefaultProfiles() map[string]core.WeightProfile {
	return map[string]core.WeightProfile{
		ProfileBalanced:   {Vector: 0.60, Keyword: 0.20, Graph: 0.20},
		ProfileFactual:    {Vector: 0.75, Keyword: 0.15, Graph: 0.10},
		ProfileConceptual: {Vector: 0.70, Keyword: 0.10, Graph: 0.20},
		ProfileRelational: {Vector: 0.40, Keyword: 0.10, Graph: 0.50},
		ProfileKeyword:    {Vector: 0.40, Keyword: 0.50, Graph: 0.10},
	}
}

var intentProfiles = map[Intent]string{
	IntentFactual:     ProfileFactual,
	IntentTemporal:    ProfileFactual,
	IntentConceptual:  ProfileConceptual,
	IntentRelational:  ProfileRelational,
	IntentExploratory: ProfileBalanced,
	IntentAggregative: ProfileBalanced,
}

// ProfileFor returns the profile name used for intent.
func ProfileFor(intent Intent) string {
	if p, ok := intentProfiles[intent]; ok {
		return p
	}
	return ProfileBalanced
}

// Profiles resolves profile names to weights, with configured overrides
// taking precedence over the defaults.
type Profiles map[string]core.WeightProfile

// NewProfiles merges overrides into the default table.
func NewProfiles(overrides map[string]core.WeightProfile) Profiles {
	p := Profiles(DefaultProfiles())
	for name, w := range overrides {
		p[name] = w
	}
	return p
}

// Get returns the named profile, or the balanced profile.
func (p Profiles) Get(name string) core.WeightProfile {
	if w, ok := p[name]; ok {
		return w
	}
	return p[ProfileBalanced]
}

func weightsOf(p core.WeightProfile) map[Strategy]float64 {
	return map[Strategy]float64{
		StrategyVector:  p.Vector,
		StrategyKeyword: p.Keyword,
		StrategyGraph:   p.Graph,
	}
}
