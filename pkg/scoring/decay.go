package scoring

import (
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// DecayResult is the outcome of applying decay to one item.
type DecayResult struct {
	// Importance is the decayed importance. It never exceeds the input.
	Importance float64

	// Factor is the recency factor applied for the elapsed interval.
	Factor float64

	// Changed reports whether Importance differs from the input.
	Changed bool

	// DecayedAt is the time decay was applied (now).
	DecayedAt time.Time

	// FloorSince is set once importance reaches the configured floor.
	FloorSince *time.Time

	// ArchivalCandidate is true when the item sat at the floor for longer than
	// the retention window.
	ArchivalCandidate bool
}

// IsStale reports whether the item has not been accessed for at least the
// configured staleness threshold and is therefore eligible for decay.
func (s *Scorer) IsStale(item *core.MemoryItem, now time.Time) bool {
	return now.Sub(item.ReferenceTime()) >= s.decay.StaleAfter.Std()
}

// StaleAfter returns the staleness threshold.
func (s *Scorer) StaleAfter() time.Duration {
	return s.decay.StaleAfter.Std()
}

// ApplyDecay decays an item's importance to now.
//
// The factor covers the interval since the later of the last access and the
// previous decay, so running the job repeatedly compounds each elapsed second
// exactly once. The result is clamped to [MinImportance, 1] without ever
// increasing: items already below the floor are left unchanged.
func (s *Scorer) ApplyDecay(item *core.MemoryItem, now time.Time) DecayResult {
	from := item.ReferenceTime()
	if item.DecayedAt != nil && item.DecayedAt.After(from) {
		from = *item.DecayedAt
	}

	rate := EffectiveDecayRate(s.decay.RateFor(item.Layer), item.AccessCount)
	factor := RecencyFactor(rate, now.Sub(from))

	before := item.Importance
	after := before * factor
	if after < s.decay.MinImportance {
		after = s.decay.MinImportance
	}
	if after > before {
		after = before
	}
	if after > 1 {
		after = 1
	}

	res := DecayResult{
		Importance: after,
		Factor:     factor,
		Changed:    after != before,
		DecayedAt:  now,
		FloorSince: item.FloorSince,
	}

	atFloor := after <= s.decay.MinImportance
	switch {
	case atFloor && res.FloorSince == nil:
		t := now
		res.FloorSince = &t
	case !atFloor:
		res.FloorSince = nil
	}

	if res.FloorSince != nil && now.Sub(*res.FloorSince) > s.decay.RetentionWindow.Std() {
		res.ArchivalCandidate = true
	}
	return res
}

// Reinforce records a read access on an in-memory copy: access_count is
// incremented and last_accessed_at set to now. Importance is not touched.
// Stores perform the same update atomically.
func Reinforce(item *core.MemoryItem, now time.Time) {
	item.AccessCount++
	t := now
	item.LastAccessedAt = &t
}
