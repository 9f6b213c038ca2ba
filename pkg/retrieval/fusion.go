package retrieval

import (
	"math"
	"sort"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// Candidate is one item proposed by a strategy.
type Candidate struct {
	ItemID int64
	Score  float64

	// Item is the loaded item, when the strategy has it.
	Item *core.MemoryItem
}

// MaxScale divides every score by the largest one so the best candidate
// scores 1. Negative and NaN scores count as 0; an all-zero set stays 0.
// The result is sorted by score descending, ties by item ID ascending.
func MaxScale(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	var top float64
	for i, c := range cands {
		s := c.Score
		if math.IsNaN(s) || s < 0 {
			s = 0
		}
		out[i] = Candidate{ItemID: c.ItemID, Score: s, Item: c.Item}
		top = math.Max(top, s)
	}
	if top > 0 {
		for i := range out {
			out[i].Score /= top
		}
	}
	sortCandidates(out)
	return out
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].ItemID < c[j].ItemID
	})
}

// TopN keeps the first n candidates of a sorted slice.
func TopN(c []Candidate, n int) []Candidate {
	if n > 0 && len(c) > n {
		return c[:n]
	}
	return c
}

// Renormalize rescales the weights of the surviving strategies to sum to 1.
// Strategies not in survivors get weight 0. When the survivors' weights sum
// to 0 they share equally.
func Renormalize(weights map[Strategy]float64, survivors []Strategy) map[Strategy]float64 {
	out := make(map[Strategy]float64, len(weights))
	for s := range weights {
		out[s] = 0
	}
	if len(survivors) == 0 {
		return out
	}
	var sum float64
	for _, s := range survivors {
		if w := weights[s]; w > 0 {
			sum += w
		}
	}
	for _, s := range survivors {
		if sum == 0 {
			out[s] = 1 / float64(len(survivors))
			continue
		}
		out[s] = math.Max(weights[s], 0) / sum
	}
	return out
}

// Fuse returns Σ weight_s · score_s(item) for every item proposed by any
// strategy. Items absent from a strategy score 0 for it.
func Fuse(weights map[Strategy]float64, scores map[Strategy][]Candidate) map[int64]float64 {
	fused := make(map[int64]float64)
	for _, s := range Strategies {
		w := weights[s]
		for _, c := range scores[s] {
			fused[c.ItemID] += w * c.Score
		}
	}
	return fused
}
