// Package retrieval implements hybrid search over memory items.
//
// A query is analyzed into an intent and a {vector, keyword, graph} weight
// profile. The three sub-searches run in parallel, each max-scaling its own
// scores into [0,1]. Scores are fused with the profile weights, combined with
// importance and recency into the composite score, optionally reranked, and
// truncated to k. A failed sub-search is dropped and the surviving weights
// are renormalized; only when every sub-search fails does Search fail.
package retrieval

import (
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
)

// Strategy names a sub-search.
type Strategy string

const (
	StrategyVector  Strategy = "vector"
	StrategyKeyword Strategy = "keyword"
	StrategyGraph   Strategy = "graph"
)

// Strategies is the fixed evaluation order of sub-searches.
var Strategies = []Strategy{StrategyVector, StrategyKeyword, StrategyGraph}

// Status is the outcome of a sub-search.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
	StatusDisabled    Status = "disabled"
)

// Filters restrict the items a search may return.
type Filters struct {
	Layers          []core.Layer `json:"layers,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	SessionID       string       `json:"session_id,omitempty"`
	MinImportance   float64      `json:"min_importance,omitempty"`
	CreatedAfter    *time.Time   `json:"created_after,omitempty"`
	CreatedBefore   *time.Time   `json:"created_before,omitempty"`
	ExcludeArchival bool         `json:"exclude_archival,omitempty"`
}

// ItemFilter converts the filters to a store scan filter.
func (f Filters) ItemFilter(scope core.Scope, limit int) storage.ItemFilter {
	return storage.ItemFilter{
		Scope:           scope,
		Layers:          f.Layers,
		Tags:            f.Tags,
		SessionID:       f.SessionID,
		MinImportance:   f.MinImportance,
		CreatedAfter:    f.CreatedAfter,
		CreatedBefore:   f.CreatedBefore,
		ExcludeArchival: f.ExcludeArchival,
		Limit:           limit,
	}
}

// Match reports whether item passes the filters.
func (f Filters) Match(item *core.MemoryItem) bool {
	if len(f.Layers) > 0 {
		ok := false
		for _, l := range f.Layers {
			if item.Layer == l {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, t := range f.Tags {
			if item.HasTag(t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionID != "" && item.SessionID != f.SessionID {
		return false
	}
	if item.Importance < f.MinImportance {
		return false
	}
	if f.CreatedAfter != nil && item.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && item.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.ExcludeArchival && item.ArchivalCandidate {
		return false
	}
	return true
}

// SearchRequest is a hybrid search query.
type SearchRequest struct {
	Query   string     `json:"query"`
	Scope   core.Scope `json:"scope"`
	K       int        `json:"k"`
	Filters Filters    `json:"filters"`
}

// Contribution is what one strategy added to one result.
type Contribution struct {
	Status Status `json:"status"`

	// Normalized is the strategy's max-scaled score for the item (0 when absent).
	Normalized float64 `json:"normalized"`

	// Weight is the renormalized strategy weight applied to Normalized.
	Weight float64 `json:"weight"`

	Error string `json:"error,omitempty"`
}

// Value is the weighted contribution to the fused score.
func (c Contribution) Value() float64 {
	return c.Weight * c.Normalized
}

// Result is one ranked item.
type Result struct {
	Item *core.MemoryItem `json:"item"`

	// Score is the final ranking score.
	Score float64 `json:"score"`

	// Fused is the weighted sum of normalized strategy scores.
	Fused float64 `json:"fused"`

	// Composite is the scoring breakdown with Fused as relevance.
	Composite scoring.Breakdown `json:"composite"`

	// RerankScore is set when the item was reranked.
	RerankScore *float64 `json:"rerank_score,omitempty"`

	Contributions map[Strategy]Contribution `json:"contributions"`
}

// StrategyReport summarizes one sub-search of a query.
type StrategyReport struct {
	Strategy   Strategy      `json:"strategy"`
	Status     Status        `json:"status"`
	Weight     float64       `json:"weight"`
	Candidates int           `json:"candidates"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// SearchResponse is the outcome of a search.
type SearchResponse struct {
	Results    []Result         `json:"results"`
	Analysis   Analysis         `json:"analysis"`
	Strategies []StrategyReport `json:"strategies"`

	// Partial is true when at least one enabled strategy failed.
	Partial bool `json:"partial"`

	// Reranked reports whether the rerank pass was applied.
	Reranked    bool   `json:"reranked"`
	RerankError string `json:"rerank_error,omitempty"`

	Cached bool `json:"cached"`
}

// Report returns the report of strategy s.
func (r *SearchResponse) Report(s Strategy) (StrategyReport, bool) {
	for _, rep := range r.Strategies {
		if rep.Strategy == s {
			return rep, true
		}
	}
	return StrategyReport{}, false
}
