package graph

import (
	"context"
	"sort"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
)

// TraverseOptions bounds and filters a traversal.
type TraverseOptions struct {
	// MaxDepth is capped by the configured depth bound. Zero uses the bound.
	MaxDepth int

	// AsOf selects edges whose validity window contains it. Nil means now.
	AsOf *time.Time

	Relations     []string
	MinWeight     float64
	MinConfidence float64
	Direction     storage.Direction
}

// Visit is a node reached by a traversal.
type Visit struct {
	NodeID string
	Depth  int

	// Parent and Edge are empty for seeds.
	Parent string
	Edge   *core.GraphEdge
}

// Traversal is the result of TraverseTemporal, in BFS order.
type Traversal struct {
	Visits []Visit
	Edges  []*core.GraphEdge
}

// Depth returns the depth a node was reached at.
func (t *Traversal) Depth(nodeID string) (int, bool) {
	for _, v := range t.Visits {
		if v.NodeID == nodeID {
			return v.Depth, true
		}
	}
	return 0, false
}

func (e *Engine) depthBound(requested int) int {
	bound := e.cfg.MaxDepth
	if bound <= 0 {
		bound = core.DefaultConfig().Graph.MaxDepth
	}
	if requested <= 0 || requested > bound {
		return bound
	}
	return requested
}

// TraverseTemporal walks the graph breadth first from seeds, one store round
// trip per level. Only active edges whose validity window contains AsOf and
// that pass the relation, weight and confidence filters are followed.
// Depth is a hard bound.
func (e *Engine) TraverseTemporal(ctx context.Context, scope core.Scope, seeds []string, opts TraverseOptions) (*Traversal, error) {
	asOf := e.now()
	if opts.AsOf != nil {
		asOf = *opts.AsOf
	}
	maxDepth := e.depthBound(opts.MaxDepth)
	filter := storage.EdgeFilter{
		ActiveOnly:    true,
		AsOf:          &asOf,
		Relations:     opts.Relations,
		MinWeight:     opts.MinWeight,
		MinConfidence: opts.MinConfidence,
	}

	res := &Traversal{}
	seen := make(map[string]bool, len(seeds))
	var frontier []string
	for _, s := range seeds {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		frontier = append(frontier, s)
		res.Visits = append(res.Visits, Visit{NodeID: s})
	}

	usedEdge := make(map[int64]bool)
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges, err := e.store.EdgesAt(ctx, scope, frontier, opts.Direction, filter)
		if err != nil {
			return nil, core.NewMemoryError("TraverseTemporal", err)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

		inFrontier := make(map[string]bool, len(frontier))
		for _, n := range frontier {
			inFrontier[n] = true
		}

		var next []string
		for _, edge := range edges {
			for _, from := range []string{edge.SourceID, edge.TargetID} {
				if !inFrontier[from] {
					continue
				}
				to, ok := neighbor(edge, from, opts.Direction)
				if !ok || seen[to] {
					continue
				}
				seen[to] = true
				next = append(next, to)
				res.Visits = append(res.Visits, Visit{NodeID: to, Depth: depth, Parent: from, Edge: edge})
				if !usedEdge[edge.ID] {
					usedEdge[edge.ID] = true
					res.Edges = append(res.Edges, edge)
				}
			}
		}
		frontier = next
	}
	return res, nil
}

// neighbor returns the node reached from `from` over edge in direction dir.
func neighbor(edge *core.GraphEdge, from string, dir storage.Direction) (string, bool) {
	switch dir {
	case storage.Outgoing:
		if edge.SourceID == from {
			return edge.TargetID, true
		}
		if edge.Bidirectional && edge.TargetID == from {
			return edge.SourceID, true
		}
	case storage.Incoming:
		if edge.TargetID == from {
			return edge.SourceID, true
		}
		if edge.Bidirectional && edge.SourceID == from {
			return edge.TargetID, true
		}
	default:
		if edge.SourceID == from {
			return edge.TargetID, true
		}
		if edge.TargetID == from {
			return edge.SourceID, true
		}
	}
	return "", false
}
