package graph

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
)

// arc is one traversable direction of an edge.
type arc struct {
	to   string
	edge *core.GraphEdge
}

// arena is an adjacency view of the active edges of one scope. Nodes are
// string keys; nothing points at anything.
type arena struct {
	// forward follows edges in their declared direction only.
	forward map[string][]arc

	// walk additionally follows bidirectional edges backwards.
	walk map[string][]arc
}

func newArena(edges []*core.GraphEdge) *arena {
	a := &arena{
		forward: make(map[string][]arc),
		walk:    make(map[string][]arc),
	}
	for _, e := range edges {
		a.forward[e.SourceID] = append(a.forward[e.SourceID], arc{to: e.TargetID, edge: e})
		a.walk[e.SourceID] = append(a.walk[e.SourceID], arc{to: e.TargetID, edge: e})
		if e.Bidirectional {
			a.walk[e.TargetID] = append(a.walk[e.TargetID], arc{to: e.SourceID, edge: e})
		}
	}
	for _, m := range []map[string][]arc{a.forward, a.walk} {
		for _, arcs := range m {
			sort.Slice(arcs, func(i, j int) bool {
				if arcs[i].to != arcs[j].to {
					return arcs[i].to < arcs[j].to
				}
				return arcs[i].edge.ID < arcs[j].edge.ID
			})
		}
	}
	return a
}

// loadArena loads the active edges of a scope that are valid at asOf.
func (e *Engine) loadArena(ctx context.Context, scope core.Scope, asOf time.Time) (*arena, error) {
	edges, err := e.store.ListEdges(ctx, scope, storage.EdgeFilter{ActiveOnly: true, AsOf: &asOf})
	if err != nil {
		return nil, err
	}
	return newArena(edges), nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs an iterative depth-first search from start, keeping the
// recursion stack explicit. It returns the first cycle reached as the path
// from the cycle's entry node back to itself.
func (a *arena) findCycle(start string) ([]string, bool) {
	type frame struct {
		node string
		next int
	}
	color := map[string]int{start: gray}
	stack := []frame{{node: start}}
	path := []string{start}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := a.forward[top.node]
		if top.next < len(succ) {
			n := succ[top.next].to
			top.next++
			switch color[n] {
			case gray:
				i := len(path) - 1
				for path[i] != n {
					i--
				}
				cycle := append(append([]string(nil), path[i:]...), n)
				return cycle, true
			case white:
				color[n] = gray
				stack = append(stack, frame{node: n})
				path = append(path, n)
			}
			continue
		}
		color[top.node] = black
		stack = stack[:len(stack)-1]
		path = path[:len(path)-1]
	}
	return nil, false
}

// reaches reports whether target is reachable from source along declared edge directions.
func (a *arena) reaches(source, target string) bool {
	if source == target {
		return true
	}
	seen := map[string]bool{source: true}
	queue := []string{source}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, s := range a.forward[n] {
			if s.to == target {
				return true
			}
			if !seen[s.to] {
				seen[s.to] = true
				queue = append(queue, s.to)
			}
		}
	}
	return false
}

// DetectCycle searches for a directed cycle reachable from start over
// active edges valid now. It runs in O(V+E). Bidirectional edges are
// followed in their declared direction only; otherwise every one of them
// would be a cycle.
func (e *Engine) DetectCycle(ctx context.Context, scope core.Scope, start string) ([]string, bool, error) {
	a, err := e.loadArena(ctx, scope, e.now())
	if err != nil {
		return nil, false, core.NewMemoryError("DetectCycle", err)
	}
	path, found := a.findCycle(start)
	return path, found, nil
}

// WouldCreateCycle reports whether adding source -> target would close a
// cycle, that is whether target already reaches source.
func (e *Engine) WouldCreateCycle(ctx context.Context, scope core.Scope, source, target string) (bool, error) {
	a, err := e.loadArena(ctx, scope, e.now())
	if err != nil {
		return false, core.NewMemoryError("WouldCreateCycle", err)
	}
	return a.reaches(target, source), nil
}

// Path is a weighted route between two nodes.
type Path struct {
	Nodes []string
	Edges []*core.GraphEdge

	// Cost is the sum of (1 - weight) along the path.
	Cost float64
}

// Hops returns the number of edges on the path.
func (p *Path) Hops() int { return len(p.Edges) }

type pathState struct {
	node string
	hops int
	cost float64
}

type pathQueue []pathState

func (q pathQueue) Len() int { return len(q) }
func (q pathQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return q[i].node < q[j].node
}
func (q pathQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pathQueue) Push(x interface{}) { *q = append(*q, x.(pathState)) }
func (q *pathQueue) Pop() interface{} {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

type stateKey struct {
	node string
	hops int
}

// shortestPath runs Dijkstra over (node, hops) states so the cheapest path
// within maxHops is found even when a cheaper but longer one exists.
func (a *arena) shortestPath(source, target string, maxHops int) (*Path, bool) {
	type prev struct {
		from stateKey
		edge *core.GraphEdge
	}
	dist := map[stateKey]float64{{source, 0}: 0}
	back := map[stateKey]prev{}
	done := map[stateKey]bool{}

	q := &pathQueue{{node: source}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(pathState)
		key := stateKey{cur.node, cur.hops}
		if done[key] {
			continue
		}
		done[key] = true

		if cur.node == target {
			p := &Path{Cost: cur.cost}
			for k := key; k != (stateKey{source, 0}); k = back[k].from {
				p.Nodes = append(p.Nodes, k.node)
				p.Edges = append(p.Edges, back[k].edge)
			}
			p.Nodes = append(p.Nodes, source)
			reverseStrings(p.Nodes)
			reverseEdges(p.Edges)
			return p, true
		}
		if cur.hops >= maxHops {
			continue
		}

		for _, s := range a.walk[cur.node] {
			next := stateKey{s.to, cur.hops + 1}
			cost := cur.cost + (1 - s.edge.Weight)
			if d, ok := dist[next]; ok && d <= cost {
				continue
			}
			dist[next] = cost
			back[next] = prev{from: key, edge: s.edge}
			heap.Push(q, pathState{node: s.to, hops: next.hops, cost: cost})
		}
	}
	return nil, false
}

// ShortestPath returns the cheapest path from source to target over active
// edges valid now, with edge cost 1 - weight. Bidirectional edges are
// traversable both ways. Paths longer than maxHops are rejected; maxHops
// is capped by the configured traversal depth bound.
func (e *Engine) ShortestPath(ctx context.Context, scope core.Scope, source, target string, maxHops int) (*Path, error) {
	maxHops = e.depthBound(maxHops)
	a, err := e.loadArena(ctx, scope, e.now())
	if err != nil {
		return nil, core.NewMemoryError("ShortestPath", err)
	}
	if source == target {
		return &Path{Nodes: []string{source}}, nil
	}
	p, ok := a.shortestPath(source, target, maxHops)
	if !ok {
		return nil, core.NewMemoryError("ShortestPath", core.NewNotFoundError("path", fmt.Sprintf("%s->%s within %d hops", source, target, maxHops)))
	}
	return p, nil
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseEdges(s []*core.GraphEdge) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
