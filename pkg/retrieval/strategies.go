package retrieval

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// keywordOverfetch widens the candidate scan so BM25 ranks more than it returns.
const keywordOverfetch = 4

// ItemStore is the item access retrieval needs.
type ItemStore interface {
	GetItems(ctx context.Context, scope core.Scope, ids []int64) ([]*core.MemoryItem, error)
	KeywordCandidates(ctx context.Context, filter storage.ItemFilter, terms []string) ([]*core.MemoryItem, error)
}

// Query is the per-search input handed to every sub-search.
type Query struct {
	Text     string
	Scope    core.Scope
	Filters  Filters
	Analysis Analysis

	// Limit is the number of candidates a sub-search returns.
	Limit int
	Now   time.Time
}

// Searcher is one retrieval strategy. Scores returned by Search are raw;
// the retriever max-scales them.
type Searcher interface {
	Strategy() Strategy

	// Enabled reports whether the strategy can run for q at all.
	Enabled(q *Query) bool

	Search(ctx context.Context, q *Query) ([]Candidate, error)
}

// VectorSearch ranks items by embedding similarity to the query.
type VectorSearch struct {
	embedder embedder.Provider
	index    vectorindex.Index
	store    ItemStore
}

// NewVectorSearch creates the vector strategy. It is disabled when either
// collaborator is nil.
func NewVectorSearch(e embedder.Provider, index vectorindex.Index, store ItemStore) *VectorSearch {
	return &VectorSearch{embedder: e, index: index, store: store}
}

func (v *VectorSearch) Strategy() Strategy { return StrategyVector }

func (v *VectorSearch) Enabled(q *Query) bool {
	return v.embedder != nil && v.index != nil && strings.TrimSpace(q.Text) != ""
}

func (v *VectorSearch) Search(ctx context.Context, q *Query) ([]Candidate, error) {
	vec, err := v.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, core.Unavailable("embedder", err)
	}
	// Filters are applied after loading, so fetch extra hits.
	hits, err := v.index.Search(ctx, q.Scope, vec, q.Limit*2, nil)
	if err != nil {
		return nil, core.Unavailable("vector_index", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	items, err := v.store.GetItems(ctx, q.Scope, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*core.MemoryItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		it, ok := byID[h.ID]
		if !ok || !q.Filters.Match(it) {
			continue
		}
		out = append(out, Candidate{ItemID: h.ID, Score: h.Score, Item: it})
	}
	return out, nil
}

// KeywordSearch scans the store for items containing query terms and ranks
// them with BM25 (k1 = 1.5, b = 0.75) computed over the scanned candidates.
type KeywordSearch struct {
	store ItemStore
}

// NewKeywordSearch creates the keyword strategy.
func NewKeywordSearch(store ItemStore) *KeywordSearch {
	return &KeywordSearch{store: store}
}

func (k *KeywordSearch) Strategy() Strategy { return StrategyKeyword }

func (k *KeywordSearch) Enabled(q *Query) bool {
	return k.store != nil && len(q.Analysis.Terms) > 0
}

func (k *KeywordSearch) Search(ctx context.Context, q *Query) ([]Candidate, error) {
	items, err := k.store.KeywordCandidates(ctx, q.Filters.ItemFilter(q.Scope, q.Limit*keywordOverfetch), q.Analysis.Terms)
	if err != nil {
		return nil, err
	}
	scores := BM25(q.Analysis.Terms, items)
	out := make([]Candidate, 0, len(items))
	for i, it := range items {
		if scores[i] <= 0 {
			continue
		}
		out = append(out, Candidate{ItemID: it.ID, Score: scores[i], Item: it})
	}
	return out, nil
}

// BM25 scores docs against terms, with document frequencies and average
// length taken from docs themselves.
func BM25(terms []string, docs []*core.MemoryItem) []float64 {
	scores := make([]float64, len(docs))
	if len(docs) == 0 || len(terms) == 0 {
		return scores
	}

	tfs := make([]map[string]int, len(docs))
	lens := make([]float64, len(docs))
	df := make(map[string]int)
	var total float64
	for i, d := range docs {
		toks := embedder.Tokenize(d.Content)
		tf := make(map[string]int, len(toks))
		for _, t := range toks {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		tfs[i] = tf
		lens[i] = float64(len(toks))
		total += lens[i]
	}
	avgdl := total / float64(len(docs))
	if avgdl == 0 {
		return scores
	}

	n := float64(len(docs))
	for _, term := range terms {
		d := float64(df[term])
		if d == 0 {
			continue
		}
		idf := math.Log((n-d+0.5)/(d+0.5) + 1)
		for i := range docs {
			tf := float64(tfs[i][term])
			if tf == 0 {
				continue
			}
			scores[i] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*lens[i]/avgdl))
		}
	}
	return scores
}

// GraphSearch seeds the graph with nodes whose label matches a query entity,
// walks active edges in both directions up to a bounded depth and scores
// every reached memory node by importance / (1 + depth).
type GraphSearch struct {
	graph *graph.Engine
	store ItemStore
	depth int
}

// seedLimit bounds the nodes a query can seed.
const seedLimit = 50

// NewGraphSearch creates the graph strategy.
func NewGraphSearch(g *graph.Engine, store ItemStore, depth int) *GraphSearch {
	return &GraphSearch{graph: g, store: store, depth: depth}
}

func (g *GraphSearch) Strategy() Strategy { return StrategyGraph }

func (g *GraphSearch) Enabled(q *Query) bool {
	return g.graph != nil && len(q.Analysis.Entities) > 0
}

func (g *GraphSearch) Search(ctx context.Context, q *Query) ([]Candidate, error) {
	terms := make([]string, 0, len(q.Analysis.Entities))
	for _, e := range q.Analysis.Entities {
		terms = append(terms, strings.ToLower(e))
	}
	seeds, err := g.graph.FindNodes(ctx, q.Scope, terms, seedLimit)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	seedIDs := make([]string, len(seeds))
	for i, n := range seeds {
		seedIDs[i] = n.NodeID
	}

	now := q.Now
	tr, err := g.graph.TraverseTemporal(ctx, q.Scope, seedIDs, graph.TraverseOptions{
		MaxDepth:  g.depth,
		AsOf:      &now,
		Direction: storage.Both,
	})
	if err != nil {
		return nil, err
	}

	visited := make([]string, len(tr.Visits))
	for i, v := range tr.Visits {
		visited[i] = v.NodeID
	}
	nodes, err := g.graph.GetNodes(ctx, q.Scope, visited)
	if err != nil {
		return nil, err
	}

	depthOf := make(map[int64]int)
	var ids []int64
	for _, n := range nodes {
		id, ok := n.MemoryID()
		if !ok {
			continue
		}
		d, _ := tr.Depth(n.NodeID)
		if prev, seen := depthOf[id]; !seen {
			ids = append(ids, id)
			depthOf[id] = d
		} else if d < prev {
			depthOf[id] = d
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := g.store.GetItems(ctx, q.Scope, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(items))
	for _, it := range items {
		if !q.Filters.Match(it) {
			continue
		}
		out = append(out, Candidate{
			ItemID: it.ID,
			Score:  it.Importance / float64(1+depthOf[it.ID]),
			Item:   it,
		})
	}
	return out, nil
}
