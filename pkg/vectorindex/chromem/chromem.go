// Package chromem implements vectorindex.Index on chromem-go, a pure Go
// embedded vector database. Each tenant/project scope gets its own
// collection.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex"
)

// Index wraps a chromem.DB.
type Index struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection // per scope
	mu          sync.RWMutex
}

// Config configures the index.
type Config struct {
	// Path persists collections to disk. Empty keeps everything in memory.
	Path     string
	Compress bool
}

// New creates an index.
func New(cfg Config) (*Index, error) {
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &Index{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(scope core.Scope) string {
	return "mem_" + strconv.Quote(scope.TenantID) + "_" + strconv.Quote(scope.ProjectID)
}

// collection returns the collection of a scope, creating it when create is set.
func (x *Index) collection(scope core.Scope, create bool) (*chromem.Collection, error) {
	name := collectionName(scope)

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}

	// Persistent databases reload collections on open.
	if col := x.db.GetCollection(name, nil); col != nil {
		x.collections[name] = col
		return col, nil
	}
	if !create {
		return nil, nil
	}

	// Embeddings are always supplied, so no embedding func is needed.
	col, err := x.db.CreateCollection(name, map[string]string{
		"tenant_id":  scope.TenantID,
		"project_id": scope.ProjectID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[name] = col
	return col, nil
}

// Upsert implements vectorindex.Index.
func (x *Index) Upsert(ctx context.Context, scope core.Scope, id int64, vector []float64, payload map[string]string) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector for item %d", core.ErrInvalidInput, id)
	}
	col, err := x.collection(scope, true)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Metadata:  payload,
		Embedding: toFloat32(vector),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search implements vectorindex.Index.
func (x *Index) Search(ctx context.Context, scope core.Scope, vector []float64, k int, filter map[string]string) ([]vectorindex.Hit, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	col, err := x.collection(scope, false)
	if err != nil || col == nil {
		return nil, err
	}

	// chromem-go requires nResults <= collection size.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := col.QueryEmbedding(ctx, toFloat32(vector), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]vectorindex.Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		score := float64(r.Similarity)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		hits = append(hits, vectorindex.Hit{ID: id, Score: score})
	}
	return hits, nil
}

// Delete implements vectorindex.Index.
func (x *Index) Delete(ctx context.Context, scope core.Scope, id int64) error {
	col, err := x.collection(scope, false)
	if err != nil || col == nil {
		return err
	}
	return col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10))
}

// Close implements vectorindex.Index. chromem-go persists on write, so
// there is nothing to flush.
func (x *Index) Close() error {
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
