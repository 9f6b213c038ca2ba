// Package vectorindex defines the vector similarity index used by the
// vector retrieval strategy. Every index is partitioned by tenant and
// project; a search never returns vectors from another scope.
package vectorindex

import (
	"context"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// Hit is one search result. Score is the cosine similarity clamped to [0,1].
type Hit struct {
	ID    int64
	Score float64
}

// Index stores item embeddings and answers nearest-neighbor queries.
type Index interface {
	// Upsert stores or replaces the vector of an item. Payload values are
	// matched by equality filters at search time.
	Upsert(ctx context.Context, scope core.Scope, id int64, vector []float64, payload map[string]string) error

	// Search returns at most k hits ordered by descending score.
	Search(ctx context.Context, scope core.Scope, vector []float64, k int, filter map[string]string) ([]Hit, error)

	// Delete removes the vector of an item. Unknown IDs are ignored.
	Delete(ctx context.Context, scope core.Scope, id int64) error

	Close() error
}
