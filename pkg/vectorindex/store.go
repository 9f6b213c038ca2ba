package vectorindex

import (
	"context"
	"errors"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// EmbeddingStore is the part of the relational store that keeps embeddings
// next to their items.
type EmbeddingStore interface {
	SetEmbedding(ctx context.Context, scope core.Scope, id int64, embedding []float64) error
	SearchEmbeddings(ctx context.Context, scope core.Scope, query []float64, k int) ([]int64, []float64, error)
}

// StoreIndex answers searches by brute-force cosine similarity over the
// embeddings held by the relational store. Payload filters are not
// supported and are ignored; callers filter the returned items.
type StoreIndex struct {
	store EmbeddingStore
}

// NewStoreIndex creates an index over store.
func NewStoreIndex(store EmbeddingStore) *StoreIndex {
	return &StoreIndex{store: store}
}

// Upsert implements Index.
func (s *StoreIndex) Upsert(ctx context.Context, scope core.Scope, id int64, vector []float64, _ map[string]string) error {
	return s.store.SetEmbedding(ctx, scope, id, vector)
}

// Search implements Index.
func (s *StoreIndex) Search(ctx context.Context, scope core.Scope, vector []float64, k int, _ map[string]string) ([]Hit, error) {
	ids, scores, err := s.store.SearchEmbeddings(ctx, scope, vector, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		score := scores[i]
		if score < 0 {
			score = 0
		}
		hits = append(hits, Hit{ID: id, Score: score})
	}
	return hits, nil
}

// Delete implements Index by clearing the stored embedding.
func (s *StoreIndex) Delete(ctx context.Context, scope core.Scope, id int64) error {
	err := s.store.SetEmbedding(ctx, scope, id, nil)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

// Close implements Index. The store is owned by the caller.
func (s *StoreIndex) Close() error { return nil }
