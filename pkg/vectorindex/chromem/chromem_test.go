package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/vectorindex/chromem"
)

func TestIndex_SearchClampsToCollectionSize(t *testing.T) {
	idx, err := chromem.New(chromem.Config{})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	ctx := context.Background()
	scope := core.Scope{TenantID: "acme", ProjectID: "ops"}

	require.NoError(t, idx.Upsert(ctx, scope, 1, []float64{1, 0, 0}, map[string]string{"layer": "episodic"}))
	require.NoError(t, idx.Upsert(ctx, scope, 2, []float64{0, 1, 0}, map[string]string{"layer": "semantic"}))

	hits, err := idx.Search(ctx, scope, []float64{1, 0.1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = idx.Search(ctx, scope, []float64{1, 0.1, 0}, 10, map[string]string{"layer": "semantic"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)
}

func TestIndex_ScopeIsolation(t *testing.T) {
	idx, err := chromem.New(chromem.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, core.Scope{TenantID: "a", ProjectID: "p"}, 1, []float64{1, 0}, nil))

	hits, err := idx.Search(ctx, core.Scope{TenantID: "b", ProjectID: "p"}, []float64{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_Delete(t *testing.T) {
	idx, err := chromem.New(chromem.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	scope := core.Scope{TenantID: "acme", ProjectID: "ops"}
	require.NoError(t, idx.Upsert(ctx, scope, 1, []float64{1, 0}, nil))
	require.NoError(t, idx.Delete(ctx, scope, 1))
	require.NoError(t, idx.Delete(ctx, core.Scope{TenantID: "x", ProjectID: "y"}, 1))

	hits, err := idx.Search(ctx, scope, []float64{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_RejectsEmptyVector(t *testing.T) {
	idx, err := chromem.New(chromem.Config{})
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), core.Scope{TenantID: "a", ProjectID: "p"}, 1, nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
