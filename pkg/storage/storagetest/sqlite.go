// Package storagetest opens throwaway stores for tests.
package storagetest

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/sqlstore"
)

// NewSQLite opens a SQLite store in a temporary directory. It is closed
// when the test ends.
func NewSQLite(t testing.TB) *sqlstore.Client {
	t.Helper()
	store, err := sqlstore.NewClient(core.StoreConfig{
		Provider: "sqlite",
		Path:     filepath.Join(t.TempDir(), "reflectmem_test.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// IDs issues sequential IDs starting at 1.
type IDs struct {
	next atomic.Int64
}

// NextID implements core.IDGenerator.
func (g *IDs) NextID() int64 {
	return g.next.Add(1)
}
