package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage/sqlstore"
)

var edgeCols = []string{
	"id", "tenant_id", "project_id", "source_id", "target_id", "relation", "weight",
	"confidence", "valid_from", "valid_to", "is_active", "bidirectional", "evidence_count",
	"metadata", "created_at", "updated_at",
}

func setupMockTest(t *testing.T, dialect string) (*sqlstore.Client, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := sqlstore.New(db, sqlstore.Options{Dialect: dialect, SkipMigrate: true})
	require.NoError(t, err)
	return store, mock
}

func edgeRow(id int64, weight float64, evidence int, active bool) *sqlmock.Rows {
	now := time.Now().UnixNano()
	return sqlmock.NewRows(edgeCols).AddRow(
		id, testScope.TenantID, testScope.ProjectID, "A", "B", "causes", weight,
		0.5, nil, nil, active, false, evidence, nil, now, now,
	)
}

func TestPostgres_UpsertEdgeSingleStatement(t *testing.T) {
	store, mock := setupMockTest(t, "postgres")

	mock.ExpectExec(`INSERT INTO graph_edges .* VALUES \(\$1, .*\$17\) ON CONFLICT \(tenant_id, project_id, active_key\) DO UPDATE SET\s+weight = LEAST\(1\.0, GREATEST\(graph_edges\.weight, EXCLUDED\.weight\) \+ 0\.1\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM graph_edges WHERE tenant_id = \$1 AND project_id = \$2 AND active_key = \$3`).
		WillReturnRows(edgeRow(1, 0.6, 2, true))

	edge, err := store.UpsertEdge(context.Background(), newEdge(2, "A", "B", "causes", 0.5, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), edge.ID)
	assert.Equal(t, 2, edge.EvidenceCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_UpsertEdgeSingleStatement(t *testing.T) {
	store, mock := setupMockTest(t, "mysql")

	mock.ExpectExec(`INSERT INTO graph_edges .* VALUES \(\?, .*\) ON DUPLICATE KEY UPDATE\s+weight = LEAST\(1\.0, GREATEST\(weight, VALUES\(weight\)\) \+ 0\.1\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT .* FROM graph_edges WHERE tenant_id = \? AND project_id = \? AND active_key = \?`).
		WillReturnRows(edgeRow(1, 0.6, 2, true))

	_, err := store.UpsertEdge(context.Background(), newEdge(2, "A", "B", "causes", 0.5, time.Now()))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertItemIdempotent(t *testing.T) {
	store, mock := setupMockTest(t, "postgres")

	mock.ExpectExec(`INSERT INTO memory_items .* ON CONFLICT \(tenant_id, project_id, idempotency_key\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM memory_items WHERE tenant_id = \$1 AND project_id = \$2 AND idempotency_key = \$3`).
		WillReturnError(sql.ErrConnDone)

	item := newItem(10, "lesson", 0.7, time.Now())
	item.IdempotencyKey = "k"
	_, _, err := store.InsertItem(context.Background(), item)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err), "store failures are retryable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWrap_PermanentErrorsAreNotRetryable(t *testing.T) {
	tests := []struct {
		name      string
		dialect   string
		err       error
		permanent bool
	}{
		{name: "postgres syntax error", dialect: "postgres", err: &pq.Error{Code: "42601", Message: "syntax error"}, permanent: true},
		{name: "postgres check violation", dialect: "postgres", err: &pq.Error{Code: "23514", Message: "check violation"}, permanent: true},
		{name: "postgres admin shutdown", dialect: "postgres", err: &pq.Error{Code: "57P01", Message: "terminating connection"}},
		{name: "mysql parse error", dialect: "mysql", err: &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}, permanent: true},
		{name: "mysql lock wait timeout", dialect: "mysql", err: &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}},
		{name: "connection done", dialect: "postgres", err: sql.ErrConnDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockTest(t, tt.dialect)
			mock.ExpectExec(`INSERT INTO memory_items`).WillReturnError(tt.err)

			_, _, err := store.InsertItem(context.Background(), newItem(10, "lesson", 0.7, time.Now()))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, core.ErrStorageOperation))
			assert.Equal(t, !tt.permanent, core.IsRetryable(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_ReactivateUniqueViolation(t *testing.T) {
	store, mock := setupMockTest(t, "postgres")

	mock.ExpectQuery(`SELECT .* FROM graph_edges WHERE tenant_id = \$1 AND project_id = \$2 AND id = \$3`).
		WillReturnRows(edgeRow(1, 0.5, 1, false))
	mock.ExpectQuery(`SELECT .* FROM graph_edges WHERE .* active_key = \$3`).
		WillReturnRows(sqlmock.NewRows(edgeCols))
	// A concurrent writer claimed the key in between
	mock.ExpectExec(`UPDATE graph_edges SET is_active = \$1, active_key = \$2`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.ReactivateEdge(context.Background(), testScope, 1, time.Now())
	var cv *core.ConsistencyViolationError
	require.True(t, errors.As(err, &cv))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_DuplicateIndexIgnoredOnMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.MatchExpectationsInOrder(true)
	for i := 0; i < 10; i++ {
		if i == 1 {
			mock.ExpectExec(`CREATE INDEX idx_memory_items_scope_layer`).
				WillReturnError(&mysql.MySQLError{Number: 1061, Message: "Duplicate key name"})
			continue
		}
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	_, err = sqlstore.New(db, sqlstore.Options{Dialect: "mysql"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_UnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = sqlstore.New(db, sqlstore.Options{Dialect: "oracle", SkipMigrate: true})
	assert.Error(t, err)
}
