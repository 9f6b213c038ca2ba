package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name   string
	driver string

	// Column types.
	textKey   string // indexed short strings
	textLong  string
	blob      string
	boolean   string
	float     string
	autoFalse string
}

var (
	dialectSQLite = &dialect{
		name:      "sqlite",
		driver:    "sqlite3",
		textKey:   "TEXT",
		textLong:  "TEXT",
		blob:      "BLOB",
		boolean:   "INTEGER",
		float:     "REAL",
		autoFalse: "0",
	}
	dialectPostgres = &dialect{
		name:      "postgres",
		driver:    "postgres",
		textKey:   "VARCHAR(255)",
		textLong:  "TEXT",
		blob:      "BYTEA",
		boolean:   "BOOLEAN",
		float:     "DOUBLE PRECISION",
		autoFalse: "FALSE",
	}
	dialectMySQL = &dialect{
		name:      "mysql",
		driver:    "mysql",
		textKey:   "VARCHAR(255)",
		textLong:  "LONGTEXT",
		blob:      "LONGBLOB",
		boolean:   "BOOLEAN",
		float:     "DOUBLE",
		autoFalse: "FALSE",
	}
)

func dialectFor(name string) (*dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return dialectSQLite, nil
	case "postgres", "postgresql":
		return dialectPostgres, nil
	case "mysql", "oceanbase":
		return dialectMySQL, nil
	}
	return nil, fmt.Errorf("unsupported store provider %q", name)
}

// rebind rewrites '?' placeholders for the dialect. Queries never contain
// literal question marks.
func (d *dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// upsertEdgeClause is appended to the edge INSERT. On a conflict with the
// active edge of the same key it strengthens the stored edge:
// weight = min(1, max(stored, incoming) + 0.1), confidence = max, evidence + 1.
func (d *dialect) upsertEdgeClause(table string) string {
	switch d {
	case dialectPostgres:
		return fmt.Sprintf(` ON CONFLICT (tenant_id, project_id, active_key) DO UPDATE SET
			weight = LEAST(1.0, GREATEST(%[1]s.weight, EXCLUDED.weight) + 0.1),
			confidence = GREATEST(%[1]s.confidence, EXCLUDED.confidence),
			evidence_count = %[1]s.evidence_count + 1,
			updated_at = EXCLUDED.updated_at`, table)
	case dialectMySQL:
		return ` ON DUPLICATE KEY UPDATE
			weight = LEAST(1.0, GREATEST(weight, VALUES(weight)) + 0.1),
			confidence = GREATEST(confidence, VALUES(confidence)),
			evidence_count = evidence_count + 1,
			updated_at = VALUES(updated_at)`
	default:
		return ` ON CONFLICT (tenant_id, project_id, active_key) DO UPDATE SET
			weight = MIN(1.0, MAX(weight, excluded.weight) + 0.1),
			confidence = MAX(confidence, excluded.confidence),
			evidence_count = evidence_count + 1,
			updated_at = excluded.updated_at`
	}
}

// insertIgnoreClause makes an INSERT a no-op when the given unique key
// already exists. RowsAffected is 0 in that case on every dialect.
func (d *dialect) insertIgnoreClause(conflictCols string) string {
	if d == dialectMySQL {
		return " ON DUPLICATE KEY UPDATE tenant_id = tenant_id"
	}
	return " ON CONFLICT (" + conflictCols + ") DO NOTHING"
}

// bumpVersionClause turns the scope version INSERT into an increment when
// the scope already has a row.
func (d *dialect) bumpVersionClause(table string) string {
	if d == dialectMySQL {
		return " ON DUPLICATE KEY UPDATE version = version + 1"
	}
	return fmt.Sprintf(" ON CONFLICT (tenant_id, project_id) DO UPDATE SET version = %s.version + 1", table)
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// isPermanent reports whether a driver error will fail again on retry:
// constraint violations, malformed SQL and rejected data. Connection, lock and
// I/O failures are not permanent.
func isPermanent(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrError, sqlite3.ErrMismatch,
			sqlite3.ErrRange, sqlite3.ErrTooBig, sqlite3.ErrReadonly:
			return true
		}
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42": // data exception, integrity, syntax or access rule
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1048, 1054, 1062, 1064, 1146, 1264, 1366, 1406, 1451, 1452:
			return true
		}
	}
	return false
}

// isDuplicateIndex reports MySQL's "duplicate key name" on CREATE INDEX.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}
