package sqlstore

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// whereBuilder accumulates AND-ed conditions with '?' placeholders.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func scopeWhere(scope core.Scope) *whereBuilder {
	w := &whereBuilder{}
	w.add("tenant_id = ?", scope.TenantID)
	w.add("project_id = ?", scope.ProjectID)
	return w
}

func (w *whereBuilder) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// in adds "col IN (?, ?, ...)". An empty list matches nothing.
func (w *whereBuilder) in(col string, values []interface{}) {
	if len(values) == 0 {
		w.conds = append(w.conds, "1 = 0")
		return
	}
	w.add(col+" IN ("+placeholders(len(values))+")", values...)
}

// anyLike adds "(col LIKE ? OR ...)" for the given terms, lowercased and escaped.
func (w *whereBuilder) anyLike(col string, terms []string) {
	if len(terms) == 0 {
		return
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, col+" LIKE ? ESCAPE '!'")
		w.args = append(w.args, "%"+escapeLike(strings.ToLower(t))+"%")
	}
	w.conds = append(w.conds, "("+strings.Join(parts, " OR ")+")")
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalJSON encodes v, mapping nil and empty values to SQL NULL.
func marshalJSON(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []float64:
		if x == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []int64:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// activeKey hashes (source, target, relation) into a fixed-width unique key
// so it fits index length limits on every dialect.
func activeKey(e *core.GraphEdge) string {
	sum := sha1.Sum([]byte(e.ActiveKey()))
	return hex.EncodeToString(sum[:])
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// wrap classifies a driver error. Permanent failures become
// ErrStorageOperation and are never retried; everything else is a store
// outage.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrStorageOperation, err)
	}
	return fmt.Errorf("%s: %w", op, core.Unavailable("store", err))
}
