package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"go.uber.org/zap"
)

const itemColumns = `id, tenant_id, project_id, content, embedding, layer, importance,
	created_at, last_accessed_at, access_count, tags, metadata, session_id,
	source_item_ids, decayed_at, floor_since, archival_candidate,
	idempotency_key, consolidated_from`

// InsertItem inserts a memory item. Items carrying an IdempotencyKey are
// inserted at most once per scope; a repeated insert returns the stored item.
func (c *Client) InsertItem(ctx context.Context, item *core.MemoryItem) (*core.MemoryItem, bool, error) {
	if err := item.Scope().Validate(); err != nil {
		return nil, false, fmt.Errorf("InsertItem: %w", err)
	}

	args, err := itemArgs(item)
	if err != nil {
		return nil, false, fmt.Errorf("InsertItem: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", c.items, itemColumns, placeholders(len(args)))
	if item.IdempotencyKey != "" {
		query += c.dialect.insertIgnoreClause("tenant_id, project_id, idempotency_key")
	}

	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, false, wrap("InsertItem", err)
	}
	if item.IdempotencyKey == "" {
		return item.Clone(), true, nil
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrap("InsertItem", err)
	}
	if n > 0 {
		return item.Clone(), true, nil
	}

	existing, err := c.getByIdempotencyKey(ctx, item.Scope(), item.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	c.logger.Debug("idempotent insert matched existing item",
		zap.String("key", item.IdempotencyKey),
		zap.Int64("id", existing.ID),
	)
	return existing, false, nil
}

func itemArgs(item *core.MemoryItem) ([]interface{}, error) {
	embedding, err := marshalJSON(item.Embedding)
	if err != nil {
		return nil, err
	}
	tags, err := marshalJSON(item.Tags)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSON(item.Metadata)
	if err != nil {
		return nil, err
	}
	sources, err := marshalJSON(item.SourceItemIDs)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		item.ID,
		item.TenantID,
		item.ProjectID,
		item.Content,
		embedding,
		string(item.Layer),
		item.Importance,
		toNanos(item.CreatedAt),
		nullNanos(item.LastAccessedAt),
		item.AccessCount,
		tags,
		metadata,
		nullString(item.SessionID),
		sources,
		nullNanos(item.DecayedAt),
		nullNanos(item.FloorSince),
		item.ArchivalCandidate,
		nullString(item.IdempotencyKey),
		item.ConsolidatedFrom,
	}, nil
}

func (c *Client) getByIdempotencyKey(ctx context.Context, scope core.Scope, key string) (*core.MemoryItem, error) {
	w := scopeWhere(scope)
	w.add("idempotency_key = ?", key)
	query := fmt.Sprintf("SELECT %s FROM %s %s", itemColumns, c.items, w)
	item, err := scanItem(c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("memory item", key)
	}
	if err != nil {
		return nil, wrap("InsertItem", err)
	}
	return item, nil
}

// GetItem retrieves an item by ID within a scope.
func (c *Client) GetItem(ctx context.Context, scope core.Scope, id int64) (*core.MemoryItem, error) {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("SELECT %s FROM %s %s", itemColumns, c.items, w)

	item, err := scanItem(c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("memory item", id)
	}
	if err != nil {
		return nil, wrap("GetItem", err)
	}
	return item, nil
}

// GetItems retrieves the existing items among ids.
func (c *Client) GetItems(ctx context.Context, scope core.Scope, ids []int64) ([]*core.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	w := scopeWhere(scope)
	w.in("id", vals)
	query := fmt.Sprintf("SELECT %s FROM %s %s", itemColumns, c.items, w)
	return c.queryItems(ctx, "GetItems", query, w.args)
}

// ListItems returns items matching the filter.
func (c *Client) ListItems(ctx context.Context, filter storage.ItemFilter) ([]*core.MemoryItem, error) {
	w := itemFilterWhere(filter)
	query := fmt.Sprintf("SELECT %s FROM %s %s %s", itemColumns, c.items, w, orderAndLimit(filter))
	return c.queryItems(ctx, "ListItems", query, w.args)
}

// ListStale returns items not accessed since cutoff, keyset-paginated by ID.
func (c *Client) ListStale(ctx context.Context, scope core.Scope, cutoff time.Time, afterID int64, limit int) ([]*core.MemoryItem, error) {
	if limit <= 0 {
		limit = 500
	}
	w := scopeWhere(scope)
	w.add("COALESCE(last_accessed_at, created_at) < ?", toNanos(cutoff))
	w.add("id > ?", afterID)
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id LIMIT %d", itemColumns, c.items, w, limit)
	return c.queryItems(ctx, "ListStale", query, w.args)
}

// KeywordCandidates returns items whose content contains any term.
func (c *Client) KeywordCandidates(ctx context.Context, filter storage.ItemFilter, terms []string) ([]*core.MemoryItem, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	w := itemFilterWhere(filter)
	w.anyLike("LOWER(content)", terms)
	filter.OrderBy = storage.OrderByImportance
	query := fmt.Sprintf("SELECT %s FROM %s %s %s", itemColumns, c.items, w, orderAndLimit(filter))
	return c.queryItems(ctx, "KeywordCandidates", query, w.args)
}

// Touch records a read access atomically.
func (c *Client) Touch(ctx context.Context, scope core.Scope, id int64, at time.Time) error {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("UPDATE %s SET access_count = access_count + 1, last_accessed_at = ? %s", c.items, w)
	args := append([]interface{}{toNanos(at)}, w.args...)

	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return wrap("Touch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("Touch", err)
	}
	if n == 0 {
		return core.NewNotFoundError("memory item", id)
	}
	return nil
}

// ApplyDecay writes decay results in one transaction.
func (c *Client) ApplyDecay(ctx context.Context, scope core.Scope, updates []storage.DecayUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("ApplyDecay", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := c.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET importance = ?, decayed_at = ?, floor_since = ?, archival_candidate = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?`, c.items))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return wrap("ApplyDecay", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			u.Importance,
			toNanos(u.DecayedAt),
			nullNanos(u.FloorSince),
			u.ArchivalCandidate,
			scope.TenantID,
			scope.ProjectID,
			u.ID,
		); err != nil {
			return wrap("ApplyDecay", err)
		}
	}
	return wrap("ApplyDecay", tx.Commit())
}

// SetEmbedding stores an embedding for an item.
func (c *Client) SetEmbedding(ctx context.Context, scope core.Scope, id int64, embedding []float64) error {
	enc, err := marshalJSON(embedding)
	if err != nil {
		return fmt.Errorf("SetEmbedding: %w", err)
	}
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("UPDATE %s SET embedding = ? %s", c.items, w)
	args := append([]interface{}{enc}, w.args...)

	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return wrap("SetEmbedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("memory item", id)
	}
	return nil
}

// DeleteItem erases an item.
func (c *Client) DeleteItem(ctx context.Context, scope core.Scope, id int64) error {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("DELETE FROM %s %s", c.items, w)

	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), w.args...)
	if err != nil {
		return wrap("DeleteItem", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("DeleteItem", err)
	}
	if n == 0 {
		return core.NewNotFoundError("memory item", id)
	}
	return nil
}

// ListScopes returns every tenant/project pair holding items.
func (c *Client) ListScopes(ctx context.Context) ([]core.Scope, error) {
	query := fmt.Sprintf("SELECT DISTINCT tenant_id, project_id FROM %s ORDER BY tenant_id, project_id", c.items)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrap("ListScopes", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []core.Scope
	for rows.Next() {
		var s core.Scope
		if err := rows.Scan(&s.TenantID, &s.ProjectID); err != nil {
			return nil, wrap("ListScopes", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, wrap("ListScopes", rows.Err())
}

// SearchEmbeddings scores every embedded item in scope against the query by
// cosine similarity and returns the best k IDs with scores.
func (c *Client) SearchEmbeddings(ctx context.Context, scope core.Scope, query []float64, k int) ([]int64, []float64, error) {
	w := scopeWhere(scope)
	w.add("embedding IS NOT NULL")
	q := fmt.Sprintf("SELECT id, embedding FROM %s %s ORDER BY id", c.items, w)

	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(q), w.args...)
	if err != nil {
		return nil, nil, wrap("SearchEmbeddings", err)
	}
	defer func() { _ = rows.Close() }()

	type hit struct {
		id    int64
		score float64
	}
	var hits []hit
	for rows.Next() {
		var id int64
		var enc sql.NullString
		if err := rows.Scan(&id, &enc); err != nil {
			return nil, nil, wrap("SearchEmbeddings", err)
		}
		var vec []float64
		if err := unmarshalJSON(enc, &vec); err != nil {
			return nil, nil, fmt.Errorf("SearchEmbeddings: parse embedding: %w", err)
		}
		hits = append(hits, hit{id: id, score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrap("SearchEmbeddings", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	ids := make([]int64, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		scores[i] = h.score
	}
	return ids, scores, nil
}

func (c *Client) queryItems(ctx context.Context, op, query string, args []interface{}) ([]*core.MemoryItem, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*core.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return items, nil
}

func itemFilterWhere(f storage.ItemFilter) *whereBuilder {
	w := scopeWhere(f.Scope)
	if len(f.Layers) > 0 {
		vals := make([]interface{}, len(f.Layers))
		for i, l := range f.Layers {
			vals[i] = string(l)
		}
		w.in("layer", vals)
	}
	if len(f.Tags) > 0 {
		quoted := make([]string, len(f.Tags))
		for i, t := range f.Tags {
			quoted[i] = `"` + t + `"`
		}
		w.anyLike("LOWER(tags)", quoted)
	}
	if f.SessionID != "" {
		w.add("session_id = ?", f.SessionID)
	}
	if f.MinImportance > 0 {
		w.add("importance >= ?", f.MinImportance)
	}
	if f.CreatedAfter != nil {
		w.add("created_at >= ?", toNanos(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		w.add("created_at <= ?", toNanos(*f.CreatedBefore))
	}
	if f.ExcludeArchival {
		w.add("archival_candidate = ?", false)
	}
	if f.ArchivalOnly {
		w.add("archival_candidate = ?", true)
	}
	return w
}

func orderAndLimit(f storage.ItemFilter) string {
	var sb strings.Builder
	switch f.OrderBy {
	case storage.OrderByCreated:
		sb.WriteString("ORDER BY created_at DESC, id DESC")
	default:
		sb.WriteString("ORDER BY importance DESC, id ASC")
	}
	if f.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", f.Limit)
		if f.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", f.Offset)
		}
	}
	return sb.String()
}

// scanItem scans a memory item from a row.
func scanItem(row rowScanner) (*core.MemoryItem, error) {
	var (
		item                                core.MemoryItem
		layer                               string
		embedding, tags, metadata, sources  sql.NullString
		sessionID, idempotencyKey           sql.NullString
		createdAt                           int64
		lastAccessed, decayedAt, floorSince sql.NullInt64
	)
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.ProjectID,
		&item.Content,
		&embedding,
		&layer,
		&item.Importance,
		&createdAt,
		&lastAccessed,
		&item.AccessCount,
		&tags,
		&metadata,
		&sessionID,
		&sources,
		&decayedAt,
		&floorSince,
		&item.ArchivalCandidate,
		&idempotencyKey,
		&item.ConsolidatedFrom,
	)
	if err != nil {
		return nil, err
	}

	item.Layer = core.Layer(layer)
	item.CreatedAt = fromNanos(createdAt)
	item.LastAccessedAt = timePtr(lastAccessed)
	item.DecayedAt = timePtr(decayedAt)
	item.FloorSince = timePtr(floorSince)
	item.SessionID = sessionID.String
	item.IdempotencyKey = idempotencyKey.String

	if err := unmarshalJSON(embedding, &item.Embedding); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	if err := unmarshalJSON(tags, &item.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if err := unmarshalJSON(metadata, &item.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := unmarshalJSON(sources, &item.SourceItemIDs); err != nil {
		return nil, fmt.Errorf("parse source ids: %w", err)
	}
	return &item, nil
}
