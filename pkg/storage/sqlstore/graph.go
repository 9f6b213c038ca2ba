package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"go.uber.org/zap"
)

const edgeColumns = `id, tenant_id, project_id, source_id, target_id, relation, weight,
	confidence, valid_from, valid_to, is_active, bidirectional, evidence_count,
	metadata, created_at, updated_at`

// UpsertNode inserts a node or merges its label and properties.
func (c *Client) UpsertNode(ctx context.Context, node *core.GraphNode) error {
	scope := core.Scope{TenantID: node.TenantID, ProjectID: node.ProjectID}
	existing, err := c.GetNode(ctx, scope, node.NodeID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		props, err := marshalJSON(node.Properties)
		if err != nil {
			return fmt.Errorf("UpsertNode: %w", err)
		}
		createdAt := node.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		query := fmt.Sprintf(`INSERT INTO %s (tenant_id, project_id, node_id, label, label_lower, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, c.nodes)
		query += c.dialect.insertIgnoreClause("tenant_id, project_id, node_id")
		_, err = c.db.ExecContext(ctx, c.dialect.rebind(query),
			node.TenantID, node.ProjectID, node.NodeID, node.Label, strings.ToLower(node.Label), props, toNanos(createdAt))
		return wrap("UpsertNode", err)
	case err != nil:
		return err
	}

	merged := existing.Properties
	if merged == nil {
		merged = make(map[string]interface{}, len(node.Properties))
	}
	for k, v := range node.Properties {
		merged[k] = v
	}
	label := existing.Label
	if node.Label != "" {
		label = node.Label
	}
	props, err := marshalJSON(merged)
	if err != nil {
		return fmt.Errorf("UpsertNode: %w", err)
	}
	w := scopeWhere(scope)
	w.add("node_id = ?", node.NodeID)
	query := fmt.Sprintf("UPDATE %s SET label = ?, label_lower = ?, properties = ? %s", c.nodes, w)
	args := append([]interface{}{label, strings.ToLower(label), props}, w.args...)
	_, err = c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	return wrap("UpsertNode", err)
}

// GetNode returns a node by key.
func (c *Client) GetNode(ctx context.Context, scope core.Scope, nodeID string) (*core.GraphNode, error) {
	w := scopeWhere(scope)
	w.add("node_id = ?", nodeID)
	query := fmt.Sprintf("SELECT tenant_id, project_id, node_id, label, properties, created_at FROM %s %s", c.nodes, w)
	node, err := scanNode(c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("graph node", nodeID)
	}
	if err != nil {
		return nil, wrap("GetNode", err)
	}
	return node, nil
}

// GetNodes returns the existing nodes among ids.
func (c *Client) GetNodes(ctx context.Context, scope core.Scope, nodeIDs []string) ([]*core.GraphNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	w := scopeWhere(scope)
	w.in("node_id", stringsToArgs(nodeIDs))
	query := fmt.Sprintf("SELECT tenant_id, project_id, node_id, label, properties, created_at FROM %s %s", c.nodes, w)
	return c.queryNodes(ctx, "GetNodes", query, w.args)
}

// FindNodes returns nodes whose label contains any of terms.
func (c *Client) FindNodes(ctx context.Context, scope core.Scope, terms []string, limit int) ([]*core.GraphNode, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	w := scopeWhere(scope)
	w.anyLike("label_lower", terms)
	query := fmt.Sprintf("SELECT tenant_id, project_id, node_id, label, properties, created_at FROM %s %s ORDER BY node_id", c.nodes, w)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return c.queryNodes(ctx, "FindNodes", query, w.args)
}

// ListNodes returns every node of the scope.
func (c *Client) ListNodes(ctx context.Context, scope core.Scope) ([]*core.GraphNode, error) {
	w := scopeWhere(scope)
	query := fmt.Sprintf("SELECT tenant_id, project_id, node_id, label, properties, created_at FROM %s %s ORDER BY node_id", c.nodes, w)
	return c.queryNodes(ctx, "ListNodes", query, w.args)
}

// UpsertEdge inserts an edge or strengthens the active edge with the same
// (source, target, relation) in one statement.
func (c *Client) UpsertEdge(ctx context.Context, edge *core.GraphEdge) (*core.GraphEdge, error) {
	args, err := c.edgeInsertArgs(edge)
	if err != nil {
		return nil, fmt.Errorf("UpsertEdge: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, active_key) VALUES (%s)", c.edges, edgeColumns, placeholders(len(args)))
	query += c.dialect.upsertEdgeClause(c.edges)

	if _, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...); err != nil {
		return nil, wrap("UpsertEdge", err)
	}
	return c.activeEdge(ctx, edge)
}

// EnsureEdge inserts the edge unless an active one with the same key exists.
func (c *Client) EnsureEdge(ctx context.Context, edge *core.GraphEdge) (*core.GraphEdge, bool, error) {
	args, err := c.edgeInsertArgs(edge)
	if err != nil {
		return nil, false, fmt.Errorf("EnsureEdge: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, active_key) VALUES (%s)", c.edges, edgeColumns, placeholders(len(args)))
	query += c.dialect.insertIgnoreClause("tenant_id, project_id, active_key")

	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, false, wrap("EnsureEdge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrap("EnsureEdge", err)
	}
	stored, err := c.activeEdge(ctx, edge)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (c *Client) edgeInsertArgs(e *core.GraphEdge) ([]interface{}, error) {
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return nil, err
	}
	evidence := e.EvidenceCount
	if evidence <= 0 {
		evidence = 1
	}
	return []interface{}{
		e.ID,
		e.TenantID,
		e.ProjectID,
		e.SourceID,
		e.TargetID,
		e.Relation,
		e.Weight,
		e.Confidence,
		nullNanos(e.ValidFrom),
		nullNanos(e.ValidTo),
		true,
		e.Bidirectional,
		evidence,
		metadata,
		toNanos(e.CreatedAt),
		toNanos(e.UpdatedAt),
		activeKey(e),
	}, nil
}

func (c *Client) activeEdge(ctx context.Context, e *core.GraphEdge) (*core.GraphEdge, error) {
	w := scopeWhere(core.Scope{TenantID: e.TenantID, ProjectID: e.ProjectID})
	w.add("active_key = ?", activeKey(e))
	query := fmt.Sprintf("SELECT %s FROM %s %s", edgeColumns, c.edges, w)
	stored, err := scanEdge(c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("graph edge", e.ActiveKey())
	}
	if err != nil {
		return nil, wrap("activeEdge", err)
	}
	return stored, nil
}

// GetEdge returns an edge by ID.
func (c *Client) GetEdge(ctx context.Context, scope core.Scope, id int64) (*core.GraphEdge, error) {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("SELECT %s FROM %s %s", edgeColumns, c.edges, w)
	edge, err := scanEdge(c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("graph edge", id)
	}
	if err != nil {
		return nil, wrap("GetEdge", err)
	}
	return edge, nil
}

// DeactivateEdge soft-deletes an edge, recording reason in its metadata.
func (c *Client) DeactivateEdge(ctx context.Context, scope core.Scope, id int64, reason string, at time.Time) error {
	edge, err := c.GetEdge(ctx, scope, id)
	if err != nil {
		return err
	}
	meta := edge.Metadata
	if meta == nil {
		meta = make(map[string]interface{}, 2)
	}
	meta["deactivation_reason"] = reason
	meta["deactivated_at"] = at.UTC().Format(time.RFC3339Nano)
	enc, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("DeactivateEdge: %w", err)
	}

	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("UPDATE %s SET is_active = ?, active_key = NULL, metadata = ?, updated_at = ? %s", c.edges, w)
	args := append([]interface{}{false, enc, toNanos(at)}, w.args...)
	_, err = c.db.ExecContext(ctx, c.dialect.rebind(query), args...)
	return wrap("DeactivateEdge", err)
}

// ReactivateEdge re-activates a deactivated edge.
func (c *Client) ReactivateEdge(ctx context.Context, scope core.Scope, id int64, at time.Time) error {
	edge, err := c.GetEdge(ctx, scope, id)
	if err != nil {
		return err
	}
	if edge.IsActive {
		return nil
	}

	if other, err := c.activeEdge(ctx, edge); err == nil {
		return c.violation(edge, other.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	meta := edge.Metadata
	delete(meta, "deactivation_reason")
	delete(meta, "deactivated_at")
	enc, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("ReactivateEdge: %w", err)
	}

	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("UPDATE %s SET is_active = ?, active_key = ?, metadata = ?, updated_at = ? %s", c.edges, w)
	args := append([]interface{}{true, activeKey(edge), enc, toNanos(at)}, w.args...)
	if _, err := c.db.ExecContext(ctx, c.dialect.rebind(query), args...); err != nil {
		if isUniqueViolation(err) {
			return c.violation(edge, 0)
		}
		return wrap("ReactivateEdge", err)
	}
	return nil
}

func (c *Client) violation(edge *core.GraphEdge, otherID int64) error {
	c.logger.Error("second active edge rejected",
		zap.Int64("edge_id", edge.ID),
		zap.Int64("active_edge_id", otherID),
		zap.String("source", edge.SourceID),
		zap.String("target", edge.TargetID),
		zap.String("relation", edge.Relation),
	)
	return &core.ConsistencyViolationError{
		Invariant: "single active edge per (source, target, relation)",
		Detail:    fmt.Sprintf("edge %d conflicts with active edge %d", edge.ID, otherID),
	}
}

// SetEdgeValidity sets the validity window of an edge.
func (c *Client) SetEdgeValidity(ctx context.Context, scope core.Scope, id int64, from, to *time.Time, at time.Time) error {
	return c.updateEdge(ctx, "SetEdgeValidity", scope, id,
		"valid_from = ?, valid_to = ?, updated_at = ?", nullNanos(from), nullNanos(to), toNanos(at))
}

// SetEdgeWeight overwrites weight and confidence.
func (c *Client) SetEdgeWeight(ctx context.Context, scope core.Scope, id int64, weight, confidence float64, at time.Time) error {
	return c.updateEdge(ctx, "SetEdgeWeight", scope, id,
		"weight = ?, confidence = ?, updated_at = ?", weight, confidence, toNanos(at))
}

func (c *Client) updateEdge(ctx context.Context, op string, scope core.Scope, id int64, set string, setArgs ...interface{}) error {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf("UPDATE %s SET %s %s", c.edges, set, w)
	res, err := c.db.ExecContext(ctx, c.dialect.rebind(query), append(setArgs, w.args...)...)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("graph edge", id)
	}
	return nil
}

// EdgesAt returns edges touching nodeIDs in direction dir.
func (c *Client) EdgesAt(ctx context.Context, scope core.Scope, nodeIDs []string, dir storage.Direction, filter storage.EdgeFilter) ([]*core.GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	ids := stringsToArgs(nodeIDs)
	ph := placeholders(len(ids))

	w := edgeFilterWhere(scope, filter)
	switch dir {
	case storage.Outgoing:
		w.add(fmt.Sprintf("(source_id IN (%s) OR (bidirectional = ? AND target_id IN (%s)))", ph, ph),
			concatArgs(ids, []interface{}{true}, ids)...)
	case storage.Incoming:
		w.add(fmt.Sprintf("(target_id IN (%s) OR (bidirectional = ? AND source_id IN (%s)))", ph, ph),
			concatArgs(ids, []interface{}{true}, ids)...)
	default:
		w.add(fmt.Sprintf("(source_id IN (%s) OR target_id IN (%s))", ph, ph), concatArgs(ids, ids)...)
	}
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id", edgeColumns, c.edges, w)
	return c.queryEdges(ctx, "EdgesAt", query, w.args)
}

// ListEdges returns every edge of the scope that passes filter.
func (c *Client) ListEdges(ctx context.Context, scope core.Scope, filter storage.EdgeFilter) ([]*core.GraphEdge, error) {
	w := edgeFilterWhere(scope, filter)
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id", edgeColumns, c.edges, w)
	return c.queryEdges(ctx, "ListEdges", query, w.args)
}

// DeleteGraph removes all nodes and edges of the scope.
func (c *Client) DeleteGraph(ctx context.Context, scope core.Scope) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("DeleteGraph", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{c.edges, c.nodes} {
		w := scopeWhere(scope)
		if _, err := tx.ExecContext(ctx, c.dialect.rebind(fmt.Sprintf("DELETE FROM %s %s", table, w)), w.args...); err != nil {
			return wrap("DeleteGraph", err)
		}
	}
	return wrap("DeleteGraph", tx.Commit())
}

func edgeFilterWhere(scope core.Scope, f storage.EdgeFilter) *whereBuilder {
	w := scopeWhere(scope)
	if f.ActiveOnly {
		w.add("is_active = ?", true)
	}
	if f.AsOf != nil {
		at := toNanos(*f.AsOf)
		w.add("(valid_from IS NULL OR valid_from <= ?)", at)
		w.add("(valid_to IS NULL OR valid_to >= ?)", at)
	}
	if len(f.Relations) > 0 {
		w.in("relation", stringsToArgs(f.Relations))
	}
	if f.MinWeight > 0 {
		w.add("weight >= ?", f.MinWeight)
	}
	if f.MinConfidence > 0 {
		w.add("confidence >= ?", f.MinConfidence)
	}
	return w
}

func (c *Client) queryNodes(ctx context.Context, op, query string, args []interface{}) ([]*core.GraphNode, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*core.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, wrap(op, rows.Err())
}

func (c *Client) queryEdges(ctx context.Context, op, query string, args []interface{}) ([]*core.GraphEdge, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*core.GraphEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		edges = append(edges, e)
	}
	return edges, wrap(op, rows.Err())
}

func scanNode(row rowScanner) (*core.GraphNode, error) {
	var n core.GraphNode
	var props sql.NullString
	var createdAt int64
	if err := row.Scan(&n.TenantID, &n.ProjectID, &n.NodeID, &n.Label, &props, &createdAt); err != nil {
		return nil, err
	}
	n.CreatedAt = fromNanos(createdAt)
	if err := unmarshalJSON(props, &n.Properties); err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}
	return &n, nil
}

func scanEdge(row rowScanner) (*core.GraphEdge, error) {
	var (
		e                    core.GraphEdge
		validFrom, validTo   sql.NullInt64
		metadata             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.ProjectID,
		&e.SourceID,
		&e.TargetID,
		&e.Relation,
		&e.Weight,
		&e.Confidence,
		&validFrom,
		&validTo,
		&e.IsActive,
		&e.Bidirectional,
		&e.EvidenceCount,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ValidFrom = timePtr(validFrom)
	e.ValidTo = timePtr(validTo)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &e, nil
}

func stringsToArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func concatArgs(parts ...[]interface{}) []interface{} {
	var out []interface{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
