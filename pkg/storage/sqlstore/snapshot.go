package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
)

// snapshotPayload is the msgpack body of a snapshot row.
type snapshotPayload struct {
	Nodes []*core.GraphNode `msgpack:"nodes"`
	Edges []*core.GraphEdge `msgpack:"edges"`
}

// SaveSnapshot appends a snapshot. Snapshots are never updated.
func (c *Client) SaveSnapshot(ctx context.Context, snap *core.GraphSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("SaveSnapshot: %w: snapshot id is required", core.ErrInvalidInput)
	}
	payload, err := msgpack.Marshal(&snapshotPayload{Nodes: snap.Nodes, Edges: snap.Edges})
	if err != nil {
		return fmt.Errorf("SaveSnapshot: encode payload: %w", err)
	}
	stats, err := marshalJSON(snap.Stats)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, project_id, name, description, created_at,
		node_count, edge_count, stats, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.snapshots)
	_, err = c.db.ExecContext(ctx, c.dialect.rebind(query),
		snap.ID,
		snap.TenantID,
		snap.ProjectID,
		snap.Name,
		nullString(snap.Description),
		toNanos(snap.CreatedAt),
		snap.NodeCount,
		snap.EdgeCount,
		stats,
		payload,
	)
	return wrap("SaveSnapshot", err)
}

// GetSnapshot returns a snapshot with its captured nodes and edges.
func (c *Client) GetSnapshot(ctx context.Context, scope core.Scope, id string) (*core.GraphSnapshot, error) {
	w := scopeWhere(scope)
	w.add("id = ?", id)
	query := fmt.Sprintf(`SELECT id, tenant_id, project_id, name, description, created_at,
		node_count, edge_count, stats, payload FROM %s %s`, c.snapshots, w)

	var (
		snap        core.GraphSnapshot
		description sql.NullString
		stats       sql.NullString
		createdAt   int64
		payload     []byte
	)
	err := c.db.QueryRowContext(ctx, c.dialect.rebind(query), w.args...).Scan(
		&snap.ID, &snap.TenantID, &snap.ProjectID, &snap.Name, &description, &createdAt,
		&snap.NodeCount, &snap.EdgeCount, &stats, &payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("snapshot", id)
	}
	if err != nil {
		return nil, wrap("GetSnapshot", err)
	}
	snap.Description = description.String
	snap.CreatedAt = fromNanos(createdAt)
	if err := unmarshalJSON(stats, &snap.Stats); err != nil {
		return nil, fmt.Errorf("GetSnapshot: parse stats: %w", err)
	}

	var body snapshotPayload
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("GetSnapshot: decode payload: %w", err)
	}
	snap.Nodes = body.Nodes
	snap.Edges = body.Edges
	return &snap, nil
}

// ListSnapshots returns snapshot headers, newest first.
func (c *Client) ListSnapshots(ctx context.Context, scope core.Scope) ([]*core.GraphSnapshot, error) {
	w := scopeWhere(scope)
	query := fmt.Sprintf(`SELECT id, tenant_id, project_id, name, description, created_at,
		node_count, edge_count, stats FROM %s %s ORDER BY created_at DESC, id`, c.snapshots, w)

	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(query), w.args...)
	if err != nil {
		return nil, wrap("ListSnapshots", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.GraphSnapshot
	for rows.Next() {
		var (
			snap        core.GraphSnapshot
			description sql.NullString
			stats       sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&snap.ID, &snap.TenantID, &snap.ProjectID, &snap.Name, &description,
			&createdAt, &snap.NodeCount, &snap.EdgeCount, &stats); err != nil {
			return nil, wrap("ListSnapshots", err)
		}
		snap.Description = description.String
		snap.CreatedAt = fromNanos(createdAt)
		if err := unmarshalJSON(stats, &snap.Stats); err != nil {
			return nil, fmt.Errorf("ListSnapshots: parse stats: %w", err)
		}
		out = append(out, &snap)
	}
	return out, wrap("ListSnapshots", rows.Err())
}
