// Package storage defines the persistence interfaces of the memory engine.
//
// Every call is scoped by tenant and project. Implementations must provide
// atomic upserts for edges and idempotent inserts for reflective items; the
// engine takes no locks of its own around store writes.
package storage

import (
	"context"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

// ItemFilter selects memory items for range scans.
type ItemFilter struct {
	Scope core.Scope

	// Layers restricts the scan to these layers (all when empty).
	Layers []core.Layer

	// Tags matches items carrying any of the tags (all when empty).
	Tags []string

	// SessionID restricts to one session.
	SessionID string

	// MinImportance is an inclusive lower bound.
	MinImportance float64

	// CreatedAfter and CreatedBefore bound created_at (inclusive).
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// ExcludeArchival drops items flagged as archival candidates.
	ExcludeArchival bool

	// ArchivalOnly keeps only items flagged as archival candidates.
	ArchivalOnly bool

	// OrderBy is one of OrderByImportance (default) or OrderByCreated.
	OrderBy string

	Limit  int
	Offset int
}

// Orderings for ItemFilter.OrderBy.
const (
	OrderByImportance = "importance"
	OrderByCreated    = "created"
)

// DecayUpdate is the bookkeeping written back by the decay job.
type DecayUpdate struct {
	ID                int64
	Importance        float64
	DecayedAt         time.Time
	FloorSince        *time.Time
	ArchivalCandidate bool
}

// MemoryStore persists memory items.
type MemoryStore interface {
	// InsertItem inserts an item. When IdempotencyKey is set and an item with
	// the same key exists in the scope, the existing item is returned with
	// created=false and nothing is written.
	InsertItem(ctx context.Context, item *core.MemoryItem) (stored *core.MemoryItem, created bool, err error)

	// GetItem returns one item, or a NotFoundError.
	GetItem(ctx context.Context, scope core.Scope, id int64) (*core.MemoryItem, error)

	// GetItems returns the items that exist among ids, in no particular order.
	GetItems(ctx context.Context, scope core.Scope, ids []int64) ([]*core.MemoryItem, error)

	// ListItems returns items matching the filter.
	ListItems(ctx context.Context, filter ItemFilter) ([]*core.MemoryItem, error)

	// ListStale returns up to limit items whose reference time (last access,
	// or creation) is before cutoff, with ID greater than afterID, ordered by
	// ID. It is the decay job's keyset-paginated scan.
	ListStale(ctx context.Context, scope core.Scope, cutoff time.Time, afterID int64, limit int) ([]*core.MemoryItem, error)

	// KeywordCandidates returns items whose content contains any of terms
	// (case-insensitive), at most limit, most important first.
	KeywordCandidates(ctx context.Context, filter ItemFilter, terms []string) ([]*core.MemoryItem, error)

	// Touch atomically increments access_count and sets last_accessed_at.
	Touch(ctx context.Context, scope core.Scope, id int64, at time.Time) error

	// ApplyDecay writes decay results. Items not found are skipped.
	ApplyDecay(ctx context.Context, scope core.Scope, updates []DecayUpdate) error

	// SetEmbedding stores a computed embedding.
	SetEmbedding(ctx context.Context, scope core.Scope, id int64, embedding []float64) error

	// DeleteItem physically erases an item. It exists for the retention
	// collaborator; the engine never calls it on its own.
	DeleteItem(ctx context.Context, scope core.Scope, id int64) error

	// ListScopes returns every tenant/project pair that holds items.
	ListScopes(ctx context.Context) ([]core.Scope, error)

	Close() error
}

// Direction selects which edges a traversal follows from a node.
type Direction int

const (
	// Outgoing follows source -> target (and bidirectional edges both ways).
	Outgoing Direction = iota
	// Incoming follows target -> source.
	Incoming
	// Both follows edges regardless of orientation.
	Both
)

// EdgeFilter restricts edge scans.
type EdgeFilter struct {
	// ActiveOnly drops deactivated edges.
	ActiveOnly bool

	// AsOf keeps only edges whose validity window contains the time.
	AsOf *time.Time

	// Relations keeps only these relation types (all when empty).
	Relations []string

	MinWeight     float64
	MinConfidence float64
}

// GraphStore persists graph nodes and edges.
type GraphStore interface {
	// UpsertNode inserts a node or merges label and properties into an existing one.
	UpsertNode(ctx context.Context, node *core.GraphNode) error

	GetNode(ctx context.Context, scope core.Scope, nodeID string) (*core.GraphNode, error)

	// GetNodes returns the nodes that exist among ids.
	GetNodes(ctx context.Context, scope core.Scope, nodeIDs []string) ([]*core.GraphNode, error)

	// FindNodes returns nodes whose label contains any of the given terms
	// (case-insensitive), at most limit.
	FindNodes(ctx context.Context, scope core.Scope, terms []string, limit int) ([]*core.GraphNode, error)

	ListNodes(ctx context.Context, scope core.Scope) ([]*core.GraphNode, error)

	// UpsertEdge strengthens the active edge for (source, target, relation)
	// in a single atomic statement, or inserts it.
	UpsertEdge(ctx context.Context, edge *core.GraphEdge) (*core.GraphEdge, error)

	// EnsureEdge inserts the edge unless an active one exists; it never
	// strengthens. created reports whether a row was written.
	EnsureEdge(ctx context.Context, edge *core.GraphEdge) (stored *core.GraphEdge, created bool, err error)

	GetEdge(ctx context.Context, scope core.Scope, id int64) (*core.GraphEdge, error)

	// DeactivateEdge soft-deletes an edge and records the reason.
	DeactivateEdge(ctx context.Context, scope core.Scope, id int64, reason string, at time.Time) error

	// ReactivateEdge re-activates an edge. It fails with a
	// ConsistencyViolationError when another active edge holds the same key.
	ReactivateEdge(ctx context.Context, scope core.Scope, id int64, at time.Time) error

	SetEdgeValidity(ctx context.Context, scope core.Scope, id int64, from, to *time.Time, at time.Time) error

	// SetEdgeWeight overwrites weight and confidence.
	SetEdgeWeight(ctx context.Context, scope core.Scope, id int64, weight, confidence float64, at time.Time) error

	// EdgesAt returns edges touching nodeIDs in the given direction.
	EdgesAt(ctx context.Context, scope core.Scope, nodeIDs []string, dir Direction, filter EdgeFilter) ([]*core.GraphEdge, error)

	ListEdges(ctx context.Context, scope core.Scope, filter EdgeFilter) ([]*core.GraphEdge, error)

	// DeleteGraph removes every node and edge of the scope. Snapshots are kept.
	DeleteGraph(ctx context.Context, scope core.Scope) error
}

// SnapshotStore persists immutable graph snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.GraphSnapshot) error

	// GetSnapshot returns the snapshot with its nodes and edges.
	GetSnapshot(ctx context.Context, scope core.Scope, id string) (*core.GraphSnapshot, error)

	// ListSnapshots returns snapshot headers (no nodes or edges), newest first.
	ListSnapshots(ctx context.Context, scope core.Scope) ([]*core.GraphSnapshot, error)
}

// VersionStore keeps a write counter per scope next to the data, so every
// engine instance sharing the store sees the writes of the others.
type VersionStore interface {
	// ScopeVersion returns the counter of scope; 0 before the first write.
	ScopeVersion(ctx context.Context, scope core.Scope) (int64, error)

	// BumpScopeVersion increments the counter of scope atomically.
	BumpScopeVersion(ctx context.Context, scope core.Scope) error
}
