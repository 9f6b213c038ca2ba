// Package graph implements the knowledge graph engine: weighted, time-bounded
// edges between memory and entity nodes, with traversal, cycle detection,
// shortest paths, snapshots and edge decay.
//
// The engine holds no graph state. Every algorithm loads the edges it needs
// from the store into an arena keyed by node ID, so concurrent engines over
// one store stay consistent as long as the store upserts atomically.
package graph

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"go.uber.org/zap"
)

// Store is the persistence the engine needs.
type Store interface {
	storage.GraphStore
	storage.SnapshotStore
}

// EdgeInput describes an edge assertion.
type EdgeInput struct {
	SourceID      string
	TargetID      string
	Relation      string
	Weight        float64
	Confidence    float64
	ValidFrom     *time.Time
	ValidTo       *time.Time
	Bidirectional bool
	Metadata      map[string]interface{}
}

// Engine is the knowledge graph engine.
type Engine struct {
	store   Store
	ids     core.IDGenerator
	cfg     core.GraphConfig
	logger  *zap.Logger
	now     func() time.Time
	onWrite func(core.Scope)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWriteHook registers a callback run after every graph write of a scope.
// The retrieval cache uses it for invalidation.
func WithWriteHook(fn func(core.Scope)) Option {
	return func(e *Engine) { e.onWrite = fn }
}

// NewEngine creates a graph engine.
func NewEngine(store Store, ids core.IDGenerator, cfg core.GraphConfig, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ids:     ids,
		cfg:     cfg,
		now:     time.Now,
		onWrite: func(core.Scope) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = core.LoggerOrNop(e.logger).With(zap.String("component", "graph"))
	return e
}

func (e *Engine) wrote(scope core.Scope) {
	e.onWrite(scope)
}

func (in EdgeInput) validate() error {
	if strings.TrimSpace(in.SourceID) == "" || strings.TrimSpace(in.TargetID) == "" {
		return fmt.Errorf("%w: edge endpoints are required", core.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Relation) == "" {
		return fmt.Errorf("%w: edge relation is required", core.ErrInvalidInput)
	}
	if !unit(in.Weight) || !unit(in.Confidence) {
		return fmt.Errorf("%w: weight and confidence must be within [0,1]", core.ErrInvalidInput)
	}
	if in.ValidFrom != nil && in.ValidTo != nil && in.ValidTo.Before(*in.ValidFrom) {
		return fmt.Errorf("%w: valid_to precedes valid_from", core.ErrInvalidInput)
	}
	return nil
}

func (e *Engine) newEdge(scope core.Scope, in EdgeInput) *core.GraphEdge {
	now := e.now()
	return &core.GraphEdge{
		ID:            e.ids.NextID(),
		TenantID:      scope.TenantID,
		ProjectID:     scope.ProjectID,
		SourceID:      in.SourceID,
		TargetID:      in.TargetID,
		Relation:      in.Relation,
		Weight:        in.Weight,
		Confidence:    in.Confidence,
		ValidFrom:     in.ValidFrom,
		ValidTo:       in.ValidTo,
		IsActive:      true,
		Bidirectional: in.Bidirectional,
		EvidenceCount: 1,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UpsertEdge asserts an edge. An existing active edge with the same
// (source, target, relation) is strengthened:
//
//	weight = min(1, max(existing, incoming) + 0.1)
//	confidence = max(existing, incoming)
//	evidence_count += 1
//
// Otherwise a new edge is inserted. The store applies both in one statement.
func (e *Engine) UpsertEdge(ctx context.Context, scope core.Scope, in EdgeInput) (*core.GraphEdge, error) {
	if err := scope.Validate(); err != nil {
		return nil, core.NewMemoryError("UpsertEdge", err)
	}
	if err := in.validate(); err != nil {
		return nil, core.NewMemoryError("UpsertEdge", err)
	}
	edge, err := e.store.UpsertEdge(ctx, e.newEdge(scope, in))
	if err != nil {
		return nil, core.NewMemoryError("UpsertEdge", err)
	}
	e.wrote(scope)
	return edge, nil
}

// EnsureEdge inserts the edge unless an active edge with the same key
// exists. It never strengthens, so repeating it is a no-op.
func (e *Engine) EnsureEdge(ctx context.Context, scope core.Scope, in EdgeInput) (*core.GraphEdge, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, core.NewMemoryError("EnsureEdge", err)
	}
	if err := in.validate(); err != nil {
		return nil, false, core.NewMemoryError("EnsureEdge", err)
	}
	edge, created, err := e.store.EnsureEdge(ctx, e.newEdge(scope, in))
	if err != nil {
		return nil, false, core.NewMemoryError("EnsureEdge", err)
	}
	if created {
		e.wrote(scope)
	}
	return edge, created, nil
}

// GetEdge returns an edge by ID.
func (e *Engine) GetEdge(ctx context.Context, scope core.Scope, id int64) (*core.GraphEdge, error) {
	edge, err := e.store.GetEdge(ctx, scope, id)
	return edge, core.NewMemoryError("GetEdge", err)
}

// DeactivateEdge soft-deletes an edge and records why.
func (e *Engine) DeactivateEdge(ctx context.Context, scope core.Scope, id int64, reason string) error {
	if err := e.store.DeactivateEdge(ctx, scope, id, reason, e.now()); err != nil {
		return core.NewMemoryError("DeactivateEdge", err)
	}
	e.wrote(scope)
	return nil
}

// ReactivateEdge re-activates an edge. It fails with a
// ConsistencyViolationError when another active edge holds the same key.
func (e *Engine) ReactivateEdge(ctx context.Context, scope core.Scope, id int64) error {
	if err := e.store.ReactivateEdge(ctx, scope, id, e.now()); err != nil {
		return core.NewMemoryError("ReactivateEdge", err)
	}
	e.wrote(scope)
	return nil
}

// SetEdgeValidity sets the temporal validity window of an edge. Nil bounds are open.
func (e *Engine) SetEdgeValidity(ctx context.Context, scope core.Scope, id int64, from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return core.NewMemoryError("SetEdgeValidity", fmt.Errorf("%w: valid_to precedes valid_from", core.ErrInvalidInput))
	}
	if err := e.store.SetEdgeValidity(ctx, scope, id, from, to, e.now()); err != nil {
		return core.NewMemoryError("SetEdgeValidity", err)
	}
	e.wrote(scope)
	return nil
}

// UpdateEdgeWeight overwrites the weight and confidence of an edge.
func (e *Engine) UpdateEdgeWeight(ctx context.Context, scope core.Scope, id int64, weight, confidence float64) error {
	if !unit(weight) || !unit(confidence) {
		return core.NewMemoryError("UpdateEdgeWeight", fmt.Errorf("%w: weight and confidence must be within [0,1]", core.ErrInvalidInput))
	}
	if err := e.store.SetEdgeWeight(ctx, scope, id, weight, confidence, e.now()); err != nil {
		return core.NewMemoryError("UpdateEdgeWeight", err)
	}
	e.wrote(scope)
	return nil
}

// UpsertNode creates a node or merges its label and properties.
func (e *Engine) UpsertNode(ctx context.Context, scope core.Scope, node *core.GraphNode) error {
	if node.NodeID == "" {
		return core.NewMemoryError("UpsertNode", fmt.Errorf("%w: node id is required", core.ErrInvalidInput))
	}
	n := *node
	n.TenantID, n.ProjectID = scope.TenantID, scope.ProjectID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	if err := e.store.UpsertNode(ctx, &n); err != nil {
		return core.NewMemoryError("UpsertNode", err)
	}
	e.wrote(scope)
	return nil
}

// GetNode returns a node.
func (e *Engine) GetNode(ctx context.Context, scope core.Scope, nodeID string) (*core.GraphNode, error) {
	node, err := e.store.GetNode(ctx, scope, nodeID)
	return node, core.NewMemoryError("GetNode", err)
}

// FindNodes returns nodes whose label contains any of terms.
func (e *Engine) FindNodes(ctx context.Context, scope core.Scope, terms []string, limit int) ([]*core.GraphNode, error) {
	nodes, err := e.store.FindNodes(ctx, scope, terms, limit)
	return nodes, core.NewMemoryError("FindNodes", err)
}

// GetNodes returns the existing nodes among ids.
func (e *Engine) GetNodes(ctx context.Context, scope core.Scope, nodeIDs []string) ([]*core.GraphNode, error) {
	nodes, err := e.store.GetNodes(ctx, scope, nodeIDs)
	return nodes, core.NewMemoryError("GetNodes", err)
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
