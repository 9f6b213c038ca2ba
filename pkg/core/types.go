package core

import (
	"fmt"
	"strings"
	"time"
)

// Layer is the lifecycle stage of a memory item.
type Layer string

const (
	// LayerEpisodic holds raw experience as ingested. It decays fastest.
	LayerEpisodic Layer = "episodic"

	// LayerWorking holds items in active use by a session.
	LayerWorking Layer = "working"

	// LayerSemantic holds consolidated, generalized facts.
	LayerSemantic Layer = "semantic"

	// LayerLongTerm holds durable consolidated items.
	LayerLongTerm Layer = "long_term"

	// LayerReflective holds insights produced by the reflection pipeline. It decays slowest.
	LayerReflective Layer = "reflective"
)

// LayerSpec describes the fixed behavior of a layer.
type LayerSpec struct {
	// DefaultDecayRate is the base decay rate per second.
	DefaultDecayRate float64

	// Sampleable marks layers the reflection pipeline samples from.
	Sampleable bool

	// ConsolidatesTo lists layers an item may be copied into.
	ConsolidatesTo []Layer
}

// Layers is the closed table of memory layers. Adding a layer is an edit here.
var Layers = map[Layer]LayerSpec{
	LayerEpisodic:   {DefaultDecayRate: 8.0e-6, Sampleable: true, ConsolidatesTo: []Layer{LayerWorking, LayerSemantic, LayerLongTerm}},
	LayerWorking:    {DefaultDecayRate: 2.7e-6, Sampleable: true, ConsolidatesTo: []Layer{LayerSemantic, LayerLongTerm}},
	LayerSemantic:   {DefaultDecayRate: 2.7e-7, ConsolidatesTo: []Layer{LayerLongTerm}},
	LayerLongTerm:   {DefaultDecayRate: 8.9e-8},
	LayerReflective: {DefaultDecayRate: 4.5e-8},
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	_, ok := Layers[l]
	return ok
}

// CanConsolidateTo reports whether items in l may be copied into target.
func (l Layer) CanConsolidateTo(target Layer) bool {
	for _, t := range Layers[l].ConsolidatesTo {
		if t == target {
			return true
		}
	}
	return false
}

// ParseLayer converts a string to a Layer.
func ParseLayer(s string) (Layer, error) {
	l := Layer(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: unknown layer %q", ErrInvalidInput, s)
	}
	return l, nil
}

// Scope identifies the tenant and project every operation is bound to.
type Scope struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

// Validate returns ErrInvalidInput when the tenant or project is missing.
func (s Scope) Validate() error {
	if s.TenantID == "" || s.ProjectID == "" {
		return fmt.Errorf("%w: tenant_id and project_id are required", ErrInvalidInput)
	}
	return nil
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.ProjectID
}

// MemoryItem is the atomic unit of memory.
type MemoryItem struct {
	// ID is the unique identifier of the item.
	ID int64 `json:"id"`

	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`

	// Content is the text content of the item.
	Content string `json:"content"`

	// Embedding is nil until computed.
	Embedding []float64 `json:"embedding,omitempty"`

	Layer Layer `json:"layer"`

	// Importance is in [0,1]. It is mutated only by decay, ingest and reflection.
	Importance float64 `json:"importance"`

	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int64      `json:"access_count"`

	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`

	// SourceItemIDs records provenance. Required for reflective items.
	SourceItemIDs []int64 `json:"source_item_ids,omitempty"`

	// DecayedAt is when decay was last applied (nil if never).
	DecayedAt *time.Time `json:"decayed_at,omitempty"`

	// FloorSince is when importance first reached the configured floor.
	FloorSince *time.Time `json:"floor_since,omitempty"`

	// ArchivalCandidate is set once the item sat at the floor past the retention window.
	ArchivalCandidate bool `json:"archival_candidate"`

	// IdempotencyKey deduplicates retried reflection writes.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// ConsolidatedFrom is the origin item of a copy-and-relabel consolidation.
	ConsolidatedFrom int64 `json:"consolidated_from,omitempty"`
}

// Scope returns the tenant/project pair the item belongs to.
func (m *MemoryItem) Scope() Scope {
	return Scope{TenantID: m.TenantID, ProjectID: m.ProjectID}
}

// ReferenceTime is the time decay is measured from: the last access, or creation.
func (m *MemoryItem) ReferenceTime() time.Time {
	if m.LastAccessedAt != nil {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// HasTag reports whether the item carries tag (case-insensitive).
func (m *MemoryItem) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the item.
func (m *MemoryItem) Clone() *MemoryItem {
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float64(nil), m.Embedding...)
	}
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.SourceItemIDs != nil {
		c.SourceItemIDs = append([]int64(nil), m.SourceItemIDs...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	if m.DecayedAt != nil {
		t := *m.DecayedAt
		c.DecayedAt = &t
	}
	if m.FloorSince != nil {
		t := *m.FloorSince
		c.FloorSince = &t
	}
	return &c
}

// MemoryNodeID is the graph node key of a memory item.
func MemoryNodeID(id int64) string {
	return fmt.Sprintf("mem:%d", id)
}

// EntityNodeID is the graph node key of an extracted entity.
func EntityNodeID(label string) string {
	return "ent:" + strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// Relations used by the engine itself.
const (
	RelationDerivesFrom = "derives_from"
	RelationMentions    = "mentions"
)

// GraphNode is a node of the knowledge graph.
type GraphNode struct {
	TenantID   string                 `json:"tenant_id" msgpack:"tenant_id"`
	ProjectID  string                 `json:"project_id" msgpack:"project_id"`
	NodeID     string                 `json:"node_id" msgpack:"node_id"`
	Label      string                 `json:"label" msgpack:"label"`
	Properties map[string]interface{} `json:"properties,omitempty" msgpack:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at" msgpack:"created_at"`
}

// MemoryID returns the memory item a node stands for, if any.
func (n *GraphNode) MemoryID() (int64, bool) {
	switch v := n.Properties["memory_id"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

// GraphEdge is a weighted, time-bounded edge of the knowledge graph.
type GraphEdge struct {
	ID            int64                  `json:"id" msgpack:"id"`
	TenantID      string                 `json:"tenant_id" msgpack:"tenant_id"`
	ProjectID     string                 `json:"project_id" msgpack:"project_id"`
	SourceID      string                 `json:"source_id" msgpack:"source_id"`
	TargetID      string                 `json:"target_id" msgpack:"target_id"`
	Relation      string                 `json:"relation" msgpack:"relation"`
	Weight        float64                `json:"weight" msgpack:"weight"`
	Confidence    float64                `json:"confidence" msgpack:"confidence"`
	ValidFrom     *time.Time             `json:"valid_from,omitempty" msgpack:"valid_from,omitempty"`
	ValidTo       *time.Time             `json:"valid_to,omitempty" msgpack:"valid_to,omitempty"`
	IsActive      bool                   `json:"is_active" msgpack:"is_active"`
	Bidirectional bool                   `json:"bidirectional" msgpack:"bidirectional"`
	EvidenceCount int                    `json:"evidence_count" msgpack:"evidence_count"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at" msgpack:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" msgpack:"updated_at"`
}

// ValidAt reports whether t falls inside the edge validity window.
// A nil bound is open.
func (e *GraphEdge) ValidAt(t time.Time) bool {
	if e.ValidFrom != nil && t.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidTo != nil && t.After(*e.ValidTo) {
		return false
	}
	return true
}

// ActiveKey is the uniqueness key shared by all active edges for one relation.
func (e *GraphEdge) ActiveKey() string {
	return EdgeKey(e.SourceID, e.TargetID, e.Relation)
}

// EdgeKey builds the (source, target, relation) uniqueness key.
func EdgeKey(source, target, relation string) string {
	return source + "\x1f" + target + "\x1f" + relation
}

// GraphStats summarizes a tenant/project graph.
type GraphStats struct {
	TotalNodes         int        `json:"total_nodes" msgpack:"total_nodes"`
	TotalEdges         int        `json:"total_edges" msgpack:"total_edges"`
	ActiveEdges        int        `json:"active_edges" msgpack:"active_edges"`
	UniqueRelations    int        `json:"unique_relations" msgpack:"unique_relations"`
	BidirectionalEdges int        `json:"bidirectional_edges" msgpack:"bidirectional_edges"`
	AvgEdgeWeight      float64    `json:"avg_edge_weight" msgpack:"avg_edge_weight"`
	AvgConfidence      float64    `json:"avg_confidence" msgpack:"avg_confidence"`
	SnapshotCount      int        `json:"snapshot_count" msgpack:"snapshot_count"`
	LatestSnapshot     *time.Time `json:"latest_snapshot,omitempty" msgpack:"latest_snapshot,omitempty"`
}

// GraphSnapshot is an immutable copy of the active graph at a point in time.
type GraphSnapshot struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	ProjectID   string       `json:"project_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	NodeCount   int          `json:"node_count"`
	EdgeCount   int          `json:"edge_count"`
	Stats       GraphStats   `json:"stats"`
	Nodes       []*GraphNode `json:"nodes,omitempty"`
	Edges       []*GraphEdge `json:"edges,omitempty"`
}

// ReflectionResult is the output of one reflection generation.
type ReflectionResult struct {
	ReflectionText string   `json:"reflection"`
	StrategyText   string   `json:"strategy,omitempty"`
	Importance     float64  `json:"importance"`
	Confidence     float64  `json:"confidence"`
	Tags           []string `json:"tags,omitempty"`
	SourceEventIDs []int64  `json:"source_event_ids,omitempty"`
}

// HasStrategy reports whether the result carries an actionable rule.
func (r *ReflectionResult) HasStrategy() bool {
	return strings.TrimSpace(r.StrategyText) != ""
}
