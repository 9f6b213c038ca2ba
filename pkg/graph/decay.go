package graph

import (
	"context"
	"math"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
	"go.uber.org/zap"
)

// ReasonDecayed is the deactivation reason of pruned edges.
const ReasonDecayed = "decayed"

// EdgeDecaySummary counts the effect of one DecayEdges run.
type EdgeDecaySummary struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Pruned  int `json:"pruned"`
}

// DecayEdges weakens active edges by w = w0 * exp(-dt / half_life), dt
// measured since the edge was last updated. Edges falling below the prune
// threshold are deactivated with reason "decayed". Exempt relations (such as
// provenance) are skipped.
func (e *Engine) DecayEdges(ctx context.Context, scope core.Scope, now time.Time) (*EdgeDecaySummary, error) {
	halfLife := e.cfg.EdgeHalfLife.Std()
	if halfLife <= 0 {
		return &EdgeDecaySummary{}, nil
	}
	exempt := make(map[string]bool, len(e.cfg.ExemptRelations))
	for _, r := range e.cfg.ExemptRelations {
		exempt[r] = true
	}

	edges, err := e.store.ListEdges(ctx, scope, storage.EdgeFilter{ActiveOnly: true})
	if err != nil {
		return nil, core.NewMemoryError("DecayEdges", err)
	}

	sum := &EdgeDecaySummary{}
	for _, edge := range edges {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if exempt[edge.Relation] {
			continue
		}
		sum.Scanned++

		dt := now.Sub(edge.UpdatedAt)
		if dt <= 0 {
			continue
		}
		w := edge.Weight * math.Exp(-dt.Seconds()/halfLife.Seconds())

		if w < e.cfg.PruneThreshold {
			if err := e.store.DeactivateEdge(ctx, scope, edge.ID, ReasonDecayed, now); err != nil {
				return sum, core.NewMemoryError("DecayEdges", err)
			}
			sum.Pruned++
			e.logger.Debug("edge pruned",
				zap.Int64("edge_id", edge.ID),
				zap.String("relation", edge.Relation),
				zap.Float64("weight", w),
			)
			continue
		}
		if w == edge.Weight {
			continue
		}
		if err := e.store.SetEdgeWeight(ctx, scope, edge.ID, w, edge.Confidence, now); err != nil {
			return sum, core.NewMemoryError("DecayEdges", err)
		}
		sum.Decayed++
	}
	if sum.Decayed > 0 || sum.Pruned > 0 {
		e.wrote(scope)
	}
	return sum, nil
}
