package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/retrieval"
	"github.com/oceanbase/reflective-memory-go/pkg/scoring"
	"github.com/oceanbase/reflective-memory-go/pkg/storage"
)

// batchParallelism bounds concurrent ingests of one AddBatch call.
const batchParallelism = 8

// Add ingests a new memory item.
//
// The method:
//  1. Assigns an importance with the evaluator when none is given
//  2. Computes the embedding (the item is stored without one when the embedder is down)
//  3. Stores the item and indexes its embedding
//  4. Links it to the entities it mentions, synchronously or in the background
//
// Reflective items are produced only by the reflection pipeline; adding one
// is ErrInvalidInput.
//
// Example:
//
//	item, err := client.Add(ctx, scope, "deploy failed: timeout on service X",
//	    engine.WithImportance(0.6),
//	    engine.WithTags("deploy"),
//	)
func (c *Client) Add(ctx context.Context, scope core.Scope, content string, opts ...AddOption) (*core.MemoryItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, core.NewMemoryError("Add", err)
	}
	addOpts := applyAddOptions(opts)
	if strings.TrimSpace(content) == "" {
		return nil, core.NewMemoryError("Add", fmt.Errorf("%w: content is required", core.ErrInvalidInput))
	}
	if !addOpts.Layer.Valid() {
		return nil, core.NewMemoryError("Add", fmt.Errorf("%w: unknown layer %q", core.ErrInvalidInput, addOpts.Layer))
	}
	if addOpts.Layer == core.LayerReflective {
		return nil, core.NewMemoryError("Add", fmt.Errorf("%w: reflective items are produced by reflection only", core.ErrInvalidInput))
	}

	var importance float64
	if addOpts.Importance != nil {
		importance = *addOpts.Importance
		if importance < 0 || importance > 1 {
			return nil, core.NewMemoryError("Add", fmt.Errorf("%w: importance must be within [0,1]", core.ErrInvalidInput))
		}
	} else {
		importance = c.importance.Evaluate(ctx, content, addOpts.Metadata)
	}

	item := &core.MemoryItem{
		ID:         c.ids.NextID(),
		TenantID:   scope.TenantID,
		ProjectID:  scope.ProjectID,
		Content:    content,
		Layer:      addOpts.Layer,
		Importance: importance,
		CreatedAt:  c.now(),
		Tags:       addOpts.Tags,
		Metadata:   addOpts.Metadata,
		SessionID:  addOpts.SessionID,
	}
	if addOpts.CreatedAt != nil {
		item.CreatedAt = *addOpts.CreatedAt
	}

	embedding, err := c.embedder.Embed(ctx, content)
	if err != nil {
		c.logger.Warn("embedding failed, storing item without one", zap.String("scope", scope.String()), zap.Error(err))
	} else {
		item.Embedding = embedding
	}

	stored, _, err := c.store.InsertItem(ctx, item)
	if err != nil {
		return nil, core.NewMemoryError("Add", err)
	}
	c.enrich(ctx, stored)
	c.invalidate(scope)
	return stored, nil
}

// enrich indexes the embedding and links entities. Both are best effort:
// the item is already stored.
func (c *Client) enrich(ctx context.Context, item *core.MemoryItem) {
	if item.Embedding != nil {
		if err := c.index.Upsert(ctx, item.Scope(), item.ID, item.Embedding, map[string]string{"layer": string(item.Layer)}); err != nil {
			c.logger.Warn("vector index upsert failed", zap.Int64("memory_id", item.ID), zap.Error(err))
		}
	}
	if c.extractor == nil {
		return
	}
	if c.cfg.Graph.AsyncExtraction {
		c.extractor.LinkAsync(ctx, item)
		return
	}
	if err := c.extractor.Link(ctx, item); err != nil {
		c.logger.Warn("entity linking failed", zap.Int64("memory_id", item.ID), zap.Error(err))
	}
}

// AddBatch ingests several items concurrently with the same options. The
// result is in input order; the first failure cancels the rest.
func (c *Client) AddBatch(ctx context.Context, scope core.Scope, contents []string, opts ...AddOption) ([]*core.MemoryItem, error) {
	out := make([]*core.MemoryItem, len(contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i, content := range contents {
		g.Go(func() error {
			item, err := c.Add(gctx, scope, content, opts...)
			if err != nil {
				return err
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns an item and records the read: access_count is incremented and
// last_accessed_at set, which slows the item's decay.
func (c *Client) Get(ctx context.Context, scope core.Scope, id int64) (*core.MemoryItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, core.NewMemoryError("Get", err)
	}
	item, err := c.store.GetItem(ctx, scope, id)
	if err != nil {
		return nil, core.NewMemoryError("Get", err)
	}
	now := c.now()
	if err := c.store.Touch(ctx, scope, id, now); err != nil {
		return nil, core.NewMemoryError("Get", err)
	}
	scoring.Reinforce(item, now)
	return item, nil
}

// Search runs a hybrid search.
//
// A failed sub-search degrades the result (SearchResponse.Partial and the
// strategy reports say which one); only when every sub-search fails is an
// error returned.
//
// Example:
//
//	resp, err := client.Search(ctx, scope, "why do deploys time out",
//	    engine.WithLimit(5),
//	    engine.WithLayers(core.LayerReflective, core.LayerEpisodic),
//	)
func (c *Client) Search(ctx context.Context, scope core.Scope, query string, opts ...SearchOption) (*retrieval.SearchResponse, error) {
	searchOpts := applySearchOptions(opts)
	resp, err := c.retriever.Search(ctx, retrieval.SearchRequest{
		Query:   query,
		Scope:   scope,
		K:       searchOpts.Limit,
		Filters: searchOpts.Filters,
	})
	if err != nil {
		return nil, core.NewMemoryError("Search", err)
	}

	reinforce := c.cfg.Retrieval.ReinforceOnSearch
	if searchOpts.Reinforce != nil {
		reinforce = *searchOpts.Reinforce
	}
	if reinforce {
		now := c.now()
		for _, r := range resp.Results {
			if err := c.store.Touch(ctx, scope, r.Item.ID, now); err != nil {
				c.logger.Warn("failed to reinforce search result", zap.Int64("memory_id", r.Item.ID), zap.Error(err))
			}
		}
	}
	return resp, nil
}

// Consolidate copies an item into a higher layer. The copy is a new item
// with ConsolidatedFrom set and a derives_from edge to the original; the
// original is left untouched. Consolidating the same item into the same
// layer again returns the existing copy.
func (c *Client) Consolidate(ctx context.Context, scope core.Scope, id int64, target core.Layer) (*core.MemoryItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	orig, err := c.store.GetItem(ctx, scope, id)
	if err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	if !orig.Layer.CanConsolidateTo(target) {
		return nil, core.NewMemoryError("Consolidate", fmt.Errorf("%w: %s items cannot be consolidated into %s", core.ErrInvalidInput, orig.Layer, target))
	}

	cp := orig.Clone()
	cp.ID = c.ids.NextID()
	cp.Layer = target
	cp.CreatedAt = c.now()
	cp.LastAccessedAt = nil
	cp.AccessCount = 0
	cp.DecayedAt = nil
	cp.FloorSince = nil
	cp.ArchivalCandidate = false
	cp.ConsolidatedFrom = orig.ID
	cp.IdempotencyKey = fmt.Sprintf("consolidate:%d:%s", orig.ID, target)

	stored, created, err := c.store.InsertItem(ctx, cp)
	if err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	if !created {
		return stored, nil
	}

	if err := c.graph.UpsertNode(ctx, scope, graph.MemoryNode(stored)); err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	if err := c.graph.UpsertNode(ctx, scope, graph.MemoryNode(orig)); err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	if _, _, err := c.graph.EnsureEdge(ctx, scope, graph.EdgeInput{
		SourceID:   core.MemoryNodeID(stored.ID),
		TargetID:   core.MemoryNodeID(orig.ID),
		Relation:   core.RelationDerivesFrom,
		Weight:     1,
		Confidence: 1,
	}); err != nil {
		return nil, core.NewMemoryError("Consolidate", err)
	}
	if stored.Embedding != nil {
		if err := c.index.Upsert(ctx, scope, stored.ID, stored.Embedding, map[string]string{"layer": string(stored.Layer)}); err != nil {
			c.logger.Warn("vector index upsert failed", zap.Int64("memory_id", stored.ID), zap.Error(err))
		}
	}
	c.invalidate(scope)
	c.logger.Debug("memory consolidated",
		zap.Int64("memory_id", orig.ID),
		zap.Int64("copy_id", stored.ID),
		zap.String("layer", string(target)),
	)
	return stored, nil
}

// ListArchivalCandidates returns items that sat at the importance floor past
// the retention window, for the external retention collaborator.
func (c *Client) ListArchivalCandidates(ctx context.Context, scope core.Scope, limit int) ([]*core.MemoryItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, core.NewMemoryError("ListArchivalCandidates", err)
	}
	items, err := c.store.ListItems(ctx, storage.ItemFilter{
		Scope:        scope,
		ArchivalOnly: true,
		OrderBy:      storage.OrderByCreated,
		Limit:        limit,
	})
	if err != nil {
		return nil, core.NewMemoryError("ListArchivalCandidates", err)
	}
	return items, nil
}

// DeleteItem physically erases an item and its vector. The engine never
// deletes on its own; this exists for the retention collaborator.
func (c *Client) DeleteItem(ctx context.Context, scope core.Scope, id int64) error {
	if err := scope.Validate(); err != nil {
		return core.NewMemoryError("DeleteItem", err)
	}
	if err := c.store.DeleteItem(ctx, scope, id); err != nil {
		return core.NewMemoryError("DeleteItem", err)
	}
	if err := c.index.Delete(ctx, scope, id); err != nil {
		c.logger.Warn("vector index delete failed", zap.Int64("memory_id", id), zap.Error(err))
	}
	c.invalidate(scope)
	return nil
}
