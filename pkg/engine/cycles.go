package engine

import (
	"context"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/maintenance"
	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
)

// RunDecayCycle decays stale items and graph edges in every scope. It is
// the scheduler's entry point and is safe to call on any cadence.
func (c *Client) RunDecayCycle(ctx context.Context) (*maintenance.CycleSummary, error) {
	return c.runner.RunDecayCycle(ctx)
}

// RunReflectionCycle runs the reflection pipeline in every scope. A scope
// whose previous run was interrupted resumes with the same cycle time, so
// reflections stored before the interruption are not duplicated.
func (c *Client) RunReflectionCycle(ctx context.Context) (*maintenance.CycleSummary, error) {
	return c.runner.RunReflectionCycle(ctx)
}

// Jobs returns the job descriptors of a cycle type.
func (c *Client) Jobs(ctx context.Context, cycle string) ([]*maintenance.JobDescriptor, error) {
	return c.jobs.List(ctx, cycle)
}

// ReflectScope runs one reflection cycle for a single scope. A non-empty
// focusQuery samples through hybrid search instead of the importance scan.
func (c *Client) ReflectScope(ctx context.Context, scope core.Scope, focusQuery string) (*reflection.CycleResult, error) {
	res, err := c.pipeline.Run(ctx, reflection.CycleRequest{Scope: scope, FocusQuery: focusQuery})
	if res != nil && len(res.CreatedIDs) > 0 {
		c.invalidate(scope)
	}
	return res, err
}

// Reflect generates reflections from explicit task contexts, without
// sampling stored memories.
//
// Example:
//
//	res, err := client.Reflect(ctx, scope, reflection.FailureContext{
//	    TaskGoal: "deploy service X",
//	    Outcome:  reflection.OutcomeFailure,
//	    Events: []reflection.Event{
//	        {Timestamp: t0, Type: "tool_call", Content: "kubectl rollout status", ToolName: "kubectl"},
//	        {Timestamp: t1, Type: "error", Content: "rollout timed out", Error: "deadline exceeded"},
//	    },
//	})
func (c *Client) Reflect(ctx context.Context, scope core.Scope, contexts ...reflection.FailureContext) (*reflection.CycleResult, error) {
	res, err := c.pipeline.Run(ctx, reflection.CycleRequest{Scope: scope, Contexts: contexts, SkipSampling: true})
	if res != nil && len(res.CreatedIDs) > 0 {
		c.invalidate(scope)
	}
	return res, err
}

// Snapshot captures the active graph of a scope.
func (c *Client) Snapshot(ctx context.Context, scope core.Scope, name, description string) (*core.GraphSnapshot, error) {
	return c.graph.Snapshot(ctx, scope, name, description)
}

// ListSnapshots returns snapshot headers, newest first.
func (c *Client) ListSnapshots(ctx context.Context, scope core.Scope) ([]*core.GraphSnapshot, error) {
	return c.graph.ListSnapshots(ctx, scope)
}

// RestoreSnapshot re-asserts a snapshot's nodes and edges. With
// clearExisting the current graph is deleted first.
func (c *Client) RestoreSnapshot(ctx context.Context, scope core.Scope, id string, clearExisting bool) (*graph.RestoreSummary, error) {
	return c.graph.RestoreSnapshot(ctx, scope, id, clearExisting)
}

// GraphStats summarizes the graph of a scope.
func (c *Client) GraphStats(ctx context.Context, scope core.Scope) (*core.GraphStats, error) {
	return c.graph.Stats(ctx, scope)
}
