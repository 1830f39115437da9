// Package planner defines the contract for turning a goal into a task graph.
// The core treats planners as pluggable; the fallback produces a single-node
// graph so orchestration works without an external planner.
package planner

import (
	"context"

	"github.com/skeinlabs/skein/pkg/types"
)

// Planner converts a goal string into an executable task graph.
type Planner interface {
	Plan(ctx context.Context, goal string, sc *types.SecurityContext) (*types.TaskGraph, error)
}

// Fallback is a deterministic planner that wraps the whole goal in one node.
type Fallback struct {
	// Agent is the handler type the single node is bound to.
	Agent types.AgentType
}

// NewFallback creates a fallback planner dispatching to the given agent type.
func NewFallback(agent types.AgentType) *Fallback {
	return &Fallback{Agent: agent}
}

// Plan builds a one-node graph carrying the goal as input.
func (p *Fallback) Plan(ctx context.Context, goal string, sc *types.SecurityContext) (*types.TaskGraph, error) {
	graph := types.NewTaskGraph(goal)

	node := types.NewTaskNode("execute_goal", p.Agent)
	node.Description = goal
	node.InputData = map[string]any{"goal": goal}
	graph.AddNode(node)

	return graph, nil
}
