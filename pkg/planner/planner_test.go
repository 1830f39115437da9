package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/types"
)

func TestFallbackPlan(t *testing.T) {
	p := NewFallback(types.AgentCode)

	graph, err := p.Plan(context.Background(), "migrate the user table", nil)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)

	assert.Equal(t, "migrate the user table", graph.GoalSummary)
	for _, node := range graph.Nodes {
		assert.Equal(t, types.AgentCode, node.AgentType)
		assert.Equal(t, "migrate the user table", node.InputData["goal"])
		assert.Empty(t, node.Dependencies)
	}
	assert.NoError(t, graph.Validate())
}
