package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyNodesRespectsDependencies(t *testing.T) {
	graph := NewTaskGraph("deps")
	a := NewTaskNode("a", AgentCode)
	b := NewTaskNode("b", AgentCode)
	b.Dependencies = []string{a.NodeID}
	graph.AddNode(a)
	graph.AddNode(b)

	ready := graph.ReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, a.NodeID, ready[0].NodeID)

	a.Status = TaskStatusSuccess
	ready = graph.ReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, b.NodeID, ready[0].NodeID)

	a.Status = TaskStatusFailed
	b.Status = TaskStatusPending
	assert.Empty(t, graph.ReadyNodes())
}

func TestReadyNodesPriorityOrder(t *testing.T) {
	graph := NewTaskGraph("priority")
	low := NewTaskNode("low", AgentCode)
	low.Priority = 1
	high := NewTaskNode("high", AgentCode)
	high.Priority = 10
	mid := NewTaskNode("mid", AgentCode)
	mid.Priority = 5
	graph.AddNode(low)
	graph.AddNode(high)
	graph.AddNode(mid)

	ready := graph.ReadyNodes()
	require.Len(t, ready, 3)
	assert.Equal(t, high.NodeID, ready[0].NodeID)
	assert.Equal(t, mid.NodeID, ready[1].NodeID)
	assert.Equal(t, low.NodeID, ready[2].NodeID)
}

func TestReadyNodesEqualPriorityTiebreak(t *testing.T) {
	graph := NewTaskGraph("tiebreak")
	a := NewTaskNode("a", AgentCode)
	b := NewTaskNode("b", AgentCode)
	graph.AddNode(a)
	graph.AddNode(b)

	ready := graph.ReadyNodes()
	require.Len(t, ready, 2)
	assert.Less(t, ready[0].NodeID, ready[1].NodeID)
}

func TestValidate(t *testing.T) {
	t.Run("acyclic graph passes", func(t *testing.T) {
		graph := NewTaskGraph("ok")
		a := NewTaskNode("a", AgentCode)
		b := NewTaskNode("b", AgentCode)
		b.Dependencies = []string{a.NodeID}
		graph.AddNode(a)
		graph.AddNode(b)
		assert.NoError(t, graph.Validate())
	})

	t.Run("cycle rejected", func(t *testing.T) {
		graph := NewTaskGraph("cycle")
		a := NewTaskNode("a", AgentCode)
		b := NewTaskNode("b", AgentCode)
		a.Dependencies = []string{b.NodeID}
		b.Dependencies = []string{a.NodeID}
		graph.AddNode(a)
		graph.AddNode(b)
		assert.ErrorContains(t, graph.Validate(), "cycle")
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		graph := NewTaskGraph("dangling")
		a := NewTaskNode("a", AgentCode)
		a.Dependencies = []string{"missing"}
		graph.AddNode(a)
		assert.ErrorContains(t, graph.Validate(), "unknown node")
	})

	t.Run("zero max parallel rejected", func(t *testing.T) {
		graph := NewTaskGraph("fanout")
		graph.MaxParallelTasks = 0
		assert.Error(t, graph.Validate())
	})
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	transient := []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusRetry, TaskStatusPaused}
	for _, s := range transient {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestGraphDone(t *testing.T) {
	graph := NewTaskGraph("done")
	a := NewTaskNode("a", AgentCode)
	graph.AddNode(a)

	assert.False(t, graph.Done())
	a.Status = TaskStatusTimeout
	assert.True(t, graph.Done())
}

func TestGraphSnapshotRoundTrip(t *testing.T) {
	graph := NewTaskGraph("round trip")
	node := NewTaskNode("n", AgentMemory)
	node.InputData = map[string]any{"goal": "x", "count": float64(3)}
	node.RequiredPermissions = []PermissionScope{ScopeRead, ScopeWrite}
	node.ValidationRule = "type: dict"
	node.Tags = []string{"t1"}
	graph.AddNode(node)
	graph.RiskLevel = RiskMedium
	graph.ExecutionMode = ModeParallel

	data, err := json.Marshal(graph)
	require.NoError(t, err)

	var decoded TaskGraph
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, graph.GraphID, decoded.GraphID)
	assert.Equal(t, graph.RiskLevel, decoded.RiskLevel)
	assert.Equal(t, graph.ExecutionMode, decoded.ExecutionMode)
	require.Contains(t, decoded.Nodes, node.NodeID)
	got := decoded.Nodes[node.NodeID]
	assert.Equal(t, node.InputData, got.InputData)
	assert.Equal(t, node.RequiredPermissions, got.RequiredPermissions)
	assert.Equal(t, node.ValidationRule, got.ValidationRule)
	assert.True(t, node.CreatedAt.Equal(got.CreatedAt))
}

func TestSecurityContextHasScope(t *testing.T) {
	sc := NewSecurityContext("u1")
	sc.AllowedScopes = []PermissionScope{ScopeRead}

	assert.True(t, sc.HasScope(ScopeRead))
	assert.False(t, sc.HasScope(ScopeAdmin))
}
