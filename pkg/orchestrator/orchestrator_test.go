package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/agent"
	"github.com/skeinlabs/skein/pkg/billing"
	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/memory"
	"github.com/skeinlabs/skein/pkg/queue"
	"github.com/skeinlabs/skein/pkg/security"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
	"github.com/skeinlabs/skein/pkg/validation"
	"github.com/skeinlabs/skein/pkg/vector"
	"github.com/skeinlabs/skein/pkg/worker"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type fixture struct {
	orch  *Orchestrator
	bus   *events.Bus
	rt    *agent.Runtime
	store storage.Store
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	sec := security.NewService(cfg.Security, bus)
	rt := agent.NewRuntime(bus, sec)

	orch := New(cfg, Deps{
		Bus:        bus,
		Runtime:    rt,
		Security:   sec,
		Validation: validation.NewService(cfg.Validation, bus),
		Memory:     memory.NewService(cfg.Memory, store, vector.NewInMemory(memory.EmbeddingDimension), bus),
		Billing:    billing.NewService(store),
		Store:      store,
	})
	return &fixture{orch: orch, bus: bus, rt: rt, store: store, cfg: cfg}
}

func echoHandler() agent.Func {
	return agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
}

func adminContext() *types.SecurityContext {
	sc := types.NewSecurityContext("test-user")
	sc.IsAuthenticated = true
	sc.MFAVerified = true
	sc.AllowedScopes = []types.PermissionScope{types.ScopeAdmin, types.ScopeRead, types.ScopeWrite}
	return sc
}

func twoNodeChain(mode types.ExecutionMode) (*types.TaskGraph, *types.TaskNode, *types.TaskNode) {
	graph := types.NewTaskGraph("two step goal")
	graph.ExecutionMode = mode

	a := types.NewTaskNode("step-a", types.AgentCode)
	b := types.NewTaskNode("step-b", types.AgentCode)
	b.Dependencies = []string{a.NodeID}
	graph.AddNode(a)
	graph.AddNode(b)
	return graph, a, b
}

func TestSequentialTwoNodeSuccess(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, a, b := twoNodeChain(types.ModeSequential)
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, []string{a.NodeID, b.NodeID}, result.CompletedNodes)
	assert.Equal(t, types.TaskStatusSuccess, a.Status)
	assert.Equal(t, types.TaskStatusSuccess, b.Status)
	assert.Equal(t, types.TaskStatusSuccess, graph.Status)
	assert.Len(t, result.ExecutionLog, 2)
}

func TestGraphPersistedAfterRun(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, _, _ := twoNodeChain(types.ModeSequential)
	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	saved, err := f.store.GetGraph(graph.GraphID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, saved.Status)
	assert.Len(t, saved.Nodes, 2)
}

func TestInvalidGraphRejected(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph := types.NewTaskGraph("cyclic")
	a := types.NewTaskNode("a", types.AgentCode)
	b := types.NewTaskNode("b", types.AgentCode)
	a.Dependencies = []string{b.NodeID}
	b.Dependencies = []string{a.NodeID}
	graph.AddNode(a)
	graph.AddNode(b)

	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	assert.Error(t, err)
}

func TestPartialFailureContinuesIndependentBranch(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			if node.Name == "doomed" {
				return nil, errors.New("kaput")
			}
			return map[string]any{"ok": true}, nil
		},
	})

	graph := types.NewTaskGraph("mixed outcome")
	doomed := types.NewTaskNode("doomed", types.AgentCode)
	doomed.RetryConfig.MaxRetries = 0
	downstream := types.NewTaskNode("downstream", types.AgentCode)
	downstream.Dependencies = []string{doomed.NodeID}
	independent := types.NewTaskNode("independent", types.AgentCode)
	graph.AddNode(doomed)
	graph.AddNode(downstream)
	graph.AddNode(independent)

	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "partial_failure", result.Status)
	assert.Equal(t, types.TaskStatusFailed, doomed.Status)
	assert.Equal(t, types.TaskStatusPending, downstream.Status)
	assert.Equal(t, types.TaskStatusSuccess, independent.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, doomed.NodeID, result.Errors[0].NodeID)
}

func TestRetryToSuccess(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	attempts := 0
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts <= 2 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		},
	})

	graph := types.NewTaskGraph("retry goal")
	node := types.NewTaskNode("flaky", types.AgentCode)
	node.RetryConfig = types.RetryConfig{
		MaxRetries:        2,
		Strategy:          types.RetryExponential,
		InitialDelay:      0.01,
		MaxDelay:          1,
		BackoffMultiplier: 2,
	}
	graph.AddNode(node)

	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, node.Retries)
	assert.Equal(t, types.TaskStatusSuccess, node.Status)
}

func TestValidationFailureFailsNode(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			return map[string]any{"status": "error"}, nil
		},
	})

	graph := types.NewTaskGraph("validated goal")
	node := types.NewTaskNode("checked", types.AgentCode)
	node.RetryConfig.MaxRetries = 0
	node.ValidationRule = "output.status == 'success'"
	graph.AddNode(node)

	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, types.TaskStatusFailed, node.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error, "validation failed")
}

func TestParallelFanOut(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			time.Sleep(100 * time.Millisecond)
			return map[string]any{"ok": true}, nil
		},
	})

	graph := types.NewTaskGraph("fan out")
	graph.ExecutionMode = types.ModeParallel
	graph.MaxParallelTasks = 3
	for _, name := range []string{"n1", "n2", "n3"} {
		graph.AddNode(types.NewTaskNode(name, types.AgentCode))
	}

	start := time.Now()
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestParallelBoundedByMaxParallelTasks(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			time.Sleep(100 * time.Millisecond)
			return map[string]any{"ok": true}, nil
		},
	})

	graph := types.NewTaskGraph("fan out throttled")
	graph.ExecutionMode = types.ModeParallel
	graph.MaxParallelTasks = 1
	for _, name := range []string{"n1", "n2", "n3"} {
		graph.AddNode(types.NewTaskNode(name, types.AgentCode))
	}

	start := time.Now()
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestStreamingEmitsSequencedUpdates(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, _, _ := twoNodeChain(types.ModeStreaming)
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	updates := f.orch.StreamingUpdates(graph.GraphID)
	// Two nodes, each with a status and an output update.
	require.Len(t, updates, 4)
	for i, update := range updates {
		assert.Equal(t, i, update.Sequence)
	}
	assert.Equal(t, "status", updates[0].UpdateType)
	assert.Equal(t, "output", updates[1].UpdateType)
}

func TestTierGateRejectsOversizedGraph(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph := types.NewTaskGraph("too big for free tier")
	for i := 0; i < 6; i++ {
		graph.AddNode(types.NewTaskNode("n", types.AgentCode))
	}

	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	assert.ErrorIs(t, err, billing.ErrTierLimitExceeded)
	assert.Equal(t, types.TaskStatusFailed, graph.Status)
}

func TestRiskLevelAssessed(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph := types.NewTaskGraph("risky goal")
	node := types.NewTaskNode("dangerous", types.AgentCode)
	node.RequiredPermissions = []types.PermissionScope{types.ScopeAdmin, types.ScopeDelete}
	graph.AddNode(node)

	sc := adminContext()
	sc.MFAVerified = false

	_, err := f.orch.ProcessGoal(context.Background(), graph, sc)
	require.NoError(t, err)
	assert.Equal(t, types.RiskHigh, graph.RiskLevel)
}

func TestExecutionMemoryStored(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, _, _ := twoNodeChain(types.ModeSequential)
	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	records, err := f.store.ListMemoryRecordsByCategory("orchestrated_execution")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "two step goal", records[0].GoalSummary)
	assert.Contains(t, records[0].ContextTags, "status:success")
}

func TestGraphLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	var mu sync.Mutex
	var seen []string
	f.bus.Subscribe("graph.*", func(event *types.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.EventType)
		return nil
	})

	graph, _, _ := twoNodeChain(types.ModeSequential)
	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "graph.started")
	assert.Contains(t, seen, "graph.completed")
}

func TestDistributedHappyPath(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	f.orch.deps.Queue = q

	w := worker.New(q, f.rt, f.bus)
	w.Start()
	t.Cleanup(w.Stop)

	graph, a, b := twoNodeChain(types.ModeDistributed)
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, types.TaskStatusSuccess, a.Status)
	assert.Equal(t, types.TaskStatusSuccess, b.Status)
	assert.ElementsMatch(t, []string{a.NodeID, b.NodeID}, result.CompletedNodes)
}

func TestDistributedBudgetExceeded(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())
	f.cfg.MaxCredits = 1.0

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	f.orch.deps.Queue = q

	w := worker.New(q, f.rt, f.bus)
	w.Start()
	t.Cleanup(w.Stop)

	graph, a, b := twoNodeChain(types.ModeDistributed)
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "partial_failure", result.Status)
	assert.Equal(t, types.TaskStatusSuccess, a.Status)
	assert.Equal(t, types.TaskStatusPending, b.Status)

	var budgetErr bool
	for _, e := range result.Errors {
		if e.Error == "Cost budget exceeded" {
			budgetErr = true
		}
	}
	assert.True(t, budgetErr)
}

func TestDistributedWithoutQueueFails(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, _, _ := twoNodeChain(types.ModeDistributed)
	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "failed", result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "GLOBAL", result.Errors[0].NodeID)
}

func TestDistributedSLATimeout(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			time.Sleep(5 * time.Second)
			return map[string]any{}, nil
		},
	})

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	f.orch.deps.Queue = q

	w := worker.New(q, f.rt, f.bus)
	w.Start()
	t.Cleanup(w.Stop)

	graph := types.NewTaskGraph("slow goal")
	graph.ExecutionMode = types.ModeDistributed
	node := types.NewTaskNode("slow", types.AgentCode)
	node.TimeoutSeconds = 1
	graph.AddNode(node)

	result, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, types.TaskStatusTimeout, node.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Error, "SLA")
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t)
	f.rt.Register(echoHandler())

	graph, _, _ := twoNodeChain(types.ModeSequential)
	_, err := f.orch.ProcessGoal(context.Background(), graph, adminContext())
	require.NoError(t, err)

	health := f.orch.Health(context.Background())
	assert.Equal(t, 0, health.ActiveGraphs)
	assert.Equal(t, int64(2), health.CompletedTasks)
	assert.Equal(t, int64(0), health.FailedTasks)
	assert.Greater(t, health.UptimeSeconds, 0.0)
}
