package client

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/agent"
	"github.com/skeinlabs/skein/pkg/api"
	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/orchestrator"
	"github.com/skeinlabs/skein/pkg/planner"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := agent.NewRuntime(bus, nil)
	rt.Register(agent.Func{
		Type: types.AgentCode,
		Run: func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	cfg := config.DefaultConfig()
	orch := orchestrator.New(cfg, orchestrator.Deps{Bus: bus, Runtime: rt, Store: store})
	server := api.NewServer(orch, planner.NewFallback(types.AgentCode), store, cfg)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL, WithUserID("tester"), WithHTTPClient(ts.Client()))
}

func TestSubmitGoalRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	graphID, err := c.SubmitGoal(ctx, "demo goal", types.ModeSequential)
	require.NoError(t, err)
	require.NotEmpty(t, graphID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	graph, err := c.WaitForGraph(waitCtx, graphID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, graph.Status)
	assert.Equal(t, "demo goal", graph.GoalSummary)

	summaries, err := c.Graphs(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, graphID, summaries[0].GraphID)
}

func TestGraphNotFoundSurfacesError(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Graph(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHealthEndpoint(t *testing.T) {
	c := newTestClient(t)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}
