package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/types"
)

func TestMemoryBrokerPublishConsume(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	e1 := types.NewEvent("task.completed", "worker-1", map[string]any{"node_id": "n1"})
	e2 := types.NewEvent("task.failed", "worker-2", nil)
	require.NoError(t, b.Publish(ctx, e1))
	require.NoError(t, b.Publish(ctx, e2))

	events, err := b.Consume(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, e1.EventID, events[0].EventID)
	assert.Equal(t, e2.EventID, events[1].EventID)
}

func TestMemoryBrokerConsumeRespectsCount(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, types.NewEvent("x", "test", nil)))
	}

	events, err := b.Consume(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = b.Consume(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMemoryBrokerDedup(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	dup, err := b.IsDuplicate(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = b.IsDuplicate(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = b.IsDuplicate(ctx, "ev-2")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryBrokerClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), types.NewEvent("x", "test", nil))
	assert.Error(t, err)
}

func TestEventRoundTrip(t *testing.T) {
	e := types.NewEvent("task.completed", "worker-1", map[string]any{
		"graph_id": "g1",
		"node_id":  "n3",
		"status":   "SUCCESS",
	})
	e.Priority = 7
	e.CorrelationID = "corr-1"

	data, err := e.Encode()
	require.NoError(t, err)

	got, err := types.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.EventType, got.EventType)
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "n3", got.Payload["node_id"])
}
