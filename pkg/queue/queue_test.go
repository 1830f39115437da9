package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/types"
)

func newTestPayload(nodeID string) *TaskPayload {
	node := types.NewTaskNode("run step", types.AgentCode)
	node.NodeID = nodeID
	return &TaskPayload{
		Node:    node,
		GraphID: "graph-1",
		Scopes:  []string{"read", "execute"},
		UserID:  "user-1",
	}
}

func TestMemoryQueuePushPop(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, newTestPayload("n1")))

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "n1", got.Node.NodeID)
	assert.Equal(t, "graph-1", got.GraphID)
	assert.Equal(t, []string{"read", "execute"}, got.Scopes)
	assert.NotNil(t, got.Raw)
	assert.False(t, got.QueuedAt.IsZero())
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, newTestPayload(id)))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Node.NodeID)
	}
}

func TestMemoryQueuePopTimeout(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	start := time.Now()
	got, err := q.Pop(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestMemoryQueueSize(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()
	ctx := context.Background()

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	require.NoError(t, q.Push(ctx, newTestPayload("n1")))
	require.NoError(t, q.Push(ctx, newTestPayload("n2")))

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestMemoryQueueClosedRejectsPush(t *testing.T) {
	q := NewMemoryQueue(10)
	require.NoError(t, q.Close())
	err := q.Push(context.Background(), newTestPayload("n1"))
	assert.Error(t, err)

	got, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryQueueCloseUnblocksPush(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, newTestPayload("n1")))

	errCh := make(chan error, 1)
	go func() {
		// Queue is full, so this blocks until Close
		errCh <- q.Push(ctx, newTestPayload("n2"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "queue closed")
	case <-time.After(time.Second):
		t.Fatal("push did not return after close")
	}
}

func TestMemoryQueueConcurrentPushClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := NewMemoryQueue(1)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Push(context.Background(), newTestPayload("n"))
			}()
		}
		_ = q.Close()
		wg.Wait()
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := newTestPayload("n7")
	payload.Node.Description = "transform the dataset"
	payload.Node.Priority = 8
	payload.Priority = 8

	data, err := payloadBytes(t, payload)
	require.NoError(t, err)

	got, err := decodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, "n7", got.Node.NodeID)
	assert.Equal(t, "transform the dataset", got.Node.Description)
	assert.Equal(t, 8, got.Node.Priority)
	assert.Equal(t, data, got.Raw)
}

func payloadBytes(t *testing.T, payload *TaskPayload) ([]byte, error) {
	t.Helper()
	q := NewMemoryQueue(1)
	defer q.Close()
	ctx := context.Background()
	if err := q.Push(ctx, payload); err != nil {
		return nil, err
	}
	got, err := q.Pop(ctx, time.Second)
	if err != nil {
		return nil, err
	}
	return got.Raw, nil
}
