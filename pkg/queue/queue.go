// Package queue implements the distributed work queue tasks travel through
// between the orchestrator and workers: a Redis list pair using the reliable
// pop pattern (BLMOVE from pending to processing, LREM on completion), plus an
// in-memory implementation with the same contract.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/types"
)

const (
	pendingKey    = "skein_task_queue"
	processingKey = "skein_task_processing"
)

// TaskPayload is the wire format of a queued task. Raw holds the exact bytes
// popped from the queue and is needed for Complete.
type TaskPayload struct {
	Node     *types.TaskNode `json:"node"`
	GraphID  string          `json:"graph_id"`
	QueuedAt time.Time       `json:"queued_at"`
	Priority int             `json:"priority"`
	Scopes   []string        `json:"scopes,omitempty"`
	UserID   string          `json:"user_id,omitempty"`

	Raw []byte `json:"-"`
}

// TaskQueue is the transport between orchestrator and workers
type TaskQueue interface {
	// Push enqueues a task payload
	Push(ctx context.Context, payload *TaskPayload) error
	// Pop blocks up to timeout for a task, moving it to the processing set.
	// Returns nil when the timeout elapses with nothing queued.
	Pop(ctx context.Context, timeout time.Duration) (*TaskPayload, error)
	// Complete removes a popped task from the processing set
	Complete(ctx context.Context, payload *TaskPayload) error
	// Size returns the number of pending tasks, used for backpressure
	Size(ctx context.Context) (int, error)
	Close() error
}

// RedisQueue is the Redis list implementation
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("task queue connection failed: %w", err)
	}

	q := &RedisQueue{client: client, logger: log.WithComponent("queue")}
	q.logger.Info().Str("url", redisURL).Msg("task queue connected")
	return q, nil
}

func (q *RedisQueue) Push(ctx context.Context, payload *TaskPayload) error {
	if payload.QueuedAt.IsZero() {
		payload.QueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode task payload: %w", err)
	}

	if err := q.client.LPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push task %s: %w", payload.Node.NodeID, err)
	}
	q.logger.Debug().Str("node_id", payload.Node.NodeID).Str("graph_id", payload.GraphID).Msg("task queued")
	return nil
}

// Pop atomically moves the oldest pending task to the processing list and
// returns it. BLMOVE blocks until a task arrives or the timeout elapses.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*TaskPayload, error) {
	raw, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	payload, err := decodePayload([]byte(raw))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Complete removes the task's exact payload from the processing list
func (q *RedisQueue) Complete(ctx context.Context, payload *TaskPayload) error {
	if payload.Raw == nil {
		return fmt.Errorf("task payload has no raw bytes")
	}
	return q.client.LRem(ctx, processingKey, 0, string(payload.Raw)).Err()
}

func (q *RedisQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	metrics.QueueSize.WithLabelValues("tasks").Set(float64(n))
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is the in-process fallback with the same contract
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	done   chan struct{}
	closed bool
}

// NewMemoryQueue creates an in-memory queue bounded at capacity
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryQueue{
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues the payload. The buffer channel is never closed; Close is
// signalled through done so a Push racing Close cannot send on a closed
// channel.
func (q *MemoryQueue) Push(ctx context.Context, payload *TaskPayload) error {
	if payload.QueuedAt.IsZero() {
		payload.QueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode task payload: %w", err)
	}

	select {
	case <-q.done:
		return fmt.Errorf("queue closed")
	default:
	}

	select {
	case q.ch <- data:
		return nil
	case <-q.done:
		return fmt.Errorf("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (*TaskPayload, error) {
	select {
	case data := <-q.ch:
		return decodePayload(data)
	case <-q.done:
		return nil, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Complete(ctx context.Context, payload *TaskPayload) error {
	// Nothing to remove: the in-memory queue has no processing set
	return nil
}

func (q *MemoryQueue) Size(ctx context.Context) (int, error) {
	return len(q.ch), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func decodePayload(data []byte) (*TaskPayload, error) {
	var payload TaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	payload.Raw = data
	return &payload, nil
}
