// Package worker runs the distributed consumer: it pops task payloads from
// the queue, re-checks permissions, executes the node through the handler
// runtime, and reports the outcome as result events.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/agent"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/queue"
	"github.com/skeinlabs/skein/pkg/types"
)

// popTimeout bounds one blocking pop so the loop can observe shutdown.
const popTimeout = 5 * time.Second

// Worker consumes tasks until stopped.
type Worker struct {
	id      string
	queue   queue.TaskQueue
	runtime *agent.Runtime
	bus     *events.Bus
	logger  zerolog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once
	stopped sync.Once
}

// New creates a worker with a generated id.
func New(q queue.TaskQueue, rt *agent.Runtime, bus *events.Bus) *Worker {
	id := "worker_" + uuid.NewString()[:8]
	return &Worker{
		id:      id,
		queue:   q,
		runtime: rt,
		bus:     bus,
		logger:  log.WithWorkerID(id),
		done:    make(chan struct{}),
	}
}

// ID returns the worker's identity used as the event source.
func (w *Worker) ID() string { return w.id }

// Start launches the consume loop.
func (w *Worker) Start() {
	w.started.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		metrics.ActiveWorkers.Inc()
		go w.run(ctx)
		w.logger.Info().Msg("worker started")
	})
}

// Stop halts the loop and waits for the in-flight task to finish.
func (w *Worker) Stop() {
	w.stopped.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		metrics.ActiveWorkers.Dec()
		w.logger.Info().Msg("worker stopped")
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := w.queue.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if payload == nil {
			continue
		}

		w.process(ctx, payload)
	}
}

// process executes one popped task and publishes its result. Permission
// checks run again here: the scopes travel inside the payload, and a
// tampered or stale payload must not execute.
func (w *Worker) process(ctx context.Context, payload *queue.TaskPayload) {
	node := payload.Node
	if node == nil {
		w.logger.Error().Msg("payload missing node, dropping")
		_ = w.queue.Complete(ctx, payload)
		return
	}

	w.logger.Info().
		Str("node_id", node.NodeID).
		Str("graph_id", payload.GraphID).
		Str("agent_type", string(node.AgentType)).
		Msg("executing task")

	sc := types.NewSecurityContext(payload.UserID)
	sc.IsAuthenticated = payload.UserID != ""
	for _, scope := range payload.Scopes {
		sc.AllowedScopes = append(sc.AllowedScopes, types.PermissionScope(scope))
	}

	result, err := w.execute(ctx, node, sc)
	if err != nil {
		w.publishFailure(ctx, payload.GraphID, node.NodeID, err)
		return
	}

	event := types.NewEvent("task.completed", w.id, map[string]any{
		"graph_id": payload.GraphID,
		"node_id":  node.NodeID,
		"result":   result,
		"status":   "success",
	})
	if _, err := w.bus.Publish(ctx, event); err != nil {
		w.logger.Error().Err(err).Str("node_id", node.NodeID).Msg("result publish failed")
	}

	if err := w.queue.Complete(ctx, payload); err != nil {
		w.logger.Warn().Err(err).Str("node_id", node.NodeID).Msg("queue complete failed")
	}
	w.logger.Info().Str("node_id", node.NodeID).Msg("task completed")
}

// execute honors the node's retry config locally; the orchestrator only sees
// the final outcome.
func (w *Worker) execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		result, err := w.runtime.Run(ctx, node, sc)
		if err == nil {
			return result, nil
		}
		if node.Status != types.TaskStatusRetry {
			return nil, err
		}

		delay := agent.RetryDelay(node.RetryConfig, attempt)
		w.logger.Warn().
			Str("node_id", node.NodeID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying task")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) publishFailure(ctx context.Context, graphID, nodeID string, cause error) {
	event := types.NewEvent("task.failed", w.id, map[string]any{
		"graph_id": graphID,
		"node_id":  nodeID,
		"error":    cause.Error(),
		"status":   "failed",
	})
	event.Priority = 1
	if _, err := w.bus.Publish(ctx, event); err != nil {
		w.logger.Error().Err(err).Str("node_id", nodeID).Msg("failure publish failed")
	}
	w.logger.Error().Err(cause).Str("node_id", nodeID).Msg("task failed")
}
