package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skeinlabs/skein/pkg/queue"
	"github.com/skeinlabs/skein/pkg/types"
)

// remoteResult is one worker outcome delivered over the bus.
type remoteResult struct {
	output map[string]any
	err    error
}

// executeDistributed pushes ready nodes onto the task queue and reconciles
// worker results arriving as task.completed / task.failed events. Dispatch is
// throttled by queue backpressure and bounded by the per-graph credit budget;
// nodes that exceed their timeout while queued out are failed in place.
func (o *Orchestrator) executeDistributed(ctx context.Context, graph *types.TaskGraph, sc *types.SecurityContext) *types.GraphResult {
	start := time.Now()
	var errs []types.NodeError
	completed := []string{}

	if o.deps.Queue == nil {
		errs = append(errs, types.NodeError{
			NodeID:    "GLOBAL",
			Error:     "distributed mode requires a task queue",
			Timestamp: time.Now().UTC(),
		})
		graph.Status = types.TaskStatusFailed
		return o.finishGraph(graph, completed, errs, time.Since(start))
	}

	results := make(map[string]remoteResult)
	var resultsMu sync.Mutex

	collect := func(event *types.Event) error {
		if event.Payload["graph_id"] != graph.GraphID {
			return nil
		}
		nodeID, _ := event.Payload["node_id"].(string)
		if nodeID == "" {
			return nil
		}

		resultsMu.Lock()
		defer resultsMu.Unlock()
		if status, _ := event.Payload["status"].(string); status == "success" {
			output, _ := event.Payload["result"].(map[string]any)
			results[nodeID] = remoteResult{output: output}
		} else {
			msg, _ := event.Payload["error"].(string)
			results[nodeID] = remoteResult{err: errors.New(msg)}
		}
		return nil
	}

	completedSub := o.deps.Bus.Subscribe("task.completed", collect)
	failedSub := o.deps.Bus.Subscribe("task.failed", collect)
	defer func() {
		o.deps.Bus.Unsubscribe("task.completed", completedSub)
		o.deps.Bus.Unsubscribe("task.failed", failedSub)
	}()

	scopes := make([]string, 0, len(sc.AllowedScopes))
	for _, scope := range sc.AllowedScopes {
		scopes = append(scopes, string(scope))
	}

	var creditsUsed float64
	budgetExhausted := false

	for {
		if ctx.Err() != nil {
			errs = append(errs, types.NodeError{
				NodeID:    "GLOBAL",
				Error:     ctx.Err().Error(),
				Timestamp: time.Now().UTC(),
			})
			break
		}

		// Apply any worker results that arrived since the last pass.
		resultsMu.Lock()
		for nodeID, res := range results {
			node, ok := graph.Nodes[nodeID]
			if !ok || node.Status.Terminal() {
				delete(results, nodeID)
				continue
			}
			if res.err != nil {
				node.Status = types.TaskStatusFailed
				node.ErrorLog = append(node.ErrorLog, res.err.Error())
				errs = append(errs, types.NodeError{
					NodeID:    nodeID,
					Error:     res.err.Error(),
					Timestamp: time.Now().UTC(),
				})
			} else {
				node.OutputData = res.output
				node.Status = types.TaskStatusSuccess
				completed = append(completed, nodeID)
			}
			delete(results, nodeID)
			o.persistGraph(graph)
		}
		resultsMu.Unlock()

		o.sweepTimeouts(graph, &errs)

		if graph.Done() {
			break
		}

		ready := graph.ReadyNodes()
		running := 0
		for _, node := range graph.Nodes {
			if node.Status == types.TaskStatusRunning {
				running++
			}
		}

		if len(ready) == 0 || budgetExhausted {
			if running == 0 {
				// Stuck: failed dependencies or an exhausted budget leave
				// the remaining nodes PENDING.
				break
			}
			time.Sleep(resultPollInterval)
			continue
		}

		if size, err := o.deps.Queue.Size(ctx); err == nil && size > o.cfg.MaxQueueSize {
			o.logger.Warn().Int("queue_size", size).Msg("backpressure, throttling dispatch")
			time.Sleep(time.Second)
			continue
		}

		for _, node := range ready {
			if creditsUsed+dispatchCost > o.cfg.MaxCredits {
				budgetExhausted = true
				errs = append(errs, types.NodeError{
					NodeID:    "GLOBAL",
					Error:     "Cost budget exceeded",
					Timestamp: time.Now().UTC(),
				})
				o.logger.Error().
					Float64("credits_used", creditsUsed).
					Float64("max_credits", o.cfg.MaxCredits).
					Msg("cost budget exceeded, halting dispatch")
				break
			}
			creditsUsed += dispatchCost

			node.Status = types.TaskStatusRunning
			now := time.Now().UTC()
			node.StartedAt = &now

			payload := &queue.TaskPayload{
				Node:     node,
				GraphID:  graph.GraphID,
				Priority: node.Priority,
				Scopes:   scopes,
				UserID:   sc.UserID,
			}
			if err := o.deps.Queue.Push(ctx, payload); err != nil {
				node.Status = types.TaskStatusFailed
				node.ErrorLog = append(node.ErrorLog, err.Error())
				errs = append(errs, types.NodeError{
					NodeID:    node.NodeID,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				})
			} else {
				o.logger.Info().Str("node_id", node.NodeID).Msg("dispatched to worker queue")
			}
			o.persistGraph(graph)
		}
	}

	return o.finishGraph(graph, completed, errs, time.Since(start))
}

// sweepTimeouts fails dispatched nodes that exceeded their SLA. The worker is
// not cancelled; a late result for a terminal node is dropped.
func (o *Orchestrator) sweepTimeouts(graph *types.TaskGraph, errs *[]types.NodeError) {
	now := time.Now().UTC()
	for _, node := range graph.Nodes {
		if node.Status != types.TaskStatusRunning || node.StartedAt == nil {
			continue
		}
		timeout := time.Duration(node.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = time.Minute
		}
		if now.Sub(*node.StartedAt) <= timeout {
			continue
		}

		node.Status = types.TaskStatusTimeout
		msg := "SLA timeout"
		node.ErrorLog = append(node.ErrorLog, msg)
		*errs = append(*errs, types.NodeError{NodeID: node.NodeID, Error: msg, Timestamp: now})
		o.persistGraph(graph)
		o.logger.Error().Str("node_id", node.NodeID).Dur("timeout", timeout).Msg("node exceeded SLA")
	}
}
