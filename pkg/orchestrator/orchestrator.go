// Package orchestrator owns the lifecycle of a task graph: risk assessment,
// tier gating, mode-specific execution, persistence on every status change,
// and execution memory.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/agent"
	"github.com/skeinlabs/skein/pkg/billing"
	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/memory"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/queue"
	"github.com/skeinlabs/skein/pkg/security"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
	"github.com/skeinlabs/skein/pkg/validation"
)

// dispatchCost is the in-run credit budget charged per distributed dispatch.
const dispatchCost = 1.0

// resultPollInterval paces the distributed wait loop.
const resultPollInterval = 100 * time.Millisecond

// Deps holds the orchestrator's collaborators. Bus, Runtime, and Store are
// required; the rest are optional and disable their feature when nil.
type Deps struct {
	Bus        *events.Bus
	Runtime    *agent.Runtime
	Security   *security.Service
	Validation *validation.Service
	Memory     *memory.Service
	Billing    *billing.Service
	Store      storage.Store
	Queue      queue.TaskQueue
}

// HealthSnapshot summarizes orchestrator activity since start.
type HealthSnapshot struct {
	ActiveGraphs    int     `json:"active_graphs"`
	CompletedTasks  int64   `json:"completed_tasks"`
	FailedTasks     int64   `json:"failed_tasks"`
	AvgExecutionMS  float64 `json:"avg_execution_time_ms"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ErrorRate       float64 `json:"error_rate"`
	QueuedTasks     int     `json:"queued_tasks,omitempty"`
	EventsPublished int64   `json:"events_published"`
}

// Orchestrator drives task graphs to completion.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	mu           sync.Mutex
	activeGraphs map[string]*types.TaskGraph
	logs         map[string][]*types.ExecutionLog
	streams      map[string][]*types.StreamingUpdate

	startTime     time.Time
	tasksExecuted int64
	tasksFailed   int64
	totalExecMS   float64

	logger zerolog.Logger
}

// New wires an orchestrator from explicit collaborators.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		activeGraphs: make(map[string]*types.TaskGraph),
		logs:         make(map[string][]*types.ExecutionLog),
		streams:      make(map[string][]*types.StreamingUpdate),
		startTime:    time.Now().UTC(),
		logger:       log.WithComponent("orchestrator"),
	}
}

// ProcessGoal executes a task graph to completion and returns its result.
// The graph is validated, risk-assessed, gated by the caller's billing tier,
// and then executed per its mode. Nil security contexts run as the system
// operator.
func (o *Orchestrator) ProcessGoal(ctx context.Context, graph *types.TaskGraph, sc *types.SecurityContext) (*types.GraphResult, error) {
	if sc == nil {
		sc = types.NewSecurityContext("system_orchestrator")
		sc.IsAuthenticated = true
		sc.AllowedScopes = []types.PermissionScope{types.ScopeAdmin}
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}

	graphID := graph.GraphID
	o.mu.Lock()
	o.activeGraphs[graphID] = graph
	o.mu.Unlock()
	metrics.ActiveGraphs.Inc()
	defer func() {
		o.mu.Lock()
		delete(o.activeGraphs, graphID)
		o.mu.Unlock()
		metrics.ActiveGraphs.Dec()
	}()

	o.persistGraph(graph)

	start := types.NewEvent("graph.started", "orchestrator", map[string]any{
		"graph_id":   graphID,
		"goal":       graph.GoalSummary,
		"node_count": len(graph.Nodes),
	})
	start.Priority = 1
	o.publish(ctx, start)

	o.assessGraphRisk(ctx, graph, sc)

	if o.deps.Billing != nil {
		if err := o.deps.Billing.CheckGraphSize(ctx, sc.UserID, len(graph.Nodes)); err != nil {
			o.failGraph(ctx, graph, err)
			return nil, err
		}
	}

	began := time.Now()
	var result *types.GraphResult
	switch graph.ExecutionMode {
	case types.ModeParallel:
		result = o.executeParallel(ctx, graph, sc)
	case types.ModeDistributed:
		result = o.executeDistributed(ctx, graph, sc)
	case types.ModeStreaming:
		result = o.executeSequential(ctx, graph, sc, true)
	default:
		result = o.executeSequential(ctx, graph, sc, false)
	}
	result.ExecutionMode = graph.ExecutionMode

	o.storeExecutionMemory(ctx, graph, result)
	o.persistGraph(graph)

	done := types.NewEvent("graph.completed", "orchestrator", map[string]any{
		"graph_id":    graphID,
		"status":      result.Status,
		"error_count": len(result.Errors),
	})
	done.Priority = 1
	o.publish(ctx, done)

	metrics.GraphsExecuted.WithLabelValues(string(graph.ExecutionMode), result.Status).Inc()
	metrics.GraphDuration.Observe(time.Since(began).Seconds())

	o.logger.Info().
		Str("graph_id", graphID).
		Str("status", result.Status).
		Int("errors", len(result.Errors)).
		Float64("seconds", result.ExecutionTime).
		Msg("graph finished")
	return result, nil
}

// failGraph marks a graph rejected before execution began.
func (o *Orchestrator) failGraph(ctx context.Context, graph *types.TaskGraph, cause error) {
	graph.Status = types.TaskStatusFailed
	o.persistGraph(graph)

	failed := types.NewEvent("graph.failed", "orchestrator", map[string]any{
		"graph_id": graph.GraphID,
		"error":    cause.Error(),
	})
	failed.Priority = 1
	o.publish(ctx, failed)
	metrics.GraphsExecuted.WithLabelValues(string(graph.ExecutionMode), "failed").Inc()
}

// assessGraphRisk takes the worst per-node risk as the graph's level.
func (o *Orchestrator) assessGraphRisk(ctx context.Context, graph *types.TaskGraph, sc *types.SecurityContext) {
	if o.deps.Security == nil {
		return
	}

	var worst security.RiskResult
	worst.Level = types.RiskLow
	for _, node := range graph.Nodes {
		res := o.deps.Security.AssessRisk(ctx, node, sc)
		if res.Score > worst.Score {
			worst = res
		}
	}
	graph.RiskLevel = worst.Level
}

// executeSequential runs ready nodes one at a time in priority order.
// Failures are recorded and the loop continues so independent branches still
// run; nodes downstream of a failure stay PENDING.
func (o *Orchestrator) executeSequential(ctx context.Context, graph *types.TaskGraph, sc *types.SecurityContext, streaming bool) *types.GraphResult {
	start := time.Now()
	var errs []types.NodeError
	completed := []string{}

	for {
		ready := graph.ReadyNodes()
		if len(ready) == 0 {
			break
		}

		for _, node := range ready {
			if err := o.executeNode(ctx, node, graph, sc, streaming, true); err != nil {
				errs = append(errs, types.NodeError{
					NodeID:    node.NodeID,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				})
				continue
			}
			completed = append(completed, node.NodeID)
		}
	}

	return o.finishGraph(graph, completed, errs, time.Since(start))
}

// executeParallel dispatches each ready wave concurrently, bounded by the
// graph's max_parallel_tasks.
func (o *Orchestrator) executeParallel(ctx context.Context, graph *types.TaskGraph, sc *types.SecurityContext) *types.GraphResult {
	start := time.Now()
	var errs []types.NodeError
	completed := []string{}
	var resultMu sync.Mutex

	for {
		ready := graph.ReadyNodes()
		if len(ready) == 0 {
			break
		}
		if len(ready) > graph.MaxParallelTasks {
			ready = ready[:graph.MaxParallelTasks]
		}

		var wg sync.WaitGroup
		for _, node := range ready {
			wg.Add(1)
			go func(node *types.TaskNode) {
				defer wg.Done()
				// Persisting happens at the wave boundary: a mid-flight
				// snapshot would race with sibling node updates.
				err := o.executeNode(ctx, node, graph, sc, false, false)

				resultMu.Lock()
				defer resultMu.Unlock()
				if err != nil {
					errs = append(errs, types.NodeError{
						NodeID:    node.NodeID,
						Error:     err.Error(),
						Timestamp: time.Now().UTC(),
					})
					return
				}
				completed = append(completed, node.NodeID)
			}(node)
		}
		wg.Wait()
		o.persistGraph(graph)
	}

	return o.finishGraph(graph, completed, errs, time.Since(start))
}

// executeNode runs one node through the runtime with retry backoff, then
// applies its validation rule. The orchestrator owns the sleep between
// attempts; the runtime owns the retry accounting.
func (o *Orchestrator) executeNode(ctx context.Context, node *types.TaskNode, graph *types.TaskGraph, sc *types.SecurityContext, streaming, persist bool) error {
	start := time.Now()
	node.Status = types.TaskStatusRunning
	startUTC := start.UTC()
	node.StartedAt = &startUTC

	entry := &types.ExecutionLog{
		LogID:     uuid.NewString()[:8],
		GraphID:   graph.GraphID,
		NodeID:    node.NodeID,
		AgentType: node.AgentType,
		Action:    "execute",
		Status:    types.TaskStatusRunning,
		Timestamp: startUTC,
	}
	o.mu.Lock()
	o.logs[graph.GraphID] = append(o.logs[graph.GraphID], entry)
	o.mu.Unlock()

	if streaming {
		o.emitStream(ctx, graph.GraphID, node.NodeID, "status", map[string]any{"status": "running"})
	}
	if persist {
		o.persistGraph(graph)
	}

	result, err := o.runWithRetry(ctx, node, sc)

	entry.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)

	if err == nil && node.ValidationRule != "" && o.deps.Validation != nil {
		node.OutputData = result
		vres := o.deps.Validation.Validate(ctx, node)
		if !vres.Passed {
			err = fmt.Errorf("validation failed: %s", vres.Message)
			node.Status = types.TaskStatusFailed
			node.ErrorLog = append(node.ErrorLog, err.Error())
		}
	}

	if err != nil {
		node.Status = types.TaskStatusFailed
		entry.Status = types.TaskStatusFailed
		entry.ErrorMessage = err.Error()

		if streaming {
			o.emitStream(ctx, graph.GraphID, node.NodeID, "error", map[string]any{"error": err.Error()})
		}
		if persist {
			o.persistGraph(graph)
		}

		o.mu.Lock()
		o.tasksFailed++
		o.mu.Unlock()
		return err
	}

	node.OutputData = result
	entry.Status = types.TaskStatusSuccess
	entry.Output = result

	if streaming {
		o.emitStream(ctx, graph.GraphID, node.NodeID, "output", result)
	}
	if persist {
		o.persistGraph(graph)
	}

	o.mu.Lock()
	o.tasksExecuted++
	o.totalExecMS += node.ExecutionTimeMS
	o.mu.Unlock()
	return nil
}

// runWithRetry calls the runtime until success, exhaustion, or ctx cancel.
func (o *Orchestrator) runWithRetry(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		result, err := o.deps.Runtime.Run(ctx, node, sc)
		if err == nil {
			return result, nil
		}
		if node.Status != types.TaskStatusRetry {
			return nil, err
		}

		delay := agent.RetryDelay(node.RetryConfig, attempt)
		o.logger.Warn().
			Str("node_id", node.NodeID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying node")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishGraph computes the caller-visible result and final graph status.
func (o *Orchestrator) finishGraph(graph *types.TaskGraph, completed []string, errs []types.NodeError, elapsed time.Duration) *types.GraphResult {
	allSuccess := true
	for _, node := range graph.Nodes {
		if node.Status != types.TaskStatusSuccess {
			allSuccess = false
			break
		}
	}

	status := "failed"
	switch {
	case allSuccess:
		status = "success"
		graph.Status = types.TaskStatusSuccess
	case len(completed) > 0:
		status = "partial_failure"
		graph.Status = types.TaskStatusFailed
	default:
		graph.Status = types.TaskStatusFailed
	}

	o.mu.Lock()
	logs := append([]*types.ExecutionLog(nil), o.logs[graph.GraphID]...)
	o.mu.Unlock()

	return &types.GraphResult{
		GraphID:        graph.GraphID,
		Goal:           graph.GoalSummary,
		Status:         status,
		RiskLevel:      graph.RiskLevel,
		CompletedNodes: completed,
		TotalNodes:     len(graph.Nodes),
		Errors:         errs,
		ExecutionLog:   logs,
		ExecutionTime:  elapsed.Seconds(),
	}
}

// emitStream records a streaming update and publishes it as a stream.<kind>
// event with a per-graph monotone sequence.
func (o *Orchestrator) emitStream(ctx context.Context, graphID, nodeID, kind string, data map[string]any) {
	o.mu.Lock()
	update := &types.StreamingUpdate{
		UpdateID:   uuid.NewString()[:8],
		GraphID:    graphID,
		NodeID:     nodeID,
		UpdateType: kind,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		Sequence:   len(o.streams[graphID]),
	}
	o.streams[graphID] = append(o.streams[graphID], update)
	o.mu.Unlock()

	o.publish(ctx, types.NewEvent("stream."+kind, "orchestrator", map[string]any{
		"update_id": update.UpdateID,
		"graph_id":  graphID,
		"node_id":   nodeID,
		"data":      data,
		"sequence":  update.Sequence,
	}))
}

// StreamingUpdates returns the recorded updates for a graph in sequence order.
func (o *Orchestrator) StreamingUpdates(graphID string) []*types.StreamingUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.StreamingUpdate(nil), o.streams[graphID]...)
}

// ExecutionLogs returns the per-node log entries recorded for a graph.
func (o *Orchestrator) ExecutionLogs(graphID string) []*types.ExecutionLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.ExecutionLog(nil), o.logs[graphID]...)
}

// storeExecutionMemory records the finished run for later recall. Best-effort.
func (o *Orchestrator) storeExecutionMemory(ctx context.Context, graph *types.TaskGraph, result *types.GraphResult) {
	if o.deps.Memory == nil {
		return
	}

	errs := make([]any, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, map[string]any{"node_id": e.NodeID, "error": e.Error})
	}
	logs := make([]any, 0, len(result.ExecutionLog))
	for _, l := range result.ExecutionLog {
		logs = append(logs, l)
	}

	record := &types.MemoryRecord{
		Category:      "orchestrated_execution",
		GoalSummary:   graph.GoalSummary,
		GraphSnapshot: graphSnapshot(graph),
		ExecutionLogs: logs,
		Errors:        errs,
		ContextTags: []string{
			"risk:" + string(graph.RiskLevel),
			"status:" + result.Status,
		},
	}
	if err := o.deps.Memory.Store(ctx, record); err != nil {
		o.logger.Error().Err(err).Str("graph_id", graph.GraphID).Msg("execution memory store failed")
	}
}

// graphSnapshot converts the graph to a generic map via its JSON form.
func graphSnapshot(graph *types.TaskGraph) map[string]any {
	data, err := json.Marshal(graph)
	if err != nil {
		return nil
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil
	}
	return snapshot
}

// persistGraph upserts the graph snapshot. Persistence errors never abort the
// run; the next status change retries.
func (o *Orchestrator) persistGraph(graph *types.TaskGraph) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveGraph(graph); err != nil {
		o.logger.Error().Err(err).Str("graph_id", graph.GraphID).Msg("graph persist failed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, event *types.Event) {
	if o.deps.Bus == nil {
		return
	}
	if _, err := o.deps.Bus.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", event.EventType).Msg("publish failed")
	}
}

// Health reports orchestrator activity counters.
func (o *Orchestrator) Health(ctx context.Context) HealthSnapshot {
	o.mu.Lock()
	snapshot := HealthSnapshot{
		ActiveGraphs:   len(o.activeGraphs),
		CompletedTasks: o.tasksExecuted,
		FailedTasks:    o.tasksFailed,
		UptimeSeconds:  time.Since(o.startTime).Seconds(),
	}
	if o.tasksExecuted > 0 {
		snapshot.AvgExecutionMS = o.totalExecMS / float64(o.tasksExecuted)
		snapshot.ErrorRate = float64(o.tasksFailed) / float64(o.tasksExecuted)
	}
	o.mu.Unlock()

	if o.deps.Bus != nil {
		snapshot.EventsPublished = o.deps.Bus.Stats().TotalEvents
	}
	if o.deps.Queue != nil {
		if size, err := o.deps.Queue.Size(ctx); err == nil {
			snapshot.QueuedTasks = size
		}
	}
	return snapshot
}
