// Package agent defines the task handler contract and the runtime that wraps
// every handler call with permission checks, circuit breaking, lifecycle
// hooks, caching, and metrics.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/security"
	"github.com/skeinlabs/skein/pkg/types"
)

var (
	// ErrUnknownHandler is returned when no handler is registered for a node's agent type.
	ErrUnknownHandler = errors.New("no handler registered for agent type")

	// ErrHandlerDisabled is returned when the handler has been administratively disabled.
	ErrHandlerDisabled = errors.New("handler is disabled")

	// ErrCircuitOpen is returned when the handler's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Handler executes one kind of task node.
type Handler interface {
	AgentType() types.AgentType
	Execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error)
}

// CacheKeyer is optionally implemented by handlers whose results are safe to
// reuse across identical inputs. An empty key disables caching for that node.
type CacheKeyer interface {
	CacheKey(node *types.TaskNode) string
}

// Func adapts a bare function to the Handler interface.
type Func struct {
	Type types.AgentType
	Run  func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error)
}

func (f Func) AgentType() types.AgentType { return f.Type }

func (f Func) Execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	return f.Run(ctx, node, sc)
}

// Biller charges a user account for one handler execution. Implemented by the
// billing service; nil disables per-execution debits.
type Biller interface {
	DebitExecution(ctx context.Context, userID string) error
}

// Lifecycle hook points.
const (
	HookBeforeExecute = "before_execute"
	HookAfterExecute  = "after_execute"
	HookOnSuccess     = "on_success"
	HookOnFailure     = "on_failure"
	HookOnRetry       = "on_retry"
)

// Hook observes a handler execution. result and err are nil for
// before_execute; on_retry receives the triggering error.
type Hook func(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext, result map[string]any, err error)

// HandlerStats is a point-in-time snapshot of one handler's counters.
type HandlerStats struct {
	AgentType      types.AgentType `json:"agent_type"`
	Enabled        bool            `json:"enabled"`
	Executions     int64           `json:"executions"`
	Successes      int64           `json:"successes"`
	Failures       int64           `json:"failures"`
	SuccessRate    float64         `json:"success_rate"`
	AvgExecutionMS float64         `json:"avg_execution_time_ms"`
	BreakerState   string          `json:"circuit_breaker_state"`
	CacheSize      int             `json:"cache_size"`
}

type entry struct {
	handler Handler
	breaker *breaker
	enabled bool
	cache   map[string]map[string]any
	hooks   map[string][]Hook

	executions  int64
	successes   int64
	failures    int64
	totalTimeMS float64
}

// Runtime dispatches task nodes to registered handlers. Every call runs the
// full lifecycle: permission check, breaker gate, hooks, cache, events,
// metrics, and billing.
type Runtime struct {
	mu       sync.RWMutex
	handlers map[types.AgentType]*entry

	bus      *events.Bus
	security *security.Service
	biller   Biller
	logger   zerolog.Logger
}

// RuntimeOption configures optional runtime collaborators.
type RuntimeOption func(*Runtime)

// WithBiller attaches a per-execution credit debitor.
func WithBiller(b Biller) RuntimeOption {
	return func(r *Runtime) { r.biller = b }
}

// NewRuntime creates a runtime publishing lifecycle events on bus and
// enforcing permissions through sec. Both may be nil in tests.
func NewRuntime(bus *events.Bus, sec *security.Service, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		handlers: make(map[types.AgentType]*entry),
		bus:      bus,
		security: sec,
		logger:   log.WithComponent("runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to its agent type, replacing any previous binding.
func (r *Runtime) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[h.AgentType()] = &entry{
		handler: h,
		breaker: newBreaker(),
		enabled: true,
		cache:   make(map[string]map[string]any),
		hooks:   make(map[string][]Hook),
	}
	r.logger.Info().Str("agent_type", string(h.AgentType())).Msg("registered handler")
}

// Handler returns the registered handler for an agent type.
func (r *Runtime) Handler(t types.AgentType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[t]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// RegisterHook adds a lifecycle hook for one handler.
func (r *Runtime) RegisterHook(t types.AgentType, name string, hook Hook) error {
	switch name {
	case HookBeforeExecute, HookAfterExecute, HookOnSuccess, HookOnFailure, HookOnRetry:
	default:
		return fmt.Errorf("unknown hook %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.handlers[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, t)
	}
	e.hooks[name] = append(e.hooks[name], hook)
	return nil
}

// Run executes a node through its handler with the full lifecycle applied.
// On failure with retries remaining the node is marked RETRY and the error is
// returned to the caller, which owns the backoff schedule.
func (r *Runtime) Run(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.handlers[node.AgentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, node.AgentType)
	}

	r.mu.RLock()
	enabled := e.enabled
	r.mu.RUnlock()
	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrHandlerDisabled, node.AgentType)
	}

	// Fast-fail while the breaker is open; does not count as a new failure.
	if !e.breaker.allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, node.AgentType)
	}

	if r.security != nil {
		res := r.security.ValidatePermissions(ctx, node, sc)
		if !res.Valid {
			err := fmt.Errorf("%w: missing %v", security.ErrPermissionDenied, res.Missing)
			node.Status = types.TaskStatusFailed
			node.ErrorLog = append(node.ErrorLog, err.Error())
			return nil, err
		}
	}

	r.runHooks(ctx, e, HookBeforeExecute, node, sc, nil, nil)

	start := time.Now()
	startUTC := start.UTC()
	node.StartedAt = &startUTC

	r.publish(ctx, types.NewEvent(
		fmt.Sprintf("task.%s.started", node.NodeID),
		string(node.AgentType),
		map[string]any{"node_id": node.NodeID, "agent_type": string(node.AgentType)},
	))

	result, err := r.callHandler(ctx, e, node, sc)

	elapsed := time.Since(start)
	endUTC := time.Now().UTC()
	node.CompletedAt = &endUTC
	node.ExecutionTimeMS = float64(elapsed) / float64(time.Millisecond)

	r.mu.Lock()
	e.executions++
	e.totalTimeMS += node.ExecutionTimeMS
	if err != nil {
		e.failures++
	} else {
		e.successes++
	}
	r.mu.Unlock()

	if err == nil {
		e.breaker.recordSuccess()
		node.Status = types.TaskStatusSuccess

		r.runHooks(ctx, e, HookOnSuccess, node, sc, result, nil)

		r.publish(ctx, types.NewEvent(
			fmt.Sprintf("task.%s.completed", node.NodeID),
			string(node.AgentType),
			map[string]any{"node_id": node.NodeID, "status": "success", "result": result},
		))
	} else {
		e.breaker.recordFailure()
		node.ErrorLog = append(node.ErrorLog, err.Error())

		r.runHooks(ctx, e, HookOnFailure, node, sc, nil, err)

		if node.Retries < node.RetryConfig.MaxRetries {
			node.Retries++
			node.Status = types.TaskStatusRetry
			metrics.TaskRetries.WithLabelValues(string(node.AgentType)).Inc()

			r.runHooks(ctx, e, HookOnRetry, node, sc, nil, err)

			r.publish(ctx, types.NewEvent(
				fmt.Sprintf("task.%s.retry", node.NodeID),
				string(node.AgentType),
				map[string]any{"node_id": node.NodeID, "retry_count": node.Retries, "error": err.Error()},
			))
		} else {
			node.Status = types.TaskStatusFailed

			failed := types.NewEvent(
				fmt.Sprintf("task.%s.failed", node.NodeID),
				string(node.AgentType),
				map[string]any{"node_id": node.NodeID, "error": err.Error()},
			)
			failed.Priority = 1
			r.publish(ctx, failed)
		}

		r.logger.Error().
			Err(err).
			Str("node_id", node.NodeID).
			Str("agent_type", string(node.AgentType)).
			Int("retries", node.Retries).
			Msg("handler execution failed")
	}

	r.runHooks(ctx, e, HookAfterExecute, node, sc, result, err)

	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.TasksExecuted.WithLabelValues(string(node.AgentType), status).Inc()
	metrics.TaskDuration.WithLabelValues(string(node.AgentType)).Observe(elapsed.Seconds())

	if r.biller != nil && sc != nil {
		if berr := r.biller.DebitExecution(ctx, sc.UserID); berr != nil {
			r.logger.Warn().Err(berr).Str("user_id", sc.UserID).Msg("credit debit failed")
		}
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// callHandler runs the handler body with result caching applied.
func (r *Runtime) callHandler(ctx context.Context, e *entry, node *types.TaskNode, sc *types.SecurityContext) (result map[string]any, err error) {
	var cacheKey string
	if keyer, ok := e.handler.(CacheKeyer); ok {
		cacheKey = keyer.CacheKey(node)
	}

	if cacheKey != "" {
		r.mu.RLock()
		cached, hit := e.cache[cacheKey]
		r.mu.RUnlock()
		if hit {
			r.logger.Debug().Str("cache_key", cacheKey).Msg("cache hit")
			return cached, nil
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			result = nil
		}
	}()

	result, err = e.handler.Execute(ctx, node, sc)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		r.mu.Lock()
		e.cache[cacheKey] = result
		r.mu.Unlock()
	}
	return result, nil
}

func (r *Runtime) runHooks(ctx context.Context, e *entry, name string, node *types.TaskNode, sc *types.SecurityContext, result map[string]any, err error) {
	r.mu.RLock()
	hooks := append([]Hook(nil), e.hooks[name]...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Str("hook", name).Interface("panic", rec).Msg("hook panicked")
				}
			}()
			hook(ctx, node, sc, result, err)
		}()
	}
}

func (r *Runtime) publish(ctx context.Context, event *types.Event) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("event_type", event.EventType).Msg("event publish failed")
	}
}

// Enable re-enables a disabled handler.
func (r *Runtime) Enable(t types.AgentType) {
	r.setEnabled(t, true)
}

// Disable stops a handler from accepting executions.
func (r *Runtime) Disable(t types.AgentType) {
	r.setEnabled(t, false)
}

func (r *Runtime) setEnabled(t types.AgentType, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.handlers[t]; ok {
		e.enabled = enabled
	}
}

// ResetBreaker manually closes a handler's circuit breaker.
func (r *Runtime) ResetBreaker(t types.AgentType) {
	r.mu.RLock()
	e, ok := r.handlers[t]
	r.mu.RUnlock()
	if ok {
		e.breaker.reset()
		r.logger.Info().Str("agent_type", string(t)).Msg("circuit breaker reset")
	}
}

// ClearCache drops all cached results for a handler.
func (r *Runtime) ClearCache(t types.AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.handlers[t]; ok {
		e.cache = make(map[string]map[string]any)
	}
}

// Stats returns counters for one handler.
func (r *Runtime) Stats(t types.AgentType) (HandlerStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[t]
	if !ok {
		return HandlerStats{}, false
	}
	return r.statsLocked(t, e), true
}

// AllStats returns counters for every registered handler.
func (r *Runtime) AllStats() []HandlerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]HandlerStats, 0, len(r.handlers))
	for t, e := range r.handlers {
		stats = append(stats, r.statsLocked(t, e))
	}
	return stats
}

func (r *Runtime) statsLocked(t types.AgentType, e *entry) HandlerStats {
	s := HandlerStats{
		AgentType:    t,
		Enabled:      e.enabled,
		Executions:   e.executions,
		Successes:    e.successes,
		Failures:     e.failures,
		BreakerState: e.breaker.currentState(),
		CacheSize:    len(e.cache),
	}
	if e.executions > 0 {
		s.SuccessRate = float64(e.successes) / float64(e.executions)
		s.AvgExecutionMS = e.totalTimeMS / float64(e.executions)
	}
	return s
}
