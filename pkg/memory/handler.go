package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
)

// Action selects a memory operation.
type Action string

const (
	ActionStore         Action = "store"
	ActionRecall        Action = "recall"
	ActionSearch        Action = "search"
	ActionSimilar       Action = "get_similar"
	ActionLearnPatterns Action = "learn_patterns"
	ActionConsolidate   Action = "consolidate"
	ActionStats         Action = "stats"
)

// ParseAction maps the node's requested action to a typed value. An empty
// action defaults to store.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case "":
		return ActionStore, nil
	case ActionStore, ActionRecall, ActionSearch, ActionSimilar, ActionLearnPatterns, ActionConsolidate, ActionStats:
		return Action(raw), nil
	}
	return "", fmt.Errorf("unknown memory action %q", raw)
}

// Handler exposes the memory service as a task handler.
type Handler struct {
	service *Service
}

// NewHandler wraps the service for task dispatch.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// AgentType identifies this handler's routing key.
func (h *Handler) AgentType() types.AgentType {
	return types.AgentMemory
}

// Execute dispatches the node's action to the memory service.
func (h *Handler) Execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	rawAction, _ := node.InputData["action"].(string)
	action, err := ParseAction(rawAction)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionStore:
		return h.store(ctx, node)
	case ActionRecall:
		return h.recall(ctx, node)
	case ActionSearch:
		return h.search(ctx, node)
	case ActionSimilar:
		return h.similar(ctx, node)
	case ActionLearnPatterns:
		summary, err := h.service.LearnPatterns(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"analyzed":      summary.Analyzed,
			"success_count": summary.SuccessCount,
			"failure_count": summary.FailureCount,
			"categories":    summary.Categories,
		}, nil
	case ActionConsolidate:
		deleted, err := h.service.Consolidate(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil
	case ActionStats:
		stats, err := h.service.MemoryStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"total_records":     stats.TotalRecords,
			"indexed_vectors":   stats.IndexedVectors,
			"unique_categories": stats.Categories,
			"avg_access_count":  stats.AvgAccessCount,
		}, nil
	}
	return nil, fmt.Errorf("unhandled memory action %q", action)
}

func (h *Handler) store(ctx context.Context, node *types.TaskNode) (map[string]any, error) {
	record := &types.MemoryRecord{
		GoalSummary: stringInput(node, "goal_summary"),
		Category:    stringInput(node, "category"),
	}
	if snapshot, ok := node.InputData["task_graph"].(map[string]any); ok {
		record.GraphSnapshot = snapshot
	}
	if logs, ok := node.InputData["execution_logs"].([]any); ok {
		record.ExecutionLogs = logs
	}
	if errs, ok := node.InputData["errors"].([]any); ok {
		record.Errors = errs
	}
	record.ContextTags = stringSliceInput(node, "tags")
	if ttl, ok := node.InputData["ttl_hours"].(int); ok {
		record.TTLHours = ttl
	}

	if err := h.service.Store(ctx, record); err != nil {
		return nil, err
	}
	return map[string]any{
		"stored":    true,
		"record_id": record.RecordID,
	}, nil
}

func (h *Handler) recall(ctx context.Context, node *types.TaskNode) (map[string]any, error) {
	recordID := stringInput(node, "record_id")
	record, err := h.service.Recall(ctx, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "record": record}, nil
}

func (h *Handler) search(ctx context.Context, node *types.TaskNode) (map[string]any, error) {
	query := stringInput(node, "query")
	results, err := h.service.Search(ctx, query, intInput(node, "limit"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"query":   query,
		"results": results,
		"count":   len(results),
	}, nil
}

func (h *Handler) similar(ctx context.Context, node *types.TaskNode) (map[string]any, error) {
	goal := stringInput(node, "goal")
	results, err := h.service.SimilarGoals(ctx, goal, intInput(node, "limit"))
	if err != nil {
		return nil, err
	}

	similar := make([]map[string]any, 0, len(results))
	for _, r := range results {
		similar = append(similar, map[string]any{
			"record_id":  r.RecordID,
			"similarity": r.Similarity,
			"goal":       r.Record.GoalSummary,
		})
	}
	return map[string]any{
		"current_goal":  goal,
		"similar_tasks": similar,
		"count":         len(similar),
	}, nil
}

func stringInput(node *types.TaskNode, key string) string {
	s, _ := node.InputData[key].(string)
	return s
}

func stringSliceInput(node *types.TaskNode, key string) []string {
	switch v := node.InputData[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intInput(node *types.TaskNode, key string) int {
	switch v := node.InputData[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
