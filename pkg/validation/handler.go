package validation

import (
	"context"

	"github.com/skeinlabs/skein/pkg/types"
)

// Handler adapts the validation service to the task handler contract
type Handler struct {
	service *Service
}

// NewHandler wraps the service for task dispatch
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// AgentType identifies this handler's routing key
func (h *Handler) AgentType() types.AgentType {
	return types.AgentValidation
}

// Execute validates the node's output against its rule
func (h *Handler) Execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	result := h.service.Validate(ctx, node)
	return map[string]any{
		"valid":       result.Passed,
		"message":     result.Message,
		"expected":    result.Expected,
		"actual":      result.Actual,
		"suggestions": result.Suggestions,
		"confidence":  result.ConfidenceScore,
	}, nil
}
