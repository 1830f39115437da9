package security

import (
	"context"
	"fmt"

	"github.com/skeinlabs/skein/pkg/types"
)

// Action is a security task operation. Task nodes select one via the
// "action" input key; unknown values are rejected at parse time.
type Action string

const (
	ActionValidatePermissions Action = "validate_permissions"
	ActionCheckRateLimit      Action = "check_rate_limit"
	ActionAuditLog            Action = "audit_log"
	ActionAssessRisk          Action = "assess_risk"
	ActionCreateSession       Action = "create_session"
	ActionVerifySession       Action = "verify_session"
)

// ParseAction validates an action string from task input
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionValidatePermissions, ActionCheckRateLimit, ActionAuditLog,
		ActionAssessRisk, ActionCreateSession, ActionVerifySession:
		return Action(raw), nil
	case "":
		return ActionValidatePermissions, nil
	}
	return "", fmt.Errorf("unknown security action %q", raw)
}

// Handler adapts the security service to the task handler contract
type Handler struct {
	service *Service
}

// NewHandler wraps the service for task dispatch
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// AgentType identifies this handler's routing key
func (h *Handler) AgentType() types.AgentType {
	return types.AgentSecurity
}

// Execute runs the security operation named by the node's "action" input
func (h *Handler) Execute(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) (map[string]any, error) {
	raw, _ := node.InputData["action"].(string)
	action, err := ParseAction(raw)
	if err != nil {
		return nil, err
	}

	if sc == nil {
		sc = types.NewSecurityContext("default_fallback")
	}

	switch action {
	case ActionValidatePermissions:
		result := h.service.ValidatePermissions(ctx, node, sc)
		return map[string]any{
			"valid":                result.Valid,
			"missing_permissions":  result.Missing,
			"required_permissions": node.RequiredPermissions,
		}, nil

	case ActionCheckRateLimit:
		result := h.service.CheckRateLimit(ctx, sc)
		out := map[string]any{
			"allowed":          result.Allowed,
			"tokens_remaining": result.TokensRemaining,
			"limit":            result.Limit,
		}
		if !result.Allowed {
			out["reason"] = result.Reason
			out["retry_after_seconds"] = result.RetryAfter
		}
		return out, nil

	case ActionAuditLog:
		h.service.RecordTaskAudit(ctx, node, sc)
		return map[string]any{"logged": true}, nil

	case ActionAssessRisk:
		result := h.service.AssessRisk(ctx, node, sc)
		return map[string]any{
			"risk_level":        result.Level,
			"risk_score":        result.Score,
			"factors":           result.Factors,
			"requires_approval": result.RequiresApproval,
		}, nil

	case ActionCreateSession:
		result, err := h.service.CreateSession(ctx, sc)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"session_id": result.SessionID,
			"expires_at": result.ExpiresAt,
		}, nil

	case ActionVerifySession:
		result := h.service.VerifySession(ctx, sc)
		out := map[string]any{"valid": result.Valid}
		if result.Valid {
			out["session_id"] = result.SessionID
			out["expires_at"] = result.ExpiresAt
		} else {
			out["reason"] = result.Reason
		}
		return out, nil
	}

	return nil, fmt.Errorf("unhandled security action %q", action)
}
