package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/types"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		raw     string
		want    Action
		wantErr bool
	}{
		{"validate_permissions", ActionValidatePermissions, false},
		{"check_rate_limit", ActionCheckRateLimit, false},
		{"assess_risk", ActionAssessRisk, false},
		{"", ActionValidatePermissions, false},
		{"drop_tables", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAction(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandlerValidatePermissions(t *testing.T) {
	h := NewHandler(newTestService(100))

	node := types.NewTaskNode("guarded", types.AgentSecurity)
	node.RequiredPermissions = []types.PermissionScope{types.ScopeAdmin}
	node.InputData = map[string]any{"action": "validate_permissions"}
	sc := types.NewSecurityContext("user-1")

	out, err := h.Execute(context.Background(), node, sc)
	require.NoError(t, err)
	assert.Equal(t, false, out["valid"])
}

func TestHandlerRejectsUnknownAction(t *testing.T) {
	h := NewHandler(newTestService(100))
	node := types.NewTaskNode("bad", types.AgentSecurity)
	node.InputData = map[string]any{"action": "rm_rf"}

	_, err := h.Execute(context.Background(), node, types.NewSecurityContext("u"))
	assert.Error(t, err)
}

func TestHandlerSessionFlow(t *testing.T) {
	h := NewHandler(newTestService(100))
	sc := types.NewSecurityContext("user-1")
	ctx := context.Background()

	node := types.NewTaskNode("session", types.AgentSecurity)
	node.InputData = map[string]any{"action": "create_session"}
	out, err := h.Execute(ctx, node, sc)
	require.NoError(t, err)
	assert.NotEmpty(t, out["session_id"])

	node.InputData = map[string]any{"action": "verify_session"}
	out, err = h.Execute(ctx, node, sc)
	require.NoError(t, err)
	assert.Equal(t, true, out["valid"])
}
