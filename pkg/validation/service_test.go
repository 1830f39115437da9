package validation

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestService(autoFix bool) *Service {
	return NewService(config.ValidationConfig{AutoFixEnabled: autoFix}, nil)
}

func nodeWithOutput(rule string, output map[string]any) *types.TaskNode {
	node := types.NewTaskNode("step", types.AgentValidation)
	node.ValidationRule = rule
	node.OutputData = output
	return node
}

func TestNoRulePasses(t *testing.T) {
	svc := newTestService(false)
	node := nodeWithOutput("", nil)

	result := svc.Validate(context.Background(), node)
	assert.True(t, result.Passed)
	assert.Equal(t, "No validation rule specified", result.Message)
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		rule     string
		wantKind string
	}{
		{`schema: {"required": ["status"]}`, "schema"},
		{"type: string", "type"},
		{"range: min:0,max:100", "range"},
		{"format: email", "format"},
		{"semantic: answer mentions the deadline", "semantic"},
		{"output.status == 'success'", "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			kind, _ := parseRule(tt.rule)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestSchemaValidation(t *testing.T) {
	svc := newTestService(false)

	node := nodeWithOutput(`schema: {"required": ["status", "data"]}`, map[string]any{"status": "ok"})
	result := svc.Validate(context.Background(), node)
	assert.False(t, result.Passed)
	assert.True(t, result.AutoFixable)
	assert.Contains(t, result.Suggestions, "Add field: data")

	node = nodeWithOutput(`schema: {"required": ["status"]}`, map[string]any{"status": "ok"})
	result = svc.Validate(context.Background(), node)
	assert.True(t, result.Passed)
}

func TestSchemaAutoFixAddsMissingKeys(t *testing.T) {
	svc := newTestService(true)

	node := nodeWithOutput(`schema: {"required": ["status", "data"]}`, map[string]any{"status": "ok"})
	result := svc.Validate(context.Background(), node)

	assert.True(t, result.Passed)
	assert.Contains(t, result.Message, "(auto-fixed)")
	_, present := node.OutputData["data"]
	assert.True(t, present)
	assert.Nil(t, node.OutputData["data"])
}

func TestTypeValidation(t *testing.T) {
	tests := []struct {
		name   string
		rule   string
		value  any
		passed bool
	}{
		{"string ok", "type: string", "hello", true},
		{"string mismatch", "type: string", 42, false},
		{"int ok", "type: int", 7, true},
		{"float accepts int", "type: float", 7, true},
		{"bool ok", "type: bool", true, true},
		{"list mismatch", "type: list", "nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(false)
			node := nodeWithOutput(tt.rule, map[string]any{"value": tt.value})
			result := svc.Validate(context.Background(), node)
			assert.Equal(t, tt.passed, result.Passed)
		})
	}
}

func TestTypeAutoFixConverts(t *testing.T) {
	svc := newTestService(true)

	node := nodeWithOutput("type: int", map[string]any{"value": "41"})
	result := svc.Validate(context.Background(), node)

	assert.True(t, result.Passed)
	assert.Equal(t, 41, node.OutputData["value"])
}

func TestRangeValidation(t *testing.T) {
	svc := newTestService(false)

	node := nodeWithOutput("range: min:0,max:100", map[string]any{"value": 50})
	assert.True(t, svc.Validate(context.Background(), node).Passed)

	node = nodeWithOutput("range: min:0,max:100", map[string]any{"value": 150})
	result := svc.Validate(context.Background(), node)
	assert.False(t, result.Passed)
	assert.True(t, result.AutoFixable)

	node = nodeWithOutput("range: min:0,max:100", map[string]any{"value": "nan"})
	result = svc.Validate(context.Background(), node)
	assert.False(t, result.Passed)
	assert.False(t, result.AutoFixable)
}

func TestRangeAutoFixClamps(t *testing.T) {
	svc := newTestService(true)

	node := nodeWithOutput("range: min:0,max:100", map[string]any{"value": 150})
	result := svc.Validate(context.Background(), node)

	assert.True(t, result.Passed)
	assert.Equal(t, 100.0, node.OutputData["value"])
}

func TestFormatValidation(t *testing.T) {
	tests := []struct {
		name   string
		rule   string
		value  any
		passed bool
	}{
		{"valid email", "format: email", "dev@example.com", true},
		{"invalid email", "format: email", "not-an-email", false},
		{"valid url", "format: url", "https://example.com/x", true},
		{"invalid url", "format: url", "ftp://example.com", false},
		{"valid uuid", "format: uuid", "01234567-89ab-cdef-0123-456789abcdef", true},
		{"valid date", "format: date", "2026-08-24", true},
		{"invalid date", "format: date", "24/08/2026", false},
		{"unknown format passes", "format: phone", "555-0100", true},
		{"non-string fails", "format: email", 42, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(false)
			node := nodeWithOutput(tt.rule, map[string]any{"value": tt.value})
			result := svc.Validate(context.Background(), node)
			assert.Equal(t, tt.passed, result.Passed)
		})
	}
}

func TestCustomExpressionValidation(t *testing.T) {
	svc := newTestService(false)

	node := nodeWithOutput("output.confidence > 0.5", map[string]any{"confidence": 0.8})
	assert.True(t, svc.Validate(context.Background(), node).Passed)

	node = nodeWithOutput("output.confidence > 0.5", map[string]any{"confidence": 0.2})
	assert.False(t, svc.Validate(context.Background(), node).Passed)

	node = nodeWithOutput("this is not an expression ===", map[string]any{})
	result := svc.Validate(context.Background(), node)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Message, "error")
}

func TestCustomExpressionStructuredOperands(t *testing.T) {
	svc := newTestService(false)

	output := map[string]any{
		"expected": map[string]any{"status": "ok"},
		"actual":   map[string]any{"status": "ok"},
	}
	node := nodeWithOutput("output.expected == output.actual", output)
	assert.True(t, svc.Validate(context.Background(), node).Passed)

	output["actual"] = map[string]any{"status": "failed"}
	node = nodeWithOutput("output.expected == output.actual", output)
	assert.False(t, svc.Validate(context.Background(), node).Passed)
}

func TestSemanticDefaultUnsupported(t *testing.T) {
	svc := newTestService(false)
	node := nodeWithOutput("semantic: mentions the deadline", map[string]any{"answer": "done"})

	result := svc.Validate(context.Background(), node)
	assert.False(t, result.Passed)
	assert.Equal(t, "semantic validation not configured", result.Message)
}

type stubChecker struct {
	valid      bool
	confidence float64
}

func (c stubChecker) Check(ctx context.Context, rule string, output any) (bool, float64, string, error) {
	return c.valid, c.confidence, "checked", nil
}

func TestSemanticCheckerForwarded(t *testing.T) {
	svc := newTestService(false)
	svc.SetSemanticChecker(stubChecker{valid: true, confidence: 0.7})

	node := nodeWithOutput("semantic: whatever", map[string]any{})
	result := svc.Validate(context.Background(), node)
	assert.True(t, result.Passed)
	assert.Equal(t, 0.7, result.ConfidenceScore)
	assert.Equal(t, "checked", result.Message)
}

func TestRegisteredCustomValidator(t *testing.T) {
	svc := newTestService(false)
	svc.RegisterValidator("always", func(ctx context.Context, ruleConfig map[string]string, output any, node *types.TaskNode) outcome {
		return outcome{valid: true, message: "always passes"}
	})

	node := nodeWithOutput("always: anything", map[string]any{})
	// "always" is not a built-in prefix, so it parses as custom expression;
	// registered kinds are reached through run with an explicit kind
	out := svc.run(context.Background(), "always", nil, node)
	assert.True(t, out.valid)
}

func TestHandlerExecute(t *testing.T) {
	h := NewHandler(newTestService(false))
	node := nodeWithOutput("output.status == 'success'", map[string]any{"status": "success"})

	out, err := h.Execute(context.Background(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["valid"])
}
