package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/types"
)

// ErrValidationFailed marks a rule that did not pass
var ErrValidationFailed = errors.New("validation failed")

var formatPatterns = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	"url":   regexp.MustCompile(`^https?://[^\s]+$`),
	"uuid":  regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`),
	"date":  regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
}

// SemanticChecker decides whether an output semantically satisfies a rule.
// The production implementation forwards to an external model; the default
// reports the check as unsupported.
type SemanticChecker interface {
	Check(ctx context.Context, rule string, output any) (valid bool, confidence float64, message string, err error)
}

type unsupportedChecker struct{}

func (unsupportedChecker) Check(ctx context.Context, rule string, output any) (bool, float64, string, error) {
	return false, 0, "semantic validation not configured", nil
}

// ValidatorFunc is a pluggable validator for custom rule kinds
type ValidatorFunc func(ctx context.Context, ruleConfig map[string]string, output any, node *types.TaskNode) outcome

// outcome is the internal validator verdict before it becomes a
// ValidationResult
type outcome struct {
	valid       bool
	expected    any
	actual      any
	message     string
	confidence  float64
	suggestions []string
	autoFixable bool
}

// Service validates task outputs against their declared rules
type Service struct {
	autoFix  bool
	semantic SemanticChecker
	custom   map[string]ValidatorFunc
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewService creates a validation service. bus may be nil in tests.
func NewService(cfg config.ValidationConfig, bus *events.Bus) *Service {
	return &Service{
		autoFix:  cfg.AutoFixEnabled,
		semantic: unsupportedChecker{},
		custom:   make(map[string]ValidatorFunc),
		bus:      bus,
		logger:   log.WithComponent("validation"),
	}
}

// SetSemanticChecker installs the semantic validation backend
func (s *Service) SetSemanticChecker(checker SemanticChecker) {
	s.semantic = checker
}

// RegisterValidator adds a validator for a custom rule kind
func (s *Service) RegisterValidator(kind string, fn ValidatorFunc) {
	s.custom[kind] = fn
	s.logger.Info().Str("kind", kind).Msg("registered custom validator")
}

// Validate checks the node's output against its validation rule. A node
// without a rule passes. When auto-fix is enabled, fixable failures are
// repaired in the node's output and reported as passed.
func (s *Service) Validate(ctx context.Context, node *types.TaskNode) *types.ValidationResult {
	rule := strings.TrimSpace(node.ValidationRule)
	if rule == "" {
		return &types.ValidationResult{
			NodeID:          node.NodeID,
			Passed:          true,
			Message:         "No validation rule specified",
			ConfidenceScore: 1.0,
			Timestamp:       time.Now().UTC(),
		}
	}

	kind, ruleConfig := parseRule(rule)
	out := s.run(ctx, kind, ruleConfig, node)

	result := &types.ValidationResult{
		NodeID:          node.NodeID,
		Rule:            rule,
		Passed:          out.valid,
		Expected:        out.expected,
		Actual:          out.actual,
		Message:         out.message,
		ConfidenceScore: out.confidence,
		Suggestions:     out.suggestions,
		AutoFixable:     out.autoFixable,
		Timestamp:       time.Now().UTC(),
	}

	s.publishResult(ctx, node, result)

	if !result.Passed && s.autoFix && result.AutoFixable {
		if s.attemptAutoFix(node, kind, ruleConfig, result) {
			s.logger.Info().Str("node_id", node.NodeID).Msg("auto-fixed validation issue")
			result.Passed = true
			result.Message += " (auto-fixed)"
		}
	}

	return result
}

// parseRule splits a rule string into validator kind and config.
// Unprefixed rules are custom expressions.
func parseRule(rule string) (string, map[string]string) {
	if i := strings.Index(rule, ":"); i > 0 {
		prefix := strings.ToLower(strings.TrimSpace(rule[:i]))
		rest := strings.TrimSpace(rule[i+1:])

		switch prefix {
		case "schema":
			return "schema", map[string]string{"schema": rest}
		case "type":
			return "type", map[string]string{"expected_type": rest}
		case "range":
			cfg := map[string]string{}
			for _, part := range strings.Split(rest, ",") {
				if k, v, ok := strings.Cut(part, ":"); ok {
					cfg[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			}
			return "range", cfg
		case "format":
			return "format", map[string]string{"format": rest}
		case "semantic":
			return "semantic", map[string]string{"rule": rest}
		}
	}
	return "custom", map[string]string{"expression": rule}
}

func (s *Service) run(ctx context.Context, kind string, ruleConfig map[string]string, node *types.TaskNode) outcome {
	output := outputValue(node)

	switch kind {
	case "schema":
		return s.validateSchema(ruleConfig, node.OutputData)
	case "type":
		return s.validateType(ruleConfig, output)
	case "range":
		return s.validateRange(ruleConfig, output)
	case "format":
		return s.validateFormat(ruleConfig, output)
	case "semantic":
		return s.validateSemantic(ctx, ruleConfig, node.OutputData)
	case "custom":
		return s.validateExpression(ruleConfig, node)
	}

	if fn, ok := s.custom[kind]; ok {
		return fn(ctx, ruleConfig, output, node)
	}
	return outcome{valid: false, message: fmt.Sprintf("Unknown validator type: %s", kind)}
}

// outputValue picks the value type/range/format rules target: the "value"
// key when the output carries one, otherwise the whole output map.
func outputValue(node *types.TaskNode) any {
	if v, ok := node.OutputData["value"]; ok {
		return v
	}
	return node.OutputData
}

func (s *Service) validateSchema(ruleConfig map[string]string, output map[string]any) outcome {
	var schema map[string]any
	if err := json.Unmarshal([]byte(ruleConfig["schema"]), &schema); err != nil {
		schema = map[string]any{}
	}

	if required, ok := schema["required"].([]any); ok {
		var missing []string
		for _, f := range required {
			field, _ := f.(string)
			if _, present := output[field]; !present {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			suggestions := make([]string, len(missing))
			for i, f := range missing {
				suggestions[i] = "Add field: " + f
			}
			return outcome{
				valid:       false,
				expected:    required,
				actual:      mapKeys(output),
				message:     fmt.Sprintf("Missing required fields: %v", missing),
				suggestions: suggestions,
				autoFixable: true,
			}
		}
	}

	return outcome{valid: true, message: "Schema validation passed", confidence: 1.0}
}

func (s *Service) validateType(ruleConfig map[string]string, output any) outcome {
	expected := strings.ToLower(ruleConfig["expected_type"])
	actual := typeName(output)

	ok := false
	switch expected {
	case "string":
		_, ok = output.(string)
	case "int":
		switch v := output.(type) {
		case int, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "float":
		_, isF := output.(float64)
		_, isI := output.(int)
		ok = isF || isI
	case "bool":
		_, ok = output.(bool)
	case "list":
		_, ok = output.([]any)
	case "dict", "object":
		_, ok = output.(map[string]any)
	default:
		// Unknown expected type passes, matching the permissive mapping
		ok = true
	}

	if !ok {
		return outcome{
			valid:       false,
			expected:    expected,
			actual:      actual,
			message:     fmt.Sprintf("Type mismatch: expected %s, got %s", expected, actual),
			suggestions: []string{"Convert to " + expected},
			autoFixable: true,
		}
	}
	return outcome{valid: true, message: "Type validation passed", confidence: 1.0}
}

func (s *Service) validateRange(ruleConfig map[string]string, output any) outcome {
	value, ok := toFloat(output)
	if !ok {
		return outcome{valid: false, message: "Range validation requires numeric output"}
	}

	minVal, maxVal := parseRangeBounds(ruleConfig)
	if value < minVal || value > maxVal {
		clamped := value
		if clamped < minVal {
			clamped = minVal
		}
		if clamped > maxVal {
			clamped = maxVal
		}
		return outcome{
			valid:       false,
			expected:    fmt.Sprintf("%v <= value <= %v", minVal, maxVal),
			actual:      value,
			message:     fmt.Sprintf("Value %v out of range [%v, %v]", value, minVal, maxVal),
			suggestions: []string{fmt.Sprintf("Clamp to range: %v", clamped)},
			autoFixable: true,
		}
	}
	return outcome{valid: true, message: "Range validation passed", confidence: 1.0}
}

func parseRangeBounds(ruleConfig map[string]string) (float64, float64) {
	minVal, maxVal := -1.0e308, 1.0e308
	if v, err := strconv.ParseFloat(ruleConfig["min"], 64); err == nil {
		minVal = v
	}
	if v, err := strconv.ParseFloat(ruleConfig["max"], 64); err == nil {
		maxVal = v
	}
	return minVal, maxVal
}

func (s *Service) validateFormat(ruleConfig map[string]string, output any) outcome {
	str, ok := output.(string)
	if !ok {
		return outcome{valid: false, message: "Format validation requires string output"}
	}

	format := strings.ToLower(ruleConfig["format"])
	pattern, known := formatPatterns[format]
	if known && !pattern.MatchString(str) {
		return outcome{
			valid:    false,
			expected: format,
			actual:   str,
			message:  fmt.Sprintf("Invalid %s format", format),
		}
	}
	return outcome{valid: true, message: "Format validation passed", confidence: 1.0}
}

func (s *Service) validateSemantic(ctx context.Context, ruleConfig map[string]string, output map[string]any) outcome {
	valid, confidence, message, err := s.semantic.Check(ctx, ruleConfig["rule"], output)
	if err != nil {
		return outcome{valid: false, confidence: 0, message: fmt.Sprintf("Semantic validation error: %v", err)}
	}
	if message == "" {
		message = "Semantic validation complete"
	}
	return outcome{valid: valid, confidence: confidence, message: message}
}

func (s *Service) validateExpression(ruleConfig map[string]string, node *types.TaskNode) outcome {
	expression := ruleConfig["expression"]
	env := map[string]any{
		"output": anyMap(node.OutputData),
		"task": map[string]any{
			"node_id":    node.NodeID,
			"status":     string(node.Status),
			"agent_type": string(node.AgentType),
			"retries":    node.Retries,
			"priority":   node.Priority,
		},
	}

	result, err := evalExpr(expression, env)
	if err != nil {
		s.logger.Error().Err(err).Str("expression", expression).Msg("expression evaluation failed")
		return outcome{valid: false, message: fmt.Sprintf("Expression evaluation error: %v", err)}
	}
	return outcome{
		valid:      result,
		message:    fmt.Sprintf("Expression '%s' evaluated to %v", expression, result),
		confidence: 1.0,
	}
}

// attemptAutoFix repairs the node's output in place for fixable failures
func (s *Service) attemptAutoFix(node *types.TaskNode, kind string, ruleConfig map[string]string, result *types.ValidationResult) bool {
	switch kind {
	case "schema":
		// Missing required keys become explicit nulls
		for _, suggestion := range result.Suggestions {
			if field, ok := strings.CutPrefix(suggestion, "Add field: "); ok {
				if node.OutputData == nil {
					node.OutputData = map[string]any{}
				}
				node.OutputData[field] = nil
			}
		}
		return true

	case "type":
		value := outputValue(node)
		expected := strings.ToLower(ruleConfig["expected_type"])
		fixed, ok := convertTo(expected, value)
		if !ok {
			return false
		}
		setOutputValue(node, fixed)
		return true

	case "range":
		value, ok := toFloat(outputValue(node))
		if !ok {
			return false
		}
		minVal, maxVal := parseRangeBounds(ruleConfig)
		if value < minVal {
			value = minVal
		}
		if value > maxVal {
			value = maxVal
		}
		setOutputValue(node, value)
		return true
	}
	return false
}

func convertTo(expected string, value any) (any, bool) {
	switch expected {
	case "string":
		return fmt.Sprintf("%v", value), true
	case "int":
		if f, ok := toFloat(value); ok {
			return int(f), true
		}
		if s, ok := value.(string); ok {
			if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return i, true
			}
		}
	case "float":
		if f, ok := toFloat(value); ok {
			return f, true
		}
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, true
			}
		}
	}
	return nil, false
}

func setOutputValue(node *types.TaskNode, value any) {
	if node.OutputData == nil {
		node.OutputData = map[string]any{}
	}
	node.OutputData["value"] = value
}

func (s *Service) publishResult(ctx context.Context, node *types.TaskNode, result *types.ValidationResult) {
	if s.bus == nil {
		return
	}

	eventType := "validation.failed"
	priority := 1
	if result.Passed {
		eventType = "validation.passed"
		priority = 0
	}
	event := types.NewEvent(eventType, "validation", map[string]any{
		"node_id": node.NodeID,
		"rule":    result.Rule,
		"message": result.Message,
		"passed":  result.Passed,
	})
	event.Priority = priority
	if _, err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish validation event")
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64, float32:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
