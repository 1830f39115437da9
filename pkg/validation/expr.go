package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// evalExpr evaluates a boolean expression against the given environment.
// env maps root identifiers ("output", "task") to values navigable with dot
// and index access.
func evalExpr(expression string, env map[string]any) (bool, error) {
	p := &exprParser{input: expression, env: env}
	p.next()
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.tok.kind != tokEOF {
		return false, fmt.Errorf("unexpected token %q", p.tok.text)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", result)
	}
	return b, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

type exprParser struct {
	input string
	pos   int
	tok   token
	env   map[string]any
}

func (p *exprParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '[':
		p.pos++
		p.tok = token{kind: tokLBracket, text: "["}
	case c == ']':
		p.pos++
		p.tok = token{kind: tokRBracket, text: "]"}
	case c == '.':
		p.pos++
		p.tok = token{kind: tokDot, text: "."}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ","}
	case c == '\'' || c == '"':
		quote := c
		end := p.pos + 1
		for end < len(p.input) && p.input[end] != quote {
			end++
		}
		p.tok = token{kind: tokString, text: p.input[p.pos+1 : min(end, len(p.input))]}
		p.pos = end + 1
	case strings.ContainsRune("=!<>", rune(c)):
		end := p.pos + 1
		if end < len(p.input) && p.input[end] == '=' {
			end++
		}
		p.tok = token{kind: tokOp, text: p.input[p.pos:end]}
		p.pos = end
	case c >= '0' && c <= '9' || c == '-':
		end := p.pos + 1
		for end < len(p.input) && (p.input[end] >= '0' && p.input[end] <= '9' || p.input[end] == '.') {
			end++
		}
		p.tok = token{kind: tokNumber, text: p.input[p.pos:end]}
		p.pos = end
	default:
		end := p.pos
		for end < len(p.input) && (unicode.IsLetter(rune(p.input[end])) || unicode.IsDigit(rune(p.input[end])) || p.input[end] == '_') {
			end++
		}
		if end == p.pos {
			p.tok = token{kind: tokEOF}
			p.pos = len(p.input)
			return
		}
		p.tok = token{kind: tokIdent, text: p.input[p.pos:end]}
		p.pos = end
	}
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (any, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(inner), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.tok.kind == tokOp {
		op := p.tok.text
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compare(op, left, right)
	}

	if p.tok.kind == tokIdent && p.tok.text == "in" {
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return contains(right, left)
	}

	return left, nil
}

func (p *exprParser) parseOperand() (any, error) {
	switch p.tok.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil

	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.tok.text)
		}
		p.next()
		return f, nil

	case tokString:
		s := p.tok.text
		p.next()
		return s, nil

	case tokIdent:
		name := p.tok.text
		switch name {
		case "true":
			p.next()
			return true, nil
		case "false":
			p.next()
			return false, nil
		case "none", "null", "nil":
			p.next()
			return nil, nil
		case "len":
			p.next()
			if p.tok.kind != tokLParen {
				return nil, fmt.Errorf("len requires parentheses")
			}
			p.next()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRParen {
				return nil, fmt.Errorf("missing closing parenthesis after len")
			}
			p.next()
			return lengthOf(inner)
		}
		p.next()
		root, ok := p.env[name]
		if !ok {
			return nil, fmt.Errorf("unknown identifier %q", name)
		}
		return p.parseAccess(root)
	}

	return nil, fmt.Errorf("unexpected token %q", p.tok.text)
}

// parseAccess walks dot and bracket accesses off a root value. Missing keys
// resolve to nil rather than erroring, so rules can probe optional fields.
func (p *exprParser) parseAccess(value any) (any, error) {
	for {
		switch p.tok.kind {
		case tokDot:
			p.next()
			if p.tok.kind != tokIdent {
				return nil, fmt.Errorf("expected field name after '.'")
			}
			value = fieldOf(value, p.tok.text)
			p.next()
		case tokLBracket:
			p.next()
			index, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRBracket {
				return nil, fmt.Errorf("missing closing bracket")
			}
			p.next()
			value = indexOf(value, index)
		default:
			return value, nil
		}
	}
}

func fieldOf(value any, field string) any {
	if m, ok := value.(map[string]any); ok {
		return m[field]
	}
	return nil
}

func indexOf(value, index any) any {
	switch v := value.(type) {
	case map[string]any:
		if key, ok := index.(string); ok {
			return v[key]
		}
	case []any:
		if f, ok := index.(float64); ok {
			i := int(f)
			if i >= 0 && i < len(v) {
				return v[i]
			}
		}
	}
	return nil
}

func lengthOf(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	}
	return nil, fmt.Errorf("len not supported for %T", value)
}

func compare(op string, left, right any) (any, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot compare %T %s %T", left, op, right)
}

func contains(container, item any) (any, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("membership in string requires string operand")
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, exists := c[key]
		return exists, nil
	}
	return nil, fmt.Errorf("membership not supported for %T", container)
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	// Maps and slices are not comparable with ==
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	}
	return true
}
