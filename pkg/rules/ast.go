// Package rules evaluates json-logic rule documents whose leaves may reference
// the execution context through {{path}} templates or {"var": path} objects.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownOperator is returned when a single-key object names an operator
// the evaluator does not implement and the object cannot be read as data.
var ErrUnknownOperator = errors.New("unknown operator")

// Expr is a node of the parsed rule tree.
type Expr interface {
	eval(s *scope) (any, error)
}

// Literal is a constant JSON value.
type Literal struct {
	Value any
}

// Array is a JSON array whose items are expressions.
type Array struct {
	Items []Expr
}

// Object is a JSON object used as data. Keys may contain templates.
type Object struct {
	Keys   []Expr
	Values []Expr
}

// VarRef is the {"var": path} form. It resolves to the JSON value found at
// Path, or Default when nothing is there.
type VarRef struct {
	Path    string
	Default Expr
}

// Template is a string containing one or more {{path}} placeholders.
type Template struct {
	Segments []Segment
}

// Segment is either literal text or a placeholder path.
type Segment struct {
	Text   string
	Path   string
	IsPath bool
}

// Op applies an operator to its arguments.
type Op struct {
	Operator string
	Args     []Expr
}

var placeholder = regexp.MustCompile(`{{([^}]+)}}`)

// ParseJSON parses a raw rule document.
func ParseJSON(raw json.RawMessage) (Expr, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule document: %w", err)
	}

	return Parse(doc)
}

// Parse builds the expression tree for an already decoded JSON value.
func Parse(doc any) (Expr, error) {
	switch v := doc.(type) {
	case map[string]any:
		return parseObject(v)
	case []any:
		items := make([]Expr, 0, len(v))

		for _, item := range v {
			expr, err := Parse(item)
			if err != nil {
				return nil, err
			}

			items = append(items, expr)
		}

		return Array{Items: items}, nil
	case string:
		return parseString(v), nil
	default:
		return Literal{Value: v}, nil
	}
}

func parseObject(obj map[string]any) (Expr, error) {
	if len(obj) == 1 {
		for key, raw := range obj {
			if key == "var" {
				return parseVar(raw)
			}

			if _, ok := operators[key]; ok {
				args, err := parseArgs(raw)
				if err != nil {
					return nil, fmt.Errorf("operator %q: %w", key, err)
				}

				return Op{Operator: key, Args: args}, nil
			}
		}
	}

	out := Object{}

	for key, raw := range obj {
		value, err := Parse(raw)
		if err != nil {
			return nil, err
		}

		out.Keys = append(out.Keys, parseString(key))
		out.Values = append(out.Values, value)
	}

	return out, nil
}

func parseArgs(raw any) ([]Expr, error) {
	list, ok := raw.([]any)
	if !ok {
		list = []any{raw}
	}

	args := make([]Expr, 0, len(list))

	for _, item := range list {
		expr, err := Parse(item)
		if err != nil {
			return nil, err
		}

		args = append(args, expr)
	}

	return args, nil
}

func parseVar(raw any) (Expr, error) {
	switch v := raw.(type) {
	case string:
		return VarRef{Path: strings.TrimSpace(v)}, nil
	case float64:
		return VarRef{Path: fmt.Sprintf("%v", v)}, nil
	case nil:
		return VarRef{}, nil
	case []any:
		ref := VarRef{}

		if len(v) > 0 {
			if path, ok := v[0].(string); ok {
				ref.Path = strings.TrimSpace(path)
			}
		}

		if len(v) > 1 {
			def, err := Parse(v[1])
			if err != nil {
				return nil, err
			}

			ref.Default = def
		}

		return ref, nil
	default:
		return nil, fmt.Errorf("%w: var expects a path, got %T", ErrUnknownOperator, raw)
	}
}

func parseString(s string) Expr {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return Literal{Value: s}
	}

	tpl := Template{}
	last := 0

	for _, m := range matches {
		if m[0] > last {
			tpl.Segments = append(tpl.Segments, Segment{Text: s[last:m[0]]})
		}

		path := strings.TrimSpace(s[m[2]:m[3]])
		if IsJSONPath(path) {
			tpl.Segments = append(tpl.Segments, Segment{Path: path, IsPath: true})
		} else {
			tpl.Segments = append(tpl.Segments, Segment{Text: s[m[0]:m[1]]})
		}

		last = m[1]
	}

	if last < len(s) {
		tpl.Segments = append(tpl.Segments, Segment{Text: s[last:]})
	}

	return tpl
}
