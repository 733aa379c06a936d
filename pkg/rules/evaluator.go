package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dukex/flowrunner/pkg/models"
)

// Evaluator matches rules against the execution context. Parsed json-logic
// trees and compiled string expressions are cached by their source text.
type Evaluator struct {
	logger   *slog.Logger
	trees    sync.Map
	programs sync.Map
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With("module", "rules")}
}

// Match reports whether rule holds for the given contexts. A rule that
// panics during evaluation is reported as an error.
func (e *Evaluator) Match(rule models.Rule, global, current any) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, err = false, fmt.Errorf("rule %d: evaluation panicked: %v", rule.ID, r)
		}
	}()

	raw := strings.TrimSpace(string(rule.Expression))
	if raw == "" || raw == "null" {
		return false, nil
	}

	if strings.HasPrefix(raw, `"`) {
		var source string
		if err := json.Unmarshal([]byte(raw), &source); err != nil {
			return false, fmt.Errorf("rule %d: %w", rule.ID, err)
		}

		return e.matchExpression(rule.ID, source, global, current)
	}

	tree, err := e.tree(raw)
	if err != nil {
		return false, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	result, err := Evaluate(tree, global, current)
	if err != nil {
		return false, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	return Truthy(result), nil
}

func (e *Evaluator) tree(raw string) (Expr, error) {
	if cached, ok := e.trees.Load(raw); ok {
		return cached.(Expr), nil
	}

	tree, err := ParseJSON(json.RawMessage(raw))
	if err != nil {
		return nil, err
	}

	e.trees.Store(raw, tree)

	return tree, nil
}

func (e *Evaluator) matchExpression(ruleID int64, source string, global, current any) (bool, error) {
	program, err := e.program(source)
	if err != nil {
		return false, fmt.Errorf("rule %d: compile: %w", ruleID, err)
	}

	result, err := expr.Run(program, expressionEnv(global, current))
	if err != nil {
		e.logger.Debug("rule expression failed", "rule_id", ruleID, "error", err)

		return false, fmt.Errorf("rule %d: %w", ruleID, err)
	}

	return Truthy(result), nil
}

func (e *Evaluator) program(source string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(source); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.programs.Store(source, program)

	return program, nil
}

func expressionEnv(global, current any) map[string]any {
	env := map[string]any{
		models.ContextNodes:    map[string]any{},
		models.ContextWorkflow: map[string]any{},
		"node":                 current,
	}

	if g, ok := global.(map[string]any); ok {
		for key, value := range g {
			env[key] = value
		}
	}

	return env
}
