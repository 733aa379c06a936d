package processors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/rules"
)

// ConditionProcessor evaluates the rules of a condition node and selects
// the branches whose rule matched.
type ConditionProcessor struct {
	graph     persistence.GraphRepository
	cache     cache.NodeConfigCache
	evaluator *rules.Evaluator
	logger    *slog.Logger
}

func NewConditionProcessor(graph persistence.GraphRepository, configCache cache.NodeConfigCache, evaluator *rules.Evaluator, logger *slog.Logger) *ConditionProcessor {
	return &ConditionProcessor{
		graph:     graph,
		cache:     configCache,
		evaluator: evaluator,
		logger:    logger.With("module", "condition_processor"),
	}
}

func (p *ConditionProcessor) Type() models.NodeType {
	return models.NodeTypeCondition
}

// Process never fails because of a rule: evaluation errors count as a
// non-match.
func (p *ConditionProcessor) Process(ctx context.Context, in Input) (Output, error) {
	nodeRules, err := cache.GetOrLoad(ctx, p.logger, p.cache, in.Node.ID, cache.KindRules,
		func(ctx context.Context) ([]*models.Rule, error) {
			return p.graph.Rules(ctx, in.Node.ID)
		})
	if err != nil {
		return Output{}, fmt.Errorf("failed to load rules: %w", err)
	}

	global := in.Context.Snapshot()
	current := in.Node.AsMap()

	var matched []int64

	for _, rule := range nodeRules {
		ok, err := p.evaluator.Match(*rule, global, current)
		if err != nil {
			p.logger.WarnContext(ctx, "rule evaluation failed",
				"execution_id", in.Execution.ID, "node_id", in.Node.ID, "rule_id", rule.ID, "error", err)

			continue
		}

		if ok {
			matched = append(matched, rule.ID)
		}
	}

	output := map[string]any{"matchedRuleIds": nil}
	if len(matched) > 0 {
		output["matchedRuleIds"] = matched
	}

	return Output{
		Status:         models.NodeCompleted,
		Data:           output,
		Next:           NextMatchedRules,
		MatchedRuleIDs: matched,
	}, nil
}
