// Package processors implements the per-type behaviour of workflow nodes.
// The traversal engine dispatches through a Registry and holds no
// type-specific logic of its own.
package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

var ErrUnknownNodeType = errors.New("no processor registered for node type")

// Input is what a processor sees of the node being visited.
type Input struct {
	Execution     *models.Execution
	NodeExecution *models.NodeExecution
	Node          *models.WorkflowNode
	Context       *models.GlobalContext
}

// NextPolicy selects how successors are discovered after the node ran.
type NextPolicy int

const (
	// NextAll follows every active outgoing edge.
	NextAll NextPolicy = iota
	// NextMatchedRules follows edges whose rule matched, or the default
	// edge when nothing matched.
	NextMatchedRules
	// NextScheduled hands the successors to the processor's SuccessorScheduler.
	NextScheduled
)

// Output is the result of processing one node.
type Output struct {
	Status models.NodeExecutionStatus
	// Data is persisted as the NodeExecution output.
	Data any
	// ContextValue is stored at nodes.wn_<id>. Data is used when nil.
	ContextValue any

	Next           NextPolicy
	MatchedRuleIDs []int64
	Delay          time.Duration
}

// Value returns what the node contributes to the global context.
func (o Output) Value() any {
	if o.ContextValue != nil {
		return o.ContextValue
	}

	return o.Data
}

type Processor interface {
	Type() models.NodeType
	Process(ctx context.Context, in Input) (Output, error)
}

// SuccessorScheduler is implemented by processors whose successors run in
// later jobs instead of the current traversal.
type SuccessorScheduler interface {
	ScheduleSuccessors(ctx context.Context, in Input, out Output, successors []*models.Successor) error
}

// Registry maps node types to their processor.
type Registry struct {
	processors map[models.NodeType]Processor
}

func NewRegistry(processors ...Processor) *Registry {
	r := &Registry{processors: make(map[models.NodeType]Processor, len(processors))}

	for _, p := range processors {
		r.Register(p)
	}

	return r
}

func (r *Registry) Register(p Processor) {
	r.processors[p.Type()] = p
}

func (r *Registry) Get(nodeType models.NodeType) (Processor, error) {
	p, ok := r.processors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
	}

	return p, nil
}

// NewNodeExecution describes the record created on a node's first visit.
// Retry limits are only recorded for nodes that retry.
func NewNodeExecution(executionID int64, node *models.WorkflowNode, status models.NodeExecutionStatus) persistence.NewNodeExecution {
	params := persistence.NewNodeExecution{
		ExecutionID:     executionID,
		WorkflowNodeID:  node.ID,
		Status:          status,
		BackoffStrategy: node.RetryConfig.BackoffStrategy,
	}

	if node.ErrorAction() == models.OnErrorRetry {
		maxAttempts := node.RetryConfig.MaxAttempts
		params.MaxAttempts = &maxAttempts
	}

	return params
}

// RestoreOutput rebuilds the Output of a node that finished in an earlier
// job from its persisted output, so its successors can be discovered again.
func RestoreOutput(node *models.WorkflowNode, raw json.RawMessage) (Output, error) {
	var data any

	if len(raw) > 0 {
		if err := sonic.Unmarshal(raw, &data); err != nil {
			return Output{}, fmt.Errorf("failed to decode output of node %d: %w", node.ID, err)
		}
	}

	out := Output{Status: models.NodeCompleted, Data: data}

	switch node.Type {
	case models.NodeTypeAction:
		out.ContextValue = ContextValue(node.Type, data)
	case models.NodeTypeCondition:
		var matched struct {
			MatchedRuleIDs []int64 `json:"matchedRuleIds"`
		}

		if len(raw) > 0 {
			if err := sonic.Unmarshal(raw, &matched); err != nil {
				return Output{}, fmt.Errorf("failed to decode matched rules of node %d: %w", node.ID, err)
			}
		}

		out.Next = NextMatchedRules
		out.MatchedRuleIDs = matched.MatchedRuleIDs
	case models.NodeTypeDelay:
		out.Next = NextScheduled
	}

	return out, nil
}
