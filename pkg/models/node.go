// Package models defines the workflow graph, execution and trigger models shared by the engine.
package models

import (
	"encoding/json"
	"strconv"
)

// NodeType is the closed set of node kinds the engine knows how to process.
type NodeType string

const (
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeDelay     NodeType = "delay"
)

// OnErrorAction tells the action processor what to do when the outbound call fails.
type OnErrorAction string

const (
	OnErrorContinue OnErrorAction = "continue"
	OnErrorStop     OnErrorAction = "stop"
	OnErrorRetry    OnErrorAction = "retry"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

// RetryConfig is declared per node and consumed when OnErrorAction is retry.
type RetryConfig struct {
	MaxAttempts     int             `json:"max_attempts"     mapstructure:"max_attempts"     validate:"min=1,max=10"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy" mapstructure:"backoff_strategy" validate:"oneof=exponential linear constant"`
	BaseDelayMs     int64           `json:"base_delay_ms"    mapstructure:"base_delay_ms"    validate:"min=0"`
	MaxDelayMs      int64           `json:"max_delay_ms"     mapstructure:"max_delay_ms"     validate:"min=0"`
	Jitter          bool            `json:"jitter"           mapstructure:"jitter"`
}

// DefaultRetryConfig mirrors the defaults stored with every node definition.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BackoffStrategy: BackoffExponential,
		BaseDelayMs:     2000,
		MaxDelayMs:      30000,
		Jitter:          true,
	}
}

// WorkflowNode is one vertex of a workflow graph.
type WorkflowNode struct {
	ID            int64          `json:"id"`
	WorkflowID    int64          `json:"workflow_id"`
	Name          string         `json:"name"`
	Type          NodeType       `json:"type"`
	IsStart       bool           `json:"is_start"`
	OnErrorAction OnErrorAction  `json:"on_error_action"`
	RetryConfig   RetryConfig    `json:"retry_config"`
	Config        map[string]any `json:"config,omitempty"`
}

// ErrorAction returns the node's error policy, defaulting to stop.
func (n *WorkflowNode) ErrorAction() OnErrorAction {
	if n.OnErrorAction == "" {
		return OnErrorStop
	}

	return n.OnErrorAction
}

// ContextKey is the key under which the node's output lives in the global context.
func (n *WorkflowNode) ContextKey() string {
	return NodeKey(n.ID)
}

// AsMap exposes the node definition as the "current" context for @-paths.
func (n *WorkflowNode) AsMap() map[string]any {
	return map[string]any{
		"id":              n.ID,
		"workflow_id":     n.WorkflowID,
		"name":            n.Name,
		"type":            string(n.Type),
		"is_start":        n.IsStart,
		"on_error_action": string(n.ErrorAction()),
		"config":          n.Config,
	}
}

// Edge is a directed connection between two nodes of the same workflow.
// A nil RuleID marks the default branch of a condition node.
type Edge struct {
	ID                int64  `json:"id"`
	WorkflowID        int64  `json:"workflow_id"`
	SourceNodeID      int64  `json:"source_node_id"`
	DestinationNodeID int64  `json:"destination_node_id"`
	RuleID            *int64 `json:"rule_id,omitempty"`
	IsActive          bool   `json:"is_active"`
}

// Successor is a node discovered through an active edge, remembering which
// predecessor output it should take as input.
type Successor struct {
	Node     *WorkflowNode
	RuleID   *int64
	PrevNode string
}

// Rule is one branch expression attached to a condition node.
type Rule struct {
	ID             int64           `json:"id"`
	WorkflowNodeID int64           `json:"workflow_node_id"`
	Expression     json.RawMessage `json:"expression"`
	Label          string          `json:"label"`
}

// NodeKey formats the global-context key of a node output.
func NodeKey(nodeID int64) string {
	return "wn_" + strconv.FormatInt(nodeID, 10)
}
