package models

import (
	"encoding/json"
	"slices"
	"time"
)

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// IsFinished reports whether no further processing may happen for the execution.
func (s ExecutionStatus) IsFinished() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// NodeExecutionStatus is the state of one node inside one execution.
type NodeExecutionStatus string

const (
	NodeQueued    NodeExecutionStatus = "queued"
	NodeRunning   NodeExecutionStatus = "running"
	NodePending   NodeExecutionStatus = "pending"
	NodeCompleted NodeExecutionStatus = "completed"
	NodePaused    NodeExecutionStatus = "paused"
	NodeFailed    NodeExecutionStatus = "failed"
	NodeCancelled NodeExecutionStatus = "cancelled"
	// NodeStopped is never written by the engine itself but is honoured
	// when computing the aggregate execution status.
	NodeStopped NodeExecutionStatus = "stopped"
)

// TerminalNodeStatuses can never transition to another status.
var TerminalNodeStatuses = []NodeExecutionStatus{NodeCompleted, NodeFailed, NodeCancelled}

// CancellableNodeStatuses are moved to cancelled when an execution is stopped.
var CancellableNodeStatuses = []NodeExecutionStatus{NodeRunning, NodeQueued, NodePending}

// IsTerminal reports whether the status is final.
func (s NodeExecutionStatus) IsTerminal() bool {
	return slices.Contains(TerminalNodeStatuses, s)
}

// Execution is one run of a user workflow.
type Execution struct {
	ID             int64           `json:"id"`
	UserWorkflowID int64           `json:"user_workflow_id"`
	TriggerID      *int64          `json:"trigger_id,omitempty"`
	TriggerPayload map[string]any  `json:"trigger_payload,omitempty"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	RetryOf        *int64          `json:"retry_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NodeExecution is the per-node record of an execution and its unit of idempotency.
type NodeExecution struct {
	ID              int64               `json:"id"`
	ExecutionID     int64               `json:"execution_id"`
	WorkflowNodeID  int64               `json:"workflow_node_id"`
	Status          NodeExecutionStatus `json:"status"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	Input           json.RawMessage     `json:"input,omitempty"`
	Output          json.RawMessage     `json:"output,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	Attempts        int                 `json:"attempts"`
	MaxAttempts     *int                `json:"max_attempts,omitempty"`
	BackoffStrategy BackoffStrategy     `json:"backoff_strategy"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// UserWorkflow binds a workflow graph to the user that runs it.
type UserWorkflow struct {
	ID         int64 `json:"id"`
	UserID     int64 `json:"user_id"`
	WorkflowID int64 `json:"workflow_id"`
}
