// Package persistence provides the storage abstraction for workflow graphs,
// executions and triggers.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/flowrunner/pkg/models"
)

type Persistence interface {
	ExecutionRepository() ExecutionRepository
	NodeExecutionRepository() NodeExecutionRepository
	GraphRepository() GraphRepository
	TriggerRepository() TriggerRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExecutionRepository stores workflow executions. Status changes are
// single-row conditional updates that report whether a row changed.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	Execution(ctx context.Context, id int64) (*models.Execution, error)
	ExecutionsByUserWorkflow(ctx context.Context, userWorkflowID int64, limit, offset int) ([]*models.Execution, int, error)

	// MarkExecutionRunning moves a non-finished execution to running and
	// sets started_at when it is still empty.
	MarkExecutionRunning(ctx context.Context, id int64) (bool, error)
	// FinalizeExecution applies an aggregate status unless the execution
	// was stopped. ended_at is set for finished statuses.
	FinalizeExecution(ctx context.Context, id int64, status models.ExecutionStatus, reason string) (bool, error)
	// StopExecution stops an execution that is not finished yet.
	StopExecution(ctx context.Context, id int64, reason string) (bool, error)
	// FailExecution fails an execution unless it was stopped or completed.
	FailExecution(ctx context.Context, id int64, reason string) (bool, error)
}

type NodeExecutionRepository interface {
	// FindOrCreateNodeExecution returns the single record for the pair,
	// creating it with status when missing.
	FindOrCreateNodeExecution(ctx context.Context, params NewNodeExecution) (*models.NodeExecution, bool, error)
	NodeExecution(ctx context.Context, executionID, nodeID int64) (*models.NodeExecution, error)
	NodeExecutions(ctx context.Context, executionID int64) ([]*models.NodeExecution, error)

	// StartNodeExecution marks a non-terminal record running.
	StartNodeExecution(ctx context.Context, id int64, input json.RawMessage) (bool, error)
	// FinishNodeExecution never overwrites a terminal status.
	FinishNodeExecution(ctx context.Context, id int64, status models.NodeExecutionStatus, output json.RawMessage, reason string) (bool, error)
	CancelActiveNodeExecutions(ctx context.Context, executionID int64, reason string) (int64, error)
	IncrementNodeAttempts(ctx context.Context, id int64) (int, error)
}

type NewNodeExecution struct {
	ExecutionID     int64
	WorkflowNodeID  int64
	Status          models.NodeExecutionStatus
	MaxAttempts     *int
	BackoffStrategy models.BackoffStrategy
}

// GraphRepository is the read-only view of workflow graphs and node configuration.
type GraphRepository interface {
	UserWorkflow(ctx context.Context, id int64) (*models.UserWorkflow, error)
	StartNode(ctx context.Context, workflowID int64) (*models.WorkflowNode, error)
	Node(ctx context.Context, id int64) (*models.WorkflowNode, error)
	// OutgoingEdges returns the active edges leaving nodeID.
	OutgoingEdges(ctx context.Context, nodeID int64) ([]*models.Edge, error)
	Rules(ctx context.Context, nodeID int64) ([]*models.Rule, error)
	ActionConfig(ctx context.Context, nodeID int64) (*models.ActionConfig, error)
	DelayConfig(ctx context.Context, nodeID int64) (*models.DelayConfig, error)
}

type TriggerRepository interface {
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	Trigger(ctx context.Context, id int64) (*models.Trigger, error)
	SetTriggerActive(ctx context.Context, id int64, active bool) error
	TouchTriggerRun(ctx context.Context, id int64, at time.Time) error
	DeleteTrigger(ctx context.Context, id int64) error
}
