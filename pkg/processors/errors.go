package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowrunner/pkg/httpaction"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

const AbortCode = "WF-ABORT"

// AbortError stops a traversal without marking nodes failed. It is raised
// when the execution was stopped or the node execution was cancelled.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return e.Message
}

// Code identifies aborts in logs and job failure reasons.
func (e *AbortError) Code() string {
	return AbortCode
}

func IsAborted(err error) bool {
	var abort *AbortError

	return errors.As(err, &abort)
}

// ActionAPIError is returned when an action call failed and the node's
// error policy does not allow the traversal to continue.
type ActionAPIError struct {
	NodeID int64
	Result *httpaction.ResultError
}

func (e *ActionAPIError) Error() string {
	if e.Result == nil {
		return fmt.Sprintf("action node %d failed", e.NodeID)
	}

	if e.Result.Status != 0 {
		return fmt.Sprintf("action node %d failed with status %d: %s", e.NodeID, e.Result.Status, e.Result.Message)
	}

	return fmt.Sprintf("action node %d failed: %s", e.NodeID, e.Result.Message)
}

func IsActionAPIError(err error) bool {
	var apiErr *ActionAPIError

	return errors.As(err, &apiErr)
}

// AbortChecker reloads execution state and reports aborts.
type AbortChecker struct {
	executions     persistence.ExecutionRepository
	nodeExecutions persistence.NodeExecutionRepository
}

func NewAbortChecker(executions persistence.ExecutionRepository, nodeExecutions persistence.NodeExecutionRepository) *AbortChecker {
	return &AbortChecker{executions: executions, nodeExecutions: nodeExecutions}
}

// CheckExecution aborts when the execution has been stopped.
func (c *AbortChecker) CheckExecution(ctx context.Context, executionID int64) error {
	execution, err := c.executions.Execution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to reload execution: %w", err)
	}

	if execution.Status == models.ExecutionStopped {
		return &AbortError{Message: fmt.Sprintf("execution %d has been stopped", executionID)}
	}

	return nil
}

// CheckNode aborts when the node execution has been cancelled.
func (c *AbortChecker) CheckNode(ctx context.Context, executionID, nodeID int64) error {
	record, err := c.nodeExecutions.NodeExecution(ctx, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to reload node execution: %w", err)
	}

	if record.Status == models.NodeCancelled {
		return &AbortError{Message: "Node execution has been cancelled"}
	}

	return nil
}
