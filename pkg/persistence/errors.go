// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrNodeExecutionNotFound = errors.New("node execution not found")
	ErrNodeNotFound          = errors.New("node not found")
	ErrStartNodeNotFound     = errors.New("start node not found")
	ErrUserWorkflowNotFound  = errors.New("user workflow not found")
	ErrConfigNotFound        = errors.New("node configuration not found")
	ErrTriggerNotFound       = errors.New("trigger not found")

	// ErrDuplicateTrigger indicates the user workflow already has a trigger with the same config.
	ErrDuplicateTrigger = errors.New("trigger with identical configuration already exists")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID int64
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %d: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op string, executionID int64, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// NodeError wraps node and node-execution errors with additional context.
type NodeError struct {
	Op          string
	ExecutionID int64
	NodeID      int64
	Err         error
}

func (e *NodeError) Error() string {
	if e.ExecutionID != 0 {
		return fmt.Sprintf("%s operation failed for node %d in execution %d: %v", e.Op, e.NodeID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for node %d: %v", e.Op, e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewNodeError(op string, nodeID int64, err error) *NodeError {
	return &NodeError{Op: op, NodeID: nodeID, Err: err}
}

// TriggerError wraps trigger-related errors with additional context.
type TriggerError struct {
	Op        string
	TriggerID int64
	Err       error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger %d: %v", e.Op, e.TriggerID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

func (e *TriggerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTriggerError(op string, triggerID int64, err error) *TriggerError {
	return &TriggerError{Op: op, TriggerID: triggerID, Err: err}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsNodeExecutionNotFound(err error) bool {
	return errors.Is(err, ErrNodeExecutionNotFound)
}

// IsNodeNotFound checks if an error indicates a node was not found.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

func IsStartNodeNotFound(err error) bool {
	return errors.Is(err, ErrStartNodeNotFound)
}

func IsUserWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrUserWorkflowNotFound)
}

func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

func IsDuplicateTrigger(err error) bool {
	return errors.Is(err, ErrDuplicateTrigger)
}
