// Package events defines the execution lifecycle notifications published by
// the worker and the API.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowrunner/pkg/models"
)

type EventType string

// Topic carries every execution event.
const Topic = "flowrunner.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionQueuedEvent        EventType = "execution.queued"
	ExecutionStatusChangedEvent EventType = "execution.status_changed"
	NodeExecutionFinishedEvent  EventType = "node_execution.finished"
	TriggerFiredEvent           EventType = "trigger.fired"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// ExecutionQueued is published when a root job for a new execution is enqueued.
type ExecutionQueued struct {
	BaseEvent

	ExecutionID    int64          `json:"execution_id"`
	UserWorkflowID int64          `json:"user_workflow_id"`
	TriggerID      *int64         `json:"trigger_id,omitempty"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
}

func (e ExecutionQueued) GetType() EventType {
	return ExecutionQueuedEvent
}

type ExecutionStatusChanged struct {
	BaseEvent

	ExecutionID    int64                  `json:"execution_id"`
	UserWorkflowID int64                  `json:"user_workflow_id"`
	Status         models.ExecutionStatus `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
}

func (e ExecutionStatusChanged) GetType() EventType {
	return ExecutionStatusChangedEvent
}

type NodeExecutionFinished struct {
	BaseEvent

	ExecutionID int64                      `json:"execution_id"`
	NodeID      int64                      `json:"node_id"`
	NodeType    models.NodeType            `json:"node_type"`
	Status      models.NodeExecutionStatus `json:"status"`
	Reason      string                     `json:"reason,omitempty"`
	DurationMs  int64                      `json:"duration_ms"`
}

func (e NodeExecutionFinished) GetType() EventType {
	return NodeExecutionFinishedEvent
}

type TriggerFired struct {
	BaseEvent

	TriggerID      int64              `json:"trigger_id"`
	TriggerType    models.TriggerType `json:"trigger_type"`
	UserWorkflowID int64              `json:"user_workflow_id"`
	ExecutionID    int64              `json:"execution_id"`
}

func (e TriggerFired) GetType() EventType {
	return TriggerFiredEvent
}

// New returns an empty event of the given type, ready to be decoded into.
func New(eventType EventType) (any, error) {
	switch eventType {
	case ExecutionQueuedEvent:
		return &ExecutionQueued{}, nil
	case ExecutionStatusChangedEvent:
		return &ExecutionStatusChanged{}, nil
	case NodeExecutionFinishedEvent:
		return &NodeExecutionFinished{}, nil
	case TriggerFiredEvent:
		return &TriggerFired{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
