package main

import (
	"context"
	"fmt"

	"github.com/dukex/flowrunner/pkg/events"
)

// setupEventSubscriptions follows the lifecycle events published by workers
// and the trigger service, so the API log shows how executions settle.
func (a *API) setupEventSubscriptions(ctx context.Context) error {
	if err := a.eventBus.Handle(events.ExecutionStatusChangedEvent, a.handleExecutionStatusChanged); err != nil {
		return fmt.Errorf("failed to subscribe to execution.status_changed events: %w", err)
	}

	if err := a.eventBus.Handle(events.TriggerFiredEvent, a.handleTriggerFired); err != nil {
		return fmt.Errorf("failed to subscribe to trigger.fired events: %w", err)
	}

	if err := a.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to execution events: %w", err)
	}

	a.logger.InfoContext(ctx, "Event subscriptions configured successfully")

	return nil
}

func (a *API) handleExecutionStatusChanged(ctx context.Context, eventData any) error {
	event, ok := eventData.(*events.ExecutionStatusChanged)
	if !ok {
		return fmt.Errorf("invalid event type for execution.status_changed: %T", eventData)
	}

	a.logger.InfoContext(ctx, "execution status changed",
		"execution_id", event.ExecutionID,
		"user_workflow_id", event.UserWorkflowID,
		"status", event.Status,
		"reason", event.Reason,
		"worker_id", event.WorkerID)

	return nil
}

func (a *API) handleTriggerFired(ctx context.Context, eventData any) error {
	event, ok := eventData.(*events.TriggerFired)
	if !ok {
		return fmt.Errorf("invalid event type for trigger.fired: %T", eventData)
	}

	a.logger.InfoContext(ctx, "trigger fired",
		"trigger_id", event.TriggerID,
		"trigger_type", event.TriggerType,
		"user_workflow_id", event.UserWorkflowID,
		"execution_id", event.ExecutionID)

	return nil
}
