// Package web provides HTTP request and response types for the execution API.
package web

import (
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/services"
)

// StartExecutionRequest represents the request body for starting an execution.
type StartExecutionRequest struct {
	TriggerID *int64         `json:"trigger_id" validate:"omitempty,gt=0"`
	Payload   map[string]any `json:"payload"`
}

// CreateTriggerRequest represents the request body for adding a trigger.
type CreateTriggerRequest struct {
	Name        string         `json:"name"        validate:"required,min=1"`
	Description string         `json:"description"`
	Type        string         `json:"type"        validate:"required,oneof=cron webhook http schedule"`
	Config      map[string]any `json:"config"`
	IsActive    *bool          `json:"is_active"`
}

func (r CreateTriggerRequest) toService(userWorkflowID int64) services.CreateTriggerRequest {
	return services.CreateTriggerRequest{
		UserWorkflowID: userWorkflowID,
		Name:           r.Name,
		Description:    r.Description,
		Type:           models.TriggerType(r.Type),
		Config:         r.Config,
		IsActive:       r.IsActive,
	}
}

// ExecutionResponse is an execution together with its per-run counters.
type ExecutionResponse struct {
	*models.Execution

	Stats map[string]int64 `json:"stats,omitempty"`
}

// HistoryResponse represents one page of executions.
type HistoryResponse struct {
	Executions  []*models.Execution `json:"executions"`
	TotalCount  int                 `json:"total_count"`
	HasNextPage bool                `json:"has_next_page"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}
