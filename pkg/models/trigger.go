package models

import "time"

// TriggerType identifies how a user workflow gets started.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerWebhook  TriggerType = "webhook"
	TriggerHTTP     TriggerType = "http"
	TriggerSchedule TriggerType = "schedule"
)

// Trigger starts executions of a user workflow. ConfigHash is unique per
// user workflow so that two triggers with an identical config cannot coexist.
type Trigger struct {
	ID             int64          `json:"id"`
	UserWorkflowID int64          `json:"user_workflow_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Type           TriggerType    `json:"type"`
	Config         map[string]any `json:"config,omitempty"`
	ConfigHash     string         `json:"config_hash"`
	IsActive       bool           `json:"is_active"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
