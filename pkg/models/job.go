package models

// JobPayload is the wire contract of a workflow job on the distributed queue.
type JobPayload struct {
	ExecutionID int64  `json:"executionId" validate:"required,gt=0"`
	StartNodeID *int64 `json:"startNodeId"  validate:"omitempty,gt=0"`
	IsResume    bool   `json:"isResume"`
}

// TriggerJobPayload is carried by cron and schedule jobs.
type TriggerJobPayload struct {
	TriggerID      int64 `json:"triggerId"      validate:"required,gt=0"`
	UserWorkflowID int64 `json:"userWorkflowId" validate:"required,gt=0"`
}
