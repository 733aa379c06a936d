package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/triggers"
)

// Trigger manages user workflow triggers and fires them from cron and
// schedule jobs.
type Trigger struct {
	triggers   persistence.TriggerRepository
	graph      persistence.GraphRepository
	queue      queue.Client
	executions *Execution
	now        func() time.Time
	logger     *slog.Logger
}

// NewTrigger creates a new trigger service.
func NewTrigger(p persistence.Persistence, client queue.Client, executions *Execution, logger *slog.Logger) *Trigger {
	return &Trigger{
		triggers:   p.TriggerRepository(),
		graph:      p.GraphRepository(),
		queue:      client,
		executions: executions,
		now:        time.Now,
		logger:     logger.With("module", "trigger_service"),
	}
}

// CreateTriggerRequest represents the request to add a trigger to a user workflow.
type CreateTriggerRequest struct {
	UserWorkflowID int64              `json:"-"           validate:"required,gt=0"`
	Name           string             `json:"name"        validate:"required"`
	Description    string             `json:"description"`
	Type           models.TriggerType `json:"type"        validate:"required,oneof=cron webhook http schedule"`
	Config         map[string]any     `json:"config"`
	IsActive       *bool              `json:"isActive"`
}

// Create validates and stores a trigger, arming it when active.
func (s *Trigger) Create(ctx context.Context, req CreateTriggerRequest) (*models.Trigger, error) {
	if err := validate.Struct(req); err != nil {
		return nil, NewValidationError("CreateTrigger", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if err := triggers.Validate(req.Type, req.Config, s.now()); err != nil {
		return nil, err
	}

	if _, err := s.graph.UserWorkflow(ctx, req.UserWorkflowID); err != nil {
		return nil, err
	}

	hash, err := triggers.ConfigHash(req.Type, req.Config)
	if err != nil {
		return nil, err
	}

	trigger := &models.Trigger{
		UserWorkflowID: req.UserWorkflowID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           req.Type,
		Config:         req.Config,
		ConfigHash:     hash,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}

	if err := s.triggers.CreateTrigger(ctx, trigger); err != nil {
		return nil, err
	}

	if trigger.IsActive {
		if err := s.arm(ctx, trigger); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "trigger created", "trigger_id", trigger.ID, "type", trigger.Type, "active", trigger.IsActive)

	return trigger, nil
}

// Toggle flips a trigger between active and inactive.
func (s *Trigger) Toggle(ctx context.Context, id int64) (*models.Trigger, error) {
	trigger, err := s.triggers.Trigger(ctx, id)
	if err != nil {
		return nil, err
	}

	active := !trigger.IsActive

	if err := s.triggers.SetTriggerActive(ctx, id, active); err != nil {
		return nil, err
	}

	trigger.IsActive = active

	if active {
		err = s.arm(ctx, trigger)
	} else {
		err = s.disarm(ctx, trigger)
	}

	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trigger toggled", "trigger_id", id, "active", active)

	return trigger, nil
}

func (s *Trigger) Delete(ctx context.Context, id int64) error {
	trigger, err := s.triggers.Trigger(ctx, id)
	if err != nil {
		return err
	}

	if err := s.disarm(ctx, trigger); err != nil {
		return err
	}

	return s.triggers.DeleteTrigger(ctx, id)
}

// HandleJob is the queue.Handler for cron and schedule jobs.
func (s *Trigger) HandleJob(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeTriggerPayload(job.Data)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	logger := s.logger.With("trigger_id", payload.TriggerID, "job_id", job.ID)

	trigger, err := s.triggers.Trigger(ctx, payload.TriggerID)
	if err != nil {
		if persistence.IsTriggerNotFound(err) {
			return queue.Unrecoverable(err)
		}

		return err
	}

	if !trigger.IsActive {
		logger.WarnContext(ctx, "trigger is inactive, disarming")

		return s.disarm(ctx, trigger)
	}

	now := s.now()

	if err := s.triggers.TouchTriggerRun(ctx, trigger.ID, now); err != nil {
		return err
	}

	triggerID := trigger.ID

	execution, err := s.executions.Start(ctx, StartRequest{
		UserWorkflowID: payload.UserWorkflowID,
		TriggerID:      &triggerID,
		Payload:        map[string]any{"timestamp": now.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "trigger fired", "execution_id", execution.ID)

	// A schedule fires once. The job is not retried from here on, since a
	// retry would start a second execution.
	if trigger.Type == models.TriggerSchedule {
		if err := s.triggers.DeleteTrigger(ctx, trigger.ID); err != nil {
			logger.ErrorContext(ctx, "failed to delete fired schedule trigger", "error", err)
		}
	}

	s.executions.publish(ctx, execution.ID, events.TriggerFired{
		BaseEvent:      events.NewBaseEvent(events.TriggerFiredEvent),
		TriggerID:      trigger.ID,
		TriggerType:    trigger.Type,
		UserWorkflowID: payload.UserWorkflowID,
		ExecutionID:    execution.ID,
	})

	return nil
}

func (s *Trigger) jobPayload(trigger *models.Trigger) (json.RawMessage, error) {
	return queue.EncodePayload(models.TriggerJobPayload{TriggerID: trigger.ID, UserWorkflowID: trigger.UserWorkflowID})
}

func (s *Trigger) arm(ctx context.Context, trigger *models.Trigger) error {
	switch trigger.Type {
	case models.TriggerCron:
		cfg, err := triggers.DecodeCron(trigger.Config)
		if err != nil {
			return err
		}

		expr, err := triggers.CronExpression(cfg)
		if err != nil {
			return err
		}

		data, err := s.jobPayload(trigger)
		if err != nil {
			return err
		}

		return s.queue.UpsertScheduler(ctx, queue.CronSchedulerID(trigger.ID), expr, queue.JobCron, data)
	case models.TriggerSchedule:
		cfg, err := triggers.DecodeSchedule(trigger.Config)
		if err != nil {
			return err
		}

		data, err := s.jobPayload(trigger)
		if err != nil {
			return err
		}

		delay := max(cfg.ScheduleAt.Sub(s.now()), 0)

		_, err = s.queue.Enqueue(ctx, queue.JobSchedule, data, queue.EnqueueOptions{JobID: queue.ScheduleJobID(trigger.ID), Delay: delay})

		return err
	}

	return nil
}

func (s *Trigger) disarm(ctx context.Context, trigger *models.Trigger) error {
	switch trigger.Type {
	case models.TriggerCron:
		err := s.queue.RemoveScheduler(ctx, queue.CronSchedulerID(trigger.ID))
		if err != nil && !errors.Is(err, queue.ErrSchedulerMissing) {
			return err
		}
	case models.TriggerSchedule:
		if _, err := s.queue.Remove(ctx, queue.ScheduleJobID(trigger.ID)); err != nil {
			return err
		}
	}

	return nil
}
