package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

const (
	StopReason   = "Stopped manually by user"
	CancelReason = "Cancelled due to workflow execution being stopped"

	defaultHistoryLimit = 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Execution starts, stops, inspects and recovers workflow executions.
type Execution struct {
	persistence persistence.Persistence
	queue       queue.Client
	state       runtimestate.Store
	publisher   eventbus.EventPublisher
	jobAttempts int
	stuckAfter  time.Duration
	logger      *slog.Logger
}

type ExecutionOption func(*Execution)

func WithPublisher(publisher eventbus.EventPublisher) ExecutionOption {
	return func(e *Execution) {
		e.publisher = publisher
	}
}

// WithJobAttempts sets how often the queue tries a root workflow job.
func WithJobAttempts(attempts int) ExecutionOption {
	return func(e *Execution) {
		e.jobAttempts = attempts
	}
}

// WithStuckThreshold sets how old a heartbeat may be before Recover treats
// its execution as abandoned.
func WithStuckThreshold(threshold time.Duration) ExecutionOption {
	return func(e *Execution) {
		if threshold > 0 {
			e.stuckAfter = threshold
		}
	}
}

// NewExecution creates a new execution service.
func NewExecution(p persistence.Persistence, client queue.Client, state runtimestate.Store, logger *slog.Logger, opts ...ExecutionOption) *Execution {
	e := &Execution{
		persistence: p,
		queue:       client,
		state:       state,
		jobAttempts: 1,
		stuckAfter:  runtimestate.DefaultStuckThreshold,
		logger:      logger.With("module", "execution_service"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// HealthCheck checks the health of the persistence layer.
func (e *Execution) HealthCheck(ctx context.Context) (string, bool) {
	if e.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := e.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// StartRequest asks for a new run of a user workflow.
type StartRequest struct {
	UserWorkflowID int64          `validate:"required,gt=0"`
	TriggerID      *int64         `validate:"omitempty,gt=0"`
	Payload        map[string]any `validate:"-"`
}

// Start creates a queued execution and enqueues its root job.
func (e *Execution) Start(ctx context.Context, req StartRequest) (*models.Execution, error) {
	if err := validate.Struct(req); err != nil {
		return nil, NewValidationError("Start", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if _, err := e.persistence.GraphRepository().UserWorkflow(ctx, req.UserWorkflowID); err != nil {
		return nil, fmt.Errorf("failed to load user workflow: %w", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	execution := &models.Execution{
		UserWorkflowID: req.UserWorkflowID,
		TriggerID:      req.TriggerID,
		TriggerPayload: payload,
		Status:         models.ExecutionQueued,
	}

	if err := e.persistence.ExecutionRepository().CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	data, err := queue.EncodePayload(models.JobPayload{ExecutionID: execution.ID})
	if err != nil {
		return nil, err
	}

	jobID := queue.ExecutionJobID(execution.ID)

	if _, err := e.queue.Enqueue(ctx, queue.JobWorkflow, data, queue.EnqueueOptions{JobID: jobID, Attempts: e.jobAttempts}); err != nil {
		return nil, fmt.Errorf("failed to enqueue execution %d: %w", execution.ID, err)
	}

	e.logger.InfoContext(ctx, "execution queued", "execution_id", execution.ID, "user_workflow_id", execution.UserWorkflowID, "job_id", jobID)

	e.publish(ctx, execution.ID, events.ExecutionQueued{
		BaseEvent:      events.NewBaseEvent(events.ExecutionQueuedEvent),
		ExecutionID:    execution.ID,
		UserWorkflowID: execution.UserWorkflowID,
		TriggerID:      execution.TriggerID,
		TriggerPayload: payload,
	})

	return execution, nil
}

// Stop halts an unfinished execution: its active nodes are cancelled and
// its queued jobs removed. Jobs already running abort on their next check.
func (e *Execution) Stop(ctx context.Context, id int64) (*models.Execution, error) {
	executions := e.persistence.ExecutionRepository()

	execution, err := executions.Execution(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsFinished() {
		return nil, &ServiceError{Op: "Stop", Code: "EXECUTION_FINISHED", Message: fmt.Sprintf("execution is already %s", execution.Status), Err: ErrExecutionFinished}
	}

	stopped, err := executions.StopExecution(ctx, id, StopReason)
	if err != nil {
		return nil, fmt.Errorf("failed to stop execution %d: %w", id, err)
	}

	if !stopped {
		return nil, &ServiceError{Op: "Stop", Code: "EXECUTION_FINISHED", Message: "execution finished before it could be stopped", Err: ErrExecutionFinished}
	}

	cancelled, err := e.persistence.NodeExecutionRepository().CancelActiveNodeExecutions(ctx, id, CancelReason)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel node executions of %d: %w", id, err)
	}

	removed, err := e.removeJobs(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := e.state.RemoveExecutionPending(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to clear pending jobs of %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "execution stopped", "execution_id", id, "cancelled_nodes", cancelled, "removed_jobs", removed)

	e.publish(ctx, id, events.ExecutionStatusChanged{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStatusChangedEvent),
		ExecutionID:    id,
		UserWorkflowID: execution.UserWorkflowID,
		Status:         models.ExecutionStopped,
		Reason:         StopReason,
	})

	return executions.Execution(ctx, id)
}

func (e *Execution) removeJobs(ctx context.Context, id int64) (int, error) {
	removed := 0

	ok, err := e.queue.Remove(ctx, queue.ExecutionJobID(id))
	if err != nil {
		return 0, fmt.Errorf("failed to remove job of %d: %w", id, err)
	}

	if ok {
		removed++
	}

	for _, prefix := range []string{queue.DelayJobPrefix(id), queue.ResumeJobPrefix(id)} {
		n, err := e.queue.RemoveByPrefix(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("failed to remove jobs %s*: %w", prefix, err)
		}

		removed += n
	}

	return removed, nil
}

func (e *Execution) Status(ctx context.Context, id int64) (*models.Execution, error) {
	return e.persistence.ExecutionRepository().Execution(ctx, id)
}

// Stats returns the traversal counters of a running execution. They are
// gone once the execution completed.
func (e *Execution) Stats(ctx context.Context, id int64) (map[string]int64, error) {
	return e.state.Stats(ctx, id)
}

// Log returns the node executions of an execution.
func (e *Execution) Log(ctx context.Context, id int64) ([]*models.NodeExecution, error) {
	if _, err := e.persistence.ExecutionRepository().Execution(ctx, id); err != nil {
		return nil, err
	}

	return e.persistence.NodeExecutionRepository().NodeExecutions(ctx, id)
}

// HistoryRequest contains options for listing the executions of a user workflow.
type HistoryRequest struct {
	UserWorkflowID int64 `validate:"required,gt=0"`
	Limit          int   `validate:"min=0,max=100"`
	Offset         int   `validate:"min=0"`
}

// HistoryResponse contains the result of listing executions.
type HistoryResponse struct {
	Executions  []*models.Execution `json:"executions"`
	TotalCount  int                 `json:"total_count"`
	HasNextPage bool                `json:"has_next_page"`
}

// History lists executions of a user workflow, newest first.
func (e *Execution) History(ctx context.Context, req HistoryRequest) (*HistoryResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, NewValidationError("History", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if req.Limit == 0 {
		req.Limit = defaultHistoryLimit
	}

	executions, total, err := e.persistence.ExecutionRepository().ExecutionsByUserWorkflow(ctx, req.UserWorkflowID, req.Limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &HistoryResponse{
		Executions:  executions,
		TotalCount:  total,
		HasNextPage: req.Offset+len(executions) < total,
	}, nil
}

// Recover re-enqueues the jobs that were running when a worker died. Every
// pending registration gets a resume job; registrations of finished or
// missing executions are dropped. Executions whose heartbeat is still fresh
// belong to a live worker and are left alone.
func (e *Execution) Recover(ctx context.Context) (int, error) {
	entries, err := e.state.PendingEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending jobs: %w", err)
	}

	now := time.Now()
	recovered := 0

	for i, entry := range entries {
		execution, err := e.persistence.ExecutionRepository().Execution(ctx, entry.ExecutionID)
		if err != nil && !persistence.IsExecutionNotFound(err) {
			return recovered, fmt.Errorf("failed to load execution %d: %w", entry.ExecutionID, err)
		}

		if execution == nil || execution.Status.IsFinished() {
			if err := e.state.RemovePending(ctx, entry); err != nil {
				return recovered, fmt.Errorf("failed to drop pending job %s: %w", entry, err)
			}

			e.logger.InfoContext(ctx, "dropped pending job of finished execution", "entry", entry.String())

			continue
		}

		owned, err := runtimestate.Owned(ctx, e.state, entry.ExecutionID, e.stuckAfter)
		if err != nil {
			return recovered, fmt.Errorf("failed to check heartbeat of execution %d: %w", entry.ExecutionID, err)
		}

		if owned {
			e.logger.InfoContext(ctx, "pending job still owned by a live worker", "entry", entry.String())

			continue
		}

		data, err := queue.EncodePayload(models.JobPayload{ExecutionID: entry.ExecutionID, StartNodeID: entry.StartNodeID, IsResume: true})
		if err != nil {
			return recovered, err
		}

		jobID := queue.ResumeJobID(entry.ExecutionID, now.Add(time.Duration(i)*time.Millisecond))

		if _, err := e.queue.Enqueue(ctx, queue.JobWorkflow, data, queue.EnqueueOptions{JobID: jobID}); err != nil {
			return recovered, fmt.Errorf("failed to enqueue resume job %s: %w", jobID, err)
		}

		e.logger.InfoContext(ctx, "recovered pending job", "execution_id", entry.ExecutionID, "job_id", jobID)

		recovered++
	}

	return recovered, nil
}

func (e *Execution) publish(ctx context.Context, executionID int64, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, eventbus.ExecutionKey(executionID), event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event", "execution_id", executionID, "event_type", event.GetType(), "error", err)
	}
}
