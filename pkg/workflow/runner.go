package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/otelhelper"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/processors"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

// BusyRetryDelay is how long a job waits before retrying an execution that
// another job is traversing.
const BusyRetryDelay = time.Second

// Runner handles workflow jobs: it moves the execution into RUNNING, drives
// the Engine and settles the execution status afterwards.
type Runner struct {
	executions     persistence.ExecutionRepository
	nodeExecutions persistence.NodeExecutionRepository
	graph          persistence.GraphRepository
	state          runtimestate.Store
	engine         *Engine
	logger         *slog.Logger
}

func NewRunner(p persistence.Persistence, state runtimestate.Store, engine *Engine, logger *slog.Logger) *Runner {
	return &Runner{
		executions:     p.ExecutionRepository(),
		nodeExecutions: p.NodeExecutionRepository(),
		graph:          p.GraphRepository(),
		state:          state,
		engine:         engine,
		logger:         logger.With("module", "workflow_runner"),
	}
}

// HandleJob is the queue.Handler for workflow jobs.
func (r *Runner) HandleJob(ctx context.Context, job *queue.Job) (err error) {
	payload, err := queue.DecodeJobPayload(job.Data)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "workflow.job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobNameKey, job.Name),
		attribute.Int64(otelhelper.ExecutionIDKey, payload.ExecutionID),
	)
	defer func() { otelhelper.EndSpan(span, err) }()

	logger := r.logger.With("execution_id", payload.ExecutionID, "job_id", job.ID)

	execution, err := r.executions.Execution(ctx, payload.ExecutionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return queue.Unrecoverable(err)
		}

		return fmt.Errorf("failed to load execution: %w", err)
	}

	switch {
	case execution.Status == models.ExecutionStopped:
		logger.InfoContext(ctx, "execution stopped, skipping job")

		return nil
	case !payload.IsResume && execution.Status == models.ExecutionRunning:
		if payload.StartNodeID == nil {
			logger.WarnContext(ctx, "execution already running, skipping job")

			return nil
		}

		owned, err := runtimestate.Owned(ctx, r.state, execution.ID, runtimestate.DefaultStuckThreshold)
		if err != nil {
			return fmt.Errorf("failed to check execution heartbeat: %w", err)
		}

		if owned {
			logger.InfoContext(ctx, "execution busy, postponing job", "start_node_id", *payload.StartNodeID)

			return queue.Postpone(ErrExecutionBusy, BusyRetryDelay)
		}

		logger.WarnContext(ctx, "execution running without a live worker, taking over", "start_node_id", *payload.StartNodeID)
	case payload.IsResume:
		stuck, err := r.state.IsStuck(ctx, execution.ID, runtimestate.DefaultStuckThreshold)
		if err != nil {
			logger.WarnContext(ctx, "failed to check execution heartbeat", "error", err)
		}

		logger.InfoContext(ctx, "resuming execution", "status", execution.Status, "stuck", stuck)
	}

	entry := runtimestate.PendingEntry{ExecutionID: execution.ID, StartNodeID: payload.StartNodeID}

	if err := r.state.AddPending(ctx, entry); err != nil {
		return fmt.Errorf("failed to register pending job: %w", err)
	}

	defer func() {
		if err := r.state.RemovePending(context.WithoutCancel(ctx), entry); err != nil {
			logger.WarnContext(ctx, "failed to release pending job", "error", err)
		}
	}()

	running, err := r.executions.MarkExecutionRunning(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}

	if !running {
		logger.InfoContext(ctx, "execution already finished, skipping job")

		return nil
	}

	execution.Status = models.ExecutionRunning
	r.engine.heartbeat(ctx, execution.ID)
	r.publishStatus(ctx, execution, models.ExecutionRunning, "")

	if err := r.run(ctx, execution, payload); err != nil {
		return r.handleFailure(ctx, execution, err)
	}

	return nil
}

func (r *Runner) run(ctx context.Context, execution *models.Execution, payload models.JobPayload) error {
	global, err := r.buildContext(ctx, execution, payload)
	if err != nil {
		return err
	}

	err = r.engine.Run(ctx, RunRequest{
		Execution:   execution,
		StartNodeID: payload.StartNodeID,
		IsResume:    payload.IsResume,
		Context:     global,
	})
	if err != nil {
		return err
	}

	status, err := r.aggregateStatus(ctx, execution.ID)
	if err != nil {
		return err
	}

	updated, err := r.executions.FinalizeExecution(ctx, execution.ID, status, "")
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	if !updated {
		r.logger.InfoContext(ctx, "execution stopped during traversal", "execution_id", execution.ID)

		return nil
	}

	if status == models.ExecutionCompleted {
		if err := r.state.DeleteExecutionState(ctx, execution.ID); err != nil {
			r.logger.WarnContext(ctx, "failed to delete runtime state", "execution_id", execution.ID, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "execution settled", "execution_id", execution.ID, "status", status)
	r.publishStatus(ctx, execution, status, "")

	return nil
}

// buildContext returns the context a job starts from. A fresh root job seeds
// it with the trigger payload; later jobs load it from the runtime store and
// rebuild it from completed nodes when the store no longer has it.
func (r *Runner) buildContext(ctx context.Context, execution *models.Execution, payload models.JobPayload) (*models.GlobalContext, error) {
	if payload.StartNodeID == nil && !payload.IsResume {
		global := models.NewGlobalContext()

		if err := r.storeNode(ctx, global, execution.ID, models.TriggerKey, triggerPayload(execution)); err != nil {
			return nil, err
		}

		return global, nil
	}

	global, found, err := r.state.Context(ctx, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution context: %w", err)
	}

	if found {
		return global, nil
	}

	r.logger.InfoContext(ctx, "execution context expired, rebuilding", "execution_id", execution.ID)

	return r.rebuildContext(ctx, execution)
}

func (r *Runner) rebuildContext(ctx context.Context, execution *models.Execution) (*models.GlobalContext, error) {
	global := models.NewGlobalContext()

	if err := r.storeNode(ctx, global, execution.ID, models.TriggerKey, triggerPayload(execution)); err != nil {
		return nil, err
	}

	records, err := r.nodeExecutions.NodeExecutions(ctx, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node executions: %w", err)
	}

	for _, record := range records {
		if record.Status != models.NodeCompleted {
			continue
		}

		node, err := r.graph.Node(ctx, record.WorkflowNodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load node %d: %w", record.WorkflowNodeID, err)
		}

		var data any
		if len(record.Output) > 0 {
			if err := sonic.Unmarshal(record.Output, &data); err != nil {
				return nil, fmt.Errorf("failed to decode output of node %d: %w", node.ID, err)
			}
		}

		if err := r.storeNode(ctx, global, execution.ID, node.ContextKey(), processors.ContextValue(node.Type, data)); err != nil {
			return nil, err
		}
	}

	return global, nil
}

func (r *Runner) storeNode(ctx context.Context, global *models.GlobalContext, executionID int64, key string, value any) error {
	global.SetNode(key, value)

	if err := r.state.SetContextValue(ctx, executionID, models.NodePath(key), value); err != nil {
		return fmt.Errorf("failed to store context value %s: %w", key, err)
	}

	return nil
}

// aggregateStatus derives the execution status from the nodes that have
// not completed or failed.
func (r *Runner) aggregateStatus(ctx context.Context, executionID int64) (models.ExecutionStatus, error) {
	records, err := r.nodeExecutions.NodeExecutions(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to load node executions: %w", err)
	}

	return AggregateStatus(records), nil
}

// AggregateStatus is PAUSED when any open node is paused, STOPPED when any
// was stopped or cancelled, PENDING when others remain and COMPLETED otherwise.
func AggregateStatus(records []*models.NodeExecution) models.ExecutionStatus {
	var paused, stopped, open bool

	for _, record := range records {
		switch record.Status {
		case models.NodeCompleted, models.NodeFailed:
			continue
		case models.NodePaused:
			paused = true
		case models.NodeStopped, models.NodeCancelled:
			stopped = true
		}

		open = true
	}

	switch {
	case paused:
		return models.ExecutionPaused
	case stopped:
		return models.ExecutionStopped
	case open:
		return models.ExecutionPending
	}

	return models.ExecutionCompleted
}

func (r *Runner) handleFailure(ctx context.Context, execution *models.Execution, cause error) error {
	if IsAborted(cause) {
		r.logger.InfoContext(ctx, "execution aborted", "execution_id", execution.ID, "reason", cause.Error())

		return queue.Unrecoverable(cause)
	}

	r.logger.ErrorContext(ctx, "execution failed", "execution_id", execution.ID, "error", cause)

	failed, err := r.executions.FailExecution(context.WithoutCancel(ctx), execution.ID, cause.Error())
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to mark execution failed: %w", err))
	}

	if failed {
		r.publishStatus(ctx, execution, models.ExecutionFailed, cause.Error())
	}

	return cause
}

func (r *Runner) publishStatus(ctx context.Context, execution *models.Execution, status models.ExecutionStatus, reason string) {
	publisher := r.engine.publisher
	if publisher == nil {
		return
	}

	event := events.ExecutionStatusChanged{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStatusChangedEvent),
		ExecutionID:    execution.ID,
		UserWorkflowID: execution.UserWorkflowID,
		Status:         status,
		Reason:         reason,
	}
	event.WorkerID = r.engine.workerID

	if err := publisher.Publish(ctx, eventbus.ExecutionKey(execution.ID), event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish status event", "execution_id", execution.ID, "error", err)
	}
}

func triggerPayload(execution *models.Execution) any {
	if execution.TriggerPayload == nil {
		return map[string]any{}
	}

	return execution.TriggerPayload
}
