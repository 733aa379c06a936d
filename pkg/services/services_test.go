package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/mocks"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/persistence/memory"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

var logger = slog.New(slog.DiscardHandler)

type fixture struct {
	ctx        context.Context
	store      *memory.Persistence
	queue      *queue.MemoryQueue
	state      *runtimestate.MemoryStore
	bus        *mocks.MockEventBus
	executions *Execution
	triggers   *Trigger
	userFlow   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: memory.NewPersistence(),
		queue: queue.NewMemoryQueue(),
		state: runtimestate.NewMemoryStore(),
		bus:   &mocks.MockEventBus{},
	}

	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f.executions = NewExecution(f.store, f.queue, f.state, logger, WithPublisher(f.bus))
	f.triggers = NewTrigger(f.store, f.queue, f.executions, logger)
	f.userFlow = f.store.AddUserWorkflow(models.UserWorkflow{UserID: 1, WorkflowID: 10})

	return f
}

func TestExecution_Start(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	execution, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow, Payload: map[string]any{"plan": "premium"}})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionQueued, execution.Status)
	assert.Equal(t, map[string]any{"plan": "premium"}, execution.TriggerPayload)

	job, ok := f.queue.Job(queue.ExecutionJobID(execution.ID))
	require.True(t, ok)
	assert.Equal(t, queue.JobWorkflow, job.Name)

	payload, err := queue.DecodeJobPayload(job.Data)
	require.NoError(t, err)
	assert.Equal(t, models.JobPayload{ExecutionID: execution.ID}, payload)

	assert.Equal(t, []events.EventType{events.ExecutionQueuedEvent}, f.bus.PublishedTypes())

	t.Run("invalid user workflow id", func(t *testing.T) {
		_, err := f.executions.Start(f.ctx, StartRequest{})
		assert.True(t, IsValidationError(err))
	})

	t.Run("unknown user workflow", func(t *testing.T) {
		_, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: 999})
		assert.True(t, IsNotFoundError(err))
	})
}

func TestExecution_Stop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	execution, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)

	_, err = f.store.MarkExecutionRunning(f.ctx, execution.ID)
	require.NoError(t, err)

	done := f.store.AddNode(models.WorkflowNode{WorkflowID: 10, Type: models.NodeTypeAction, IsStart: true})
	waiting := f.store.AddNode(models.WorkflowNode{WorkflowID: 10, Type: models.NodeTypeAction})

	doneRecord, _, err := f.store.FindOrCreateNodeExecution(f.ctx, persistence.NewNodeExecution{ExecutionID: execution.ID, WorkflowNodeID: done, Status: models.NodeQueued})
	require.NoError(t, err)
	_, err = f.store.FinishNodeExecution(f.ctx, doneRecord.ID, models.NodeCompleted, nil, "")
	require.NoError(t, err)

	_, _, err = f.store.FindOrCreateNodeExecution(f.ctx, persistence.NewNodeExecution{ExecutionID: execution.ID, WorkflowNodeID: waiting, Status: models.NodeQueued})
	require.NoError(t, err)

	_, err = f.queue.Enqueue(f.ctx, queue.JobWorkflow, []byte(`{}`), queue.EnqueueOptions{JobID: queue.DelayJobID(execution.ID, waiting), Delay: time.Hour})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(f.ctx, queue.JobWorkflow, []byte(`{}`), queue.EnqueueOptions{JobID: queue.ResumeJobID(execution.ID, time.Now())})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(f.ctx, queue.JobWorkflow, []byte(`{}`), queue.EnqueueOptions{JobID: queue.ExecutionJobID(execution.ID + 100)})
	require.NoError(t, err)

	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: execution.ID, StartNodeID: &waiting}))

	stopped, err := f.executions.Stop(f.ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStopped, stopped.Status)
	assert.Equal(t, StopReason, stopped.Reason)
	assert.NotNil(t, stopped.EndedAt)

	log, err := f.executions.Log(f.ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)

	statuses := map[int64]models.NodeExecutionStatus{}
	for _, record := range log {
		statuses[record.WorkflowNodeID] = record.Status
	}

	assert.Equal(t, models.NodeCompleted, statuses[done])
	assert.Equal(t, models.NodeCancelled, statuses[waiting])

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.ExecutionJobID(execution.ID+100), jobs[0].ID)

	pending, err := f.state.PendingEntries(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.executions.Stop(f.ctx, execution.ID)
	require.ErrorIs(t, err, ErrExecutionFinished)
	assert.True(t, IsConflictError(err))

	_, err = f.executions.Stop(f.ctx, 12345)
	assert.True(t, IsNotFoundError(err))
}

func TestExecution_History(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for range 3 {
		_, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
		require.NoError(t, err)
	}

	page, err := f.executions.History(f.ctx, HistoryRequest{UserWorkflowID: f.userFlow, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Executions, 2)
	assert.Equal(t, 3, page.TotalCount)
	assert.True(t, page.HasNextPage)

	page, err = f.executions.History(f.ctx, HistoryRequest{UserWorkflowID: f.userFlow, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Executions, 1)
	assert.False(t, page.HasNextPage)

	_, err = f.executions.History(f.ctx, HistoryRequest{UserWorkflowID: f.userFlow, Limit: 500})
	assert.True(t, IsValidationError(err))
}

func TestExecution_Recover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	running, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	_, err = f.store.MarkExecutionRunning(f.ctx, running.ID)
	require.NoError(t, err)

	finished, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	_, err = f.store.FinalizeExecution(f.ctx, finished.ID, models.ExecutionCompleted, "")
	require.NoError(t, err)

	startNode := int64(42)
	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: running.ID, StartNodeID: &startNode}))
	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: finished.ID}))
	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: 9999}))

	recovered, err := f.executions.Recover(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	var resume *queue.Job

	for _, job := range f.queue.Jobs() {
		if strings.HasPrefix(job.ID, queue.ResumeJobPrefix(running.ID)) {
			resume = &job
		}
	}

	require.NotNil(t, resume)

	payload, err := queue.DecodeJobPayload(resume.Data)
	require.NoError(t, err)
	assert.True(t, payload.IsResume)
	assert.Equal(t, running.ID, payload.ExecutionID)
	require.NotNil(t, payload.StartNodeID)
	assert.Equal(t, startNode, *payload.StartNodeID)

	pending, err := f.state.PendingEntries(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []runtimestate.PendingEntry{{ExecutionID: running.ID, StartNodeID: &startNode}}, pending)
}

func TestExecution_RecoverSkipsLiveWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	live, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	_, err = f.store.MarkExecutionRunning(f.ctx, live.ID)
	require.NoError(t, err)

	abandoned, err := f.executions.Start(f.ctx, StartRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	_, err = f.store.MarkExecutionRunning(f.ctx, abandoned.ID)
	require.NoError(t, err)

	require.NoError(t, f.state.Heartbeat(f.ctx, live.ID, "worker-2"))
	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: live.ID}))
	require.NoError(t, f.state.AddPending(f.ctx, runtimestate.PendingEntry{ExecutionID: abandoned.ID}))

	recovered, err := f.executions.Recover(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	for _, job := range f.queue.Jobs() {
		assert.False(t, strings.HasPrefix(job.ID, queue.ResumeJobPrefix(live.ID)), "live execution got a resume job %s", job.ID)
	}

	resumed := false

	for _, job := range f.queue.Jobs() {
		if strings.HasPrefix(job.ID, queue.ResumeJobPrefix(abandoned.ID)) {
			resumed = true
		}
	}

	assert.True(t, resumed)

	pending, err := f.state.PendingEntries(f.ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "the live worker releases its own entry")
}

func TestTrigger_CronLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := CreateTriggerRequest{
		UserWorkflowID: f.userFlow,
		Name:           "every weekday morning",
		Type:           models.TriggerCron,
		Config:         map[string]any{"frequency": "weekly", "daysOfWeek": []any{1, 2, 3, 4, 5}, "timeOfDay": "09:00"},
	}

	trigger, err := f.triggers.Create(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, trigger.IsActive)
	assert.Len(t, trigger.ConfigHash, 64)
	assert.Equal(t, map[string]string{queue.CronSchedulerID(trigger.ID): "0 9 * * 1,2,3,4,5"}, f.queue.Schedulers())

	_, err = f.triggers.Create(f.ctx, req)
	assert.True(t, IsConflictError(err))

	toggled, err := f.triggers.Toggle(f.ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)
	assert.Empty(t, f.queue.Schedulers())

	toggled, err = f.triggers.Toggle(f.ctx, trigger.ID)
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)
	assert.Len(t, f.queue.Schedulers(), 1)

	require.NoError(t, f.triggers.Delete(f.ctx, trigger.ID))
	assert.Empty(t, f.queue.Schedulers())

	_, err = f.store.Trigger(f.ctx, trigger.ID)
	assert.True(t, IsNotFoundError(err))
}

func TestTrigger_CreateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.triggers.Create(f.ctx, CreateTriggerRequest{UserWorkflowID: f.userFlow, Type: models.TriggerCron})
	assert.True(t, IsValidationError(err), "name is required")

	_, err = f.triggers.Create(f.ctx, CreateTriggerRequest{UserWorkflowID: f.userFlow, Name: "bad", Type: models.TriggerCron, Config: map[string]any{"frequency": "daily"}})
	assert.True(t, IsValidationError(err), "daily needs a time of day")

	_, err = f.triggers.Create(f.ctx, CreateTriggerRequest{UserWorkflowID: 999, Name: "orphan", Type: models.TriggerWebhook})
	assert.True(t, IsNotFoundError(err))
}

func TestTrigger_ScheduleFiresOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	trigger, err := f.triggers.Create(f.ctx, CreateTriggerRequest{
		UserWorkflowID: f.userFlow,
		Name:           "launch",
		Type:           models.TriggerSchedule,
		Config:         map[string]any{"scheduleAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339)},
	})
	require.NoError(t, err)

	job, ok := f.queue.Job(queue.ScheduleJobID(trigger.ID))
	require.True(t, ok)
	assert.Equal(t, queue.JobSchedule, job.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), job.ProcessAt, time.Minute)

	require.NoError(t, f.triggers.HandleJob(f.ctx, &job))

	_, err = f.store.Trigger(f.ctx, trigger.ID)
	assert.True(t, persistence.IsTriggerNotFound(err))

	history, err := f.executions.History(f.ctx, HistoryRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	require.Len(t, history.Executions, 1)

	execution := history.Executions[0]
	require.NotNil(t, execution.TriggerID)
	assert.Equal(t, trigger.ID, *execution.TriggerID)
	assert.Contains(t, execution.TriggerPayload, "timestamp")

	_, ok = f.queue.Job(queue.ExecutionJobID(execution.ID))
	assert.True(t, ok)
	assert.Contains(t, f.bus.PublishedTypes(), events.TriggerFiredEvent)

	err = f.triggers.HandleJob(f.ctx, &job)
	assert.True(t, queue.IsUnrecoverable(err))
}

func TestTrigger_HandleJobSkipsInactive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	inactive := false

	trigger, err := f.triggers.Create(f.ctx, CreateTriggerRequest{
		UserWorkflowID: f.userFlow,
		Name:           "nightly",
		Type:           models.TriggerCron,
		Config:         map[string]any{"frequency": "daily", "timeOfDay": "02:00"},
		IsActive:       &inactive,
	})
	require.NoError(t, err)
	assert.Empty(t, f.queue.Schedulers())

	data, err := queue.EncodePayload(models.TriggerJobPayload{TriggerID: trigger.ID, UserWorkflowID: f.userFlow})
	require.NoError(t, err)

	require.NoError(t, f.triggers.HandleJob(f.ctx, &queue.Job{ID: "repeat", Name: queue.JobCron, Data: data}))

	history, err := f.executions.History(f.ctx, HistoryRequest{UserWorkflowID: f.userFlow})
	require.NoError(t, err)
	assert.Empty(t, history.Executions)
}

func TestTrigger_ScheduleKeptWhenStartFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broken := errors.New("connection refused")

	p := mocks.NewMockPersistence()
	p.Triggers.On("Trigger", mock.Anything, int64(3)).
		Return(&models.Trigger{ID: 3, UserWorkflowID: 5, Type: models.TriggerSchedule, IsActive: true}, nil)
	p.Triggers.On("TouchTriggerRun", mock.Anything, int64(3), mock.Anything).Return(nil)
	p.Graph.On("UserWorkflow", mock.Anything, int64(5)).Return(&models.UserWorkflow{ID: 5}, nil)
	p.Executions.On("CreateExecution", mock.Anything, mock.Anything).Return(broken)

	q := queue.NewMemoryQueue()
	triggers := NewTrigger(p, q, NewExecution(p, q, runtimestate.NewMemoryStore(), logger), logger)

	data, err := queue.EncodePayload(models.TriggerJobPayload{TriggerID: 3, UserWorkflowID: 5})
	require.NoError(t, err)

	err = triggers.HandleJob(ctx, &queue.Job{ID: queue.ScheduleJobID(3), Name: queue.JobSchedule, Data: data})
	require.ErrorIs(t, err, broken)
	assert.False(t, queue.IsUnrecoverable(err))

	p.Triggers.AssertNotCalled(t, "DeleteTrigger", mock.Anything, mock.Anything)
	p.Triggers.AssertExpectations(t)
}

func TestExecution_InfrastructureErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	broken := errors.New("connection refused")

	p := mocks.NewMockPersistence()
	p.On("HealthCheck", mock.Anything).Return(broken)
	p.Graph.On("UserWorkflow", mock.Anything, int64(5)).Return(&models.UserWorkflow{ID: 5}, nil)
	p.Executions.On("CreateExecution", mock.Anything, mock.Anything).Return(broken)
	p.Executions.On("Execution", mock.Anything, int64(9)).Return(nil, broken)

	state := runtimestate.NewMemoryStore()
	require.NoError(t, state.AddPending(ctx, runtimestate.PendingEntry{ExecutionID: 9}))

	q := queue.NewMemoryQueue()
	executions := NewExecution(p, q, state, logger)

	message, ok := executions.HealthCheck(ctx)
	assert.False(t, ok)
	assert.Contains(t, message, "connection refused")

	_, err := executions.Start(ctx, StartRequest{UserWorkflowID: 5})
	require.ErrorIs(t, err, broken)
	assert.False(t, IsValidationError(err) || IsNotFoundError(err) || IsConflictError(err))
	assert.Empty(t, q.Jobs())

	_, err = executions.Recover(ctx)
	require.ErrorIs(t, err, broken)

	pending, err := state.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "entries are kept when the execution cannot be loaded")

	p.AssertExpectations(t)
	p.Executions.AssertExpectations(t)
}
