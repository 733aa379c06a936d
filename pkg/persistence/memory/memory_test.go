package memory_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphSeeding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	uw := p.AddUserWorkflow(models.UserWorkflow{UserID: 1, WorkflowID: 10})
	start := p.AddNode(models.WorkflowNode{WorkflowID: 10, Name: "start", Type: models.NodeTypeAction, IsStart: true})
	next := p.AddNode(models.WorkflowNode{WorkflowID: 10, Name: "next", Type: models.NodeTypeDelay})
	active := p.AddEdge(models.Edge{WorkflowID: 10, SourceNodeID: start, DestinationNodeID: next, IsActive: true})
	p.AddEdge(models.Edge{WorkflowID: 10, SourceNodeID: start, DestinationNodeID: start, IsActive: false})
	p.SetDelayConfig(models.DelayConfig{WorkflowNodeID: next, Duration: 2, Unit: models.TimeUnitSeconds})

	stored, err := p.UserWorkflow(ctx, uw)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.WorkflowID)

	node, err := p.StartNode(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, start, node.ID)

	_, err = p.StartNode(ctx, 11)
	assert.True(t, persistence.IsStartNodeNotFound(err))

	edges, err := p.OutgoingEdges(ctx, start)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, active, edges[0].ID)

	p.SetEdgeActive(active, false)

	edges, err = p.OutgoingEdges(ctx, start)
	require.NoError(t, err)
	assert.Empty(t, edges)

	_, err = p.ActionConfig(ctx, next)
	assert.ErrorIs(t, err, persistence.ErrConfigNotFound)

	delay, err := p.DelayConfig(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), delay.Duration)
}

func TestExecutionTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	repo := p.ExecutionRepository()

	execution := &models.Execution{UserWorkflowID: 1}
	require.NoError(t, repo.CreateExecution(ctx, execution))
	assert.Equal(t, models.ExecutionQueued, execution.Status)

	ok, err := repo.MarkExecutionRunning(ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.FinalizeExecution(ctx, execution.ID, models.ExecutionPaused, "")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPaused, stored.Status)
	assert.Nil(t, stored.EndedAt)

	ok, err = repo.StopExecution(ctx, execution.ID, "by user")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.StopExecution(ctx, execution.ID, "twice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.FinalizeExecution(ctx, execution.ID, models.ExecutionCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkExecutionRunning(ctx, execution.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err = repo.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStopped, stored.Status)
	assert.Equal(t, "by user", stored.Reason)

	_, err = repo.Execution(ctx, 999)
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionHistoryPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	for range 5 {
		require.NoError(t, p.CreateExecution(ctx, &models.Execution{UserWorkflowID: 7}))
	}

	require.NoError(t, p.CreateExecution(ctx, &models.Execution{UserWorkflowID: 8}))

	page, total, err := p.ExecutionsByUserWorkflow(ctx, 7, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID)

	page, _, err = p.ExecutionsByUserWorkflow(ctx, 7, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestNodeExecutionIdempotency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	repo := p.NodeExecutionRepository()

	params := persistence.NewNodeExecution{ExecutionID: 1, WorkflowNodeID: 2, Status: models.NodeQueued}

	first, created, err := repo.FindOrCreateNodeExecution(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.FindOrCreateNodeExecution(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	ok, err := repo.StartNodeExecution(ctx, first.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled, err := repo.CancelActiveNodeExecutions(ctx, 1, "stopped")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	ok, err = repo.FinishNodeExecution(ctx, first.ID, models.NodeCompleted, json.RawMessage(`{"ok":true}`), "")
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled node cannot be completed")

	stored, err := repo.NodeExecution(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, models.NodeCancelled, stored.Status)
	assert.Empty(t, stored.Output)

	_, err = repo.NodeExecution(ctx, 1, 3)
	assert.True(t, persistence.IsNodeExecutionNotFound(err))
}

func TestTriggers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	repo := p.TriggerRepository()

	trigger := &models.Trigger{UserWorkflowID: 1, Type: models.TriggerCron, ConfigHash: "h1", IsActive: true}
	require.NoError(t, repo.CreateTrigger(ctx, trigger))

	err := repo.CreateTrigger(ctx, &models.Trigger{UserWorkflowID: 1, ConfigHash: "h1"})
	assert.True(t, persistence.IsDuplicateTrigger(err))

	require.NoError(t, repo.CreateTrigger(ctx, &models.Trigger{UserWorkflowID: 2, ConfigHash: "h1"}))

	require.NoError(t, repo.SetTriggerActive(ctx, trigger.ID, false))

	stored, err := repo.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	require.NoError(t, repo.DeleteTrigger(ctx, trigger.ID))
	assert.True(t, persistence.IsTriggerNotFound(repo.DeleteTrigger(ctx, trigger.ID)))
}
