package postgresql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var tables = []string{
	"workflow_node_executions", "workflow_executions", "user_workflow_triggers",
	"delay_node_configs", "action_node_configs", "user_endpoints", "endpoints",
	"workflow_node_connections", "rules", "workflow_nodes", "user_workflows", "workflows",
	"schema_migrations",
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowrunner_test"),
			postgres.WithUsername("flowrunner"),
			postgres.WithPassword("flowrunner"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

type graph struct {
	workflowID     int64
	userWorkflowID int64
	start          int64
	condition      int64
	delay          int64
	ruleID         int64
}

// seedGraph creates start(action) -> condition -> delay, with the second edge
// guarded by a rule.
func seedGraph(ctx context.Context, t *testing.T, db *sql.DB) graph {
	t.Helper()

	var g graph

	insert := func(dest *int64, query string, args ...any) {
		require.NoError(t, db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(dest))
	}

	insert(&g.workflowID, `INSERT INTO workflows (name) VALUES ('onboarding')`)
	insert(&g.userWorkflowID, `INSERT INTO user_workflows (user_id, workflow_id) VALUES (99, $1)`, g.workflowID)
	insert(&g.start, `INSERT INTO workflow_nodes (workflow_id, name, type, is_start, on_error_action, config)
		VALUES ($1, 'fetch', 'action', TRUE, 'retry', '{"timeout": 10}')`, g.workflowID)
	insert(&g.condition, `INSERT INTO workflow_nodes (workflow_id, name, type) VALUES ($1, 'check', 'condition')`, g.workflowID)
	insert(&g.delay, `INSERT INTO workflow_nodes (workflow_id, name, type) VALUES ($1, 'wait', 'delay')`, g.workflowID)
	insert(&g.ruleID, `INSERT INTO rules (workflow_node_id, expression, label) VALUES ($1, '{"==": [1, 1]}', 'always')`, g.condition)

	var edgeID, endpointID, userEndpointID, ignored int64

	insert(&edgeID, `INSERT INTO workflow_node_connections (workflow_id, source_node_id, destination_node_id)
		VALUES ($1, $2, $3)`, g.workflowID, g.start, g.condition)
	insert(&edgeID, `INSERT INTO workflow_node_connections (workflow_id, source_node_id, destination_node_id, rule_id)
		VALUES ($1, $2, $3, $4)`, g.workflowID, g.condition, g.delay, g.ruleID)
	insert(&ignored, `INSERT INTO workflow_node_connections (workflow_id, source_node_id, destination_node_id, is_active)
		VALUES ($1, $2, $3, FALSE)`, g.workflowID, g.condition, g.start)

	insert(&endpointID, `INSERT INTO endpoints (url, method, headers, body)
		VALUES ('https://api.example.com/users', 'POST', '{"x-env": "test"}', '{"source": "flowrunner"}')`)
	insert(&userEndpointID, `INSERT INTO user_endpoints (endpoint_id, auth_config)
		VALUES ($1, '{"type": "bearer", "token": "secret"}')`, endpointID)
	insert(&ignored, `INSERT INTO action_node_configs (workflow_node_id, user_endpoint_id, overrides)
		VALUES ($1, $2, '{"body": {"name": "{{$.trigger.name}}"}}')`, g.start, userEndpointID)
	insert(&ignored, `INSERT INTO delay_node_configs (workflow_node_id, duration, unit) VALUES ($1, 5, 'minutes')`, g.delay)

	return g
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx := setupTestDB(t)

	var version int

	err := p.DB().QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	require.NoError(t, p.HealthCheck(ctx))
}

func TestGraphRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	g := seedGraph(ctx, t, p.DB())
	repo := p.GraphRepository()

	uw, err := repo.UserWorkflow(ctx, g.userWorkflowID)
	require.NoError(t, err)
	assert.Equal(t, g.workflowID, uw.WorkflowID)
	assert.Equal(t, int64(99), uw.UserID)

	_, err = repo.UserWorkflow(ctx, 12345)
	assert.True(t, persistence.IsUserWorkflowNotFound(err))

	start, err := repo.StartNode(ctx, g.workflowID)
	require.NoError(t, err)
	assert.Equal(t, g.start, start.ID)
	assert.Equal(t, models.OnErrorRetry, start.OnErrorAction)
	assert.Equal(t, models.DefaultRetryConfig(), start.RetryConfig)
	assert.InDelta(t, 10, start.Config["timeout"], 0)

	_, err = repo.StartNode(ctx, 777)
	assert.True(t, persistence.IsStartNodeNotFound(err))

	_, err = repo.Node(ctx, 777)
	assert.True(t, persistence.IsNodeNotFound(err))

	edges, err := repo.OutgoingEdges(ctx, g.condition)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, g.delay, edges[0].DestinationNodeID)
	require.NotNil(t, edges[0].RuleID)
	assert.Equal(t, g.ruleID, *edges[0].RuleID)

	rules, err := repo.Rules(ctx, g.condition)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.JSONEq(t, `{"==": [1, 1]}`, string(rules[0].Expression))

	action, err := repo.ActionConfig(ctx, g.start)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users", action.UserEndpoint.Endpoint.URL)
	assert.Equal(t, "POST", action.UserEndpoint.Endpoint.Method)
	assert.Equal(t, "test", action.UserEndpoint.Endpoint.Headers["x-env"])
	assert.Equal(t, "bearer", action.UserEndpoint.AuthConfig["type"])
	assert.Equal(t, "{{$.trigger.name}}", action.Overrides.Body["name"])

	_, err = repo.ActionConfig(ctx, g.delay)
	assert.ErrorIs(t, err, persistence.ErrConfigNotFound)

	delay, err := repo.DelayConfig(ctx, g.delay)
	require.NoError(t, err)
	d, err := delay.Delay()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestExecutionRepository_Lifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)
	g := seedGraph(ctx, t, p.DB())
	repo := p.ExecutionRepository()

	execution := &models.Execution{
		UserWorkflowID: g.userWorkflowID,
		TriggerPayload: map[string]any{"name": "Ada"},
	}
	require.NoError(t, repo.CreateExecution(ctx, execution))
	assert.NotZero(t, execution.ID)
	assert.Equal(t, models.ExecutionQueued, execution.Status)

	ok, err := repo.MarkExecutionRunning(ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.Equal(t, "Ada", stored.TriggerPayload["name"])

	ok, err = repo.StopExecution(ctx, execution.ID, "stopped by user")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.FinalizeExecution(ctx, execution.ID, models.ExecutionCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok, "a stopped execution keeps its status")

	ok, err = repo.FailExecution(ctx, execution.ID, "boom")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err = repo.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStopped, stored.Status)
	assert.Equal(t, "stopped by user", stored.Reason)
	assert.NotNil(t, stored.EndedAt)

	_, err = repo.Execution(ctx, 424242)
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_History(t *testing.T) {
	p, ctx := setupTestDB(t)
	g := seedGraph(ctx, t, p.DB())
	repo := p.ExecutionRepository()

	var ids []int64

	for range 3 {
		execution := &models.Execution{UserWorkflowID: g.userWorkflowID}
		require.NoError(t, repo.CreateExecution(ctx, execution))
		ids = append(ids, execution.ID)
	}

	page, total, err := repo.ExecutionsByUserWorkflow(ctx, g.userWorkflowID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	page, _, err = repo.ExecutionsByUserWorkflow(ctx, g.userWorkflowID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestNodeExecutionRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	g := seedGraph(ctx, t, p.DB())

	execution := &models.Execution{UserWorkflowID: g.userWorkflowID}
	require.NoError(t, p.ExecutionRepository().CreateExecution(ctx, execution))

	repo := p.NodeExecutionRepository()
	maxAttempts := 3

	params := persistence.NewNodeExecution{
		ExecutionID:     execution.ID,
		WorkflowNodeID:  g.start,
		Status:          models.NodeQueued,
		MaxAttempts:     &maxAttempts,
		BackoffStrategy: models.BackoffLinear,
	}

	record, created, err := repo.FindOrCreateNodeExecution(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.NodeQueued, record.Status)
	require.NotNil(t, record.MaxAttempts)
	assert.Equal(t, 3, *record.MaxAttempts)

	again, created, err := repo.FindOrCreateNodeExecution(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, record.ID, again.ID)

	ok, err := repo.StartNodeExecution(ctx, record.ID, json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	attempts, err := repo.IncrementNodeAttempts(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	ok, err = repo.FinishNodeExecution(ctx, record.ID, models.NodeCompleted, json.RawMessage(`{"id":1}`), "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.FinishNodeExecution(ctx, record.ID, models.NodeFailed, nil, "late failure")
	require.NoError(t, err)
	assert.False(t, ok, "terminal statuses are final")

	ok, err = repo.StartNodeExecution(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.NodeExecution(ctx, execution.ID, g.start)
	require.NoError(t, err)
	assert.Equal(t, models.NodeCompleted, stored.Status)
	assert.JSONEq(t, `{"id":1}`, string(stored.Output))
	assert.JSONEq(t, `{"name":"Ada"}`, string(stored.Input))
	assert.NotNil(t, stored.EndedAt)

	pending, _, err := repo.FindOrCreateNodeExecution(ctx, persistence.NewNodeExecution{
		ExecutionID: execution.ID, WorkflowNodeID: g.delay, Status: models.NodePending,
	})
	require.NoError(t, err)

	cancelled, err := repo.CancelActiveNodeExecutions(ctx, execution.ID, "stopped")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	stored, err = repo.NodeExecution(ctx, execution.ID, g.delay)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, stored.ID)
	assert.Equal(t, models.NodeCancelled, stored.Status)

	all, err := repo.NodeExecutions(ctx, execution.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = repo.NodeExecution(ctx, execution.ID, g.condition)
	assert.True(t, persistence.IsNodeExecutionNotFound(err))
}

func TestTriggerRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	g := seedGraph(ctx, t, p.DB())
	repo := p.TriggerRepository()

	trigger := &models.Trigger{
		UserWorkflowID: g.userWorkflowID,
		Name:           "nightly",
		Type:           models.TriggerCron,
		Config:         map[string]any{"frequency": "daily", "time": "02:00"},
		ConfigHash:     "abc",
		IsActive:       true,
	}
	require.NoError(t, repo.CreateTrigger(ctx, trigger))
	assert.NotZero(t, trigger.ID)

	duplicate := *trigger
	err := repo.CreateTrigger(ctx, &duplicate)
	assert.True(t, persistence.IsDuplicateTrigger(err))

	ranAt := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchTriggerRun(ctx, trigger.ID, ranAt))
	require.NoError(t, repo.SetTriggerActive(ctx, trigger.ID, false))

	stored, err := repo.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, ranAt.Equal(*stored.LastRunAt))
	assert.Equal(t, "daily", stored.Config["frequency"])

	require.NoError(t, repo.DeleteTrigger(ctx, trigger.ID))

	_, err = repo.Trigger(ctx, trigger.ID)
	assert.True(t, persistence.IsTriggerNotFound(err))

	err = repo.DeleteTrigger(ctx, trigger.ID)
	assert.True(t, persistence.IsTriggerNotFound(err))
}
