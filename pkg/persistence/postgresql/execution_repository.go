package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

const executionColumns = `id, user_workflow_id, trigger_id, trigger_payload, status, started_at, ended_at, reason, retry_of, created_at, updated_at`

// ExecutionRepository handles workflow_executions.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if execution.Status == "" {
		execution.Status = models.ExecutionQueued
	}

	var payload []byte

	if execution.TriggerPayload != nil {
		encoded, err := sonic.Marshal(execution.TriggerPayload)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger payload: %w", err)
		}

		payload = encoded
	}

	query := `
		INSERT INTO workflow_executions (user_workflow_id, trigger_id, trigger_payload, status, retry_of)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		execution.UserWorkflowID, execution.TriggerID, payload, execution.Status, execution.RetryOf,
	).Scan(&execution.ID, &execution.CreatedAt, &execution.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) Execution(ctx context.Context, id int64) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ExecutionsByUserWorkflow(ctx context.Context, userWorkflowID int64, limit, offset int) ([]*models.Execution, int, error) {
	var total int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_executions WHERE user_workflow_id = $1`, userWorkflowID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE user_workflow_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.db.QueryContext(ctx, query, userWorkflowID, limitArg, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := []*models.Execution{}

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, total, nil
}

func (r *ExecutionRepository) MarkExecutionRunning(ctx context.Context, id int64) (bool, error) {
	return r.update(ctx, "MarkExecutionRunning", `
		UPDATE workflow_executions
		SET status = 'running', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'stopped')
	`, id)
}

func (r *ExecutionRepository) FinalizeExecution(ctx context.Context, id int64, status models.ExecutionStatus, reason string) (bool, error) {
	return r.update(ctx, "FinalizeExecution", `
		UPDATE workflow_executions
		SET status = $2::varchar,
			reason = COALESCE(NULLIF($3::text, ''), reason),
			ended_at = CASE WHEN $2::varchar IN ('completed', 'failed', 'stopped') THEN NOW() ELSE ended_at END,
			updated_at = NOW()
		WHERE id = $1 AND status <> 'stopped'
	`, id, status, reason)
}

func (r *ExecutionRepository) StopExecution(ctx context.Context, id int64, reason string) (bool, error) {
	return r.update(ctx, "StopExecution", `
		UPDATE workflow_executions
		SET status = 'stopped', reason = $2, ended_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'stopped')
	`, id, reason)
}

func (r *ExecutionRepository) FailExecution(ctx context.Context, id int64, reason string) (bool, error) {
	return r.update(ctx, "FailExecution", `
		UPDATE workflow_executions
		SET status = 'failed', reason = $2, ended_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'stopped')
	`, id, reason)
}

func (r *ExecutionRepository) update(ctx context.Context, op string, query string, id int64, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return false, persistence.NewExecutionError(op, id, err)
	}

	return affected(result)
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution models.Execution
		triggerID sql.NullInt64
		payload   []byte
		startedAt sql.NullTime
		endedAt   sql.NullTime
		reason    sql.NullString
		retryOf   sql.NullInt64
	)

	err := row.Scan(
		&execution.ID, &execution.UserWorkflowID, &triggerID, &payload, &execution.Status,
		&startedAt, &endedAt, &reason, &retryOf, &execution.CreatedAt, &execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := sonic.Unmarshal(payload, &execution.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger payload: %w", err)
		}
	}

	execution.TriggerID = nullInt(triggerID)
	execution.RetryOf = nullInt(retryOf)
	execution.StartedAt = nullTime(startedAt)
	execution.EndedAt = nullTime(endedAt)
	execution.Reason = reason.String

	return &execution, nil
}
