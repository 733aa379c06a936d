package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

const nodeExecutionColumns = `id, execution_id, workflow_node_id, status, started_at, ended_at, input, output, reason, attempts, max_attempts, backoff_strategy, created_at, updated_at`

// NodeExecutionRepository handles workflow_node_executions.
type NodeExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewNodeExecutionRepository(db *sql.DB, logger *slog.Logger) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: db, logger: logger}
}

// FindOrCreateNodeExecution inserts the record unless the (execution, node)
// pair already exists and reads back whichever row won.
func (r *NodeExecutionRepository) FindOrCreateNodeExecution(ctx context.Context, params persistence.NewNodeExecution) (*models.NodeExecution, bool, error) {
	backoff := params.BackoffStrategy
	if backoff == "" {
		backoff = models.BackoffExponential
	}

	query := `
		INSERT INTO workflow_node_executions (execution_id, workflow_node_id, status, max_attempts, backoff_strategy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, workflow_node_id) DO NOTHING
		RETURNING id
	`

	var id int64

	created := true

	err := r.db.QueryRowContext(ctx, query,
		params.ExecutionID, params.WorkflowNodeID, params.Status, params.MaxAttempts, backoff,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = false
	case err != nil:
		return nil, false, &persistence.NodeError{
			Op: "FindOrCreateNodeExecution", ExecutionID: params.ExecutionID, NodeID: params.WorkflowNodeID, Err: err,
		}
	}

	record, err := r.NodeExecution(ctx, params.ExecutionID, params.WorkflowNodeID)
	if err != nil {
		return nil, false, err
	}

	return record, created, nil
}

func (r *NodeExecutionRepository) NodeExecution(ctx context.Context, executionID, nodeID int64) (*models.NodeExecution, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM workflow_node_executions WHERE execution_id = $1 AND workflow_node_id = $2`,
		executionID, nodeID,
	)

	record, err := scanNodeExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrNodeExecutionNotFound
		}

		return nil, &persistence.NodeError{Op: "NodeExecution", ExecutionID: executionID, NodeID: nodeID, Err: err}
	}

	return record, nil
}

func (r *NodeExecutionRepository) NodeExecutions(ctx context.Context, executionID int64) ([]*models.NodeExecution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM workflow_node_executions WHERE execution_id = $1 ORDER BY id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query node executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	var records []*models.NodeExecution

	for rows.Next() {
		record, err := scanNodeExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}

	return records, nil
}

func (r *NodeExecutionRepository) StartNodeExecution(ctx context.Context, id int64, input json.RawMessage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_node_executions
		SET status = 'running', input = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, jsonArg(input))
	if err != nil {
		return false, fmt.Errorf("failed to start node execution %d: %w", id, err)
	}

	return affected(result)
}

func (r *NodeExecutionRepository) FinishNodeExecution(ctx context.Context, id int64, status models.NodeExecutionStatus, output json.RawMessage, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_node_executions
		SET status = $2::varchar,
			output = COALESCE($3, output),
			reason = COALESCE(NULLIF($4::text, ''), reason),
			ended_at = CASE WHEN $2::varchar IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE ended_at END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, status, jsonArg(output), reason)
	if err != nil {
		return false, fmt.Errorf("failed to finish node execution %d: %w", id, err)
	}

	return affected(result)
}

func (r *NodeExecutionRepository) CancelActiveNodeExecutions(ctx context.Context, executionID int64, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_node_executions
		SET status = 'cancelled', reason = $2, ended_at = NOW(), updated_at = NOW()
		WHERE execution_id = $1 AND status IN ('running', 'queued', 'pending')
	`, executionID, reason)
	if err != nil {
		return 0, persistence.NewExecutionError("CancelActiveNodeExecutions", executionID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n, nil
}

func (r *NodeExecutionRepository) IncrementNodeAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int

	err := r.db.QueryRowContext(ctx, `
		UPDATE workflow_node_executions
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrNodeExecutionNotFound
		}

		return 0, &persistence.NodeError{Op: "IncrementNodeAttempts", Err: err}
	}

	return attempts, nil
}

func scanNodeExecution(row scanner) (*models.NodeExecution, error) {
	var (
		record      models.NodeExecution
		startedAt   sql.NullTime
		endedAt     sql.NullTime
		input       []byte
		output      []byte
		reason      sql.NullString
		maxAttempts sql.NullInt64
	)

	err := row.Scan(
		&record.ID, &record.ExecutionID, &record.WorkflowNodeID, &record.Status,
		&startedAt, &endedAt, &input, &output, &reason,
		&record.Attempts, &maxAttempts, &record.BackoffStrategy,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.StartedAt = nullTime(startedAt)
	record.EndedAt = nullTime(endedAt)
	record.Reason = reason.String

	if len(input) > 0 {
		record.Input = json.RawMessage(input)
	}

	if len(output) > 0 {
		record.Output = json.RawMessage(output)
	}

	if maxAttempts.Valid {
		n := int(maxAttempts.Int64)
		record.MaxAttempts = &n
	}

	return &record, nil
}
