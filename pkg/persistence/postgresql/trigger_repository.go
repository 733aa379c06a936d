package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// TriggerRepository handles user_workflow_triggers.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

func (r *TriggerRepository) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	config, err := sonic.Marshal(trigger.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	query := `
		INSERT INTO user_workflow_triggers (user_workflow_id, name, description, type, config, config_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		trigger.UserWorkflowID, trigger.Name, trigger.Description, trigger.Type, config, trigger.ConfigHash, trigger.IsActive,
	).Scan(&trigger.ID, &trigger.CreatedAt, &trigger.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewTriggerError("CreateTrigger", 0, persistence.ErrDuplicateTrigger)
		}

		return fmt.Errorf("failed to insert trigger: %w", err)
	}

	return nil
}

func (r *TriggerRepository) Trigger(ctx context.Context, id int64) (*models.Trigger, error) {
	var (
		trigger   models.Trigger
		config    []byte
		lastRunAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_workflow_id, name, description, type, config, config_hash, is_active, last_run_at, created_at, updated_at
		FROM user_workflow_triggers
		WHERE id = $1
	`, id).Scan(
		&trigger.ID, &trigger.UserWorkflowID, &trigger.Name, &trigger.Description, &trigger.Type,
		&config, &trigger.ConfigHash, &trigger.IsActive, &lastRunAt, &trigger.CreatedAt, &trigger.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTriggerError("Trigger", id, persistence.ErrTriggerNotFound)
		}

		return nil, fmt.Errorf("failed to query trigger %d: %w", id, err)
	}

	if len(config) > 0 {
		if err := sonic.Unmarshal(config, &trigger.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
		}
	}

	trigger.LastRunAt = nullTime(lastRunAt)

	return &trigger, nil
}

func (r *TriggerRepository) SetTriggerActive(ctx context.Context, id int64, active bool) error {
	return r.exec(ctx, "SetTriggerActive", id,
		`UPDATE user_workflow_triggers SET is_active = $2, updated_at = NOW() WHERE id = $1`, active)
}

func (r *TriggerRepository) TouchTriggerRun(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, "TouchTriggerRun", id,
		`UPDATE user_workflow_triggers SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, at)
}

func (r *TriggerRepository) DeleteTrigger(ctx context.Context, id int64) error {
	return r.exec(ctx, "DeleteTrigger", id, `DELETE FROM user_workflow_triggers WHERE id = $1`)
}

func (r *TriggerRepository) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return persistence.NewTriggerError(op, id, err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewTriggerError(op, id, persistence.ErrTriggerNotFound)
	}

	return nil
}
