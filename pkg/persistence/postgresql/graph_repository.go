package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

const nodeColumns = `id, workflow_id, name, type, is_start, on_error_action, retry_config, config`

// GraphRepository reads workflow graphs and node configuration.
type GraphRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewGraphRepository(db *sql.DB, logger *slog.Logger) *GraphRepository {
	return &GraphRepository{db: db, logger: logger}
}

func (r *GraphRepository) UserWorkflow(ctx context.Context, id int64) (*models.UserWorkflow, error) {
	var uw models.UserWorkflow

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, workflow_id FROM user_workflows WHERE id = $1`, id,
	).Scan(&uw.ID, &uw.UserID, &uw.WorkflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrUserWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to query user workflow %d: %w", id, err)
	}

	return &uw, nil
}

func (r *GraphRepository) StartNode(ctx context.Context, workflowID int64) (*models.WorkflowNode, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = $1 AND is_start ORDER BY id LIMIT 1`,
		workflowID,
	)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStartNodeNotFound
		}

		return nil, fmt.Errorf("failed to scan start node of workflow %d: %w", workflowID, err)
	}

	return node, nil
}

func (r *GraphRepository) Node(ctx context.Context, id int64) (*models.WorkflowNode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM workflow_nodes WHERE id = $1`, id)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrNodeNotFound
		}

		return nil, persistence.NewNodeError("Node", id, err)
	}

	return node, nil
}

func (r *GraphRepository) OutgoingEdges(ctx context.Context, nodeID int64) ([]*models.Edge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, source_node_id, destination_node_id, rule_id, is_active
		FROM workflow_node_connections
		WHERE source_node_id = $1 AND is_active
		ORDER BY id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges of node %d: %w", nodeID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	var edges []*models.Edge

	for rows.Next() {
		var (
			edge   models.Edge
			ruleID sql.NullInt64
		)

		err := rows.Scan(&edge.ID, &edge.WorkflowID, &edge.SourceNodeID, &edge.DestinationNodeID, &ruleID, &edge.IsActive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}

		edge.RuleID = nullInt(ruleID)
		edges = append(edges, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

func (r *GraphRepository) Rules(ctx context.Context, nodeID int64) ([]*models.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workflow_node_id, expression, label FROM rules WHERE workflow_node_id = $1 ORDER BY id`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules of node %d: %w", nodeID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := []*models.Rule{}

	for rows.Next() {
		var (
			rule       models.Rule
			expression []byte
		)

		if err := rows.Scan(&rule.ID, &rule.WorkflowNodeID, &expression, &rule.Label); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rule.Expression = json.RawMessage(expression)
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

func (r *GraphRepository) ActionConfig(ctx context.Context, nodeID int64) (*models.ActionConfig, error) {
	query := `
		SELECT a.workflow_node_id, a.user_endpoint_id, a.overrides,
			ue.headers, ue.body, ue.auth_config,
			e.url, e.method, e.headers, e.body
		FROM action_node_configs a
		JOIN user_endpoints ue ON ue.id = a.user_endpoint_id
		JOIN endpoints e ON e.id = ue.endpoint_id
		WHERE a.workflow_node_id = $1
	`

	var (
		cfg                                   models.ActionConfig
		overrides, ueHeaders, ueBody, ueAuth []byte
		eHeaders, eBody                      []byte
	)

	err := r.db.QueryRowContext(ctx, query, nodeID).Scan(
		&cfg.WorkflowNodeID, &cfg.UserEndpointID, &overrides,
		&ueHeaders, &ueBody, &ueAuth,
		&cfg.UserEndpoint.Endpoint.URL, &cfg.UserEndpoint.Endpoint.Method, &eHeaders, &eBody,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrConfigNotFound
		}

		return nil, persistence.NewNodeError("ActionConfig", nodeID, err)
	}

	documents := []struct {
		raw  []byte
		dest any
	}{
		{overrides, &cfg.Overrides},
		{ueHeaders, &cfg.UserEndpoint.Headers},
		{ueBody, &cfg.UserEndpoint.Body},
		{ueAuth, &cfg.UserEndpoint.AuthConfig},
		{eHeaders, &cfg.UserEndpoint.Endpoint.Headers},
		{eBody, &cfg.UserEndpoint.Endpoint.Body},
	}

	for _, doc := range documents {
		if len(doc.raw) == 0 {
			continue
		}

		if err := sonic.Unmarshal(doc.raw, doc.dest); err != nil {
			return nil, persistence.NewNodeError("ActionConfig", nodeID, fmt.Errorf("failed to decode action config: %w", err))
		}
	}

	return &cfg, nil
}

func (r *GraphRepository) DelayConfig(ctx context.Context, nodeID int64) (*models.DelayConfig, error) {
	var cfg models.DelayConfig

	err := r.db.QueryRowContext(ctx,
		`SELECT workflow_node_id, duration, unit FROM delay_node_configs WHERE workflow_node_id = $1`, nodeID,
	).Scan(&cfg.WorkflowNodeID, &cfg.Duration, &cfg.Unit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrConfigNotFound
		}

		return nil, persistence.NewNodeError("DelayConfig", nodeID, err)
	}

	return &cfg, nil
}

func scanNode(row scanner) (*models.WorkflowNode, error) {
	var (
		node        models.WorkflowNode
		retryConfig []byte
		config      []byte
	)

	err := row.Scan(&node.ID, &node.WorkflowID, &node.Name, &node.Type, &node.IsStart, &node.OnErrorAction, &retryConfig, &config)
	if err != nil {
		return nil, err
	}

	node.RetryConfig = models.DefaultRetryConfig()

	if len(retryConfig) > 0 {
		if err := sonic.Unmarshal(retryConfig, &node.RetryConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry config: %w", err)
		}
	}

	if len(config) > 0 {
		if err := sonic.Unmarshal(config, &node.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
		}
	}

	return &node, nil
}
