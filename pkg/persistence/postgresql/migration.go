package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow graph
			CREATE TABLE workflows (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE user_workflows (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL,
				workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_user_workflows_user_id ON user_workflows(user_id);

			CREATE TABLE workflow_nodes (
				id BIGSERIAL PRIMARY KEY,
				workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL CHECK (type IN ('action', 'condition', 'delay')),
				is_start BOOLEAN NOT NULL DEFAULT FALSE,
				on_error_action VARCHAR(50) NOT NULL DEFAULT 'stop' CHECK (on_error_action IN ('continue', 'stop', 'retry')),
				retry_config JSONB NOT NULL DEFAULT '{"max_attempts":3,"backoff_strategy":"exponential","base_delay_ms":2000,"max_delay_ms":30000,"jitter":true}',
				config JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_workflow_nodes_workflow_id ON workflow_nodes(workflow_id);
			CREATE UNIQUE INDEX idx_workflow_nodes_single_start ON workflow_nodes(workflow_id) WHERE is_start;

			CREATE TABLE rules (
				id BIGSERIAL PRIMARY KEY,
				workflow_node_id BIGINT NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				expression JSONB NOT NULL,
				label VARCHAR(255) NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_rules_workflow_node_id ON rules(workflow_node_id);

			CREATE TABLE workflow_node_connections (
				id BIGSERIAL PRIMARY KEY,
				workflow_id BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				source_node_id BIGINT NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				destination_node_id BIGINT NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				rule_id BIGINT REFERENCES rules(id) ON DELETE SET NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE
			);

			CREATE INDEX idx_workflow_node_connections_source ON workflow_node_connections(source_node_id);

			-- Action and delay configuration
			CREATE TABLE endpoints (
				id BIGSERIAL PRIMARY KEY,
				url TEXT NOT NULL,
				method VARCHAR(10) NOT NULL,
				headers JSONB NOT NULL DEFAULT '{}',
				body JSONB NOT NULL DEFAULT '{}'
			);

			CREATE TABLE user_endpoints (
				id BIGSERIAL PRIMARY KEY,
				endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
				headers JSONB NOT NULL DEFAULT '{}',
				body JSONB NOT NULL DEFAULT '{}',
				auth_config JSONB NOT NULL DEFAULT '{}'
			);

			CREATE TABLE action_node_configs (
				id BIGSERIAL PRIMARY KEY,
				workflow_node_id BIGINT NOT NULL UNIQUE REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				user_endpoint_id BIGINT NOT NULL REFERENCES user_endpoints(id),
				overrides JSONB NOT NULL DEFAULT '{}'
			);

			CREATE TABLE delay_node_configs (
				id BIGSERIAL PRIMARY KEY,
				workflow_node_id BIGINT NOT NULL UNIQUE REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				duration BIGINT NOT NULL CHECK (duration >= 0),
				unit VARCHAR(20) NOT NULL
			);
		`,
		2: `
			-- Executions and triggers
			CREATE TABLE user_workflow_triggers (
				id BIGSERIAL PRIMARY KEY,
				user_workflow_id BIGINT NOT NULL REFERENCES user_workflows(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				type VARCHAR(20) NOT NULL CHECK (type IN ('cron', 'webhook', 'http', 'schedule')),
				config JSONB NOT NULL DEFAULT '{}',
				config_hash VARCHAR(64) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				last_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (user_workflow_id, config_hash)
			);

			CREATE TABLE workflow_executions (
				id BIGSERIAL PRIMARY KEY,
				user_workflow_id BIGINT NOT NULL REFERENCES user_workflows(id) ON DELETE CASCADE,
				trigger_id BIGINT REFERENCES user_workflow_triggers(id) ON DELETE SET NULL,
				trigger_payload JSONB,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				ended_at TIMESTAMP WITH TIME ZONE,
				reason TEXT,
				retry_of BIGINT REFERENCES workflow_executions(id),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_workflow_executions_user_workflow_id ON workflow_executions(user_workflow_id, created_at DESC);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE workflow_node_executions (
				id BIGSERIAL PRIMARY KEY,
				execution_id BIGINT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
				workflow_node_id BIGINT NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				ended_at TIMESTAMP WITH TIME ZONE,
				input JSONB,
				output JSONB,
				reason TEXT,
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT,
				backoff_strategy VARCHAR(20) NOT NULL DEFAULT 'exponential',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (execution_id, workflow_node_id)
			);

			CREATE INDEX idx_workflow_node_executions_status ON workflow_node_executions(execution_id, status);
		`,
	}
}
