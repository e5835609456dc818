package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definitions. Definitions are immutable documents: the
			-- graph is validated in the application and loaded whole, so nodes
			-- and edges live in JSONB columns instead of per-node tables.
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				nodes JSONB NOT NULL,
				edges JSONB,
				variables JSONB,
				triggers JSONB,
				joins JSONB,
				timeout_ms BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			);

			CREATE INDEX idx_workflows_owner_id ON workflows(owner_id);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			-- Execution state. updated_at pairs with status as the optimistic
			-- concurrency guard; all timestamps are epoch milliseconds to match
			-- the model.
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id),
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				frames JSONB,
				variables JSONB,
				error JSONB,
				auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
				initiator VARCHAR(255) NOT NULL DEFAULT '',
				suspend_reason VARCHAR(50) NOT NULL DEFAULT '',
				suspended_node_id VARCHAR(255) NOT NULL DEFAULT '',
				wait_until BIGINT NOT NULL DEFAULT 0,
				pending_approval_id VARCHAR(255) NOT NULL DEFAULT '',
				callback_token VARCHAR(255) NOT NULL DEFAULT '',
				node_overrides JSONB,
				parent_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				parent_node_id VARCHAR(255) NOT NULL DEFAULT '',
				started_at BIGINT NOT NULL,
				completed_at BIGINT,
				updated_at BIGINT NOT NULL
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_owner_id ON executions(owner_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_started_at ON executions(started_at);
			CREATE INDEX idx_executions_suspended ON executions(suspend_reason, wait_until)
				WHERE suspend_reason <> '';
			CREATE UNIQUE INDEX idx_executions_callback_token ON executions(callback_token)
				WHERE callback_token <> '';

			-- Per-attempt node outcomes, keyed by attempt so saving the same
			-- key twice overwrites and recording stays idempotent.
			CREATE TABLE step_results (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				iteration VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				output JSONB,
				error JSONB,
				started_at BIGINT NOT NULL,
				completed_at BIGINT,
				PRIMARY KEY (execution_id, node_id, retry_count)
			);

			CREATE INDEX idx_step_results_execution_id ON step_results(execution_id);

			-- Human approval requests.
			CREATE TABLE approvals (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				step_id VARCHAR(255) NOT NULL,
				type VARCHAR(100) NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				data JSONB,
				status VARCHAR(50) NOT NULL,
				response JSONB,
				expires_at BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				responded_at BIGINT
			);

			CREATE INDEX idx_approvals_execution_id ON approvals(execution_id);
			CREATE INDEX idx_approvals_pending_expiry ON approvals(status, expires_at)
				WHERE status = 'pending';
		`,
	}
}
