package store

// schemaStatements is the ordered, idempotent DDL for the persistence
// store. Every non-tenant table carries an indexed tenant_id and a version
// column for optimistic locking.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'STANDARD',
		quotas JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_tenant ON users (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		parent_id UUID,
		title TEXT NOT NULL,
		initial_prompt TEXT NOT NULL DEFAULT '',
		session_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		status_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		agent_config JSONB NOT NULL DEFAULT '{}',
		model_config TEXT NOT NULL DEFAULT '',
		max_duration_seconds INT NOT NULL DEFAULT 3600,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		checkpoint_retention INT NOT NULL DEFAULT 100,
		last_error TEXT NOT NULL DEFAULT '',
		result JSONB NOT NULL DEFAULT '{}',
		tags JSONB NOT NULL DEFAULT '[]',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_tenant_status ON sessions (tenant_id, status)`,

	`CREATE TABLE IF NOT EXISTS session_metrics (
		session_id UUID PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
		tenant_id UUID NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		tokens_used BIGINT NOT NULL DEFAULT 0,
		api_calls BIGINT NOT NULL DEFAULT 0,
		api_errors BIGINT NOT NULL DEFAULT 0,
		retries BIGINT NOT NULL DEFAULT 0,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		code_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		checkpoint_count INT NOT NULL DEFAULT 0,
		last_checkpoint_at TIMESTAMPTZ,
		cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_metrics_tenant ON session_metrics (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS session_checkpoints (
		session_id UUID NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		tenant_id UUID NOT NULL,
		sequence INT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_checkpoints_tenant ON session_checkpoints (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		name TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		primary_capabilities JSONB NOT NULL DEFAULT '[]',
		secondary_capabilities JSONB NOT NULL DEFAULT '[]',
		model_config JSONB NOT NULL DEFAULT '{}',
		preferred_technologies JSONB NOT NULL DEFAULT '[]',
		avoided_technologies JSONB NOT NULL DEFAULT '[]',
		complexity_preference TEXT NOT NULL DEFAULT 'medium',
		preferred_session_types JSONB NOT NULL DEFAULT '[]',
		tags JSONB NOT NULL DEFAULT '[]',
		performance JSONB NOT NULL DEFAULT '{}',
		load JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		maintenance_mode BOOLEAN NOT NULL DEFAULT FALSE,
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_external BOOLEAN NOT NULL DEFAULT FALSE,
		endpoint TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		tenant_id UUID NOT NULL,
		parent_task_id UUID,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		assigned_agent_id UUID,
		estimate JSONB NOT NULL DEFAULT '{}',
		children JSONB NOT NULL DEFAULT '[]',
		result JSONB NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		artifacts JSONB NOT NULL DEFAULT '[]',
		attempts JSONB NOT NULL DEFAULT '[]',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks (session_id)`,

	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id UUID NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		tenant_id UUID NOT NULL,
		target_task_id UUID NOT NULL,
		kind TEXT NOT NULL,
		required BOOLEAN NOT NULL DEFAULT TRUE,
		version BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (task_id, target_task_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_dependencies_tenant ON task_dependencies (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS contexts (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		session_id UUID,
		name TEXT NOT NULL,
		content JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contexts_tenant ON contexts (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS fine_tuning_jobs (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		agent_id UUID,
		status TEXT NOT NULL DEFAULT 'PENDING',
		dataset_ref TEXT NOT NULL DEFAULT '',
		parameters JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fine_tuning_jobs_tenant ON fine_tuning_jobs (tenant_id)`,
}
