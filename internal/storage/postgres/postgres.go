// Package postgres provides the postgres dialect of the SQL store via the
// pgx database/sql driver.
package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib"

	"etl-engine/internal/storage/sqlstore"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		steps JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipelines_name ON pipelines(name)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		dag JSONB NOT NULL,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT,
		pipeline_id TEXT,
		status TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		retry_of TEXT,
		params JSONB NOT NULL DEFAULT 'null',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	`CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		node_name TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		pipeline_version INTEGER NOT NULL,
		depends_on JSONB NOT NULL DEFAULT 'null',
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		input_rows BIGINT NOT NULL DEFAULT 0,
		output_rows BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_execution ON task_executions(execution_id)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id, id)`,
}

// New opens a postgres-backed store with the given connection string.
func New(dsn string) (*sqlstore.Store, error) {
	return sqlstore.Open(sqlstore.Dialect{
		Driver:     "pgx",
		DSN:        dsn,
		BindVars:   sqlstore.RebindDollar,
		Migrations: migrations,
	})
}
