// Package sqlite provides the sqlite dialect of the SQL store. It is the
// default backend and suits single-node deployments.
package sqlite

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"etl-engine/internal/storage/sqlstore"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		steps TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipelines_name ON pipelines(name)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		dag TEXT NOT NULL,
		last_run_at DATETIME,
		next_run_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT,
		pipeline_id TEXT,
		status TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		retry_of TEXT,
		params TEXT NOT NULL DEFAULT 'null',
		started_at DATETIME,
		finished_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
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
		depends_on TEXT NOT NULL DEFAULT 'null',
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		heartbeat_at DATETIME,
		input_rows INTEGER NOT NULL DEFAULT 0,
		output_rows INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_execution ON task_executions(execution_id)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id, id)`,
}

// New opens a sqlite-backed store at the given path.
func New(path string) (*sqlstore.Store, error) {
	// _busy_timeout keeps concurrent writers from surfacing SQLITE_BUSY,
	// WAL lets readers proceed alongside the tracker's writes.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	return sqlstore.Open(sqlstore.Dialect{
		Driver:     "sqlite3",
		DSN:        dsn,
		Migrations: migrations,
	})
}
