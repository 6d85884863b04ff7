// Package sqlstore implements storage.Storage over database/sql. The sqlite
// and postgres packages provide the dialect (driver, DSN, placeholder style,
// migration DDL); everything else is shared here.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/models"
)

// Dialect carries the backend-specific pieces of the SQL store.
type Dialect struct {
	// Driver is the database/sql driver name
	Driver string
	// DSN is the connection string
	DSN string
	// BindVars converts ?-style placeholders to the driver's style.
	// Nil keeps ? as-is.
	BindVars func(query string) string
	// Migrations is the ordered DDL to bring the schema up
	Migrations []string
}

// RebindDollar converts ?-style placeholders to $1..$n for postgres.
func RebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Store implements storage.Storage on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects, pings and migrates. The initial ping is retried with
// backoff so the engine survives a database that is still coming up.
func Open(dialect Dialect) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dialect.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := utils.RetryWithBackoff(context.Background(), utils.DefaultRetryConfig(), db.Ping); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, ddl := range s.dialect.Migrations {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) rebind(query string) string {
	if s.dialect.BindVars == nil {
		return query
	}
	return s.dialect.BindVars(query)
}

func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *Store) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *Store) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health() error {
	return s.db.Ping()
}

// Times are normalized to UTC before writes so CAS equality comparisons are
// stable across drivers.
func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return u
}

func scanTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

// --- Pipelines ---

const pipelineColumns = "id, version, name, status, steps, created_at, updated_at"

func (s *Store) scanPipeline(row interface{ Scan(...interface{}) error }) (*models.Pipeline, error) {
	var p models.Pipeline
	var stepsJSON string
	if err := row.Scan(&p.ID, &p.Version, &p.Name, &p.Status, &stepsJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline steps: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// CreatePipeline inserts version 1 of a pipeline.
func (s *Store) CreatePipeline(p *models.Pipeline) error {
	stepsJSON, err := marshalJSON(p.Steps)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO pipelines (id, version, name, status, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Version, p.Name, string(p.Status), stepsJSON, utc(p.CreatedAt), utc(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

// UpdatePipeline appends the next version inside a transaction so the version
// counter stays monotonic under concurrent edits.
func (s *Store) UpdatePipeline(p *models.Pipeline) error {
	stepsJSON, err := marshalJSON(p.Steps)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRow(s.rebind(`SELECT COALESCE(MAX(version), 0) FROM pipelines WHERE id = ?`), p.ID).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read pipeline version: %w", err)
	}
	if maxVersion == 0 {
		return errors.NotFoundError("pipeline")
	}

	p.Version = maxVersion + 1
	_, err = tx.Exec(s.rebind(
		`INSERT INTO pipelines (id, version, name, status, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Version, p.Name, string(p.Status), stepsJSON, utc(p.CreatedAt), utc(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert pipeline version: %w", err)
	}

	return tx.Commit()
}

// GetPipeline returns the latest version.
func (s *Store) GetPipeline(id string) (*models.Pipeline, error) {
	row := s.queryRow(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	p, err := s.scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("pipeline")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// GetPipelineVersion returns one pinned version.
func (s *Store) GetPipelineVersion(id string, version int) (*models.Pipeline, error) {
	row := s.queryRow(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ? AND version = ?`, id, version)
	p, err := s.scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("pipeline version")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline version: %w", err)
	}
	return p, nil
}

// GetPipelineByName returns the latest version of the pipeline with the name.
func (s *Store) GetPipelineByName(name string) (*models.Pipeline, error) {
	row := s.queryRow(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	p, err := s.scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("pipeline")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline by name: %w", err)
	}
	return p, nil
}

// ListPipelines returns the latest version of every pipeline, paginated.
func (s *Store) ListPipelines(limit, offset int) ([]*models.Pipeline, int, error) {
	rows, err := s.query(
		`SELECT p.id, p.version, p.name, p.status, p.steps, p.created_at, p.updated_at
		 FROM pipelines p
		 JOIN (SELECT id, MAX(version) AS v FROM pipelines GROUP BY id) m
		   ON p.id = m.id AND p.version = m.v
		 ORDER BY p.name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := s.scanPipeline(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.queryRow(`SELECT COUNT(DISTINCT id) FROM pipelines`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pipelines: %w", err)
	}
	return pipelines, total, nil
}

// SetPipelineStatus updates the status across every version of the pipeline.
func (s *Store) SetPipelineStatus(id string, status models.PipelineStatus) error {
	res, err := s.exec(
		`UPDATE pipelines SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set pipeline status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("pipeline")
	}
	return nil
}

// DeletePipeline removes every version of the pipeline.
func (s *Store) DeletePipeline(id string) error {
	res, err := s.exec(`DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("pipeline")
	}
	return nil
}

// --- Schedules ---

const scheduleColumns = "id, name, cron_expr, timezone, enabled, dag, last_run_at, next_run_at, created_at, updated_at"

func (s *Store) scanSchedule(row interface{ Scan(...interface{}) error }) (*models.Schedule, error) {
	var sc models.Schedule
	var dagJSON string
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Timezone, &sc.Enabled,
		&dagJSON, &lastRun, &nextRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dagJSON), &sc.DAG); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule dag: %w", err)
	}
	sc.LastRunAt = scanTimePtr(lastRun)
	sc.NextRunAt = scanTimePtr(nextRun)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return &sc, nil
}

// CreateSchedule inserts a schedule.
func (s *Store) CreateSchedule(sc *models.Schedule) error {
	dagJSON, err := marshalJSON(sc.DAG)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO schedules (id, name, cron_expr, timezone, enabled, dag, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled, dagJSON,
		utcPtr(sc.LastRunAt), utcPtr(sc.NextRunAt), utc(sc.CreatedAt), utc(sc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// UpdateSchedule rewrites every mutable schedule field.
func (s *Store) UpdateSchedule(sc *models.Schedule) error {
	dagJSON, err := marshalJSON(sc.DAG)
	if err != nil {
		return err
	}
	res, err := s.exec(
		`UPDATE schedules
		 SET name = ?, cron_expr = ?, timezone = ?, enabled = ?, dag = ?,
		     last_run_at = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ?`,
		sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled, dagJSON,
		utcPtr(sc.LastRunAt), utcPtr(sc.NextRunAt), utc(time.Now()), sc.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("schedule")
	}
	return nil
}

// GetSchedule returns one schedule.
func (s *Store) GetSchedule(id string) (*models.Schedule, error) {
	row := s.queryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := s.scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("schedule")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns schedules paginated by name.
func (s *Store) ListSchedules(limit, offset int) ([]*models.Schedule, int, error) {
	rows, err := s.query(
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.queryRow(`SELECT COUNT(*) FROM schedules`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count schedules: %w", err)
	}
	return schedules, total, nil
}

// ListDueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) ListDueSchedules(now time.Time) ([]*models.Schedule, error) {
	rows, err := s.query(
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, true, utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	res, err := s.exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("schedule")
	}
	return nil
}

// ClaimSchedule performs the compare-and-swap on next_run_at. A losing
// evaluator sees zero rows affected and backs off; no row lock is held
// across planning.
func (s *Store) ClaimSchedule(id string, expectedNext, newNext, firedAt time.Time) (bool, error) {
	res, err := s.exec(
		`UPDATE schedules SET next_run_at = ?, last_run_at = ?, updated_at = ?
		 WHERE id = ? AND next_run_at = ?`,
		utc(newNext), utc(firedAt), utc(time.Now()), id, utc(expectedNext))
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetScheduleNextRun overwrites next_run_at unconditionally.
func (s *Store) SetScheduleNextRun(id string, next *time.Time) error {
	res, err := s.exec(
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		utcPtr(next), utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule next run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("schedule")
	}
	return nil
}

// --- Executions ---

const executionColumns = "id, schedule_id, pipeline_id, status, trigger_type, retry_of, params, started_at, finished_at, duration_ms, created_at"

func (s *Store) scanExecution(row interface{ Scan(...interface{}) error }) (*models.Execution, error) {
	var e models.Execution
	var scheduleID, pipelineID, retryOf sql.NullString
	var paramsJSON string
	var started, finished sql.NullTime
	if err := row.Scan(&e.ID, &scheduleID, &pipelineID, &e.Status, &e.Trigger, &retryOf,
		&paramsJSON, &started, &finished, &e.DurationMS, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ScheduleID = scheduleID.String
	e.PipelineID = pipelineID.String
	e.RetryOf = retryOf.String
	if paramsJSON != "" && paramsJSON != "null" {
		if err := json.Unmarshal([]byte(paramsJSON), &e.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution params: %w", err)
		}
	}
	e.StartedAt = scanTimePtr(started)
	e.FinishedAt = scanTimePtr(finished)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateExecution persists the execution and every task in one transaction.
func (s *Store) CreateExecution(e *models.Execution) error {
	paramsJSON, err := marshalJSON(e.Params)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind(
		`INSERT INTO executions (id, schedule_id, pipeline_id, status, trigger_type, retry_of, params, started_at, finished_at, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, nullString(e.ScheduleID), nullString(e.PipelineID), string(e.Status), string(e.Trigger),
		nullString(e.RetryOf), paramsJSON, utcPtr(e.StartedAt), utcPtr(e.FinishedAt), e.DurationMS, utc(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	for _, t := range e.Tasks {
		dependsJSON, err := marshalJSON(t.DependsOn)
		if err != nil {
			return err
		}
		_, err = tx.Exec(s.rebind(
			`INSERT INTO task_executions (id, execution_id, node_id, node_name, pipeline_id, pipeline_version,
			    depends_on, timeout_seconds, retries, attempt, status, started_at, finished_at, heartbeat_at,
			    input_rows, output_rows, error_count, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.ExecutionID, t.NodeID, t.NodeName, t.PipelineID, t.PipelineVersion,
			dependsJSON, t.TimeoutSeconds, t.Retries, t.Attempt, string(t.Status),
			utcPtr(t.StartedAt), utcPtr(t.FinishedAt), utcPtr(t.HeartbeatAt),
			t.InputRows, t.OutputRows, t.ErrorCount, t.Error)
		if err != nil {
			return fmt.Errorf("failed to insert task execution: %w", err)
		}
	}

	return tx.Commit()
}

const taskColumns = `id, execution_id, node_id, node_name, pipeline_id, pipeline_version,
	depends_on, timeout_seconds, retries, attempt, status, started_at, finished_at, heartbeat_at,
	input_rows, output_rows, error_count, error`

func (s *Store) scanTask(row interface{ Scan(...interface{}) error }) (*models.TaskExecution, error) {
	var t models.TaskExecution
	var dependsJSON string
	var started, finished, heartbeat sql.NullTime
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.NodeID, &t.NodeName, &t.PipelineID, &t.PipelineVersion,
		&dependsJSON, &t.TimeoutSeconds, &t.Retries, &t.Attempt, &t.Status,
		&started, &finished, &heartbeat, &t.InputRows, &t.OutputRows, &t.ErrorCount, &t.Error); err != nil {
		return nil, err
	}
	if dependsJSON != "" && dependsJSON != "null" {
		if err := json.Unmarshal([]byte(dependsJSON), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task depends_on: %w", err)
		}
	}
	t.StartedAt = scanTimePtr(started)
	t.FinishedAt = scanTimePtr(finished)
	t.HeartbeatAt = scanTimePtr(heartbeat)
	return &t, nil
}

func (s *Store) loadTasks(e *models.Execution) error {
	rows, err := s.query(
		`SELECT `+taskColumns+` FROM task_executions WHERE execution_id = ? ORDER BY node_id`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		e.Tasks = append(e.Tasks, t)
	}
	return rows.Err()
}

// GetExecution returns an execution with its tasks.
func (s *Store) GetExecution(id string) (*models.Execution, error) {
	row := s.queryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := s.scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("execution")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if err := s.loadTasks(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions returns executions matching the filters, newest first,
// without their task lists.
func (s *Store) ListExecutions(filters models.ExecutionFilters, limit, offset int) ([]*models.Execution, int, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)
	if filters.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filters.ScheduleID)
	}
	if filters.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filters.PipelineID)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filters.Status))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.query(
		`SELECT `+executionColumns+` FROM executions`+clause+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.queryRow(`SELECT COUNT(*) FROM executions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return executions, total, nil
}

// UpdateExecution rewrites the mutable execution fields.
func (s *Store) UpdateExecution(e *models.Execution) error {
	res, err := s.exec(
		`UPDATE executions SET status = ?, started_at = ?, finished_at = ?, duration_ms = ? WHERE id = ?`,
		string(e.Status), utcPtr(e.StartedAt), utcPtr(e.FinishedAt), e.DurationMS, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("execution")
	}
	return nil
}

// ListRunningExecutions returns non-terminal executions with their tasks,
// used by crash recovery.
func (s *Store) ListRunningExecutions() ([]*models.Execution, error) {
	rows, err := s.query(
		`SELECT `+executionColumns+` FROM executions WHERE status IN (?, ?) ORDER BY created_at`,
		string(models.StatusPending), string(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range executions {
		if err := s.loadTasks(e); err != nil {
			return nil, err
		}
	}
	return executions, nil
}

// UpdateTask rewrites one task row. Task transitions are serialized per
// execution by the tracker, so this single-row write is the atomic unit.
func (s *Store) UpdateTask(t *models.TaskExecution) error {
	res, err := s.exec(
		`UPDATE task_executions
		 SET status = ?, attempt = ?, started_at = ?, finished_at = ?, heartbeat_at = ?,
		     input_rows = ?, output_rows = ?, error_count = ?, error = ?
		 WHERE id = ?`,
		string(t.Status), t.Attempt, utcPtr(t.StartedAt), utcPtr(t.FinishedAt), utcPtr(t.HeartbeatAt),
		t.InputRows, t.OutputRows, t.ErrorCount, t.Error, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("task execution")
	}
	return nil
}

// TouchTaskHeartbeat stamps a running task as alive.
func (s *Store) TouchTaskHeartbeat(taskID string, at time.Time) error {
	_, err := s.exec(
		`UPDATE task_executions SET heartbeat_at = ? WHERE id = ?`, utc(at), taskID)
	if err != nil {
		return fmt.Errorf("failed to touch task heartbeat: %w", err)
	}
	return nil
}

// --- Logs ---

// AppendLog appends one log record.
func (s *Store) AppendLog(rec *models.LogRecord) error {
	_, err := s.exec(
		`INSERT INTO execution_logs (execution_id, task_id, level, message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.TaskID, rec.Level, rec.Message, utc(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns log records for an execution, oldest first, optionally
// narrowed to one task.
func (s *Store) ListLogs(executionID, taskID string, limit, offset int) ([]*models.LogRecord, int, error) {
	where := "WHERE execution_id = ?"
	args := []interface{}{executionID}
	if taskID != "" {
		where += " AND task_id = ?"
		args = append(args, taskID)
	}

	rows, err := s.query(
		`SELECT id, execution_id, task_id, level, message, created_at FROM execution_logs `+
			where+` ORDER BY id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var records []*models.LogRecord
	for rows.Next() {
		var rec models.LogRecord
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.TaskID, &rec.Level, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan log: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.queryRow(`SELECT COUNT(*) FROM execution_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return records, total, nil
}

// GetStats aggregates execution outcomes since the given time.
func (s *Store) GetStats(since time.Time) (*models.Stats, error) {
	stats := &models.Stats{}

	rows, err := s.query(
		`SELECT status, COUNT(*) FROM executions WHERE created_at >= ? GROUP BY status`, utc(since))
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.TotalExecutions += count
		switch models.Status(status) {
		case models.StatusRunning, models.StatusPending:
			stats.RunningExecutions += count
		case models.StatusSuccess:
			stats.SuccessExecutions = count
		case models.StatusFailed:
			stats.FailedExecutions = count
		case models.StatusCancelled:
			stats.CancelledExecutions = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.queryRow(`SELECT COUNT(*) FROM schedules WHERE enabled = ?`, true).Scan(&stats.EnabledSchedules); err != nil {
		return nil, err
	}
	if err := s.queryRow(`SELECT COUNT(DISTINCT id) FROM pipelines WHERE status = ?`, string(models.PipelineStatusActive)).Scan(&stats.ActivePipelines); err != nil {
		return nil, err
	}
	return stats, nil
}
