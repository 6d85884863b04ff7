// Package storage defines the persistence boundary of the engine. The engine
// needs two atomic primitives from any backend: create-execution-with-tasks
// in one transaction, and single-task transition writes. Everything else is
// plain keyed CRUD.
package storage

import (
	"time"

	"etl-engine/internal/models"
)

// Storage is the persistence interface for pipelines, schedules, executions,
// task executions and log records.
type Storage interface {
	Close() error
	Health() error

	// Pipelines are versioned: Create writes version 1, Update appends the
	// next version. Reads default to the latest version.
	CreatePipeline(p *models.Pipeline) error
	UpdatePipeline(p *models.Pipeline) error
	GetPipeline(id string) (*models.Pipeline, error)
	GetPipelineVersion(id string, version int) (*models.Pipeline, error)
	GetPipelineByName(name string) (*models.Pipeline, error)
	ListPipelines(limit, offset int) ([]*models.Pipeline, int, error)
	SetPipelineStatus(id string, status models.PipelineStatus) error
	DeletePipeline(id string) error

	// Schedules
	CreateSchedule(s *models.Schedule) error
	UpdateSchedule(s *models.Schedule) error
	GetSchedule(id string) (*models.Schedule, error)
	ListSchedules(limit, offset int) ([]*models.Schedule, int, error)
	ListDueSchedules(now time.Time) ([]*models.Schedule, error)
	DeleteSchedule(id string) error

	// ClaimSchedule advances next_run_at from expectedNext to newNext with a
	// compare-and-swap and stamps last_run_at. It returns false without error
	// when another evaluator already claimed this occurrence. This is the
	// engine's only cross-schedule mutual-exclusion point.
	ClaimSchedule(id string, expectedNext, newNext, firedAt time.Time) (bool, error)

	// SetScheduleNextRun recomputes next_run_at outside the firing path
	// (enable/disable, cron edits). A nil next clears it.
	SetScheduleNextRun(id string, next *time.Time) error

	// Executions. CreateExecution persists the execution and all its tasks in
	// one transaction, establishing the durable resume point before dispatch.
	CreateExecution(e *models.Execution) error
	GetExecution(id string) (*models.Execution, error)
	ListExecutions(filters models.ExecutionFilters, limit, offset int) ([]*models.Execution, int, error)
	UpdateExecution(e *models.Execution) error
	ListRunningExecutions() ([]*models.Execution, error)

	// Task transitions are single-row atomic writes.
	UpdateTask(t *models.TaskExecution) error
	TouchTaskHeartbeat(taskID string, at time.Time) error

	// Logs are append-only.
	AppendLog(rec *models.LogRecord) error
	ListLogs(executionID, taskID string, limit, offset int) ([]*models.LogRecord, int, error)

	GetStats(since time.Time) (*models.Stats, error)
}
