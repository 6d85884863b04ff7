package models

import (
	"time"
)

// Status is the lifecycle state shared by executions and task executions
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// TriggerType records what caused an execution
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerRetry     TriggerType = "retry"
)

// Execution is one concrete run of a schedule's meta-DAG or of a single
// ad-hoc pipeline. Exactly one of ScheduleID and PipelineID is set. Terminal
// executions are immutable except for append-only log records.
type Execution struct {
	ID         string      `json:"id"`
	ScheduleID string      `json:"schedule_id,omitempty"`
	PipelineID string      `json:"pipeline_id,omitempty"`
	Status     Status      `json:"status"`
	Trigger    TriggerType `json:"trigger"`

	// RetryOf references the execution this one retries, if Trigger is retry
	RetryOf string `json:"retry_of,omitempty"`

	Params     map[string]interface{} `json:"params,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`

	// DurationMS is FinishedAt-StartedAt in milliseconds, 0 while running
	DurationMS int64 `json:"duration_ms"`

	Tasks     []*TaskExecution `json:"tasks,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Task returns the task execution for the given node id, if present.
func (e *Execution) Task(nodeID string) (*TaskExecution, bool) {
	for _, t := range e.Tasks {
		if t.NodeID == nodeID {
			return t, true
		}
	}
	return nil, false
}

// TaskExecution is one DAG node's execution instance within an execution.
// Created pending at plan time, it runs once every dependency reached success
// and is terminal once success, failed or cancelled. A failed task with
// remaining retries goes back to pending.
type TaskExecution struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	NodeName    string `json:"node_name"`

	// Pinned pipeline reference: executions never observe later edits
	PipelineID      string `json:"pipeline_id"`
	PipelineVersion int    `json:"pipeline_version"`

	DependsOn      []string `json:"depends_on,omitempty"`
	TimeoutSeconds int      `json:"timeout,omitempty"`
	Retries        int      `json:"retries"`

	// Attempt counts completed attempts; 0 before the first run
	Attempt int `json:"attempt"`

	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	InputRows  int64  `json:"input_rows"`
	OutputRows int64  `json:"output_rows"`
	ErrorCount int64  `json:"error_count"`
	Error      string `json:"error,omitempty"`
}

// Timeout returns the per-attempt timeout, or fallback when unset.
func (t *TaskExecution) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// LogRecord is an append-only structured log line attached to an execution,
// optionally scoped to one task.
type LogRecord struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionFilters narrows execution listings. Zero-valued fields match
// everything.
type ExecutionFilters struct {
	ScheduleID string
	PipelineID string
	Status     Status
}

// Stats summarizes execution outcomes over a reporting window.
type Stats struct {
	TotalExecutions     int `json:"total_executions"`
	RunningExecutions   int `json:"running_executions"`
	SuccessExecutions   int `json:"success_executions"`
	FailedExecutions    int `json:"failed_executions"`
	CancelledExecutions int `json:"cancelled_executions"`
	EnabledSchedules    int `json:"enabled_schedules"`
	ActivePipelines     int `json:"active_pipelines"`
}
