// Package models defines the persisted entities of the ETL engine: pipelines,
// schedules, executions, task executions and log records, plus the API
// request/response shapes built on them.
package models

import (
	"encoding/json"
	"time"
)

// StepType classifies a pipeline step
type StepType string

const (
	StepTypeExtract   StepType = "extract"
	StepTypeTransform StepType = "transform"
	StepTypeLoad      StepType = "load"
)

// OnErrorPolicy controls how a step reacts to a row-level error
type OnErrorPolicy string

const (
	// OnErrorFail aborts the step (and transitively the task) on any row error
	OnErrorFail OnErrorPolicy = "fail"
	// OnErrorSkipRow drops the offending row and continues
	OnErrorSkipRow OnErrorPolicy = "skip_row"
	// OnErrorDefaultValue replaces the offending fields with configured defaults
	OnErrorDefaultValue OnErrorPolicy = "default_value"
)

// PipelineStatus is the lifecycle state of a pipeline definition
type PipelineStatus string

const (
	PipelineStatusDraft    PipelineStatus = "draft"
	PipelineStatusActive   PipelineStatus = "active"
	PipelineStatusInactive PipelineStatus = "inactive"
)

// PipelineStep is one node in a pipeline's step DAG. Steps are wired by port
// names: a step's Input must match the Output of an upstream step. Extract
// steps have no Input.
type PipelineStep struct {
	ID       string          `json:"id" validate:"required"`
	Type     StepType        `json:"type" validate:"required,oneof=extract transform load"`
	Plugin   string          `json:"plugin" validate:"required"`
	Config   json.RawMessage `json:"config,omitempty"`
	Input    string          `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Parallel bool            `json:"parallel,omitempty"`
	OnError  OnErrorPolicy   `json:"on_error,omitempty" validate:"omitempty,oneof=fail skip_row default_value"`

	// Defaults supplies replacement field values for the default_value policy
	Defaults map[string]interface{} `json:"defaults,omitempty"`
}

// EffectiveOnError returns the step's error policy, defaulting to fail.
func (s *PipelineStep) EffectiveOnError() OnErrorPolicy {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// Pipeline is a versioned, named DAG of extract/transform/load steps.
// Editing an active pipeline produces a new version; in-flight executions keep
// the version they started with.
type Pipeline struct {
	ID        string         `json:"id"`
	Name      string         `json:"name" validate:"required"`
	Version   int            `json:"version"`
	Steps     []PipelineStep `json:"steps" validate:"required,min=1,dive"`
	Status    PipelineStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Schedulable reports whether the pipeline may be referenced by schedules
// and ad-hoc triggers.
func (p *Pipeline) Schedulable() bool {
	return p.Status == PipelineStatusActive
}

// Step returns the step with the given id, if present.
func (p *Pipeline) Step(id string) (*PipelineStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}
