package models

// API request shapes. Field validation runs through the centralized
// validator before any definition reaches the graph validator.

// CreatePipelineRequest creates the first version of a pipeline as draft.
type CreatePipelineRequest struct {
	Name  string         `json:"name" validate:"required,min=1,max=255"`
	Steps []PipelineStep `json:"steps" validate:"required,min=1,dive"`
}

// UpdatePipelineRequest replaces the step DAG, producing a new version.
type UpdatePipelineRequest struct {
	Name  string         `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Steps []PipelineStep `json:"steps" validate:"required,min=1,dive"`
}

// SetPipelineStatusRequest activates or deactivates a pipeline.
type SetPipelineStatusRequest struct {
	Status PipelineStatus `json:"status" validate:"required,oneof=draft active inactive"`
}

// CreateScheduleRequest creates a schedule around a meta-DAG.
type CreateScheduleRequest struct {
	Name     string    `json:"name" validate:"required,min=1,max=255"`
	CronExpr string    `json:"cron_expr" validate:"required"`
	Timezone string    `json:"timezone,omitempty"`
	Enabled  bool      `json:"enabled"`
	DAG      []DAGNode `json:"dag" validate:"required,min=1,dive"`
}

// UpdateScheduleRequest replaces schedule fields; nil DAG keeps the old one.
type UpdateScheduleRequest struct {
	Name     string    `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	CronExpr string    `json:"cron_expr,omitempty"`
	Timezone string    `json:"timezone,omitempty"`
	DAG      []DAGNode `json:"dag,omitempty" validate:"omitempty,min=1,dive"`
}

// SetScheduleEnabledRequest flips a schedule on or off.
type SetScheduleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// TriggerRequest fires a schedule or pipeline manually.
type TriggerRequest struct {
	Params map[string]interface{} `json:"params,omitempty"`
}

// ErrorResponse is the uniform error body of the REST surface.
type ErrorResponse struct {
	Error string                 `json:"error"`
	Type  string                 `json:"type,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}
