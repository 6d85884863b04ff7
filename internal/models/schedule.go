package models

import (
	"time"
)

// DAGNode is one node of a schedule's meta-DAG. It references a pipeline by id
// and expresses run-order dependencies on sibling nodes. Edges carry ordering,
// not data flow.
type DAGNode struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name,omitempty"`
	PipelineID string `json:"pipeline_id" validate:"required"`

	// DependsOn lists sibling node ids that must succeed before this node runs
	DependsOn []string `json:"depends_on,omitempty"`

	// TimeoutSeconds bounds one attempt of the node's task (0 = engine default)
	TimeoutSeconds int `json:"timeout,omitempty" validate:"gte=0"`

	// Retries caps the total number of attempts for the node's task; the
	// task retries while its completed-attempt count is below this value
	Retries int `json:"retries,omitempty" validate:"gte=0"`

	// Params are passed through to every step of the referenced pipeline
	Params map[string]interface{} `json:"params,omitempty"`
}

// DisplayName returns the node's name, falling back to its id.
func (n *DAGNode) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Schedule wraps a cron expression, a timezone and a meta-DAG of pipeline
// invocations. NextRunAt is recomputed whenever CronExpr, Timezone or Enabled
// changes, and after each fire.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name" validate:"required"`
	CronExpr  string     `json:"cron_expr" validate:"required"`
	Timezone  string     `json:"timezone"`
	Enabled   bool       `json:"enabled"`
	DAG       []DAGNode  `json:"dag" validate:"required,min=1,dive"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Node returns the DAG node with the given id, if present.
func (s *Schedule) Node(id string) (*DAGNode, bool) {
	for i := range s.DAG {
		if s.DAG[i].ID == id {
			return &s.DAG[i], true
		}
	}
	return nil, false
}
