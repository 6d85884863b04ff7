// Package plugins defines the boundary between the engine and the data
// movement plugins. The engine treats plugin configuration as an opaque blob
// and only observes row counts and per-row error signals; idempotency of
// writes is the plugin's responsibility.
package plugins

import (
	"context"
	"encoding/json"
)

// Row is one unit of data flowing between steps. The engine never inspects
// field semantics; it only moves rows, counts them and applies per-row error
// policy.
type Row map[string]interface{}

// Clone returns a shallow copy of the row, used before mutating fields under
// the default_value policy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RowError signals a row-level failure inside a plugin. Row holds the
// offending row (possibly partial); Fields names the fields that failed, if
// the plugin can tell.
type RowError struct {
	Row    Row
	Fields []string
	Err    error
}

func (e *RowError) Error() string {
	return e.Err.Error()
}

// Invocation carries everything a plugin needs for one step run.
type Invocation struct {
	// StepID identifies the step within its pipeline
	StepID string
	// TaskID and Attempt let plugins key idempotent writes
	TaskID  string
	Attempt int
	// Config is the step's opaque configuration blob
	Config json.RawMessage
	// Params are the DAG-node parameters passed through verbatim
	Params map[string]interface{}
}

// Plugin is one registered extract/transform/load implementation.
//
// Invoke consumes rows from in and emits rows on out and row-level errors on
// rowErrs; it must close both channels before returning. Extract plugins
// receive a nil in channel. Plugins must observe ctx at row-batch boundaries:
// cancellation is cooperative, and ignoring it gets the task force-failed
// after the grace period.
type Plugin interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation, in <-chan Row, out chan<- Row, rowErrs chan<- RowError) error
}

// Factory builds a plugin instance. Registered once at startup.
type Factory func() Plugin
