// Package runner executes one task: it walks the referenced pipeline's step
// DAG in topological batches, streams rows between steps through plugin
// channels, applies per-row error policy and the task-level timeout, and
// resolves every outcome to a terminal result. Nothing escapes a Run call
// as a panic or a bare error; the tracker only ever sees a TaskResult.
package runner

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"etl-engine/internal/circuitbreaker"
	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/graph"
	"etl-engine/internal/models"
	"etl-engine/internal/plugins"
)

// rowBuffer sizes the channels between the runner and a plugin.
const rowBuffer = 256

// TaskResult is the terminal outcome of one task attempt.
type TaskResult struct {
	Status     models.Status
	InputRows  int64
	OutputRows int64
	ErrorCount int64
	Err        error
}

// LogSink receives structured execution log lines. The tracker persists them.
type LogSink interface {
	Append(executionID, taskID, level, message string)
}

// Config tunes the runner.
type Config struct {
	// DefaultTimeout applies to tasks without their own timeout
	DefaultTimeout time.Duration
	// CancelGrace is how long a cancelled plugin may keep running before the
	// runner abandons it and force-fails the task
	CancelGrace time.Duration
	// StepParallelism caps concurrent parallel steps within one task
	StepParallelism int
}

// Runner executes tasks against the plugin registry.
type Runner struct {
	registry *plugins.Registry
	breakers *circuitbreaker.Manager
	cfg      Config
	logs     LogSink
	logger   logging.Logger
}

// New creates a runner.
func New(registry *plugins.Registry, breakers *circuitbreaker.Manager, cfg Config, logs LogSink, logger logging.Logger) *Runner {
	if cfg.StepParallelism < 1 {
		cfg.StepParallelism = 1
	}
	return &Runner{registry: registry, breakers: breakers, cfg: cfg, logs: logs, logger: logger}
}

// Run executes one attempt of a task through its pipeline's step DAG. The
// context carries cancellation from the tracker; the task timeout is applied
// on top of it. Run never returns an error: every failure mode lands in the
// result.
func (r *Runner) Run(ctx context.Context, task *models.TaskExecution, pipeline *models.Pipeline, params map[string]interface{}) TaskResult {
	logger := r.logger.WithContext(ctx).WithFields(
		logging.String("node", task.NodeID),
		logging.Int("attempt", task.Attempt),
	)

	timeout := task.Timeout(r.cfg.DefaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepNodes, err := graph.StepNodes(pipeline.Steps)
	if err != nil {
		return r.resolve(task, TaskResult{Status: models.StatusFailed, Err: err}, logger)
	}
	layers, err := graph.Layers(stepNodes)
	if err != nil {
		return r.resolve(task, TaskResult{Status: models.StatusFailed, Err: err}, logger)
	}

	stepsByID := make(map[string]*models.PipelineStep, len(pipeline.Steps))
	for i := range pipeline.Steps {
		stepsByID[pipeline.Steps[i].ID] = &pipeline.Steps[i]
	}

	var result TaskResult
	ports := make(map[string][]plugins.Row)

	for _, layer := range layers {
		outputs, layerErr := r.runLayer(runCtx, task, params, layer, stepsByID, ports, &result)
		if layerErr != nil {
			result.Err = layerErr
			result.Status = models.StatusFailed
			if runCtx.Err() == context.DeadlineExceeded {
				result.Err = errors.TimeoutError(fmt.Sprintf("task exceeded %s timeout", timeout))
			} else if ctx.Err() == context.Canceled {
				result.Status = models.StatusCancelled
				result.Err = errors.CancelledError("task cancelled")
			}
			return r.resolve(task, result, logger)
		}
		for port, rows := range outputs {
			ports[port] = append(ports[port], rows...)
		}
	}

	result.Status = models.StatusSuccess
	return r.resolve(task, result, logger)
}

func (r *Runner) resolve(task *models.TaskExecution, result TaskResult, logger logging.Logger) TaskResult {
	switch result.Status {
	case models.StatusSuccess:
		logger.Info("task attempt succeeded",
			logging.Int64("input_rows", result.InputRows),
			logging.Int64("output_rows", result.OutputRows),
			logging.Int64("error_count", result.ErrorCount))
		r.logs.Append(task.ExecutionID, task.ID, "info",
			fmt.Sprintf("task %s succeeded: %d in, %d out, %d row errors",
				task.NodeName, result.InputRows, result.OutputRows, result.ErrorCount))
	case models.StatusCancelled:
		logger.Warn("task attempt cancelled")
		r.logs.Append(task.ExecutionID, task.ID, "warn", "task "+task.NodeName+" cancelled")
	default:
		logger.Error("task attempt failed", result.Err)
		r.logs.Append(task.ExecutionID, task.ID, "error",
			fmt.Sprintf("task %s failed: %v", task.NodeName, result.Err))
	}
	return result
}

// runLayer executes one topological batch. Steps marked parallel share an
// errgroup bounded by StepParallelism; the rest run sequentially first.
// Outputs are merged into fresh buffers so concurrent steps never write the
// shared port map.
func (r *Runner) runLayer(ctx context.Context, task *models.TaskExecution, params map[string]interface{},
	layer []string, stepsByID map[string]*models.PipelineStep, ports map[string][]plugins.Row,
	result *TaskResult) (map[string][]plugins.Row, error) {

	var serial, parallel []*models.PipelineStep
	for _, id := range layer {
		step := stepsByID[id]
		if step.Parallel {
			parallel = append(parallel, step)
		} else {
			serial = append(serial, step)
		}
	}

	outputs := make(map[string][]plugins.Row)
	accumulate := func(step *models.PipelineStep, sr stepResult) {
		if step.Type == models.StepTypeExtract {
			result.InputRows += sr.emittedCount
		}
		if step.Type == models.StepTypeLoad {
			result.OutputRows += sr.emittedCount
		}
		result.ErrorCount += sr.errCount
		if step.Output != "" {
			outputs[step.Output] = append(outputs[step.Output], sr.emitted...)
		}
	}

	for _, step := range serial {
		sr, err := r.runStep(ctx, task, params, step, ports[step.Input])
		if err != nil {
			return nil, err
		}
		accumulate(step, sr)
	}

	if len(parallel) == 0 {
		return outputs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.StepParallelism)
	results := make([]stepResult, len(parallel))
	for i, step := range parallel {
		i, step := i, step
		g.Go(func() error {
			sr, err := r.runStep(gctx, task, params, step, ports[step.Input])
			if err != nil {
				return err
			}
			results[i] = sr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, step := range parallel {
		accumulate(step, results[i])
	}
	return outputs, nil
}

type stepResult struct {
	emitted      []plugins.Row
	emittedCount int64
	errCount     int64
}

// runStep drives one plugin invocation: feeds input rows, collects output
// rows and applies the step's onError policy to row-level errors. The
// plugin call goes through the per-plugin circuit breaker.
func (r *Runner) runStep(ctx context.Context, task *models.TaskExecution, params map[string]interface{},
	step *models.PipelineStep, input []plugins.Row) (stepResult, error) {

	plugin, err := r.registry.Get(step.Plugin)
	if err != nil {
		return stepResult{}, err
	}

	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	var in chan plugins.Row
	if step.Type != models.StepTypeExtract {
		in = make(chan plugins.Row, rowBuffer)
		go func() {
			defer close(in)
			for _, row := range input {
				select {
				case in <- row:
				case <-stepCtx.Done():
					return
				}
			}
		}()
	}

	out := make(chan plugins.Row, rowBuffer)
	rowErrs := make(chan plugins.RowError, rowBuffer)

	// abandoned releases the collector if a plugin ignores cancellation and
	// never closes its channels.
	abandoned := make(chan struct{})

	var sr stepResult
	var rowErr error
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		outCh, errCh := out, rowErrs
		for outCh != nil || errCh != nil {
			select {
			case row, ok := <-outCh:
				if !ok {
					outCh = nil
					continue
				}
				sr.emitted = append(sr.emitted, row)
			case re, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				sr.errCount++
				switch step.EffectiveOnError() {
				case models.OnErrorFail:
					if rowErr == nil {
						rowErr = errors.PluginError(step.Plugin, re.Err)
						cancelStep()
					}
				case models.OnErrorSkipRow:
					// row dropped, count already taken
				case models.OnErrorDefaultValue:
					if patched, ok := applyDefaults(step, re); ok {
						sr.emitted = append(sr.emitted, patched)
					}
				}
			case <-abandoned:
				return
			}
		}
	}()

	inRO := (<-chan plugins.Row)(in)
	invocation := plugins.Invocation{
		StepID:  step.ID,
		TaskID:  task.ID,
		Attempt: task.Attempt,
		Config:  step.Config,
		Params:  params,
	}

	done := make(chan error, 1)
	go func() {
		done <- r.breakers.Get(step.Plugin).Execute(stepCtx, func() error {
			return plugin.Invoke(stepCtx, invocation, inRO, out, rowErrs)
		})
	}()

	var invokeErr error
	select {
	case invokeErr = <-done:
	case <-stepCtx.Done():
		// Cooperative cancellation: give the plugin the grace period to
		// flush and return before force-failing.
		select {
		case invokeErr = <-done:
		case <-time.After(r.cfg.CancelGrace):
			close(abandoned)
			<-collected
			r.logs.Append(task.ExecutionID, task.ID, "error",
				"plugin "+step.Plugin+" ignored cancellation, force-failing step "+step.ID)
			if rowErr != nil {
				return stepResult{}, rowErr
			}
			return stepResult{}, errors.PluginError(step.Plugin,
				fmt.Errorf("plugin did not stop within %s after cancellation", r.cfg.CancelGrace))
		}
	}
	<-collected
	sr.emittedCount = int64(len(sr.emitted))

	if rowErr != nil {
		return stepResult{}, rowErr
	}
	if invokeErr != nil {
		if ctx.Err() != nil {
			return stepResult{}, ctx.Err()
		}
		return stepResult{}, errors.PluginError(step.Plugin, invokeErr)
	}
	if ctx.Err() != nil {
		return stepResult{}, ctx.Err()
	}
	return sr, nil
}

// applyDefaults substitutes the step's configured defaults into the failed
// fields of a row. Without a default for a failed field (or without the row
// itself) the row cannot be repaired and is dropped like skip_row.
func applyDefaults(step *models.PipelineStep, re plugins.RowError) (plugins.Row, bool) {
	if re.Row == nil || len(step.Defaults) == 0 {
		return nil, false
	}
	patched := re.Row.Clone()
	fields := re.Fields
	if len(fields) == 0 {
		for f := range step.Defaults {
			fields = append(fields, f)
		}
	}
	for _, f := range fields {
		v, ok := step.Defaults[f]
		if !ok {
			return nil, false
		}
		patched[f] = v
	}
	return patched, true
}
