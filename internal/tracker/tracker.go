// Package tracker owns the execution state machine. All mutations of an
// execution and its tasks flow through one event loop per execution, which
// serializes transitions without locks while different executions proceed
// fully concurrently. Task slots come from one bounded worker pool shared
// across executions.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/models"
	"etl-engine/internal/runner"
	"etl-engine/internal/storage"
)

// TaskRunner executes one task attempt to a terminal result.
type TaskRunner interface {
	Run(ctx context.Context, task *models.TaskExecution, pipeline *models.Pipeline, params map[string]interface{}) runner.TaskResult
}

// Config tunes the tracker.
type Config struct {
	// WorkerPoolSize bounds concurrently running tasks across all executions
	WorkerPoolSize int
	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// FailFast cancels in-flight siblings on the first permanent task
	// failure instead of draining independent branches
	FailFast bool
	// HeartbeatInterval is how often running tasks stamp heartbeat_at
	HeartbeatInterval time.Duration
	// OrphanThreshold is the heartbeat age beyond which a running task found
	// at startup is treated as dead
	OrphanThreshold time.Duration
}

// Tracker drives executions from pending to a terminal status.
type Tracker struct {
	store  storage.Storage
	runner TaskRunner
	cfg    Config
	logger logging.Logger

	pool chan struct{}

	mu    sync.Mutex
	execs map[string]*execState
	wg    sync.WaitGroup
}

// New creates a tracker.
func New(store storage.Storage, taskRunner TaskRunner, cfg Config, logger logging.Logger) *Tracker {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	return &Tracker{
		store:  store,
		runner: taskRunner,
		cfg:    cfg,
		logger: logger,
		pool:   make(chan struct{}, cfg.WorkerPoolSize),
		execs:  make(map[string]*execState),
	}
}

type eventKind int

const (
	evResult eventKind = iota
	evRetry
	evCancel
)

type event struct {
	kind   eventKind
	taskID string
	result runner.TaskResult
}

type execState struct {
	e *models.Execution

	// loopCtx bounds the event loop; taskCtx bounds running tasks and is
	// cancelled separately so cancellation results can still reach the loop.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc

	events chan event

	// loop-owned state, never touched outside the event loop
	pipelines       map[string]*models.Pipeline
	cancelRequested bool
}

func (st *execState) send(ev event) {
	select {
	case st.events <- ev:
	case <-st.loopCtx.Done():
	}
}

// StartExecution takes ownership of a persisted execution and drives it to a
// terminal status. It also resumes executions reloaded by crash recovery:
// any eligible pending task is dispatched, and an execution whose tasks are
// already all terminal is finalized immediately.
func (t *Tracker) StartExecution(ctx context.Context, e *models.Execution) error {
	if e.Status.Terminal() {
		return errors.ConflictError("execution is already terminal")
	}

	t.mu.Lock()
	if _, exists := t.execs[e.ID]; exists {
		t.mu.Unlock()
		return errors.ConflictError("execution is already being tracked")
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(loopCtx)
	st := &execState{
		e:          e,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		events:     make(chan event, 2*len(e.Tasks)+8),
		pipelines:  make(map[string]*models.Pipeline),
	}
	t.execs[e.ID] = st
	t.mu.Unlock()

	if e.Status == models.StatusPending {
		now := time.Now().UTC()
		e.Status = models.StatusRunning
		e.StartedAt = &now
		if err := t.store.UpdateExecution(e); err != nil {
			t.drop(st)
			return err
		}
	}

	t.wg.Add(1)
	go t.loop(st)
	return nil
}

// Cancel requests cancellation of an in-flight execution. Running tasks are
// signalled cooperatively; pending tasks never start.
func (t *Tracker) Cancel(executionID string) error {
	t.mu.Lock()
	st, ok := t.execs[executionID]
	t.mu.Unlock()
	if !ok {
		return errors.ConflictError("execution is not in flight")
	}
	st.send(event{kind: evCancel})
	return nil
}

// Tracking reports whether the execution is currently owned by this tracker.
func (t *Tracker) Tracking(executionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.execs[executionID]
	return ok
}

// Stop signals every running task to cancel and waits for all event loops to
// finish, bounded by the context.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	for _, st := range t.execs {
		st.taskCancel()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) drop(st *execState) {
	st.taskCancel()
	st.loopCancel()
	t.mu.Lock()
	delete(t.execs, st.e.ID)
	t.mu.Unlock()
}

// loop is the single writer for one execution.
func (t *Tracker) loop(st *execState) {
	defer t.wg.Done()
	defer t.drop(st)

	logger := t.logger.WithFields(logging.String("execution_id", st.e.ID))

	// A resumed execution may already carry terminal failures, so the doomed
	// sweep runs before the first wait as well.
	t.dispatchEligible(st, logger)
	t.cancelDoomedTasks(st, logger)
	if t.finalizeIfDone(st, logger) {
		return
	}

	for {
		select {
		case ev := <-st.events:
			switch ev.kind {
			case evResult:
				t.handleResult(st, ev, logger)
			case evRetry:
				t.handleRetry(st, ev.taskID, logger)
			case evCancel:
				t.handleCancel(st, logger)
			}
			if t.finalizeIfDone(st, logger) {
				return
			}
		case <-st.loopCtx.Done():
			return
		}
	}
}

// dispatchEligible starts every pending task whose dependencies have all
// succeeded. Called after each transition; push-driven, never polled.
func (t *Tracker) dispatchEligible(st *execState, logger logging.Logger) {
	for _, task := range st.e.Tasks {
		if task.Status != models.StatusPending || st.cancelRequested {
			continue
		}
		if !t.depsSatisfied(st, task) {
			continue
		}
		t.dispatch(st, task, logger)
	}
}

func (t *Tracker) depsSatisfied(st *execState, task *models.TaskExecution) bool {
	for _, dep := range task.DependsOn {
		depTask, ok := st.e.Task(dep)
		if !ok || depTask.Status != models.StatusSuccess {
			return false
		}
	}
	return true
}

func (t *Tracker) dispatch(st *execState, task *models.TaskExecution, logger logging.Logger) {
	pipeline, err := t.pipelineFor(st, task)
	if err != nil {
		// The pinned version is gone; no retry can fix that.
		logger.Error("cannot resolve pinned pipeline for task", err,
			logging.String("task_id", task.ID), logging.String("node", task.NodeID))
		now := time.Now().UTC()
		task.Status = models.StatusFailed
		task.FinishedAt = &now
		task.Error = err.Error()
		t.persistTask(task, logger)
		t.onPermanentFailure(st, task, logger)
		t.cancelDoomedTasks(st, logger)
		return
	}

	now := time.Now().UTC()
	task.Status = models.StatusRunning
	task.Attempt++
	task.StartedAt = &now
	task.HeartbeatAt = &now
	task.Error = ""
	if err := t.store.UpdateTask(task); err != nil {
		logger.Error("failed to persist task start", err, logging.String("task_id", task.ID))
	}

	logger.Info("task dispatched",
		logging.String("task_id", task.ID),
		logging.String("node", task.NodeID),
		logging.Int("attempt", task.Attempt))

	taskCopy := *task
	go t.runTask(st, &taskCopy, pipeline)
}

// runTask executes one attempt on a pool slot, heartbeating while it runs.
func (t *Tracker) runTask(st *execState, task *models.TaskExecution, pipeline *models.Pipeline) {
	select {
	case t.pool <- struct{}{}:
	case <-st.taskCtx.Done():
		st.send(event{kind: evResult, taskID: task.ID, result: runner.TaskResult{
			Status: models.StatusCancelled,
			Err:    errors.CancelledError("task cancelled while queued"),
		}})
		return
	}
	defer func() { <-t.pool }()

	stopBeat := make(chan struct{})
	go t.heartbeat(task.ID, stopBeat)
	defer close(stopBeat)

	// Tag the context so everything downstream logs with correlation ids.
	ctx := logging.ContextWithExecution(st.taskCtx, st.e.ID, task.ID)
	result := t.runner.Run(ctx, task, pipeline, st.e.Params)
	st.send(event{kind: evResult, taskID: task.ID, result: result})
}

func (t *Tracker) heartbeat(taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.store.TouchTaskHeartbeat(taskID, time.Now().UTC()); err != nil {
				t.logger.Warn("failed to touch heartbeat", logging.String("task_id", taskID), logging.Err(err))
			}
		}
	}
}

func (t *Tracker) pipelineFor(st *execState, task *models.TaskExecution) (*models.Pipeline, error) {
	key := fmt.Sprintf("%s@%d", task.PipelineID, task.PipelineVersion)
	if p, ok := st.pipelines[key]; ok {
		return p, nil
	}
	p, err := t.store.GetPipelineVersion(task.PipelineID, task.PipelineVersion)
	if err != nil {
		return nil, err
	}
	st.pipelines[key] = p
	return p, nil
}

func (t *Tracker) handleResult(st *execState, ev event, logger logging.Logger) {
	task := findTask(st.e, ev.taskID)
	if task == nil {
		return
	}
	t.transitionTask(st, task, ev.result, logger)
}

// transitionTask applies one attempt's outcome: success unblocks dependents,
// a retryable failure goes back to pending with backoff, a permanent failure
// triggers the failure policy.
func (t *Tracker) transitionTask(st *execState, task *models.TaskExecution, result runner.TaskResult, logger logging.Logger) {
	now := time.Now().UTC()
	task.InputRows = result.InputRows
	task.OutputRows = result.OutputRows
	task.ErrorCount = result.ErrorCount
	if result.Err != nil {
		task.Error = result.Err.Error()
	}

	switch result.Status {
	case models.StatusSuccess:
		task.Status = models.StatusSuccess
		task.FinishedAt = &now
		t.persistTask(task, logger)
		t.dispatchEligible(st, logger)

	case models.StatusCancelled:
		task.Status = models.StatusCancelled
		task.FinishedAt = &now
		t.persistTask(task, logger)

	default:
		if task.Attempt < task.Retries && !st.cancelRequested {
			// Back to pending; the attempt counter survives so the backoff
			// grows and the retry budget is honored.
			delay := utils.BackoffDelay(t.cfg.RetryBaseDelay, 2, task.Attempt-1, t.cfg.RetryMaxDelay)
			task.Status = models.StatusPending
			t.persistTask(task, logger)
			logger.Warn("task failed, retrying",
				logging.String("task_id", task.ID),
				logging.String("node", task.NodeID),
				logging.Int("attempt", task.Attempt),
				logging.Duration("backoff", delay))
			taskID := task.ID
			time.AfterFunc(delay, func() {
				st.send(event{kind: evRetry, taskID: taskID})
			})
			return
		}

		task.Status = models.StatusFailed
		task.FinishedAt = &now
		t.persistTask(task, logger)
		t.onPermanentFailure(st, task, logger)
	}

	t.cancelDoomedTasks(st, logger)
}

func (t *Tracker) handleRetry(st *execState, taskID string, logger logging.Logger) {
	task := findTask(st.e, taskID)
	if task == nil || task.Status != models.StatusPending || st.cancelRequested {
		return
	}
	// Dependencies were satisfied before the first attempt and successes are
	// immutable, so the retry dispatches directly.
	t.dispatch(st, task, logger)
}

// onPermanentFailure applies the failure policy. Drain keeps independent
// branches running for diagnostic value; fail-fast cancels everything still
// in flight.
func (t *Tracker) onPermanentFailure(st *execState, task *models.TaskExecution, logger logging.Logger) {
	draining := 0
	for _, sibling := range st.e.Tasks {
		if sibling.Status == models.StatusRunning || sibling.Status == models.StatusPending {
			draining++
		}
	}
	logger.Error("task failed permanently", fmt.Errorf("%s", task.Error),
		logging.String("task_id", task.ID),
		logging.String("node", task.NodeID),
		logging.Int("attempts", task.Attempt),
		logging.Int("siblings_draining", draining))

	if t.cfg.FailFast {
		st.taskCancel()
		now := time.Now().UTC()
		for _, sibling := range st.e.Tasks {
			if sibling.Status == models.StatusPending {
				sibling.Status = models.StatusCancelled
				sibling.FinishedAt = &now
				t.persistTask(sibling, logger)
			}
		}
	}
}

// cancelDoomedTasks cancels pending tasks that can never run because a
// transitive dependency finished without success.
func (t *Tracker) cancelDoomedTasks(st *execState, logger logging.Logger) {
	changed := true
	for changed {
		changed = false
		for _, task := range st.e.Tasks {
			if task.Status != models.StatusPending {
				continue
			}
			for _, dep := range task.DependsOn {
				depTask, ok := st.e.Task(dep)
				if ok && depTask.Status.Terminal() && depTask.Status != models.StatusSuccess {
					now := time.Now().UTC()
					task.Status = models.StatusCancelled
					task.FinishedAt = &now
					task.Error = "upstream task " + dep + " did not succeed"
					t.persistTask(task, logger)
					changed = true
					break
				}
			}
		}
	}
}

func (t *Tracker) handleCancel(st *execState, logger logging.Logger) {
	if st.cancelRequested {
		return
	}
	st.cancelRequested = true
	logger.Info("execution cancellation requested")

	now := time.Now().UTC()
	for _, task := range st.e.Tasks {
		if task.Status == models.StatusPending {
			task.Status = models.StatusCancelled
			task.FinishedAt = &now
			t.persistTask(task, logger)
		}
	}
	st.taskCancel()
}

// finalizeIfDone derives the execution's terminal status once every task is
// terminal. Success requires every task to have succeeded; an explicit
// cancel overrides; anything else is a failure.
func (t *Tracker) finalizeIfDone(st *execState, logger logging.Logger) bool {
	allSuccess := true
	for _, task := range st.e.Tasks {
		if !task.Status.Terminal() {
			return false
		}
		if task.Status != models.StatusSuccess {
			allSuccess = false
		}
	}

	now := time.Now().UTC()
	switch {
	case allSuccess:
		st.e.Status = models.StatusSuccess
	case st.cancelRequested:
		st.e.Status = models.StatusCancelled
	default:
		st.e.Status = models.StatusFailed
	}
	st.e.FinishedAt = &now
	if st.e.StartedAt != nil {
		st.e.DurationMS = now.Sub(*st.e.StartedAt).Milliseconds()
	}
	if err := t.store.UpdateExecution(st.e); err != nil {
		logger.Error("failed to persist terminal execution", err)
	}

	t.appendLog(st.e.ID, "", levelFor(st.e.Status),
		fmt.Sprintf("execution finished with status %s after %dms", st.e.Status, st.e.DurationMS))
	logger.Info("execution finished",
		logging.String("status", string(st.e.Status)),
		logging.String("duration", utils.FormatDuration(time.Duration(st.e.DurationMS)*time.Millisecond)))
	return true
}

func levelFor(status models.Status) string {
	if status == models.StatusSuccess {
		return "info"
	}
	return "error"
}

func (t *Tracker) persistTask(task *models.TaskExecution, logger logging.Logger) {
	if err := t.store.UpdateTask(task); err != nil {
		logger.Error("failed to persist task transition", err, logging.String("task_id", task.ID))
	}
}

func (t *Tracker) appendLog(executionID, taskID, level, message string) {
	err := t.store.AppendLog(&models.LogRecord{
		ExecutionID: executionID,
		TaskID:      taskID,
		Level:       level,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.logger.Warn("failed to append execution log", logging.Err(err))
	}
}

func findTask(e *models.Execution, taskID string) *models.TaskExecution {
	for _, task := range e.Tasks {
		if task.ID == taskID {
			return task
		}
	}
	return nil
}

// RecoverOrphans resumes non-terminal executions after a restart. A task
// left running with a missing or stale heartbeat is treated as a failed
// attempt, never silently resumed; the usual retry rules then apply.
func (t *Tracker) RecoverOrphans(ctx context.Context) error {
	executions, err := t.store.ListRunningExecutions()
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-t.cfg.OrphanThreshold)
	for _, e := range executions {
		skip := false
		for _, task := range e.Tasks {
			if task.Status != models.StatusRunning {
				continue
			}
			if task.HeartbeatAt != nil && task.HeartbeatAt.After(cutoff) {
				// A live instance still owns this task; leave the execution
				// alone.
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		for _, task := range e.Tasks {
			if task.Status != models.StatusRunning {
				continue
			}
			if task.Attempt < task.Retries {
				task.Status = models.StatusPending
				task.Error = "attempt orphaned by process restart"
			} else {
				now := time.Now().UTC()
				task.Status = models.StatusFailed
				task.FinishedAt = &now
				task.Error = "task orphaned by process restart, retries exhausted"
			}
			if err := t.store.UpdateTask(task); err != nil {
				t.logger.Error("failed to persist orphan transition", err, logging.String("task_id", task.ID))
			}
		}

		t.logger.Info("recovering execution after restart",
			logging.String("execution_id", e.ID),
			logging.Int("tasks", len(e.Tasks)))
		t.appendLog(e.ID, "", "warn", "execution recovered after process restart")

		if err := t.StartExecution(ctx, e); err != nil {
			t.logger.Error("failed to resume execution", err, logging.String("execution_id", e.ID))
		}
	}
	return nil
}
