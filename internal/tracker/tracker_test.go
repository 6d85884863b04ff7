package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/models"
	"etl-engine/internal/runner"
	"etl-engine/internal/storage"
	"etl-engine/internal/testutil"
)

// scriptedRunner returns pre-programmed results per node and attempt, and
// records the order in which nodes started.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string][]runner.TaskResult
	order   []string
	gates   map[string]chan struct{}
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		results: make(map[string][]runner.TaskResult),
		gates:   make(map[string]chan struct{}),
	}
}

// on programs the result for the node's next unprogrammed attempt.
func (r *scriptedRunner) on(node string, result runner.TaskResult) {
	r.results[node] = append(r.results[node], result)
}

// gate makes the node's run block until the returned channel is closed or
// the context is cancelled.
func (r *scriptedRunner) gate(node string) chan struct{} {
	ch := make(chan struct{})
	r.gates[node] = ch
	return ch
}

func (r *scriptedRunner) Run(ctx context.Context, task *models.TaskExecution, _ *models.Pipeline, _ map[string]interface{}) runner.TaskResult {
	r.mu.Lock()
	r.order = append(r.order, task.NodeID)
	gate := r.gates[task.NodeID]
	var result runner.TaskResult
	if queue := r.results[task.NodeID]; len(queue) > 0 {
		result = queue[0]
		r.results[task.NodeID] = queue[1:]
	} else {
		result = runner.TaskResult{Status: models.StatusSuccess, InputRows: 1, OutputRows: 1}
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return runner.TaskResult{Status: models.StatusCancelled, Err: ctx.Err()}
		}
	}
	return result
}

func (r *scriptedRunner) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newTracker(t *testing.T, store storage.Storage, script TaskRunner, failFast bool) *Tracker {
	t.Helper()
	return New(store, script, Config{
		WorkerPoolSize:    4,
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     100 * time.Millisecond,
		FailFast:          failFast,
		HeartbeatInterval: 50 * time.Millisecond,
		OrphanThreshold:   time.Minute,
	}, logging.NewDefaultLogger())
}

// seedDAG persists a pending execution over the given nodes and dependency
// edges. The test pipeline itself is irrelevant to the scripted runner but
// must resolve.
func seedDAG(t *testing.T, store storage.Storage, nodes []string, deps map[string][]string, retries map[string]int) *models.Execution {
	t.Helper()
	p := testutil.NewPipeline("seeded-pipe").Seed(t, store)

	id := utils.NewID()
	e := &models.Execution{
		ID:         id,
		ScheduleID: "sched-1",
		Status:     models.StatusPending,
		Trigger:    models.TriggerScheduled,
		CreatedAt:  time.Now().UTC(),
	}
	for _, node := range nodes {
		e.Tasks = append(e.Tasks, &models.TaskExecution{
			ID:              utils.NewID(),
			ExecutionID:     id,
			NodeID:          node,
			NodeName:        node,
			PipelineID:      p.ID,
			PipelineVersion: p.Version,
			DependsOn:       deps[node],
			Retries:         retries[node],
			Status:          models.StatusPending,
		})
	}
	require.NoError(t, store.CreateExecution(e))
	return e
}

// seedDiamond persists a pending execution over A -> [B, C] -> D.
func seedDiamond(t *testing.T, store storage.Storage, retries map[string]int) *models.Execution {
	t.Helper()
	deps := map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}}
	return seedDAG(t, store, []string{"a", "b", "c", "d"}, deps, retries)
}

func waitTerminal(t *testing.T, store storage.Storage, id string) *models.Execution {
	t.Helper()
	var e *models.Execution
	require.Eventually(t, func() bool {
		var err error
		e, err = store.GetExecution(id)
		return err == nil && e.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return e
}

func TestDiamondSucceedsAfterRetry(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	// A fails on attempt 1, succeeds on attempt 2 (retries=2).
	script.on("a", runner.TaskResult{Status: models.StatusFailed, Err: fmt.Errorf("transient extract failure")})
	script.on("a", runner.TaskResult{Status: models.StatusSuccess, InputRows: 10, OutputRows: 10})

	tr := newTracker(t, store, script, false)
	e := seedDiamond(t, store, map[string]int{"a": 2})
	require.NoError(t, tr.StartExecution(context.Background(), e))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusSuccess, final.Status)
	require.NotNil(t, final.FinishedAt)
	assert.GreaterOrEqual(t, final.DurationMS, int64(0))

	a, _ := final.Task("a")
	assert.Equal(t, 2, a.Attempt)
	assert.Equal(t, models.StatusSuccess, a.Status)
	for _, node := range []string{"b", "c", "d"} {
		task, ok := final.Task(node)
		require.True(t, ok)
		assert.Equal(t, models.StatusSuccess, task.Status, node)
		assert.Equal(t, 1, task.Attempt, node)
	}

	// Ordering invariant: nothing starts before all its dependencies
	// succeeded. A ran twice before B or C ever started; D started last.
	order := script.startOrder()
	require.Len(t, order, 5)
	assert.Equal(t, []string{"a", "a"}, order[:2])
	assert.Equal(t, "d", order[4])

	require.NoError(t, tr.Stop(context.Background()))
}

func TestDrainRetainsIndependentBranch(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	// B fails permanently (retries=0); C is slow but succeeds.
	script.on("b", runner.TaskResult{Status: models.StatusFailed, Err: fmt.Errorf("task exceeded 300s timeout")})
	cGate := script.gate("c")

	tr := newTracker(t, store, script, false)
	e := seedDiamond(t, store, map[string]int{})
	require.NoError(t, tr.StartExecution(context.Background(), e))

	// Wait until B has failed, then let C finish.
	require.Eventually(t, func() bool {
		got, err := store.GetExecution(e.ID)
		if err != nil {
			return false
		}
		b, _ := got.Task("b")
		return b.Status == models.StatusFailed
	}, 10*time.Second, 10*time.Millisecond)
	close(cGate)

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusFailed, final.Status)

	b, _ := final.Task("b")
	assert.Equal(t, models.StatusFailed, b.Status)
	assert.Contains(t, b.Error, "timeout")

	// C's result is retained even though the execution failed.
	c, _ := final.Task("c")
	assert.Equal(t, models.StatusSuccess, c.Status)

	// D can never run: its dependency B failed.
	d, _ := final.Task("d")
	assert.Equal(t, models.StatusCancelled, d.Status)
	assert.Contains(t, d.Error, "upstream task b")

	require.NoError(t, tr.Stop(context.Background()))
}

func TestFailFastCancelsSiblings(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	script.on("b", runner.TaskResult{Status: models.StatusFailed, Err: fmt.Errorf("boom")})
	script.gate("c") // C blocks until cancelled

	tr := newTracker(t, store, script, true)
	e := seedDiamond(t, store, map[string]int{})
	require.NoError(t, tr.StartExecution(context.Background(), e))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusFailed, final.Status)

	c, _ := final.Task("c")
	assert.Equal(t, models.StatusCancelled, c.Status, "running sibling is cancelled under fail_fast")
	d, _ := final.Task("d")
	assert.Equal(t, models.StatusCancelled, d.Status)

	require.NoError(t, tr.Stop(context.Background()))
}

func TestCancelExecution(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	script.gate("a") // A blocks until cancelled

	tr := newTracker(t, store, script, false)
	e := seedDiamond(t, store, map[string]int{"a": 3})
	require.NoError(t, tr.StartExecution(context.Background(), e))

	require.Eventually(t, func() bool {
		return len(script.startOrder()) == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Cancel(e.ID))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusCancelled, final.Status)
	for _, node := range []string{"a", "b", "c", "d"} {
		task, _ := final.Task(node)
		assert.Equal(t, models.StatusCancelled, task.Status, node)
	}

	// A cancelled execution is no longer in flight.
	assert.Error(t, tr.Cancel(e.ID))
	require.NoError(t, tr.Stop(context.Background()))
}

func TestStartExecutionRejectsTerminal(t *testing.T) {
	store := testutil.NewStore(t)
	tr := newTracker(t, store, newScriptedRunner(), false)

	e := &models.Execution{ID: utils.NewID(), Status: models.StatusSuccess}
	assert.Error(t, tr.StartExecution(context.Background(), e))
}

func TestStartExecutionRejectsDuplicate(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	script.gate("a")

	tr := newTracker(t, store, script, false)
	e := seedDiamond(t, store, map[string]int{})
	require.NoError(t, tr.StartExecution(context.Background(), e))
	assert.Error(t, tr.StartExecution(context.Background(), e))

	require.NoError(t, tr.Cancel(e.ID))
	waitTerminal(t, store, e.ID)
	require.NoError(t, tr.Stop(context.Background()))
}

func TestRecoverOrphans(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	tr := newTracker(t, store, script, false)

	// Simulate a crash: execution running, A mid-flight with a stale
	// heartbeat and retry budget left, the rest pending.
	e := seedDiamond(t, store, map[string]int{"a": 2})
	e.Status = models.StatusRunning
	started := time.Now().UTC().Add(-time.Hour)
	e.StartedAt = &started
	require.NoError(t, store.UpdateExecution(e))

	a, _ := e.Task("a")
	stale := time.Now().UTC().Add(-10 * time.Minute)
	a.Status = models.StatusRunning
	a.Attempt = 1
	a.StartedAt = &stale
	a.HeartbeatAt = &stale
	require.NoError(t, store.UpdateTask(a))

	require.NoError(t, tr.RecoverOrphans(context.Background()))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusSuccess, final.Status)

	// The orphaned attempt counts: A ran once before the crash and once
	// after recovery.
	recoveredA, _ := final.Task("a")
	assert.Equal(t, 2, recoveredA.Attempt)
	assert.Equal(t, models.StatusSuccess, recoveredA.Status)

	require.NoError(t, tr.Stop(context.Background()))
}

func TestRecoverOrphansExhaustedRetries(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	tr := newTracker(t, store, script, false)

	e := seedDiamond(t, store, map[string]int{})
	e.Status = models.StatusRunning
	require.NoError(t, store.UpdateExecution(e))

	a, _ := e.Task("a")
	a.Status = models.StatusRunning
	a.Attempt = 1
	require.NoError(t, store.UpdateTask(a)) // no heartbeat at all

	require.NoError(t, tr.RecoverOrphans(context.Background()))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusFailed, final.Status)

	recoveredA, _ := final.Task("a")
	assert.Equal(t, models.StatusFailed, recoveredA.Status)
	assert.Contains(t, recoveredA.Error, "orphaned")
	assert.Empty(t, script.startOrder(), "orphans are never silently resumed")

	require.NoError(t, tr.Stop(context.Background()))
}

func TestRecoverOrphansSkipsFreshHeartbeat(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	tr := newTracker(t, store, script, false)

	e := seedDiamond(t, store, map[string]int{})
	e.Status = models.StatusRunning
	require.NoError(t, store.UpdateExecution(e))

	a, _ := e.Task("a")
	fresh := time.Now().UTC()
	a.Status = models.StatusRunning
	a.Attempt = 1
	a.HeartbeatAt = &fresh
	require.NoError(t, store.UpdateTask(a))

	require.NoError(t, tr.RecoverOrphans(context.Background()))

	// Another live instance owns this execution; nothing was touched.
	assert.False(t, tr.Tracking(e.ID))
	got, err := store.GetExecution(e.ID)
	require.NoError(t, err)
	gotA, _ := got.Task("a")
	assert.Equal(t, models.StatusRunning, gotA.Status)
}

// chaosRunner executes scripted per-attempt outcomes with per-node latencies
// and keeps a serialized event log of every attempt start and completion, so
// tests can replay it and check ordering.
type chaosRunner struct {
	mu      sync.Mutex
	plan    map[string][]models.Status
	latency map[string]time.Duration
	events  []chaosEvent
}

type chaosEvent struct {
	kind   string // "start" or "done"
	node   string
	status models.Status
}

func (r *chaosRunner) Run(ctx context.Context, task *models.TaskExecution, _ *models.Pipeline, _ map[string]interface{}) runner.TaskResult {
	r.mu.Lock()
	r.events = append(r.events, chaosEvent{kind: "start", node: task.NodeID})
	status := models.StatusSuccess
	if queue := r.plan[task.NodeID]; len(queue) > 0 {
		status = queue[0]
		r.plan[task.NodeID] = queue[1:]
	}
	delay := r.latency[task.NodeID]
	r.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		status = models.StatusCancelled
	}

	result := runner.TaskResult{Status: status, InputRows: 1, OutputRows: 1}
	switch status {
	case models.StatusFailed:
		result.Err = fmt.Errorf("scripted failure on %s", task.NodeID)
	case models.StatusCancelled:
		result.Err = ctx.Err()
	}

	r.mu.Lock()
	r.events = append(r.events, chaosEvent{kind: "done", node: task.NodeID, status: result.Status})
	r.mu.Unlock()
	return result
}

func (r *chaosRunner) log() []chaosEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chaosEvent(nil), r.events...)
}

// TestRandomDAGsRespectDependencyOrdering generates random DAGs with
// randomized per-node latencies and outcomes (clean success, fail-then-
// succeed, permanent failure) and replays the attempt log to check that no
// task started before every one of its dependencies had succeeded.
func TestRandomDAGsRespectDependencyOrdering(t *testing.T) {
	for seed := int64(1); seed <= 12; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))

			n := 4 + rng.Intn(7)
			nodes := make([]string, n)
			for i := range nodes {
				nodes[i] = fmt.Sprintf("n%d", i)
			}
			// Edges only point forward, so the graph is acyclic by
			// construction.
			deps := make(map[string][]string)
			for j := 1; j < n; j++ {
				for i := 0; i < j; i++ {
					if rng.Float64() < 0.3 {
						deps[nodes[j]] = append(deps[nodes[j]], nodes[i])
					}
				}
			}

			script := &chaosRunner{
				plan:    make(map[string][]models.Status),
				latency: make(map[string]time.Duration),
			}
			retries := make(map[string]int)
			hasPermanentFailure := false
			for _, node := range nodes {
				script.latency[node] = time.Duration(rng.Intn(5)) * time.Millisecond
				switch roll := rng.Float64(); {
				case roll < 0.15:
					script.plan[node] = []models.Status{models.StatusFailed, models.StatusSuccess}
					retries[node] = 2
				case roll < 0.3:
					script.plan[node] = []models.Status{models.StatusFailed}
					retries[node] = 1
					hasPermanentFailure = true
				default:
					retries[node] = 1
				}
			}

			store := testutil.NewStore(t)
			tr := newTracker(t, store, script, false)
			e := seedDAG(t, store, nodes, deps, retries)
			require.NoError(t, tr.StartExecution(context.Background(), e))

			final := waitTerminal(t, store, e.ID)
			require.NoError(t, tr.Stop(context.Background()))

			if hasPermanentFailure {
				assert.Equal(t, models.StatusFailed, final.Status)
			} else {
				assert.Equal(t, models.StatusSuccess, final.Status)
			}

			succeeded := make(map[string]bool)
			for _, ev := range script.log() {
				switch ev.kind {
				case "start":
					for _, dep := range deps[ev.node] {
						assert.True(t, succeeded[dep],
							"node %s started before dependency %s succeeded", ev.node, dep)
					}
				case "done":
					if ev.status == models.StatusSuccess {
						succeeded[ev.node] = true
					}
				}
			}
		})
	}
}

func TestRetriesCapTotalAttempts(t *testing.T) {
	store := testutil.NewStore(t)
	script := newScriptedRunner()
	// Node A never succeeds: with retries=3 it must run exactly 3 attempts.
	for i := 0; i < 5; i++ {
		script.on("a", runner.TaskResult{Status: models.StatusFailed, Err: fmt.Errorf("persistent failure")})
	}

	tr := newTracker(t, store, script, false)
	e := seedDiamond(t, store, map[string]int{"a": 3, "b": 1, "c": 1, "d": 1})
	require.NoError(t, tr.StartExecution(context.Background(), e))

	final := waitTerminal(t, store, e.ID)
	assert.Equal(t, models.StatusFailed, final.Status)

	a, ok := final.Task("a")
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, 3, a.Attempt)

	attempts := 0
	for _, node := range script.startOrder() {
		if node == "a" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)

	require.NoError(t, tr.Stop(context.Background()))
}
