package sqlstore_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/models"
	"etl-engine/internal/storage/sqlite"
	"etl-engine/internal/storage/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPipeline(name string) *models.Pipeline {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Pipeline{
		ID:      utils.NewID(),
		Name:    name,
		Version: 1,
		Status:  models.PipelineStatusDraft,
		Steps: []models.PipelineStep{
			{ID: "pull", Type: models.StepTypeExtract, Plugin: "csv_reader", Config: json.RawMessage(`{"path":"/data/in.csv"}`), Output: "rows"},
			{ID: "push", Type: models.StepTypeLoad, Plugin: "csv_writer", Config: json.RawMessage(`{"path":"/data/out.csv"}`), Input: "rows"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testSchedule(name string, next *time.Time) *models.Schedule {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Schedule{
		ID:       utils.NewID(),
		Name:     name,
		CronExpr: "0 2 * * *",
		Timezone: "UTC",
		Enabled:  true,
		DAG: []models.DAGNode{
			{ID: "n1", Name: "ingest", PipelineID: "p1"},
			{ID: "n2", Name: "report", PipelineID: "p2", DependsOn: []string{"n1"}, Retries: 2},
		},
		NextRunAt: next,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPipelineVersioning(t *testing.T) {
	store := newStore(t)

	p := testPipeline("orders")
	require.NoError(t, store.CreatePipeline(p))

	got, err := store.GetPipeline(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Len(t, got.Steps, 2)
	assert.Equal(t, "csv_reader", got.Steps[0].Plugin)

	// Edits append versions; old versions stay readable.
	p.Steps[0].Output = "raw_rows"
	p.Steps[1].Input = "raw_rows"
	require.NoError(t, store.UpdatePipeline(p))
	assert.Equal(t, 2, p.Version)

	latest, err := store.GetPipeline(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "raw_rows", latest.Steps[0].Output)

	v1, err := store.GetPipelineVersion(p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "rows", v1.Steps[0].Output)

	byName, err := store.GetPipelineByName("orders")
	require.NoError(t, err)
	assert.Equal(t, 2, byName.Version)
}

func TestPipelineListAndStatus(t *testing.T) {
	store := newStore(t)

	a := testPipeline("alpha")
	b := testPipeline("beta")
	require.NoError(t, store.CreatePipeline(a))
	require.NoError(t, store.CreatePipeline(b))
	require.NoError(t, store.UpdatePipeline(a))

	// Listing collapses to one row per pipeline at its latest version.
	pipelines, total, err := store.ListPipelines(10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, pipelines, 2)
	assert.Equal(t, "alpha", pipelines[0].Name)
	assert.Equal(t, 2, pipelines[0].Version)

	require.NoError(t, store.SetPipelineStatus(a.ID, models.PipelineStatusActive))
	got, err := store.GetPipeline(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusActive, got.Status)

	require.NoError(t, store.DeletePipeline(a.ID))
	_, err = store.GetPipeline(a.ID)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	_, err = store.GetPipelineVersion(a.ID, 1)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestUpdateMissingPipeline(t *testing.T) {
	store := newStore(t)

	err := store.UpdatePipeline(testPipeline("ghost"))
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestScheduleRoundTrip(t *testing.T) {
	store := newStore(t)

	next := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	sc := testSchedule("nightly", &next)
	require.NoError(t, store.CreateSchedule(sc))

	got, err := store.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.CronExpr)
	require.Len(t, got.DAG, 2)
	assert.Equal(t, []string{"n1"}, got.DAG[1].DependsOn)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.Nil(t, got.LastRunAt)

	got.Enabled = false
	got.CronExpr = "30 3 * * *"
	require.NoError(t, store.UpdateSchedule(got))

	again, err := store.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.False(t, again.Enabled)
	assert.Equal(t, "30 3 * * *", again.CronExpr)

	require.NoError(t, store.DeleteSchedule(sc.ID))
	_, err = store.GetSchedule(sc.ID)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestListDueSchedules(t *testing.T) {
	store := newStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := testSchedule("due", &past)
	notYet := testSchedule("not-yet", &future)
	disabled := testSchedule("disabled", &past)
	disabled.Enabled = false
	unset := testSchedule("unset", nil)

	for _, sc := range []*models.Schedule{due, notYet, disabled, unset} {
		require.NoError(t, store.CreateSchedule(sc))
	}

	got, err := store.ListDueSchedules(now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestClaimScheduleCAS(t *testing.T) {
	store := newStore(t)

	occurrence := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	sc := testSchedule("nightly", &occurrence)
	require.NoError(t, store.CreateSchedule(sc))

	next := occurrence.Add(24 * time.Hour)
	firedAt := occurrence.Add(3 * time.Second)

	claimed, err := store.ClaimSchedule(sc.ID, occurrence, next, firedAt)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second evaluator racing on the same occurrence loses the swap.
	claimed, err = store.ClaimSchedule(sc.ID, occurrence, next, firedAt)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.GetSchedule(sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(firedAt))
}

func TestSetScheduleNextRun(t *testing.T) {
	store := newStore(t)

	sc := testSchedule("nightly", nil)
	require.NoError(t, store.CreateSchedule(sc))

	next := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetScheduleNextRun(sc.ID, &next))

	got, err := store.GetSchedule(sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	require.NoError(t, store.SetScheduleNextRun(sc.ID, nil))
	got, err = store.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func testExecution(scheduleID string) *models.Execution {
	id := utils.NewID()
	return &models.Execution{
		ID:         id,
		ScheduleID: scheduleID,
		Status:     models.StatusPending,
		Trigger:    models.TriggerScheduled,
		Params:     map[string]interface{}{"date": "2026-03-01"},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Tasks: []*models.TaskExecution{
			{ID: utils.NewID(), ExecutionID: id, NodeID: "n1", NodeName: "ingest", PipelineID: "p1", PipelineVersion: 1, Status: models.StatusPending, Retries: 1},
			{ID: utils.NewID(), ExecutionID: id, NodeID: "n2", NodeName: "report", PipelineID: "p2", PipelineVersion: 3, Status: models.StatusPending, DependsOn: []string{"n1"}},
		},
	}
}

func TestExecutionWithTasks(t *testing.T) {
	store := newStore(t)

	e := testExecution("sched-1")
	require.NoError(t, store.CreateExecution(e))

	got, err := store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "2026-03-01", got.Params["date"])
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, []string{"n1"}, got.Tasks[1].DependsOn)
	assert.Equal(t, 3, got.Tasks[1].PipelineVersion)

	// Task transition then execution transition, as the tracker writes them.
	task := got.Tasks[0]
	started := time.Now().UTC().Truncate(time.Second)
	task.Status = models.StatusRunning
	task.Attempt = 1
	task.StartedAt = &started
	require.NoError(t, store.UpdateTask(task))

	finished := started.Add(2 * time.Second)
	task.Status = models.StatusSuccess
	task.FinishedAt = &finished
	task.InputRows = 1000
	task.OutputRows = 995
	task.ErrorCount = 5
	require.NoError(t, store.UpdateTask(task))

	got.Status = models.StatusRunning
	got.StartedAt = &started
	require.NoError(t, store.UpdateExecution(got))

	reloaded, err := store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, reloaded.Status)
	n1, ok := reloaded.Task("n1")
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, n1.Status)
	assert.Equal(t, int64(1000), n1.InputRows)
	assert.Equal(t, int64(5), n1.ErrorCount)
	assert.Equal(t, 1, n1.Attempt)
}

func TestListExecutionsFilters(t *testing.T) {
	store := newStore(t)

	a := testExecution("sched-a")
	b := testExecution("sched-b")
	b.Status = models.StatusSuccess
	c := &models.Execution{
		ID:         utils.NewID(),
		PipelineID: "pipe-1",
		Status:     models.StatusFailed,
		Trigger:    models.TriggerManual,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	for _, e := range []*models.Execution{a, b, c} {
		require.NoError(t, store.CreateExecution(e))
	}

	all, total, err := store.ListExecutions(models.ExecutionFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	bySchedule, total, err := store.ListExecutions(models.ExecutionFilters{ScheduleID: "sched-a"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, bySchedule, 1)
	assert.Equal(t, a.ID, bySchedule[0].ID)

	byStatus, total, err := store.ListExecutions(models.ExecutionFilters{Status: models.StatusFailed}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byStatus, 1)
	assert.Equal(t, c.ID, byStatus[0].ID)

	byPipeline, _, err := store.ListExecutions(models.ExecutionFilters{PipelineID: "pipe-1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, byPipeline, 1)
	assert.Equal(t, models.TriggerManual, byPipeline[0].Trigger)
}

func TestListRunningExecutions(t *testing.T) {
	store := newStore(t)

	running := testExecution("sched-1")
	running.Status = models.StatusRunning
	done := testExecution("sched-2")
	done.Status = models.StatusSuccess
	require.NoError(t, store.CreateExecution(running))
	require.NoError(t, store.CreateExecution(done))

	got, err := store.ListRunningExecutions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
	assert.Len(t, got[0].Tasks, 2, "recovery needs the task lists loaded")
}

func TestTouchTaskHeartbeat(t *testing.T) {
	store := newStore(t)

	e := testExecution("sched-1")
	require.NoError(t, store.CreateExecution(e))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.TouchTaskHeartbeat(e.Tasks[0].ID, at))

	got, err := store.GetExecution(e.ID)
	require.NoError(t, err)
	n1, _ := got.Task("n1")
	require.NotNil(t, n1.HeartbeatAt)
	assert.True(t, n1.HeartbeatAt.Equal(at))
}

func TestLogs(t *testing.T) {
	store := newStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	for i, msg := range []string{"planned", "task started", "task finished"} {
		taskID := ""
		if i > 0 {
			taskID = "task-1"
		}
		require.NoError(t, store.AppendLog(&models.LogRecord{
			ExecutionID: "exec-1",
			TaskID:      taskID,
			Level:       "info",
			Message:     msg,
			CreatedAt:   now,
		}))
	}
	require.NoError(t, store.AppendLog(&models.LogRecord{
		ExecutionID: "exec-2", Level: "error", Message: "other execution", CreatedAt: now,
	}))

	records, total, err := store.ListLogs("exec-1", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, records, 3)
	assert.Equal(t, "planned", records[0].Message)
	assert.Equal(t, "task finished", records[2].Message)

	scoped, total, err := store.ListLogs("exec-1", "task-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, scoped, 2)
}

func TestGetStats(t *testing.T) {
	store := newStore(t)

	ok := testExecution("s")
	ok.Status = models.StatusSuccess
	bad := testExecution("s")
	bad.Status = models.StatusFailed
	live := testExecution("s")
	live.Status = models.StatusRunning
	old := testExecution("s")
	old.Status = models.StatusSuccess
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	for _, e := range []*models.Execution{ok, bad, live, old} {
		require.NoError(t, store.CreateExecution(e))
	}

	p := testPipeline("orders")
	p.Status = models.PipelineStatusActive
	require.NoError(t, store.CreatePipeline(p))
	require.NoError(t, store.CreateSchedule(testSchedule("nightly", nil)))

	stats, err := store.GetStats(time.Now().UTC().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalExecutions)
	assert.Equal(t, 1, stats.SuccessExecutions)
	assert.Equal(t, 1, stats.FailedExecutions)
	assert.Equal(t, 1, stats.RunningExecutions)
	assert.Equal(t, 1, stats.EnabledSchedules)
	assert.Equal(t, 1, stats.ActivePipelines)
}
