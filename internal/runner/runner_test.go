package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-engine/internal/circuitbreaker"
	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/models"
	"etl-engine/internal/plugins"
	"etl-engine/internal/testutil"
)

func newRunner(t *testing.T, cfg Config, instances ...plugins.Plugin) (*Runner, *testutil.LogCapture) {
	t.Helper()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 200 * time.Millisecond
	}
	if cfg.StepParallelism == 0 {
		cfg.StepParallelism = 4
	}
	logger := logging.NewDefaultLogger()
	logs := &testutil.LogCapture{}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{MaxFailures: 100, Timeout: time.Minute, MaxConcurrentRequests: 16}, logger)
	return New(testutil.NewRegistry(t, instances...), breakers, cfg, logs, logger), logs
}

func TestRunLinearPipeline(t *testing.T) {
	sink := &testutil.SinkPlugin{}
	r, logs := newRunner(t, Config{}, &testutil.GeneratorPlugin{}, sink)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":10}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "raw"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.NoError(t, result.Err)
	assert.Equal(t, int64(10), result.InputRows)
	assert.Equal(t, int64(10), result.OutputRows)
	assert.Equal(t, int64(0), result.ErrorCount)
	assert.Len(t, sink.Rows(), 10)
	assert.NotEmpty(t, logs.Lines())
}

func TestRunSkipRowPolicy(t *testing.T) {
	// 1000 rows, every 200th rejected by the transform: 5 row errors,
	// <=995 rows out, task still succeeds.
	sink := &testutil.SinkPlugin{}
	r, _ := newRunner(t, Config{}, &testutil.GeneratorPlugin{}, &testutil.PassThroughPlugin{}, sink)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":1000}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "filter", Type: models.StepTypeTransform, Plugin: "passthrough",
			Config: json.RawMessage(`{"reject_every":200}`), Input: "raw", Output: "clean",
			OnError: models.OnErrorSkipRow}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "clean"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, int64(1000), result.InputRows)
	assert.Equal(t, int64(5), result.ErrorCount)
	assert.Equal(t, int64(995), result.OutputRows)
	assert.Len(t, sink.Rows(), 995)
}

func TestRunDefaultValuePolicy(t *testing.T) {
	sink := &testutil.SinkPlugin{}
	r, _ := newRunner(t, Config{}, &testutil.GeneratorPlugin{}, &testutil.PassThroughPlugin{}, sink)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":10}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "repair", Type: models.StepTypeTransform, Plugin: "passthrough",
			Config: json.RawMessage(`{"reject_every":5,"reject_fields":["value"]}`), Input: "raw", Output: "clean",
			OnError: models.OnErrorDefaultValue, Defaults: map[string]interface{}{"value": "unknown"}}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "clean"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, int64(2), result.ErrorCount)
	// Repaired rows continue downstream instead of being dropped.
	assert.Equal(t, int64(10), result.OutputRows)

	repaired := 0
	for _, row := range sink.Rows() {
		if row["value"] == "unknown" {
			repaired++
		}
	}
	assert.Equal(t, 2, repaired)
}

func TestRunFailPolicyAbortsTask(t *testing.T) {
	r, _ := newRunner(t, Config{}, &testutil.GeneratorPlugin{}, &testutil.SinkPlugin{})

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator",
			Config: json.RawMessage(`{"rows":100,"bad_rows":[3]}`), Output: "raw",
			OnError: models.OnErrorFail}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "raw"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "malformed source row 3")
}

func TestRunTimeout(t *testing.T) {
	blocking := &testutil.BlockingPlugin{}
	r, _ := newRunner(t, Config{CancelGrace: 500 * time.Millisecond}, blocking)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "blocking", Config: json.RawMessage(`{}`), Output: "raw"}).
		Build()

	task := testutil.Task("n1", 1) // 1 second timeout
	start := time.Now()
	result := r.Run(context.Background(), task, pipeline, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.True(t, errors.IsType(result.Err, errors.ErrTypeTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancellation(t *testing.T) {
	blocking := &testutil.BlockingPlugin{Started: make(chan struct{})}
	r, _ := newRunner(t, Config{}, blocking)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "blocking", Config: json.RawMessage(`{}`), Output: "raw"}).
		Build()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocking.Started
		cancel()
	}()

	result := r.Run(ctx, testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusCancelled, result.Status)
	assert.True(t, errors.IsType(result.Err, errors.ErrTypeCancelled))
}

func TestRunForceFailsPluginIgnoringCancel(t *testing.T) {
	blocking := &testutil.BlockingPlugin{
		IgnoreCancel: true,
		HangFor:      10 * time.Second,
		Started:      make(chan struct{}),
	}
	r, logs := newRunner(t, Config{CancelGrace: 100 * time.Millisecond}, blocking)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "blocking", Config: json.RawMessage(`{}`), Output: "raw"}).
		Build()

	task := testutil.Task("n1", 1)
	start := time.Now()
	result := r.Run(context.Background(), task, pipeline, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Less(t, time.Since(start), 5*time.Second, "runner must not wait out the hanging plugin")

	found := false
	for _, line := range logs.Lines() {
		if strings.Contains(line, "ignored cancellation") {
			found = true
		}
	}
	assert.True(t, found, "force-fail should be logged")
}

func TestRunParallelSteps(t *testing.T) {
	sinkA := &testutil.SinkPlugin{}
	r, _ := newRunner(t, Config{StepParallelism: 2}, &testutil.GeneratorPlugin{}, &testutil.PassThroughPlugin{}, sinkA)

	// Two parallel transforms over the same extract output, merged into one
	// load via a shared port.
	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":50}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "t1", Type: models.StepTypeTransform, Plugin: "passthrough", Config: json.RawMessage(`{}`), Input: "raw", Output: "clean", Parallel: true}).
		Step(models.PipelineStep{ID: "t2", Type: models.StepTypeTransform, Plugin: "passthrough", Config: json.RawMessage(`{}`), Input: "raw", Output: "clean", Parallel: true}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "clean"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, int64(50), result.InputRows)
	// Both transforms see all 50 rows, so the load receives 100.
	assert.Equal(t, int64(100), result.OutputRows)
	assert.Len(t, sinkA.Rows(), 100)
}

func TestRunUnknownPlugin(t *testing.T) {
	r, _ := newRunner(t, Config{})

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "missing", Config: json.RawMessage(`{}`), Output: "raw"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.True(t, errors.IsType(result.Err, errors.ErrTypeNotFound))
}

func TestRunRejectsBrokenStepGraph(t *testing.T) {
	r, _ := newRunner(t, Config{}, &testutil.GeneratorPlugin{})

	// Load consumes a port nothing produces.
	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":1}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "nowhere"}).
		Build()

	result := r.Run(context.Background(), testutil.Task("n1", 0), pipeline, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.True(t, errors.IsType(result.Err, errors.ErrTypeValidation))
}

// syncBuffer is a goroutine-safe log sink for asserting on emitted lines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunLogsCarryCorrelationIDs(t *testing.T) {
	out := &syncBuffer{}
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.InfoLevel, Output: out})
	require.NoError(t, err)

	sink := &testutil.SinkPlugin{}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{MaxFailures: 100, Timeout: time.Minute, MaxConcurrentRequests: 16}, logger)
	r := New(testutil.NewRegistry(t, &testutil.GeneratorPlugin{}, sink), breakers,
		Config{DefaultTimeout: 5 * time.Second, CancelGrace: 200 * time.Millisecond, StepParallelism: 4},
		&testutil.LogCapture{}, logger)

	pipeline := testutil.NewPipeline("etl").
		Step(models.PipelineStep{ID: "pull", Type: models.StepTypeExtract, Plugin: "generator", Config: json.RawMessage(`{"rows":1}`), Output: "raw"}).
		Step(models.PipelineStep{ID: "store", Type: models.StepTypeLoad, Plugin: "sink", Config: json.RawMessage(`{}`), Input: "raw"}).
		Build()

	ctx := logging.ContextWithExecution(context.Background(), "exec-42", "task-7")
	result := r.Run(ctx, testutil.Task("n1", 0), pipeline, nil)

	require.Equal(t, models.StatusSuccess, result.Status)
	assert.Contains(t, out.String(), "exec-42")
	assert.Contains(t, out.String(), "task-7")
}
