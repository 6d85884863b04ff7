package testutil

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"etl-engine/internal/common/utils"
	"etl-engine/internal/models"
	"etl-engine/internal/plugins"
	"etl-engine/internal/storage"
	"etl-engine/internal/storage/sqlite"
)

// NewStore opens a throwaway sqlite store under the test's temp dir.
func NewStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// NewRegistry builds a plugin registry from instances; every Get returns the
// same instance so tests can assert on captured state.
func NewRegistry(t *testing.T, instances ...plugins.Plugin) *plugins.Registry {
	t.Helper()
	registry := plugins.NewRegistry()
	for _, p := range instances {
		p := p
		require.NoError(t, registry.Register(p.Name(), func() plugins.Plugin { return p }))
	}
	return registry
}

// LogCapture is a runner.LogSink that records lines in memory.
type LogCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *LogCapture) Append(executionID, taskID, level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf("[%s] %s", level, message))
}

// Lines returns a copy of the captured lines.
func (c *LogCapture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// PipelineBuilder assembles pipeline fixtures.
type PipelineBuilder struct {
	p models.Pipeline
}

// NewPipeline starts an active single-version pipeline fixture.
func NewPipeline(name string) *PipelineBuilder {
	now := time.Now().UTC()
	return &PipelineBuilder{p: models.Pipeline{
		ID:        utils.NewID(),
		Name:      name,
		Version:   1,
		Status:    models.PipelineStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// Step appends a step.
func (b *PipelineBuilder) Step(step models.PipelineStep) *PipelineBuilder {
	b.p.Steps = append(b.p.Steps, step)
	return b
}

// Status overrides the pipeline status.
func (b *PipelineBuilder) Status(status models.PipelineStatus) *PipelineBuilder {
	b.p.Status = status
	return b
}

// Build returns the pipeline.
func (b *PipelineBuilder) Build() *models.Pipeline {
	p := b.p
	return &p
}

// Seed persists the pipeline and returns it.
func (b *PipelineBuilder) Seed(t *testing.T, store storage.Storage) *models.Pipeline {
	t.Helper()
	p := b.Build()
	require.NoError(t, store.CreatePipeline(p))
	return p
}

// Task builds a task execution fixture for runner tests.
func Task(nodeID string, timeoutSeconds int) *models.TaskExecution {
	return &models.TaskExecution{
		ID:             utils.NewID(),
		ExecutionID:    utils.NewID(),
		NodeID:         nodeID,
		NodeName:       nodeID,
		PipelineID:     utils.NewID(),
		TimeoutSeconds: timeoutSeconds,
		Status:         models.StatusRunning,
		Attempt:        1,
	}
}
