// Package planner expands a due schedule, a manual trigger or a retry
// request into a concrete execution with one pending task per DAG node. The
// execution and its tasks are persisted in one transaction before anything
// is dispatched, which is what makes crash recovery possible.
package planner

import (
	"context"
	"time"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/graph"
	"etl-engine/internal/models"
	"etl-engine/internal/storage"
)

// adHocNodeID names the synthetic meta-DAG node wrapping a single pipeline
// triggered outside any schedule.
const adHocNodeID = "pipeline"

// Service is the execution planner.
type Service struct {
	store  storage.Storage
	logger logging.Logger
}

// New creates a planner.
func New(store storage.Storage, logger logging.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// PlanSchedule expands a schedule's meta-DAG into a pending execution. Every
// referenced pipeline is resolved to its latest version and pinned on the
// task; the DAG and every pipeline's step graph are re-validated so a
// definition corrupted after save cannot reach the runner.
func (s *Service) PlanSchedule(ctx context.Context, sc *models.Schedule, trigger models.TriggerType, params map[string]interface{}) (*models.Execution, error) {
	if len(sc.DAG) == 0 {
		return nil, errors.ValidationError("schedule has no DAG nodes")
	}
	if _, err := graph.Validate(graph.ScheduleNodes(sc.DAG)); err != nil {
		return nil, err
	}

	pipelines := make(map[string]*models.Pipeline, len(sc.DAG))
	for _, node := range sc.DAG {
		if _, seen := pipelines[node.PipelineID]; seen {
			continue
		}
		p, err := s.resolvePipeline(node.PipelineID)
		if err != nil {
			return nil, err
		}
		pipelines[node.PipelineID] = p
	}

	execution := &models.Execution{
		ID:         utils.NewID(),
		ScheduleID: sc.ID,
		Status:     models.StatusPending,
		Trigger:    trigger,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
	}
	for _, node := range sc.DAG {
		p := pipelines[node.PipelineID]
		execution.Tasks = append(execution.Tasks, &models.TaskExecution{
			ID:              utils.NewID(),
			ExecutionID:     execution.ID,
			NodeID:          node.ID,
			NodeName:        node.DisplayName(),
			PipelineID:      p.ID,
			PipelineVersion: p.Version,
			DependsOn:       append([]string(nil), node.DependsOn...),
			TimeoutSeconds:  node.TimeoutSeconds,
			Retries:         node.Retries,
			Status:          models.StatusPending,
		})
	}

	return s.persist(ctx, execution, "planned from schedule "+sc.Name)
}

// PlanPipeline wraps one pipeline in a synthetic single-node meta-DAG for an
// ad-hoc run.
func (s *Service) PlanPipeline(ctx context.Context, pipelineID string, params map[string]interface{}) (*models.Execution, error) {
	p, err := s.resolvePipeline(pipelineID)
	if err != nil {
		return nil, err
	}

	execution := &models.Execution{
		ID:         utils.NewID(),
		PipelineID: p.ID,
		Status:     models.StatusPending,
		Trigger:    models.TriggerManual,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
	}
	execution.Tasks = []*models.TaskExecution{{
		ID:              utils.NewID(),
		ExecutionID:     execution.ID,
		NodeID:          adHocNodeID,
		NodeName:        p.Name,
		PipelineID:      p.ID,
		PipelineVersion: p.Version,
		Status:          models.StatusPending,
	}}

	return s.persist(ctx, execution, "planned ad-hoc run of pipeline "+p.Name)
}

// PlanRetry builds a new execution from a terminal one, restricted to the
// nodes that did not succeed plus everything downstream of them. Upstream
// successes are not re-run, so their side effects are not repeated. Pipeline
// versions stay pinned to what the source execution ran.
func (s *Service) PlanRetry(ctx context.Context, executionID string) (*models.Execution, error) {
	src, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if !src.Status.Terminal() {
		return nil, errors.ConflictError("execution is still in flight")
	}
	if src.Status == models.StatusSuccess {
		return nil, errors.ValidationError("execution succeeded, nothing to retry")
	}

	nodes := make([]graph.Node, 0, len(src.Tasks))
	var seeds []string
	for _, t := range src.Tasks {
		nodes = append(nodes, graph.Node{ID: t.NodeID, DependsOn: t.DependsOn})
		if t.Status != models.StatusSuccess {
			seeds = append(seeds, t.NodeID)
		}
	}
	if len(seeds) == 0 {
		return nil, errors.ValidationError("all tasks succeeded, nothing to retry")
	}

	subset := graph.NewDependencyIndex(nodes).DownstreamClosure(seeds)
	included := make(map[string]bool, len(subset))
	for _, id := range subset {
		included[id] = true
	}

	execution := &models.Execution{
		ID:         utils.NewID(),
		ScheduleID: src.ScheduleID,
		PipelineID: src.PipelineID,
		Status:     models.StatusPending,
		Trigger:    models.TriggerRetry,
		RetryOf:    src.ID,
		Params:     src.Params,
		CreatedAt:  time.Now().UTC(),
	}
	for _, t := range src.Tasks {
		if !included[t.NodeID] {
			continue
		}
		// Dependencies on excluded (already succeeded) nodes are dropped:
		// within the new execution they count as satisfied.
		var deps []string
		for _, dep := range t.DependsOn {
			if included[dep] {
				deps = append(deps, dep)
			}
		}
		execution.Tasks = append(execution.Tasks, &models.TaskExecution{
			ID:              utils.NewID(),
			ExecutionID:     execution.ID,
			NodeID:          t.NodeID,
			NodeName:        t.NodeName,
			PipelineID:      t.PipelineID,
			PipelineVersion: t.PipelineVersion,
			DependsOn:       deps,
			TimeoutSeconds:  t.TimeoutSeconds,
			Retries:         t.Retries,
			Status:          models.StatusPending,
		})
	}

	return s.persist(ctx, execution, "planned retry of execution "+src.ID)
}

// resolvePipeline loads the latest version and checks it is runnable.
func (s *Service) resolvePipeline(id string) (*models.Pipeline, error) {
	p, err := s.store.GetPipeline(id)
	if err != nil {
		return nil, err
	}
	if !p.Schedulable() {
		return nil, errors.ValidationError("pipeline " + p.Name + " is " + string(p.Status) + ", only active pipelines can run")
	}
	if _, err := graph.ValidateSteps(p.Steps); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) persist(ctx context.Context, e *models.Execution, note string) (*models.Execution, error) {
	if err := s.store.CreateExecution(e); err != nil {
		return nil, err
	}
	if err := s.store.AppendLog(&models.LogRecord{
		ExecutionID: e.ID,
		Level:       "info",
		Message:     note,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to append plan log", logging.String("execution_id", e.ID), logging.Err(err))
	}

	s.logger.WithContext(ctx).Info("execution planned",
		logging.String("execution_id", e.ID),
		logging.String("trigger", string(e.Trigger)),
		logging.Int("tasks", len(e.Tasks)))
	return e, nil
}
