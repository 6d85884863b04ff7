// Package scheduler is the trigger service. A single tick loop evaluates due
// schedules, claims each occurrence with a compare-and-swap on next_run_at
// and hands the claimed occurrence to the planner. Manual triggers for
// schedules and single pipelines enter through the same service.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/models"
	"etl-engine/internal/storage"
)

// Planner builds and persists executions.
type Planner interface {
	PlanSchedule(ctx context.Context, sc *models.Schedule, trigger models.TriggerType, params map[string]interface{}) (*models.Execution, error)
	PlanPipeline(ctx context.Context, pipelineID string, params map[string]interface{}) (*models.Execution, error)
}

// Dispatcher takes ownership of a persisted execution and runs it.
type Dispatcher interface {
	StartExecution(ctx context.Context, e *models.Execution) error
}

// Service owns the cron evaluation loop.
type Service struct {
	store      storage.Storage
	planner    Planner
	dispatcher Dispatcher
	clock      clockwork.Clock
	tick       time.Duration
	logger     logging.Logger

	mu       sync.Mutex
	lastTick time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a trigger service. Pass a fake clock in tests.
func New(store storage.Storage, planner Planner, dispatcher Dispatcher, clock clockwork.Clock, tick time.Duration, logger logging.Logger) *Service {
	return &Service{
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		clock:      clock,
		tick:       tick,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the tick loop. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the tick loop and waits for it to exit. In-flight executions
// are not touched; they belong to the tracker.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// LastTick reports when the loop last evaluated schedules, for health checks.
func (s *Service) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("trigger service started", logging.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.evaluate(ctx)
		}
	}
}

// evaluate claims and fires every due schedule once.
func (s *Service) evaluate(ctx context.Context) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	due, err := s.store.ListDueSchedules(now)
	if err != nil {
		s.logger.Error("failed to list due schedules", err)
		return
	}

	for _, sc := range due {
		if err := s.fire(ctx, sc, now); err != nil {
			s.logger.Error("failed to fire schedule", err,
				logging.String("schedule_id", sc.ID),
				logging.String("schedule_name", sc.Name))
		}
	}
}

// fire claims one due schedule and plans an execution for its most recent
// missed occurrence. Losing the claim is not an error; another evaluator on
// the same database won the occurrence.
func (s *Service) fire(ctx context.Context, sc *models.Schedule, now time.Time) error {
	if sc.NextRunAt == nil {
		return nil
	}
	expected := sc.NextRunAt.UTC()

	sched, loc, err := parseCron(sc.CronExpr, sc.Timezone)
	if err != nil {
		// A schedule that no longer parses must not wedge the loop; park it.
		s.logger.Error("schedule has invalid cron, disabling next run", err,
			logging.String("schedule_id", sc.ID))
		return s.store.SetScheduleNextRun(sc.ID, nil)
	}

	fireFor, newNext := catchUp(sched, loc, expected, now)
	if !fireFor.Equal(expected) {
		s.logger.Warn("schedule missed occurrences, firing most recent only",
			logging.String("schedule_id", sc.ID),
			logging.Time("stored_next", expected),
			logging.Time("firing_for", fireFor))
	}

	claimed, err := s.store.ClaimSchedule(sc.ID, expected, newNext, now)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Debug("schedule already claimed",
			logging.String("schedule_id", sc.ID),
			logging.Time("occurrence", expected))
		return nil
	}

	execution, err := s.planner.PlanSchedule(ctx, sc, models.TriggerScheduled, nil)
	if err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		logging.String("schedule_id", sc.ID),
		logging.String("schedule_name", sc.Name),
		logging.String("execution_id", execution.ID),
		logging.Time("occurrence", fireFor),
		logging.Time("next_run", newNext))

	return s.dispatcher.StartExecution(ctx, execution)
}

// TriggerSchedule plans and dispatches a manual run of a schedule. It works
// on disabled schedules and does not touch next_run_at.
func (s *Service) TriggerSchedule(ctx context.Context, id string, params map[string]interface{}) (*models.Execution, error) {
	sc, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}

	execution, err := s.planner.PlanSchedule(ctx, sc, models.TriggerManual, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("schedule triggered manually",
		logging.String("schedule_id", sc.ID),
		logging.String("execution_id", execution.ID))

	if err := s.dispatcher.StartExecution(ctx, execution); err != nil {
		return nil, err
	}
	// The dispatched execution is owned by the tracker from here on; hand the
	// caller its own snapshot.
	return s.store.GetExecution(execution.ID)
}

// TriggerPipeline plans and dispatches an ad-hoc run of a single pipeline
// outside any schedule.
func (s *Service) TriggerPipeline(ctx context.Context, pipelineID string, params map[string]interface{}) (*models.Execution, error) {
	execution, err := s.planner.PlanPipeline(ctx, pipelineID, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pipeline triggered manually",
		logging.String("pipeline_id", pipelineID),
		logging.String("execution_id", execution.ID))

	if err := s.dispatcher.StartExecution(ctx, execution); err != nil {
		return nil, err
	}
	return s.store.GetExecution(execution.ID)
}

// Reschedule recomputes next_run_at after a create, edit or enable. Disabled
// schedules get a cleared next_run_at so the due query skips them.
func (s *Service) Reschedule(sc *models.Schedule) error {
	if !sc.Enabled {
		return s.store.SetScheduleNextRun(sc.ID, nil)
	}
	next, err := NextRun(sc.CronExpr, sc.Timezone, s.clock.Now())
	if err != nil {
		return errors.ValidationError("cannot schedule: " + err.Error())
	}
	return s.store.SetScheduleNextRun(sc.ID, &next)
}
