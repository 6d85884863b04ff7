// Package app wires the engine together: storage, plugin registry, runner,
// tracker, planner, scheduler and the HTTP surface.
package app

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"etl-engine/internal/circuitbreaker"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/validation"
	"etl-engine/internal/config"
	"etl-engine/internal/planner"
	"etl-engine/internal/plugins"
	"etl-engine/internal/runner"
	"etl-engine/internal/scheduler"
	"etl-engine/internal/storage"
	"etl-engine/internal/tracker"
)

// App holds all application components.
type App struct {
	Config    *config.Config
	Storage   storage.Storage
	Registry  *plugins.Registry
	Runner    *runner.Runner
	Tracker   *tracker.Tracker
	Planner   *planner.Service
	Scheduler *scheduler.Service
	Validator *validation.Validator
	Logger    logging.Logger
}

// New builds the component graph in dependency order. Nothing starts running
// yet; call Start.
func New(cfg *config.Config) (*App, error) {
	logger := logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"})

	store, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}

	registry := plugins.NewRegistry()
	if err := plugins.RegisterBuiltins(registry); err != nil {
		store.Close()
		return nil, err
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.PluginConfig, logging.GetGlobalLogger())
	run := runner.New(registry, breakers, runner.Config{
		DefaultTimeout:  cfg.TaskDefaultTimeout,
		CancelGrace:     cfg.CancelGracePeriod,
		StepParallelism: cfg.WorkerPoolSize,
	}, tracker.NewLogSink(store, logging.GetGlobalLogger()), logging.GetGlobalLogger())

	track := tracker.New(store, run, tracker.Config{
		WorkerPoolSize:    cfg.WorkerPoolSize,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		FailFast:          cfg.FailurePolicy == config.FailurePolicyFailFast,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OrphanThreshold:   cfg.OrphanThreshold,
	}, logging.GetGlobalLogger())

	plan := planner.New(store, logging.GetGlobalLogger())
	sched := scheduler.New(store, plan, track, clockwork.NewRealClock(), cfg.SchedulerTick, logging.GetGlobalLogger())

	return &App{
		Config:    cfg,
		Storage:   store,
		Registry:  registry,
		Runner:    run,
		Tracker:   track,
		Planner:   plan,
		Scheduler: sched,
		Validator: validation.New(),
		Logger:    logger,
	}, nil
}

// Start recovers orphaned executions from a previous process and starts the
// scheduler loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Tracker.RecoverOrphans(ctx); err != nil {
		return err
	}
	a.Scheduler.Start(ctx)
	a.Logger.Info("Engine started",
		logging.String("database", a.Config.DatabaseType),
		logging.Int("worker_pool", a.Config.WorkerPoolSize))
	return nil
}

// Shutdown stops the scheduler, waits for in-flight executions to quiesce and
// closes storage. Component errors are collected rather than short-circuited
// so every component gets its shutdown attempt.
func (a *App) Shutdown(ctx context.Context) error {
	var errs *multierror.Error

	a.Scheduler.Stop()
	if err := a.Tracker.Stop(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.Storage.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
