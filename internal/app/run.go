package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"etl-engine/internal/common/logging"
	"etl-engine/internal/config"
	"etl-engine/internal/handlers"
	"etl-engine/internal/middleware"
	"etl-engine/internal/ratelimit"
	"etl-engine/internal/server"
)

// Run is the process entry point: load config, wire the app, serve until a
// shutdown signal arrives.
func Run() error {
	_ = godotenv.Load()

	logging.InitGlobalLogger()
	defer logging.MustSync()
	log := logging.GetGlobalLogger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("Configuration validation failed", err)
		return err
	}

	a, err := New(cfg)
	if err != nil {
		log.Error("Failed to initialize application", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		log.Error("Failed to start engine", err)
		a.Storage.Close()
		return err
	}

	h := handlers.New(a.Storage, a.Validator, a.Registry, a.Scheduler, a.Planner, a.Tracker, log)
	router := mux.NewRouter()
	SetupRoutes(router, h, ratelimit.New(ratelimit.DefaultConfig()), middleware.Logging(log))

	srv := server.New(router, cfg.Port)
	serveErr := srv.Start()
	log.Info("HTTP server listening", logging.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Error("HTTP server failed", err)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = a.Shutdown(shutdownCtx)
		return err
	case <-quit:
	}

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", logging.Err(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("Component shutdown error", logging.Err(err))
		return err
	}

	log.Info("Engine stopped")
	return nil
}
