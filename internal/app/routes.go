package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"etl-engine/internal/handlers"
	"etl-engine/internal/ratelimit"
)

// SetupRoutes registers the REST surface under /api/v1. Trigger and retry
// endpoints sit behind a per-client rate limit; everything else is unmetered.
func SetupRoutes(router *mux.Router, h *handlers.Handlers, limiter *ratelimit.Limiter, logger func(http.Handler) http.Handler) {
	router.Use(logger)

	router.HandleFunc("/health", h.Health).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/stats", h.Stats).Methods("GET")

	// Pipelines
	api.HandleFunc("/pipelines", h.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines", h.CreatePipeline).Methods("POST")
	api.HandleFunc("/pipelines/{id}", h.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}", h.UpdatePipeline).Methods("PUT")
	api.HandleFunc("/pipelines/{id}", h.DeletePipeline).Methods("DELETE")
	api.HandleFunc("/pipelines/{id}/versions/{version}", h.GetPipelineVersion).Methods("GET")
	api.HandleFunc("/pipelines/{id}/status", h.SetPipelineStatus).Methods("PUT")

	// Schedules
	api.HandleFunc("/schedules", h.ListSchedules).Methods("GET")
	api.HandleFunc("/schedules", h.CreateSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}", h.GetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}", h.UpdateSchedule).Methods("PUT")
	api.HandleFunc("/schedules/{id}", h.DeleteSchedule).Methods("DELETE")
	api.HandleFunc("/schedules/{id}/enabled", h.SetScheduleEnabled).Methods("PUT")

	// Executions
	api.HandleFunc("/executions", h.ListExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", h.GetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/cancel", h.CancelExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/logs", h.GetExecutionLogs).Methods("GET")

	// Manual triggers and retries, rate limited per client
	metered := api.NewRoute().Subrouter()
	if limiter != nil {
		metered.Use(ratelimit.Middleware(limiter, nil))
	}
	metered.HandleFunc("/pipelines/{id}/trigger", h.TriggerPipeline).Methods("POST")
	metered.HandleFunc("/schedules/{id}/trigger", h.TriggerSchedule).Methods("POST")
	metered.HandleFunc("/executions/{id}/retry", h.RetryExecution).Methods("POST")
}
