package handlers

import (
	"net/http"

	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/pagination"
	"etl-engine/internal/models"

	"github.com/gorilla/mux"
)

// ListExecutions returns executions newest first, optionally filtered by
// schedule_id, pipeline_id and status query parameters.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	params := pagination.ParseParams(r)
	filters := models.ExecutionFilters{
		ScheduleID: r.URL.Query().Get("schedule_id"),
		PipelineID: r.URL.Query().Get("pipeline_id"),
		Status:     models.Status(r.URL.Query().Get("status")),
	}
	executions, total, err := h.storage.ListExecutions(filters, params.Limit, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pagination.NewResponse(executions, params, total))
}

// GetExecution returns one execution with all its task executions.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.storage.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, e)
}

// CancelExecution requests cooperative cancellation of a running execution.
// The response is the execution as it stands; cancellation completes
// asynchronously once in-flight tasks stop.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.tracker.Cancel(id); err != nil {
		h.respondError(w, err)
		return
	}

	e, err := h.storage.GetExecution(id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Execution cancellation requested", logging.String("execution_id", id))
	h.respondJSON(w, http.StatusAccepted, e)
}

// RetryExecution plans a new execution covering the failed and cancelled
// tasks of a terminal one, plus everything downstream of them, and starts it.
func (h *Handlers) RetryExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.planner.PlanRetry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.tracker.StartExecution(r.Context(), e); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Retry execution started",
		logging.String("execution_id", e.ID),
		logging.String("retry_of", e.RetryOf))

	// The tracker owns the dispatched execution; respond with a snapshot.
	out, err := h.storage.GetExecution(e.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, out)
}

// GetExecutionLogs returns an execution's log records, oldest first,
// optionally scoped to one task via the task_id query parameter.
func (h *Handlers) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	params := pagination.ParseParams(r)
	id := mux.Vars(r)["id"]
	if _, err := h.storage.GetExecution(id); err != nil {
		h.respondError(w, err)
		return
	}

	logs, total, err := h.storage.ListLogs(id, r.URL.Query().Get("task_id"), params.Limit, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pagination.NewResponse(logs, params, total))
}
