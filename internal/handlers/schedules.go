package handlers

import (
	"net/http"
	"time"

	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/pagination"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/graph"
	"etl-engine/internal/models"

	"github.com/gorilla/mux"
)

// validateScheduleDAG checks the cron expression, timezone and meta-DAG shape,
// and verifies every referenced pipeline exists. Pipeline status is only
// enforced at plan time, so a schedule may be authored against drafts.
func (h *Handlers) validateScheduleDAG(cronExpr, tz string, dag []models.DAGNode) error {
	if err := h.validator.ValidateCronExpr(cronExpr); err != nil {
		return err
	}
	if tz != "" {
		if err := h.validator.ValidateTimezone(tz); err != nil {
			return err
		}
	}
	if _, err := graph.Validate(graph.ScheduleNodes(dag)); err != nil {
		return err
	}
	for _, node := range dag {
		if _, err := h.storage.GetPipeline(node.PipelineID); err != nil {
			return err
		}
	}
	return nil
}

// CreateSchedule stores a new schedule and computes its first next_run_at.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req models.CreateScheduleRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.validateScheduleDAG(req.CronExpr, req.Timezone, req.DAG); err != nil {
		h.respondError(w, err)
		return
	}

	now := time.Now().UTC()
	sc := &models.Schedule{
		ID:        utils.NewID(),
		Name:      req.Name,
		CronExpr:  req.CronExpr,
		Timezone:  req.Timezone,
		Enabled:   req.Enabled,
		DAG:       req.DAG,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.storage.CreateSchedule(sc); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.scheduler.Reschedule(sc); err != nil {
		h.respondError(w, err)
		return
	}

	out, err := h.storage.GetSchedule(sc.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Schedule created",
		logging.String("schedule_id", sc.ID),
		logging.String("name", sc.Name))
	h.respondJSON(w, http.StatusCreated, out)
}

// ListSchedules returns all schedules, paginated.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	params := pagination.ParseParams(r)
	schedules, total, err := h.storage.ListSchedules(params.Limit, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pagination.NewResponse(schedules, params, total))
}

// GetSchedule returns one schedule.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.storage.GetSchedule(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sc)
}

// UpdateSchedule replaces the submitted fields and recomputes next_run_at.
// Omitted fields keep their current values; a nil DAG keeps the old one.
func (h *Handlers) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateScheduleRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	sc, err := h.storage.GetSchedule(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}

	if req.Name != "" {
		sc.Name = req.Name
	}
	if req.CronExpr != "" {
		sc.CronExpr = req.CronExpr
	}
	if req.Timezone != "" {
		sc.Timezone = req.Timezone
	}
	if req.DAG != nil {
		sc.DAG = req.DAG
	}
	if err := h.validateScheduleDAG(sc.CronExpr, sc.Timezone, sc.DAG); err != nil {
		h.respondError(w, err)
		return
	}

	sc.UpdatedAt = time.Now().UTC()
	if err := h.storage.UpdateSchedule(sc); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.scheduler.Reschedule(sc); err != nil {
		h.respondError(w, err)
		return
	}

	out, err := h.storage.GetSchedule(sc.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Schedule updated", logging.String("schedule_id", sc.ID))
	h.respondJSON(w, http.StatusOK, out)
}

// SetScheduleEnabled flips a schedule on or off. Enabling recomputes
// next_run_at from now; missed occurrences while disabled do not fire.
func (h *Handlers) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	var req models.SetScheduleEnabledRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	sc, err := h.storage.GetSchedule(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}

	sc.Enabled = req.Enabled
	sc.UpdatedAt = time.Now().UTC()
	if err := h.storage.UpdateSchedule(sc); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.scheduler.Reschedule(sc); err != nil {
		h.respondError(w, err)
		return
	}

	out, err := h.storage.GetSchedule(sc.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Schedule toggled",
		logging.String("schedule_id", sc.ID),
		logging.Bool("enabled", req.Enabled))
	h.respondJSON(w, http.StatusOK, out)
}

// DeleteSchedule removes a schedule. Executions it produced are kept.
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.storage.GetSchedule(id); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.storage.DeleteSchedule(id); err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Schedule deleted", logging.String("schedule_id", id))
	h.respondJSON(w, http.StatusNoContent, nil)
}

// TriggerSchedule fires a schedule's meta-DAG immediately. Works on disabled
// schedules and never touches next_run_at.
func (h *Handlers) TriggerSchedule(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRequest
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			h.respondError(w, err)
			return
		}
	}

	execution, err := h.scheduler.TriggerSchedule(r.Context(), mux.Vars(r)["id"], req.Params)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, execution)
}
