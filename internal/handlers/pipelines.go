package handlers

import (
	"net/http"
	"strconv"
	"time"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/pagination"
	"etl-engine/internal/common/utils"
	"etl-engine/internal/graph"
	"etl-engine/internal/models"

	"github.com/gorilla/mux"
)

// resolvePlugins rejects steps bound to plugins the registry does not know,
// so a dangling binding fails at save time instead of mid-execution.
func (h *Handlers) resolvePlugins(steps []models.PipelineStep) error {
	for _, step := range steps {
		if !h.registry.Has(step.Plugin) {
			return errors.ValidationError("step references unknown plugin").
				WithContext("step_id", step.ID).
				WithContext("plugin", step.Plugin)
		}
	}
	return nil
}

// CreatePipeline stores version 1 of a new pipeline as draft. The step graph
// is validated up front so a broken definition never reaches the planner.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePipelineRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if _, err := graph.ValidateSteps(req.Steps); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.resolvePlugins(req.Steps); err != nil {
		h.respondError(w, err)
		return
	}
	if existing, err := h.storage.GetPipelineByName(req.Name); err == nil && existing != nil {
		h.respondError(w, errors.ConflictError("pipeline name already in use").WithContext("name", req.Name))
		return
	}

	now := time.Now().UTC()
	p := &models.Pipeline{
		ID:        utils.NewID(),
		Name:      req.Name,
		Version:   1,
		Steps:     req.Steps,
		Status:    models.PipelineStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.storage.CreatePipeline(p); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Pipeline created",
		logging.String("pipeline_id", p.ID),
		logging.String("name", p.Name))
	h.respondJSON(w, http.StatusCreated, p)
}

// ListPipelines returns the latest version of every pipeline, paginated.
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	params := pagination.ParseParams(r)
	pipelines, total, err := h.storage.ListPipelines(params.Limit, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, pagination.NewResponse(pipelines, params, total))
}

// GetPipeline returns the latest version of one pipeline.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.storage.GetPipeline(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// GetPipelineVersion returns one pinned version of a pipeline.
func (h *Handlers) GetPipelineVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil || version < 1 {
		h.respondError(w, errors.ValidationError("version must be a positive integer"))
		return
	}
	p, err := h.storage.GetPipelineVersion(vars["id"], version)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// UpdatePipeline appends a new version with the submitted step DAG. In-flight
// executions keep the version they pinned at plan time.
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePipelineRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if _, err := graph.ValidateSteps(req.Steps); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.resolvePlugins(req.Steps); err != nil {
		h.respondError(w, err)
		return
	}

	id := mux.Vars(r)["id"]
	current, err := h.storage.GetPipeline(id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	name := current.Name
	if req.Name != "" {
		name = req.Name
	}
	p := &models.Pipeline{
		ID:        id,
		Name:      name,
		Steps:     req.Steps,
		Status:    current.Status,
		CreatedAt: current.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.storage.UpdatePipeline(p); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Pipeline updated",
		logging.String("pipeline_id", p.ID),
		logging.Int("version", p.Version))
	h.respondJSON(w, http.StatusOK, p)
}

// SetPipelineStatus moves a pipeline between draft, active and inactive.
// Only active pipelines can be scheduled or triggered.
func (h *Handlers) SetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	var req models.SetPipelineStatusRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.storage.SetPipelineStatus(id, req.Status); err != nil {
		h.respondError(w, err)
		return
	}
	p, err := h.storage.GetPipeline(id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("Pipeline status changed",
		logging.String("pipeline_id", id),
		logging.String("status", string(req.Status)))
	h.respondJSON(w, http.StatusOK, p)
}

// DeletePipeline removes a pipeline and all its versions. Past executions
// keep their records; only the definition disappears.
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.storage.GetPipeline(id); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.storage.DeletePipeline(id); err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("Pipeline deleted", logging.String("pipeline_id", id))
	h.respondJSON(w, http.StatusNoContent, nil)
}

// TriggerPipeline starts an ad-hoc run of a single pipeline, bypassing any
// schedule. The pipeline must be active.
func (h *Handlers) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRequest
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			h.respondError(w, err)
			return
		}
	}

	execution, err := h.scheduler.TriggerPipeline(r.Context(), mux.Vars(r)["id"], req.Params)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, execution)
}
