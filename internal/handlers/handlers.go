// Package handlers exposes the REST surface of the engine: pipeline and
// schedule management, manual triggers, execution inspection and control.
package handlers

import (
	"encoding/json"
	"net/http"

	"etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
	"etl-engine/internal/common/validation"
	"etl-engine/internal/models"
	"etl-engine/internal/planner"
	"etl-engine/internal/plugins"
	"etl-engine/internal/scheduler"
	"etl-engine/internal/storage"
	"etl-engine/internal/tracker"
)

type Handlers struct {
	storage   storage.Storage
	validator *validation.Validator
	registry  *plugins.Registry
	scheduler *scheduler.Service
	planner   *planner.Service
	tracker   *tracker.Tracker
	logger    logging.Logger
}

func New(storage storage.Storage, validator *validation.Validator, registry *plugins.Registry, sched *scheduler.Service, plan *planner.Service, track *tracker.Tracker, logger logging.Logger) *Handlers {
	return &Handlers{
		storage:   storage,
		validator: validator,
		registry:  registry,
		scheduler: sched,
		planner:   plan,
		tracker:   track,
		logger:    logger,
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.logger.Error("Failed to encode response", err)
		}
	}
}

// respondError maps the error taxonomy onto HTTP status codes and always
// answers with a models.ErrorResponse body.
func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConflict:
		status = http.StatusConflict
	case errors.ErrTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	resp := models.ErrorResponse{
		Error: err.Error(),
		Type:  string(errors.GetType(err)),
	}
	if appErr, ok := err.(*errors.AppError); ok && len(appErr.Context) > 0 {
		resp.Extra = appErr.Context
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", err)
	}
	h.respondJSON(w, status, resp)
}

// decode parses the request body into dst and runs struct validation.
func (h *Handlers) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.ValidationError("invalid JSON body: " + err.Error())
	}
	return h.validator.ValidateStruct(dst)
}
