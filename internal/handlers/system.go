package handlers

import (
	"net/http"
	"time"
)

// Health reports storage reachability and scheduler liveness. The scheduler
// is considered live when it has ticked within the last two minutes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	storageStatus := "ok"
	if err := h.storage.Health(); err != nil {
		storageStatus = err.Error()
		status = http.StatusServiceUnavailable
	}

	schedulerStatus := "ok"
	lastTick := h.scheduler.LastTick()
	if lastTick.IsZero() {
		schedulerStatus = "not started"
		status = http.StatusServiceUnavailable
	} else if time.Since(lastTick) > 2*time.Minute {
		schedulerStatus = "stalled"
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.respondJSON(w, status, map[string]interface{}{
		"status":    overall,
		"storage":   storageStatus,
		"scheduler": schedulerStatus,
		"last_tick": lastTick,
		"timestamp": time.Now().UTC(),
	})
}

// Stats summarizes execution outcomes over the last 24 hours plus current
// schedule and pipeline counts.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.GetStats(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}
