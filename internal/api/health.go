package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"paxcount/internal/broadcast"
	"paxcount/internal/realtime"
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Pinger reports whether durable storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModeReporter exposes the active broadcast variant.
type ModeReporter interface {
	Mode() broadcast.Mode
}

type Health struct {
	db   Pinger
	mode ModeReporter
	hub  *realtime.Hub
}

func NewHealth(db Pinger, mode ModeReporter, hub *realtime.Hub) *Health {
	return &Health{db: db, mode: mode, hub: hub}
}

// handleHealth is the liveness probe.
func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "alive",
		Message: "Service is running",
	})
}

// handleReady is the readiness probe. The database is the only hard
// dependency; a broadcast switch running on the fallback is degraded but
// still serves viewers, so it shows in the details without failing the
// probe.
func (h *Health) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthDetails := make(map[string]string)
	var errors []string

	if err := h.db.Ping(ctx); err != nil {
		healthDetails["database"] = "unhealthy"
		errors = append(errors, fmt.Sprintf("database unhealthy: %v", err))
	} else {
		healthDetails["database"] = "healthy"
	}

	healthDetails["broadcast"] = string(h.mode.Mode())
	healthDetails["sessions"] = strconv.Itoa(h.hub.SessionCount())

	statusCode := http.StatusOK
	statusMsg := "ready"
	if len(errors) > 0 {
		statusCode = http.StatusServiceUnavailable
		statusMsg = fmt.Sprintf("%d component(s) failing", len(errors))
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:  statusMsg,
		Details: healthDetails,
	})
}
