package handler

import (
	"context"
	"net/http"
	"time"

	"bling-sync-api/pkg/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueSizer reports the number of queued tasks.
type QueueSizer interface {
	Len(ctx context.Context) (int, error)
}

// Handler contains the health and readiness handlers.
type Handler struct {
	store Pinger
	queue QueueSizer
}

// New creates a new handler. Either dependency may be nil.
func New(store Pinger, queue QueueSizer) *Handler {
	return &Handler{store: store, queue: queue}
}

// HealthResponse represents the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health handles GET /health. It never touches a dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.Raw(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// Check represents an individual readiness check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready handles GET /api/v1/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := []Check{{Name: "api", Status: "ok"}}
	if h.store != nil {
		checks = append(checks, check("database", h.store.Ping(ctx)))
	}
	if h.queue != nil {
		_, err := h.queue.Len(ctx)
		checks = append(checks, check("queue", err))
	}

	allReady := true
	for _, c := range checks {
		if c.Status != "ok" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, ReadyResponse{
		Ready:     allReady,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

func check(name string, err error) Check {
	if err != nil {
		return Check{Name: name, Status: "error", Error: err.Error()}
	}
	return Check{Name: name, Status: "ok"}
}
