// Package api serves the worker's health and status endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/monitor"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/go-chi/chi/v5"
)

// Version is the running build, set at link time.
var Version = "0.1.0"

const serviceName = "docworker"

// PoolStatusProvider reports database pool occupancy
type PoolStatusProvider interface {
	GetPoolStatus() db.PoolStatus
}

// Pinger checks a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SummaryProvider reports recent resource usage
type SummaryProvider interface {
	SummaryStats() monitor.Summary
}

// BreakerStateProvider reports the worker circuit breaker
type BreakerStateProvider interface {
	State() resilience.BreakerState
}

// JobCounter reports the number of jobs per status
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[db.JobStatus]int, error)
}

// Dependencies holds everything the handlers read from. Nil fields are
// reported as not configured.
type Dependencies struct {
	Pool           PoolStatusProvider
	DBPing         Pinger
	Cache          Pinger
	Monitor        SummaryProvider
	Breaker        BreakerStateProvider
	Jobs           JobCounter
	MetricsHandler http.Handler
	RateLimiter    *IPRateLimiter
}

// Handler serves the health surface
type Handler struct {
	deps Dependencies
}

// NewHandler creates a Handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

// Routes builds the chi router with the middleware stack applied.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(SecurityHeadersMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	if h.deps.RateLimiter != nil {
		r.Use(h.deps.RateLimiter.Middleware)
	}

	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)

	r.Get("/health", h.HealthCheck)
	r.Get("/health/db", h.DatabaseHealthCheck)
	r.Get("/status", h.Status)
	if h.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.MetricsHandler)
	}
	return r
}

// HealthCheck handles basic liveness requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, serviceName, nil)
}

// DatabaseHealthCheck pings the database and reports pool status
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pool == nil {
		WriteUnhealthy(w, r, "postgresql", errors.New("database pool not configured"), nil)
		return
	}
	status := h.deps.Pool.GetPoolStatus()

	if status.Status != db.PoolActive {
		WriteUnhealthy(w, r, "postgresql", errors.New("database pool not initialised"), status)
		return
	}

	if h.deps.DBPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.deps.DBPing.Ping(ctx); err != nil {
			WriteUnhealthy(w, r, "postgresql", err, status)
			return
		}
	}

	WriteHealthy(w, r, "postgresql", status)
}

// StatusResponse is the body of /status
type StatusResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Version   string                   `json:"version"`
	Breaker   *resilience.BreakerState `json:"breaker,omitempty"`
	Resources *monitor.Summary         `json:"resources,omitempty"`
	Pool      *db.PoolStatus           `json:"pool,omitempty"`
	Jobs      map[db.JobStatus]int     `json:"jobs,omitempty"`
	Cache     string                   `json:"cache,omitempty"`
}

// Status reports breaker state, resource summary, pool status and job counts.
// It answers 503 while the breaker is open.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   Version,
	}

	if h.deps.Breaker != nil {
		st := h.deps.Breaker.State()
		resp.Breaker = &st
		if st.Open {
			resp.Status = "degraded"
		}
	}
	if h.deps.Monitor != nil {
		summary := h.deps.Monitor.SummaryStats()
		resp.Resources = &summary
	}
	if h.deps.Pool != nil {
		ps := h.deps.Pool.GetPoolStatus()
		resp.Pool = &ps
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.deps.Jobs != nil {
		counts, err := h.deps.Jobs.CountByStatus(ctx)
		if err != nil {
			ServiceUnavailable(w, r, "Job counts unavailable")
			return
		}
		resp.Jobs = counts
	}
	if h.deps.Cache != nil {
		resp.Cache = "ok"
		if err := h.deps.Cache.Ping(ctx); err != nil {
			resp.Cache = "unreachable"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, r, resp, code)
}
