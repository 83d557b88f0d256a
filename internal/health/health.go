// Package health provides health check endpoints for the control daemon.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the daemon serving the handshake?)
//   - /health/startup: Startup probe (has initialization completed?)
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "daemon": "healthy",
//	    "rpc": "healthy",
//	    "nics": "healthy"
//	  }
//	}
//
// Use these endpoints with container orchestrators for automatic restart
// and traffic routing based on service health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Daemon is the view of the control daemon the checker needs.
type Daemon interface {
	Running() bool
	ActiveConns() int
	NicCount() int
}

// Checker performs health checks on the daemon.
type Checker struct {
	cacheExpiry  time.Time
	daemon       Daemon
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(daemon Daemon) *Checker {
	return &Checker{
		daemon:   daemon,
		cacheTTL: 5 * time.Second, // Cache health checks for 5 seconds
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := map[string]Check{
		"daemon": c.CheckDaemon(ctx),
		"rpc":    c.CheckRPC(ctx),
		"nics":   c.CheckNics(ctx),
	}

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckDaemon checks the event-loop worker.
func (c *Checker) CheckDaemon(ctx context.Context) Check {
	if c.daemon == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "control daemon not initialized",
		}
	}

	if !c.daemon.Running() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "daemon worker not running",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "daemon worker running",
	}
}

// CheckRPC checks the handshake endpoint.
func (c *Checker) CheckRPC(ctx context.Context) Check {
	if c.daemon == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "control daemon not initialized",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active connections", c.daemon.ActiveConns()),
	}
}

// CheckNics checks that the daemon has hardware to create queue pairs on.
// A daemon with no opened NICs still serves memory region fetches, so this
// degrades rather than fails the node.
func (c *Checker) CheckNics(ctx context.Context) Check {
	if c.daemon == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "control daemon not initialized",
		}
	}

	n := c.daemon.NicCount()
	if n == 0 {
		return Check{
			Status:  StatusDegraded,
			Message: "no NICs opened, connection requests will fail",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d NICs opened", n),
	}
}

// IsReady checks if the daemon is ready to serve handshake requests.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.daemon != nil && c.daemon.Running()
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(ctx context.Context) bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsLive(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsReady(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
	}
}

// StartupHandler handles Kubernetes startup probe requests. Startup is
// complete once the daemon worker has been started.
func (h *Handler) StartupHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsReady(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"started"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"starting"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	default:
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}
