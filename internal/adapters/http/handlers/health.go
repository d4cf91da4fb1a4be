package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/longregen/promptloop/internal/adapters/http/encoding"
)

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Timeout time.Duration // Timeout for each individual health check
}

// DefaultHealthCheckConfig returns default health check configuration
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Timeout: 5 * time.Second,
	}
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Check is a named dependency probe. A failing critical check makes the
// service unhealthy, any other failing check makes it degraded.
type Check struct {
	Name     string
	Critical bool
	Probe    CheckFunc
}

type HealthHandler struct {
	config  HealthCheckConfig
	version string
	checks  []Check
}

func NewHealthHandler(version string, checks ...Check) *HealthHandler {
	return &HealthHandler{
		config:  DefaultHealthCheckConfig(),
		version: version,
		checks:  checks,
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type DetailedHealthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status    string  `json:"status"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Handle provides a basic liveness endpoint
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	_ = encoding.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// HandleDetailed runs every dependency check concurrently
func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	response := DetailedHealthResponse{
		Version:  h.version,
		Services: make(map[string]ServiceHealth, len(h.checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			result := h.run(r.Context(), c)
			mu.Lock()
			response.Services[c.Name] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	response.Status = h.calculateOverallStatus(response.Services)

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	_ = encoding.WriteJSON(w, statusCode, response)
}

func (h *HealthHandler) run(ctx context.Context, c Check) ServiceHealth {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	err := c.Probe(checkCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		return ServiceHealth{
			Status:    "unhealthy",
			LatencyMs: &latency,
			Error:     &errMsg,
		}
	}
	return ServiceHealth{
		Status:    "healthy",
		LatencyMs: &latency,
	}
}

// calculateOverallStatus determines the overall system status based on individual services
func (h *HealthHandler) calculateOverallStatus(services map[string]ServiceHealth) string {
	critical := make(map[string]bool, len(h.checks))
	for _, c := range h.checks {
		critical[c.Name] = c.Critical
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	degraded := false
	for _, name := range names {
		if services[name].Status != "unhealthy" {
			continue
		}
		if critical[name] {
			return "unhealthy"
		}
		degraded = true
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}
