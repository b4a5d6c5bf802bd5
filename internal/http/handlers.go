package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/circuitbreaker"
	"github.com/kjstillabower/smartcity-telemetry/internal/lifecycle"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// DashboardReader is implemented by service.DashboardService.
type DashboardReader interface {
	GetDashboard(ctx context.Context, city string) (models.DashboardData, error)
}

// HealthConfig holds optional dependency checks for the health handler.
type HealthConfig struct {
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// StoreBreaker, when set, reports the keyed store as unhealthy while the circuit is open.
	StoreBreaker *circuitbreaker.CircuitBreaker
	// StoreLocation, when set, is reported as "store" in the health body.
	StoreLocation string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dashboard        DashboardReader
	city             string
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler that serves the dashboard for city.
func NewHandler(dashboard DashboardReader, city string, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dashboard:    dashboard,
		city:         city,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetData handles GET /api/data.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	data, err := h.dashboard.GetDashboard(r.Context(), h.city)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	body := map[string]any{
		"status":    result.status,
		"service":   "smartcity-telemetry",
		"city":      h.city,
		"checks":    checks,
		"phase":     lifecycle.Current().String(),
		"uptime":    lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && h.healthConfig.StoreLocation != "" {
		body["store"] = h.healthConfig.StoreLocation
	}
	writeJSON(w, result.statusCode, body)
}

// computeHealthStatus evaluates, in order: shutting-down, keyed store breaker, cache. The cache
// is advisory: an unreachable cache is reported but the dashboard still answers from the store.
func (h *Handler) computeHealthStatus() (healthResult, map[string]string) {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}

	result := healthResult{"healthy", http.StatusOK, ""}
	if cb := h.healthConfig.StoreBreaker; cb != nil {
		if cb.State() == circuitbreaker.StateOpen {
			checks["store"] = "unhealthy"
			result = healthResult{"degraded", http.StatusServiceUnavailable, "store_circuit_open"}
		} else {
			checks["store"] = "healthy"
		}
	}
	if h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	return result, checks
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response with code, message and the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError writes 503 for keyed store failures. The underlying error is logged, not
// returned to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Unable to load dashboard data")
	observability.LoggerFromContext(r.Context(), fallback).Warn("dashboard load failed", zap.Error(err))
}
