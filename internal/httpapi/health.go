package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes. Liveness is
// unconditional; readiness pings the registry and the conversation store.
type HealthHandler struct {
	logger *zap.Logger
	checks map[string]Pinger
}

// NewHealthHandler creates the probe handler with named dependency checks.
func NewHealthHandler(logger *zap.Logger, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{logger: logger, checks: checks}
}

// RegisterRoutes registers /healthz and /readyz.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
}

func (h *HealthHandler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *HealthHandler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed",
				zap.String("dependency", name),
				zap.Error(err),
			)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(results)
}
