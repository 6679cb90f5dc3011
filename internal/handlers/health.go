package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/services/budget"
)

type HealthResponse struct {
	Status   string                   `json:"status"`
	Mode     budget.Mode              `json:"mode"`
	State    budget.ProviderState     `json:"state"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthHandler struct {
	baseHandler
	provider *budget.Provider
	timeout  time.Duration
}

func NewHealthHandler(logger *zap.Logger, provider *budget.Provider) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		baseHandler: baseHandler{logger: logger},
		provider:    provider,
		timeout:     2 * time.Second,
	}
}

func (h *HealthHandler) check(r *http.Request) HealthResponse {
	response := HealthResponse{
		Status:   "ok",
		Mode:     h.provider.Mode(),
		State:    h.provider.State(),
		Services: make(map[string]ServiceHealth),
	}

	switch {
	case response.State == budget.StateInert:
		response.Services["policy"] = ServiceHealth{Status: "unhealthy", Message: "Budget policy failed to load, budgets are not enforced"}
		response.Status = "degraded"
	case response.State == budget.StateUnavailable:
		response.Services["redis"] = ServiceHealth{Status: "unhealthy", Message: "Budget store unreachable at startup"}
		response.Status = "unavailable"
		return response
	case response.Mode == budget.ModeDisabled:
		response.Services["redis"] = ServiceHealth{Status: "skipped", Message: "Enforcement disabled"}
		return response
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.provider.Ping(ctx); err != nil {
		response.Services["redis"] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
		response.Status = "degraded"
	} else if response.State == budget.StateReady {
		response.Services["redis"] = ServiceHealth{Status: "healthy"}
	}

	return response
}

// Health answers 503 when reservations are being rejected for lack of a
// store: the provider is unavailable, or strict mode cannot reach Redis.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.check(r)

	status := http.StatusOK
	if response.Status == "unavailable" ||
		(response.Status == "degraded" && response.Mode == budget.ModeStrict) {
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, response)
}

// Ready answers 200 only when every dependency is healthy.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := h.check(r)
	if response.Status != "ok" {
		h.sendJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "Budget engine " + response.Status,
		})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
