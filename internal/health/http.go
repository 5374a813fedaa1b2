package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes the manager over HTTP. /healthz answers liveness
// (the process is up), /readyz answers readiness (critical
// dependencies are reachable), and /health/detailed returns every
// check result.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleLiveness)
	mux.HandleFunc("/readyz", h.handleReadiness)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	summary := h.manager.Evaluate(r.Context())
	code := http.StatusOK
	if !summary.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"status": summary.Status,
		"ready":  summary.Ready,
	})
}

func (h *Handler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	summary := h.manager.Evaluate(r.Context())
	code := http.StatusOK
	if summary.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, summary)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write health response", zap.Error(err))
	}
}
