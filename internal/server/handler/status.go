package handler

import (
	"net/http"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/service"
)

// StatusSource reports the trading loop state.
type StatusSource interface {
	Status() domain.EngineStatus
}

// RiskSource reports session risk.
type RiskSource interface {
	Snapshot() service.RiskSnapshot
}

// StatusHandler serves the engine and risk state.
type StatusHandler struct {
	engine StatusSource
	risk   RiskSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine StatusSource, risk RiskSource) *StatusHandler {
	return &StatusHandler{engine: engine, risk: risk}
}

// GetStatus responds with the engine status and session risk.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine": h.engine.Status(),
		"risk":   h.risk.Snapshot(),
	})
}
