package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/engine"
)

// TradingController starts and stops the trading loop.
type TradingController interface {
	Start() error
	Stop()
	Status() domain.EngineStatus
}

// Auditor records operator actions.
type Auditor interface {
	Audit(ctx context.Context, event string, detail map[string]any)
}

// TradingHandler serves the trading on/off switch.
type TradingHandler struct {
	ctrl   TradingController
	audit  Auditor
	logger *slog.Logger
}

// NewTradingHandler creates a TradingHandler. audit may be nil.
func NewTradingHandler(ctrl TradingController, audit Auditor, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{ctrl: ctrl, audit: audit, logger: logHandler(logger, "trading")}
}

// Start turns trading on, clearing a tripped kill switch.
// POST /api/trading/start
func (h *TradingHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNoExecutor) {
			status = http.StatusConflict
		}
		h.logger.WarnContext(r.Context(), "start trading refused", slog.String("error", err.Error()))
		writeError(w, status, err.Error())
		return
	}
	h.record(r, "trading_started")
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// Stop turns trading off. In-flight executions run to resolution.
// POST /api/trading/stop
func (h *TradingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop()
	h.record(r, "trading_stopped")
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *TradingHandler) record(r *http.Request, event string) {
	if h.audit != nil {
		h.audit.Audit(r.Context(), event, map[string]any{"remote_addr": r.RemoteAddr})
	}
}
