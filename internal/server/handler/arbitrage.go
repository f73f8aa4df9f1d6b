package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

// OpportunitySource returns the opportunity of the latest detection cycle.
type OpportunitySource interface {
	Current() *domain.Opportunity
}

// ArbService defines the history queries the arbitrage handler requires.
type ArbService interface {
	ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListOpportunities(ctx context.Context, limit int) ([]domain.Opportunity, error)
	Profit(ctx context.Context, since time.Time) (decimal.Decimal, error)
	AuditTrail(ctx context.Context, ref string, limit int) ([]domain.AuditEntry, error)
}

// ExecutionControl exposes in-flight executions. It may be nil in monitor
// mode.
type ExecutionControl interface {
	Active() []domain.Execution
	Get(id string) (domain.Execution, bool)
	Cancel(id string) error
}

// ArbHandler serves opportunities, executions and profit.
type ArbHandler struct {
	current OpportunitySource
	arb     ArbService
	control ExecutionControl
	logger  *slog.Logger
}

// NewArbHandler creates an ArbHandler. control may be nil.
func NewArbHandler(current OpportunitySource, arb ArbService, control ExecutionControl, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{current: current, arb: arb, control: control, logger: logHandler(logger, "arbitrage")}
}

// Opportunity returns the current opportunity, or null when there is none.
// GET /api/opportunity
func (h *ArbHandler) Opportunity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current.Current())
}

// ListOpportunities returns recorded opportunities, newest first.
// GET /api/opportunities?limit=50
func (h *ArbHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opps, err := h.arb.ListOpportunities(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list opportunities failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}

// ListExecutions returns resolved executions newest first, plus any still in
// flight.
// GET /api/executions?limit=50
func (h *ArbHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := h.arb.ListExecutions(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if list == nil {
		list = []domain.Execution{}
	}
	active := []domain.Execution{}
	if h.control != nil {
		active = append(active, h.control.Active()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list, "active": active})
}

// GetExecution returns one execution, in flight or resolved.
// GET /api/executions/{id}
func (h *ArbHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.control != nil {
		if exec, ok := h.control.Get(id); ok {
			writeJSON(w, http.StatusOK, exec)
			return
		}
	}
	exec, err := h.arb.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get execution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// ExecutionAudit returns the audit trail of one execution.
// GET /api/executions/{id}/audit?limit=100
func (h *ArbHandler) ExecutionAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.arb.AuditTrail(r.Context(), r.PathValue("id"), parseLimit(r, 100, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit trail failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// CancelExecution requests cancellation of an in-flight execution.
// POST /api/executions/{id}/cancel
func (h *ArbHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	if h.control == nil {
		writeError(w, http.StatusNotImplemented, "execution is disabled in this mode")
		return
	}
	id := r.PathValue("id")
	switch err := h.control.Cancel(id); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
	case errors.Is(err, domain.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not in flight")
	case errors.Is(err, domain.ErrNotCancellable):
		writeError(w, http.StatusConflict, "execution can no longer be cancelled")
	default:
		h.logger.ErrorContext(r.Context(), "cancel execution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
	}
}

// Profit returns realised PnL since ?since (default: the last 24 hours).
// GET /api/profit?since=2026-01-01
func (h *ArbHandler) Profit(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	pnl, err := h.arb.Profit(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "profit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute profit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":        since.Format(time.RFC3339),
		"realized_pnl": pnl,
	})
}
