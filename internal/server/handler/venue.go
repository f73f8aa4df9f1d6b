package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/quote"
	"github.com/shopspring/decimal"
)

// VenueMonitor reports venue health and accepts operator restores.
type VenueMonitor interface {
	Health() []quote.VenueHealth
	Restore(ctx context.Context, venue domain.VenueID) error
}

// BalanceSource reports tracked balances.
type BalanceSource interface {
	Balances() []domain.Balance
}

// venueView is one entry of GET /api/venues.
type venueView struct {
	quote.VenueHealth
	Fees          domain.FeeSchedule `json:"fees"`
	MinOrderSize  decimal.Decimal    `json:"min_order_size"`
	RateRemaining *int               `json:"rate_remaining,omitempty"`
}

// VenueHandler serves venue health, balances and restore.
type VenueHandler struct {
	venues   *exchange.Set
	monitor  VenueMonitor
	balances BalanceSource
	audit    Auditor
	logger   *slog.Logger
}

// NewVenueHandler creates a VenueHandler. audit may be nil.
func NewVenueHandler(venues *exchange.Set, monitor VenueMonitor, balances BalanceSource, audit Auditor, logger *slog.Logger) *VenueHandler {
	return &VenueHandler{
		venues:   venues,
		monitor:  monitor,
		balances: balances,
		audit:    audit,
		logger:   logHandler(logger, "venue"),
	}
}

// ListVenues returns every venue's health, latest quote and fees in
// configuration order.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	health := h.monitor.Health()
	out := make([]venueView, 0, len(health))
	for _, vh := range health {
		view := venueView{VenueHealth: vh}
		if v, err := h.venues.Get(vh.Venue); err == nil {
			view.Fees = v.Fees()
			view.MinOrderSize = v.MinOrderSize
			if n, ok := v.RateBudget(); ok {
				view.RateRemaining = &n
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"venues": out})
}

// Restore clears a venue's degraded status.
// POST /api/venues/{id}/restore
func (h *VenueHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id := domain.VenueID(r.PathValue("id"))
	if err := h.monitor.Restore(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrUnknownVenue) {
			writeError(w, http.StatusNotFound, "unknown venue")
			return
		}
		h.logger.ErrorContext(r.Context(), "restore venue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to restore venue")
		return
	}
	if h.audit != nil {
		h.audit.Audit(r.Context(), "venue_restored", map[string]any{"venue": id, "remote_addr": r.RemoteAddr})
	}
	writeJSON(w, http.StatusOK, map[string]any{"venue": id, "status": domain.VenueHealthy})
}

// ListBalances returns the tracked balance of every venue and currency.
// GET /api/balances
func (h *VenueHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances := h.balances.Balances()
	if balances == nil {
		balances = []domain.Balance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}
