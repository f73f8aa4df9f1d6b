package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// recoverPartial settles what traded and flattens the imbalance. Excess base
// bought on the buy venue is sold back at its current bid, and whatever is
// not sold is reported as unsold; base sold without a matching buy is
// reported as uncovered and left for the operator.
func (c *Coordinator) recoverPartial(ctx context.Context, r *run, reason string) state {
	rctx := r.recovery(ctx, c.cfg.RecoveryTimeout)

	// Remainders may still be open when the partial verdict came from a
	// terminal failure on the other leg.
	c.unwind(rctx, r)
	c.settleLegs(r)

	bought := r.leg(buyIdx).FilledSize
	sold := r.leg(sellIdx).FilledSize
	excess := bought.Sub(sold)

	r.mu.Lock()
	r.exec.Outcome = domain.OutcomePartial
	r.exec.Reason = reason
	r.mu.Unlock()

	switch {
	case excess.IsPositive():
		c.liquidate(rctx, r, excess)
	case excess.IsNegative():
		r.mu.Lock()
		r.exec.Uncovered = excess.Neg()
		r.mu.Unlock()
		r.log.Warn("sell leg exceeded buy leg, exposure left open",
			slog.String("uncovered", excess.Neg().String()),
		)
	}
	return resolved{}
}

// liquidate sells excess base on the buy venue at its current bid. It is best
// effort: whatever does not fill within the order timeout is cancelled and
// recorded as unsold.
func (c *Coordinator) liquidate(ctx context.Context, r *run, excess decimal.Decimal) {
	v := r.buy
	if excess.LessThan(v.MinOrderSize) {
		r.note("excess %s below minimum order size %s, not liquidated", excess, v.MinOrderSize)
		c.markUnsold(r, excess)
		return
	}

	q, err := v.Exchange.GetQuote(ctx)
	if err != nil || !q.BidPrice.IsPositive() {
		if err == nil {
			err = errNoBid
		}
		r.log.Error("liquidation skipped, no bid", slog.String("error", err.Error()))
		r.note("liquidation of %s skipped: %v", excess, err)
		c.markUnsold(r, excess)
		return
	}

	// The bought base is not credited locally, so read it from the venue
	// before reserving it.
	if err := c.ledger.Refresh(ctx, v.ID); err != nil {
		r.log.Warn("balance refresh before liquidation failed", slog.String("error", err.Error()))
	}
	holds, err := c.ledger.ReserveAll(domain.ReservationRequest{Venue: v.ID, Currency: c.cfg.Pair.Base, Amount: excess})
	if err != nil {
		// Sell anyway; the venue is the authority on what it holds.
		r.log.Warn("liquidation reservation refused", slog.String("error", err.Error()))
	}

	now := c.now().UTC()
	order := domain.Order{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		Venue:       v.ID,
		Side:        domain.OrderSideSell,
		Role:        domain.RoleLiquidation,
		Price:       q.BidPrice,
		Size:        excess,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.mu.Lock()
	r.exec.Legs = append(r.exec.Legs, order)
	idx := len(r.exec.Legs) - 1
	r.holds = append(r.holds, holds...)
	r.mu.Unlock()

	r.log.Info("liquidating excess",
		slog.String("size", excess.String()),
		slog.String("price", q.BidPrice.String()),
	)
	c.place(ctx, r, idx, v)

	if r.leg(idx).Status != domain.OrderStatusFailed {
		c.awaitLeg(ctx, r, idx)
		if !r.leg(idx).Status.Terminal() {
			c.unwind(ctx, r)
		}
	}

	leg := r.leg(idx)
	for _, h := range holds {
		c.ledger.Settle(h, leg.FilledSize)
	}

	if rest := excess.Sub(leg.FilledSize); rest.IsPositive() {
		c.markUnsold(r, rest)
		r.note("liquidation left %s unsold", rest)
		r.log.Warn("liquidation incomplete",
			slog.String("unsold", rest.String()),
			slog.String("status", string(leg.Status)),
		)
	}
}

func (c *Coordinator) markUnsold(r *run, qty decimal.Decimal) {
	r.mu.Lock()
	r.exec.Unsold = qty
	r.mu.Unlock()
}

// awaitLeg polls a single order until it is terminal or the order timeout
// passes.
func (c *Coordinator) awaitLeg(ctx context.Context, r *run, i int) {
	deadline := time.NewTimer(c.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()

	c.refreshLeg(ctx, r, i)
	for !r.leg(i).Status.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			c.refreshLeg(ctx, r, i)
		}
	}
}
