// Package executor runs the two-leg execution of an arbitrage opportunity as
// an explicit state machine and recovers from partial fills.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/notify"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Ledger is the balance bookkeeping the coordinator needs. Fills are only
// ever debited locally; proceeds appear once Refresh reads the venue.
type Ledger interface {
	ReserveAll(reqs ...domain.ReservationRequest) ([]domain.Reservation, error)
	Release(res domain.Reservation) bool
	Settle(res domain.Reservation, debit decimal.Decimal) bool
	Refresh(ctx context.Context, venue domain.VenueID) error
}

// Sink receives every resolved execution, for persistence and risk tracking.
type Sink interface {
	ExecutionResolved(ctx context.Context, exec domain.Execution)
}

// Alerter receives operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds execution timing.
type Config struct {
	Pair               domain.Pair
	OrderTimeout       time.Duration
	StatusPollInterval time.Duration
	// RecoveryTimeout bounds cancellation, liquidation and recording once
	// legs are out, independent of the caller's context.
	RecoveryTimeout time.Duration
}

// Deps are optional collaborators; any may be nil.
type Deps struct {
	Sink    Sink
	Alerts  Alerter
	Metrics *observability.Metrics
}

// Coordinator executes opportunities. Each Execute call owns one execution;
// several may run concurrently on disjoint balances.
type Coordinator struct {
	venues *exchange.Set
	ledger Ledger
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*run
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(venues *exchange.Set, ledger Ledger, cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	return &Coordinator{
		venues: venues,
		ledger: ledger,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "coordinator")),
		now:    time.Now,
		active: make(map[string]*run),
	}
}

// run is the mutable state of one execution.
type run struct {
	mu         sync.Mutex
	exec       domain.Execution
	opp        domain.Opportunity
	buy        *exchange.Venue
	sell       *exchange.Venue
	holds      []domain.Reservation
	settled    bool
	cancelReq  bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	notes      []string
	log        *slog.Logger

	recoveryCtx    context.Context
	recoveryCancel context.CancelFunc
}

const (
	buyIdx  = 0
	sellIdx = 1
)

func (r *run) leg(i int) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Legs[i]
}

func (r *run) legCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exec.Legs)
}

func (r *run) updateLeg(i int, fn func(o *domain.Order)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.exec.Legs[i])
}

func (r *run) note(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *run) snapshot() domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.exec
	out.Legs = append([]domain.Order(nil), r.exec.Legs...)
	return out
}

// bothFilled reports whether the buy and sell legs are fully filled.
func (r *run) bothFilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exec.Legs) >= 2 && r.exec.Legs[buyIdx].FullyFilled() && r.exec.Legs[sellIdx].FullyFilled()
}

// doneWaiting reports whether polling can stop: both legs terminal, or one
// leg terminal without a full fill, which rules out BOTH_FILLED.
func (r *run) doneWaiting() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buy, sell := r.exec.Legs[buyIdx], r.exec.Legs[sellIdx]
	for _, o := range []domain.Order{buy, sell} {
		if o.Status.Terminal() && !o.FullyFilled() {
			reason := fmt.Sprintf("%s: %s %s", ReasonLegFailed, o.Role, o.Status)
			if o.Error != "" {
				reason += ": " + o.Error
			}
			return true, reason
		}
	}
	return buy.Status.Terminal() && sell.Status.Terminal(), ""
}

// recovery returns the detached context used once legs are out.
func (r *run) recovery(parent context.Context, timeout time.Duration) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recoveryCtx == nil {
		r.recoveryCtx, r.recoveryCancel = context.WithTimeout(context.WithoutCancel(parent), timeout)
	}
	return r.recoveryCtx
}

// Execute drives opp from PLANNED to RESOLVED and returns the final record.
// The error is non-nil only when opp cannot be executed at all (unknown
// venue, non-positive size); every other failure is reported through the
// execution's outcome.
func (c *Coordinator) Execute(ctx context.Context, opp domain.Opportunity) (domain.Execution, error) {
	buy, err := c.venues.Get(opp.BuyVenue)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("executor: %w", err)
	}
	sell, err := c.venues.Get(opp.SellVenue)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("executor: %w", err)
	}
	if !opp.Size.IsPositive() {
		return domain.Execution{}, fmt.Errorf("executor: opportunity %s: size must be positive", opp.ID)
	}

	id := uuid.NewString()
	r := &run{
		exec: domain.Execution{
			ID:             id,
			OpportunityID:  opp.ID,
			BuyVenue:       buy.ID,
			SellVenue:      sell.ID,
			State:          domain.ExecPlanned,
			ExpectedProfit: opp.ExpectedProfit,
			StartedAt:      c.now().UTC(),
		},
		opp:      opp,
		buy:      buy,
		sell:     sell,
		cancelCh: make(chan struct{}),
		log: c.logger.With(
			slog.String("execution_id", id),
			slog.String("opportunity_id", opp.ID),
			slog.String("buy_venue", string(buy.ID)),
			slog.String("sell_venue", string(sell.ID)),
		),
	}

	c.mu.Lock()
	c.active[id] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
	}()

	r.log.Info("execution started",
		slog.String("size", opp.Size.String()),
		slog.String("buy_price", opp.BuyPrice.String()),
		slog.String("sell_price", opp.SellPrice.String()),
		slog.String("expected_profit", opp.ExpectedProfit.String()),
	)

	var st state = planned{}
	for {
		c.enter(r, st)
		switch s := st.(type) {
		case planned:
			st = c.plan(ctx, r)
		case legsSubmitted:
			st = c.submit(ctx, r)
		case bothFilled:
			st = c.completeBoth(r)
		case partial:
			st = c.recoverPartial(ctx, r, s.reason)
		case failed:
			st = c.fail(r, s.reason)
		case resolved:
			return c.finish(ctx, r), nil
		default:
			panic(fmt.Sprintf("executor: unhandled state %T", st))
		}
	}
}

func (c *Coordinator) enter(r *run, st state) {
	r.mu.Lock()
	r.exec.State = st.name()
	r.mu.Unlock()
	r.log.Debug("execution state", slog.String("state", string(st.name())))
}

// plan reserves both legs atomically. Nothing is submitted when either
// reservation fails or a cancel arrived first.
func (c *Coordinator) plan(ctx context.Context, r *run) state {
	if ctx.Err() != nil {
		return failed{reason: ReasonCancelled}
	}

	holds, err := c.ledger.ReserveAll(
		domain.ReservationRequest{Venue: r.buy.ID, Currency: c.cfg.Pair.Quote, Amount: r.opp.BuyCost()},
		domain.ReservationRequest{Venue: r.sell.ID, Currency: c.cfg.Pair.Base, Amount: r.opp.Size},
	)
	if err != nil {
		r.log.Warn("reservation refused", slog.String("error", err.Error()))
		return failed{reason: ReasonReservation + ": " + err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds = holds
	if r.cancelReq {
		return failed{reason: ReasonCancelled}
	}
	// Set under the same lock as the cancel check so Cancel sees either
	// PLANNED with the flag honoured here, or LEGS_SUBMITTED.
	r.exec.State = domain.ExecLegsSubmitted
	return legsSubmitted{}
}

// submit places both legs concurrently, then polls them until they settle,
// the order timeout passes or a cancel arrives.
func (c *Coordinator) submit(ctx context.Context, r *run) state {
	now := c.now().UTC()
	newLeg := func(v *exchange.Venue, side domain.OrderSide, role domain.LegRole, price decimal.Decimal) domain.Order {
		return domain.Order{
			ID:          uuid.NewString(),
			ExecutionID: r.exec.ID,
			Venue:       v.ID,
			Side:        side,
			Role:        role,
			Price:       price,
			Size:        r.opp.Size,
			Status:      domain.OrderStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	r.mu.Lock()
	r.exec.Legs = []domain.Order{
		newLeg(r.buy, domain.OrderSideBuy, domain.RoleBuyLeg, r.opp.BuyPrice),
		newLeg(r.sell, domain.OrderSideSell, domain.RoleSellLeg, r.opp.SellPrice),
	}
	r.mu.Unlock()

	var g errgroup.Group
	for i, v := range []*exchange.Venue{r.buy, r.sell} {
		g.Go(func() error {
			c.place(ctx, r, i, v)
			return nil
		})
	}
	_ = g.Wait()

	reason := c.await(ctx, r)

	// Last look before the verdict: fills may have landed since the last tick.
	rctx := r.recovery(ctx, c.cfg.RecoveryTimeout)
	c.refresh(rctx, r)
	if r.bothFilled() {
		return bothFilled{}
	}

	c.unwind(rctx, r)
	if r.bothFilled() {
		return bothFilled{}
	}
	if r.leg(buyIdx).FilledSize.IsZero() && r.leg(sellIdx).FilledSize.IsZero() {
		return failed{reason: reason}
	}
	return partial{reason: reason}
}

func (c *Coordinator) place(ctx context.Context, r *run, i int, v *exchange.Venue) {
	leg := r.leg(i)
	exID, err := v.Exchange.PlaceOrder(ctx, leg.Side, leg.Price, leg.Size)
	r.updateLeg(i, func(o *domain.Order) {
		o.UpdatedAt = c.now().UTC()
		if err != nil {
			o.Status = domain.OrderStatusFailed
			o.Error = err.Error()
			return
		}
		o.ExchangeOrderID = exID
	})
	if err != nil {
		c.deps.Metrics.RecordLegError(v.ID, err)
		r.log.Warn("leg placement failed",
			slog.String("role", string(leg.Role)),
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.log.Info("leg placed",
		slog.String("role", string(leg.Role)),
		slog.String("venue", string(v.ID)),
		slog.String("exchange_order_id", exID),
	)
}

// await polls open legs every status poll interval and returns the reason
// polling stopped ("" when both legs reached a terminal state).
func (c *Coordinator) await(ctx context.Context, r *run) string {
	deadline := time.NewTimer(c.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()

	c.refresh(ctx, r)
	for {
		if done, reason := r.doneWaiting(); done {
			return reason
		}
		select {
		case <-ctx.Done():
			return ReasonCancelled
		case <-r.cancelCh:
			return ReasonCancelled
		case <-deadline.C:
			return ReasonTimeout
		case <-ticker.C:
			c.refresh(ctx, r)
		}
	}
}

// refresh queries every non-terminal leg once.
func (c *Coordinator) refresh(ctx context.Context, r *run) {
	for i := 0; i < r.legCount(); i++ {
		c.refreshLeg(ctx, r, i)
	}
}

func (c *Coordinator) venueOf(r *run, o domain.Order) *exchange.Venue {
	if o.Venue == r.sell.ID {
		return r.sell
	}
	return r.buy
}

func (c *Coordinator) refreshLeg(ctx context.Context, r *run, i int) {
	leg := r.leg(i)
	if leg.Status.Terminal() || leg.ExchangeOrderID == "" {
		return
	}
	v := c.venueOf(r, leg)
	// One status call, retries included, must not outlast a poll tick.
	qctx, cancel := context.WithTimeout(ctx, c.cfg.StatusPollInterval)
	st, err := v.Exchange.GetOrderStatus(qctx, leg.ExchangeOrderID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.deps.Metrics.RecordLegError(v.ID, err)
			r.log.Warn("order status query failed",
				slog.String("role", string(leg.Role)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	r.updateLeg(i, func(o *domain.Order) { applyState(o, st, c.now().UTC()) })
}

// applyState folds a venue report into the order. Fills never go backwards.
func applyState(o *domain.Order, st domain.OrderState, at time.Time) {
	if st.Status != "" {
		o.Status = st.Status
	}
	if st.FilledSize.GreaterThan(o.FilledSize) {
		o.FilledSize = st.FilledSize
	}
	if st.AvgPrice.IsPositive() {
		o.AvgFillPrice = st.AvgPrice
	}
	o.UpdatedAt = at
}

// unwind cancels the open remainder of every leg and re-queries fills.
func (c *Coordinator) unwind(ctx context.Context, r *run) {
	for i := 0; i < r.legCount(); i++ {
		leg := r.leg(i)
		if leg.Status.Terminal() || leg.ExchangeOrderID == "" {
			continue
		}
		v := c.venueOf(r, leg)
		ok, err := v.Exchange.CancelOrder(ctx, leg.ExchangeOrderID)
		if err != nil {
			c.deps.Metrics.RecordLegError(v.ID, err)
			r.log.Error("cancel failed, leg may still trade",
				slog.String("role", string(leg.Role)),
				slog.String("exchange_order_id", leg.ExchangeOrderID),
				slog.String("error", err.Error()),
			)
			r.note("%s cancel failed: %v", leg.Role, err)
			continue
		}
		r.log.Info("leg remainder cancelled",
			slog.String("role", string(leg.Role)),
			slog.Bool("was_open", ok),
		)
		c.refreshLeg(ctx, r, i)
	}
}

// settleLegs releases the buy and sell reservations, debiting what was
// actually spent. Proceeds are not credited here; the refresh at resolution
// picks them up from the venue.
func (c *Coordinator) settleLegs(r *run) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	holds := r.holds
	var buy, sell domain.Order
	if len(r.exec.Legs) >= 2 {
		buy, sell = r.exec.Legs[buyIdx], r.exec.Legs[sellIdx]
	}
	r.mu.Unlock()

	one := decimal.NewFromInt(1)
	for _, h := range holds {
		switch {
		case h.Venue == r.buy.ID && h.Currency == c.cfg.Pair.Quote:
			spent := buy.Notional().Mul(one.Add(r.opp.BuyFeeRate))
			c.ledger.Settle(h, spent)
		case h.Venue == r.sell.ID && h.Currency == c.cfg.Pair.Base:
			c.ledger.Settle(h, sell.FilledSize)
		default:
			c.ledger.Release(h)
		}
	}
}

func (c *Coordinator) completeBoth(r *run) state {
	c.settleLegs(r)
	r.mu.Lock()
	r.exec.Outcome = domain.OutcomeBothFilled
	r.mu.Unlock()
	return resolved{}
}

func (c *Coordinator) fail(r *run, reason string) state {
	c.settleLegs(r)
	r.mu.Lock()
	r.exec.Outcome = domain.OutcomeFailed
	r.exec.Reason = reason
	r.mu.Unlock()
	return resolved{}
}

// Cancel asks a running execution to stop. Before submission it fails the
// execution without placing orders; after submission it stops polling and
// sends the execution through recovery.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("executor: cancel %s: %w", id, domain.ErrExecutionNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.exec.State {
	case domain.ExecPlanned:
		r.cancelReq = true
	case domain.ExecLegsSubmitted:
		r.cancelReq = true
		r.cancelOnce.Do(func() { close(r.cancelCh) })
	default:
		return fmt.Errorf("executor: cancel %s in state %s: %w", id, r.exec.State, domain.ErrNotCancellable)
	}
	r.log.Info("cancel requested", slog.String("state", string(r.exec.State)))
	return nil
}

// Active returns the executions currently in flight.
func (c *Coordinator) Active() []domain.Execution {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	out := make([]domain.Execution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// Get returns an in-flight execution.
func (c *Coordinator) Get(id string) (domain.Execution, bool) {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return domain.Execution{}, false
	}
	return r.snapshot(), true
}

// finish records the terminal state and resyncs both venues' balances from
// the adapters. Any reservation still held at this point is a bookkeeping
// bug; it is released and logged.
func (c *Coordinator) finish(ctx context.Context, r *run) domain.Execution {
	rctx := r.recovery(ctx, c.cfg.RecoveryTimeout)
	defer r.recoveryCancel()

	for _, h := range r.holds {
		if c.ledger.Release(h) {
			r.log.Error("reservation still held at resolution", slog.String("reservation_id", h.ID))
		}
	}
	c.resync(rctx, r)

	r.mu.Lock()
	computePnL(&r.exec, r.opp)
	done := c.now().UTC()
	r.exec.CompletedAt = &done
	if len(r.notes) > 0 {
		parts := append([]string(nil), r.notes...)
		if r.exec.Reason != "" {
			parts = append([]string{r.exec.Reason}, parts...)
		}
		r.exec.Reason = strings.Join(parts, "; ")
	}
	r.mu.Unlock()

	exec := r.snapshot()
	took := done.Sub(exec.StartedAt)
	c.deps.Metrics.RecordExecution(exec, took)

	attrs := []any{
		slog.String("outcome", string(exec.Outcome)),
		slog.String("realized_pnl", exec.RealizedPnL.String()),
		slog.String("fees", exec.TotalFees.String()),
		slog.Duration("took", took),
	}
	for _, leg := range exec.Legs {
		attrs = append(attrs, slog.Group(string(leg.Role),
			slog.String("status", string(leg.Status)),
			slog.String("filled", leg.FilledSize.String()),
			slog.String("size", leg.Size.String()),
		))
	}
	if exec.Reason != "" {
		attrs = append(attrs, slog.String("reason", exec.Reason))
	}
	switch exec.Outcome {
	case domain.OutcomePartial:
		attrs = append(attrs,
			slog.String("uncovered", exec.Uncovered.String()),
			slog.String("unsold", exec.Unsold.String()),
		)
		r.log.Warn("execution resolved", attrs...)
	case domain.OutcomeFailed:
		r.log.Warn("execution resolved", attrs...)
	default:
		r.log.Info("execution resolved", attrs...)
	}

	if c.deps.Alerts != nil {
		event, title, msg := notify.ExecutionAlert(exec)
		_ = c.deps.Alerts.Notify(rctx, event, title, msg)
	}
	if c.deps.Sink != nil {
		c.deps.Sink.ExecutionResolved(rctx, exec)
	}
	return exec
}

// resync replaces both venues' tracked totals with authoritative balances.
// Failures are logged; the periodic refresh catches up.
func (c *Coordinator) resync(ctx context.Context, r *run) {
	for _, v := range []*exchange.Venue{r.buy, r.sell} {
		if err := c.ledger.Refresh(ctx, v.ID); err != nil {
			r.log.Warn("balance resync failed",
				slog.String("venue", string(v.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// computePnL fills RealizedPnL and TotalFees from the legs. Only closed
// round trips are realised: the matched quantity of the two legs, plus
// whatever liquidation sold back against its buy cost. Unmatched base is
// reported through Uncovered and Unsold instead. The liquidation order
// trades on the buy venue at its fee rate.
func computePnL(exec *domain.Execution, opp domain.Opportunity) {
	one := decimal.NewFromInt(1)
	fees := decimal.Zero
	for i := range exec.Legs {
		o := &exec.Legs[i]
		rate := opp.BuyFeeRate
		if o.Role == domain.RoleSellLeg {
			rate = opp.SellFeeRate
		}
		o.Fee = o.Notional().Mul(rate)
		fees = fees.Add(o.Fee)
	}
	exec.TotalFees = fees

	buy, _ := exec.Leg(domain.RoleBuyLeg)
	sell, _ := exec.Leg(domain.RoleSellLeg)
	unitCost := buy.FillPrice().Mul(one.Add(opp.BuyFeeRate))

	matched := decimal.Min(buy.FilledSize, sell.FilledSize)
	pnl := matched.Mul(sell.FillPrice().Mul(one.Sub(opp.SellFeeRate)).Sub(unitCost))
	for _, o := range exec.Legs {
		if o.Role != domain.RoleLiquidation || !o.FilledSize.IsPositive() {
			continue
		}
		pnl = pnl.Add(o.FilledSize.Mul(o.FillPrice().Mul(one.Sub(opp.BuyFeeRate)).Sub(unitCost)))
	}
	exec.RealizedPnL = pnl
}
