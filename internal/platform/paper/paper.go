// Package paper implements an in-memory venue used for paper trading, dry
// runs and tests. It satisfies domain.Exchange and domain.FeeSource and
// settles fills against its own balances.
package paper

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillMode controls how the simulated matching engine treats new orders.
type FillMode string

const (
	// FillImmediate fills every order in full at its limit price.
	FillImmediate FillMode = "immediate"
	// FillPartial fills PartialRatio of the size and leaves the rest open.
	FillPartial FillMode = "partial"
	// FillNever accepts orders and leaves them pending.
	FillNever FillMode = "never"
	// FillReject refuses every order.
	FillReject FillMode = "reject"
)

// Op names an adapter call for error injection.
type Op string

const (
	OpQuote   Op = "get_quote"
	OpBalance Op = "get_balance"
	OpPlace   Op = "place_order"
	OpStatus  Op = "get_order_status"
	OpCancel  Op = "cancel_order"
	OpFees    Op = "get_fees"
)

// Config seeds a paper venue.
type Config struct {
	Venue domain.VenueID
	Base  domain.Currency
	// Quote is the currency this venue books in, which may differ from the
	// engine's pair quote (see exchange.WithFX).
	Quote        domain.Currency
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Depth        decimal.Decimal
	JitterBps    float64
	Fees         domain.FeeSchedule
	FillMode     FillMode
	PartialRatio decimal.Decimal
	Balances     map[domain.Currency]decimal.Decimal
}

type order struct {
	id     string
	side   domain.OrderSide
	price  decimal.Decimal
	size   decimal.Decimal
	filled decimal.Decimal
	status domain.OrderStatus
}

// Exchange is the simulated venue.
type Exchange struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	bid      decimal.Decimal
	bidSize  decimal.Decimal
	ask      decimal.Decimal
	askSize  decimal.Decimal
	fees     domain.FeeSchedule
	mode     FillMode
	ratio    decimal.Decimal
	balances map[domain.Currency]decimal.Decimal
	orders   map[string]*order
	errs     map[Op]error
	rng      *rand.Rand
}

// New creates a paper venue from cfg.
func New(cfg Config) *Exchange {
	if cfg.Depth.IsZero() {
		cfg.Depth = decimal.NewFromInt(1)
	}
	if cfg.FillMode == "" {
		cfg.FillMode = FillImmediate
	}
	if cfg.PartialRatio.IsZero() {
		cfg.PartialRatio = decimal.RequireFromString("0.5")
	}
	if cfg.Base == "" {
		cfg.Base = "BTC"
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}

	balances := make(map[domain.Currency]decimal.Decimal, len(cfg.Balances))
	for c, v := range cfg.Balances {
		balances[c] = v
	}

	return &Exchange{
		cfg:      cfg,
		now:      time.Now,
		bid:      cfg.Bid,
		bidSize:  cfg.Depth,
		ask:      cfg.Ask,
		askSize:  cfg.Depth,
		fees:     cfg.Fees,
		mode:     cfg.FillMode,
		ratio:    cfg.PartialRatio,
		balances: balances,
		orders:   make(map[string]*order),
		errs:     make(map[Op]error),
		rng:      rand.New(rand.NewPCG(uint64(len(cfg.Venue)), uint64(time.Now().UnixNano()))),
	}
}

// SetClock overrides the time source used for quote timestamps.
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetQuote replaces the top of book.
func (e *Exchange) SetQuote(bid, bidSize, ask, askSize decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bid, e.bidSize, e.ask, e.askSize = bid, bidSize, ask, askSize
}

// SetBalance overwrites the holding of one currency.
func (e *Exchange) SetBalance(c domain.Currency, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[c] = amount
}

// SetFillMode changes how subsequent orders are matched.
func (e *Exchange) SetFillMode(m FillMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// SetPartialRatio sets the fraction filled in FillPartial mode.
func (e *Exchange) SetPartialRatio(r decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ratio = r
}

// SetFees changes the schedule returned by GetFees and charged on fills.
func (e *Exchange) SetFees(f domain.FeeSchedule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = f
}

// InjectError makes every call of op fail with err until cleared with a nil
// error.
func (e *Exchange) InjectError(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.errs, op)
		return
	}
	e.errs[op] = err
}

// Fill adds size to an open order's fill, completing it when the full size
// has traded. It lets tests drive fills that arrive after placement.
func (e *Exchange) Fill(orderID string, size decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: fill %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if o.status.Terminal() {
		return fmt.Errorf("paper: fill %s: order is %s", orderID, o.status)
	}
	e.fillLocked(o, decimal.Min(size, o.size.Sub(o.filled)))
	return nil
}

// OpenOrders returns the ids of orders that can still trade, sorted.
func (e *Exchange) OpenOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, o := range e.orders {
		if !o.status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Exchange) injected(op Op) error {
	if err, ok := e.errs[op]; ok {
		return err
	}
	return nil
}

// GetQuote returns the current book, optionally jittered.
func (e *Exchange) GetQuote(_ context.Context) (domain.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpQuote); err != nil {
		return domain.Quote{}, err
	}

	bid, ask := e.bid, e.ask
	if e.cfg.JitterBps > 0 {
		shift := decimal.NewFromFloat((e.rng.Float64()*2 - 1) * e.cfg.JitterBps / 10_000)
		bid = bid.Mul(decimal.NewFromInt(1).Add(shift)).Round(2)
		ask = ask.Mul(decimal.NewFromInt(1).Add(shift)).Round(2)
	}

	return domain.Quote{
		Venue:     e.cfg.Venue,
		BidPrice:  bid,
		BidSize:   e.bidSize,
		AskPrice:  ask,
		AskSize:   e.askSize,
		Timestamp: e.now(),
	}, nil
}

// GetBalance returns the total holding of currency.
func (e *Exchange) GetBalance(_ context.Context, currency domain.Currency) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpBalance); err != nil {
		return decimal.Zero, err
	}
	return e.balances[currency], nil
}

// GetFees returns the configured fee schedule.
func (e *Exchange) GetFees(_ context.Context) (domain.FeeSchedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpFees); err != nil {
		return domain.FeeSchedule{}, err
	}
	return e.fees, nil
}

// PlaceOrder accepts a limit order and matches it according to the fill mode.
func (e *Exchange) PlaceOrder(_ context.Context, side domain.OrderSide, price, size decimal.Decimal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpPlace); err != nil {
		return "", err
	}

	if !price.IsPositive() || !size.IsPositive() {
		return "", &domain.RejectedError{Venue: e.cfg.Venue, Reason: "price and size must be positive"}
	}
	if e.mode == FillReject {
		return "", &domain.RejectedError{Venue: e.cfg.Venue, Reason: "order refused"}
	}
	switch side {
	case domain.OrderSideBuy:
		cost := price.Mul(size).Mul(decimal.NewFromInt(1).Add(e.fees.Taker))
		if e.balances[e.cfg.Quote].LessThan(cost) {
			return "", &domain.RejectedError{Venue: e.cfg.Venue, Reason: "insufficient " + string(e.cfg.Quote)}
		}
	case domain.OrderSideSell:
		if e.balances[e.cfg.Base].LessThan(size) {
			return "", &domain.RejectedError{Venue: e.cfg.Venue, Reason: "insufficient " + string(e.cfg.Base)}
		}
	default:
		return "", &domain.RejectedError{Venue: e.cfg.Venue, Reason: fmt.Sprintf("unknown side %q", side)}
	}

	o := &order{
		id:     uuid.NewString(),
		side:   side,
		price:  price,
		size:   size,
		status: domain.OrderStatusPending,
	}
	e.orders[o.id] = o

	switch e.mode {
	case FillImmediate:
		e.fillLocked(o, size)
	case FillPartial:
		e.fillLocked(o, size.Mul(e.ratio).Truncate(8))
	}
	return o.id, nil
}

// fillLocked trades qty of o and settles balances. Caller holds e.mu.
func (e *Exchange) fillLocked(o *order, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	one := decimal.NewFromInt(1)
	notional := qty.Mul(o.price)
	base, quote := e.cfg.Base, e.cfg.Quote
	if o.side == domain.OrderSideBuy {
		e.balances[base] = e.balances[base].Add(qty)
		e.balances[quote] = e.balances[quote].Sub(notional.Mul(one.Add(e.fees.Taker)))
	} else {
		e.balances[base] = e.balances[base].Sub(qty)
		e.balances[quote] = e.balances[quote].Add(notional.Mul(one.Sub(e.fees.Taker)))
	}

	o.filled = o.filled.Add(qty)
	if o.filled.GreaterThanOrEqual(o.size) {
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartiallyFilled
	}
}

// GetOrderStatus reports the order's state.
func (e *Exchange) GetOrderStatus(_ context.Context, orderID string) (domain.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpStatus); err != nil {
		return domain.OrderState{}, err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("paper: status %s: %w", orderID, domain.ErrUnknownOrder)
	}
	st := domain.OrderState{Status: o.status, FilledSize: o.filled}
	if o.filled.IsPositive() {
		st.AvgPrice = o.price
	}
	return st, nil
}

// CancelOrder cancels the open remainder. It returns false when the order had
// already reached a terminal state.
func (e *Exchange) CancelOrder(_ context.Context, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(OpCancel); err != nil {
		return false, err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return false, fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if o.status.Terminal() {
		return false, nil
	}
	o.status = domain.OrderStatusCancelled
	return true, nil
}
