// Package balance tracks per-venue capital and the provisional holds placed
// on it by in-flight executions.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type accountKey struct {
	venue    domain.VenueID
	currency domain.Currency
}

func (k accountKey) less(o accountKey) bool {
	if k.venue != o.venue {
		return k.venue < o.venue
	}
	return k.currency < o.currency
}

// account is one (venue, currency) ledger. Its mutex is the only lock taken
// when reserving against it.
type account struct {
	mu       sync.Mutex
	key      accountKey
	total    decimal.Decimal
	reserved decimal.Decimal
	holds    map[string]decimal.Decimal
	synced   time.Time
}

func (a *account) availableLocked() decimal.Decimal {
	av := a.total.Sub(a.reserved)
	if av.IsNegative() {
		return decimal.Zero
	}
	return av
}

func (a *account) snapshotLocked() domain.Balance {
	return domain.Balance{
		Venue:     a.key.venue,
		Currency:  a.key.currency,
		Total:     a.total,
		Available: a.availableLocked(),
		Reserved:  a.reserved,
	}
}

// Tracker holds the balance of every venue in the pair's two currencies.
// The account set is fixed at construction so lookups need no global lock.
type Tracker struct {
	venues   *exchange.Set
	pair     domain.Pair
	accounts map[accountKey]*account
	order    []accountKey
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker with an empty account for the base and quote
// currency of every venue. Call Refresh or Run to load real balances.
func NewTracker(venues *exchange.Set, pair domain.Pair, metrics *observability.Metrics, logger *slog.Logger) *Tracker {
	t := &Tracker{
		venues:   venues,
		pair:     pair,
		accounts: make(map[accountKey]*account),
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "balance_tracker")),
		now:      time.Now,
	}
	for _, v := range venues.All() {
		for _, c := range []domain.Currency{pair.Base, pair.Quote} {
			k := accountKey{venue: v.ID, currency: c}
			t.accounts[k] = &account{key: k, holds: make(map[string]decimal.Decimal)}
			t.order = append(t.order, k)
		}
	}
	return t
}

func (t *Tracker) account(venue domain.VenueID, currency domain.Currency) (*account, error) {
	a, ok := t.accounts[accountKey{venue: venue, currency: currency}]
	if !ok {
		return nil, fmt.Errorf("balance: %s/%s: %w", venue, currency, domain.ErrUnknownVenue)
	}
	return a, nil
}

// Reserve places a hold of amount. It refuses, returning false, when the
// hold would drive available below zero or amount is not positive.
func (t *Tracker) Reserve(venue domain.VenueID, currency domain.Currency, amount decimal.Decimal) (domain.Reservation, bool) {
	res, err := t.ReserveAll(domain.ReservationRequest{Venue: venue, Currency: currency, Amount: amount})
	if err != nil {
		return domain.Reservation{}, false
	}
	return res[0], true
}

// ReserveAll reserves every request or none. The affected accounts are locked
// in a fixed key order so concurrent callers cannot deadlock. Several
// requests against the same account are checked against its combined
// available amount.
func (t *Tracker) ReserveAll(reqs ...domain.ReservationRequest) ([]domain.Reservation, error) {
	need := make(map[accountKey]decimal.Decimal, len(reqs))
	for _, r := range reqs {
		if !r.Amount.IsPositive() {
			return nil, fmt.Errorf("balance: reserve %s/%s: amount must be positive", r.Venue, r.Currency)
		}
		if _, err := t.account(r.Venue, r.Currency); err != nil {
			return nil, err
		}
		k := accountKey{venue: r.Venue, currency: r.Currency}
		need[k] = need[k].Add(r.Amount)
	}

	keys := make([]accountKey, 0, len(need))
	for k := range need {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	locked := make([]*account, 0, len(keys))
	for _, k := range keys {
		a := t.accounts[k]
		a.mu.Lock()
		locked = append(locked, a)
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	for _, a := range locked {
		if need[a.key].GreaterThan(a.availableLocked()) {
			return nil, fmt.Errorf("balance: reserve %s %s of %s (available %s): %w",
				need[a.key], a.key.currency, a.key.venue, a.availableLocked(), domain.ErrInsufficientBalance)
		}
	}

	out := make([]domain.Reservation, 0, len(reqs))
	for _, r := range reqs {
		a := t.accounts[accountKey{venue: r.Venue, currency: r.Currency}]
		res := domain.Reservation{
			ID:       uuid.NewString(),
			Venue:    r.Venue,
			Currency: r.Currency,
			Amount:   r.Amount,
		}
		a.holds[res.ID] = r.Amount
		a.reserved = a.reserved.Add(r.Amount)
		out = append(out, res)
	}
	for _, a := range locked {
		t.metrics.SetBalance(a.snapshotLocked())
	}
	return out, nil
}

// Release drops a hold. Releasing the same reservation twice is a no-op; the
// return value reports whether this call released it.
func (t *Tracker) Release(res domain.Reservation) bool {
	a, err := t.account(res.Venue, res.Currency)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return t.releaseLocked(a, res.ID)
}

func (t *Tracker) releaseLocked(a *account, id string) bool {
	amt, ok := a.holds[id]
	if !ok {
		return false
	}
	delete(a.holds, id)
	a.reserved = a.reserved.Sub(amt)
	t.metrics.SetBalance(a.snapshotLocked())
	return true
}

// Settle releases res and debits the amount that was actually spent from the
// account total, so the next cycle sees the fill before the venue confirms it.
// Proceeds are never added locally. A refresh that already saw the fill makes
// the debit count twice, which only understates the balance until the next
// refresh.
func (t *Tracker) Settle(res domain.Reservation, debit decimal.Decimal) bool {
	a, err := t.account(res.Venue, res.Currency)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	released := t.releaseLocked(a, res.ID)
	if released && debit.IsPositive() {
		a.total = a.total.Sub(debit)
		t.metrics.SetBalance(a.snapshotLocked())
	}
	return released
}

// Refresh replaces the venue's totals with the adapter's authoritative
// balances. Reserved is recomputed from the holds still in flight.
func (t *Tracker) Refresh(ctx context.Context, venue domain.VenueID) error {
	v, err := t.venues.Get(venue)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range []domain.Currency{t.pair.Base, t.pair.Quote} {
		total, err := v.Exchange.GetBalance(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance: refresh %s/%s: %w", venue, c, err))
			continue
		}
		t.apply(venue, c, total)
	}
	return errors.Join(errs...)
}

func (t *Tracker) apply(venue domain.VenueID, currency domain.Currency, total decimal.Decimal) {
	a := t.accounts[accountKey{venue: venue, currency: currency}]
	a.mu.Lock()
	defer a.mu.Unlock()

	reserved := decimal.Zero
	for _, amt := range a.holds {
		reserved = reserved.Add(amt)
	}
	a.total = total
	a.reserved = reserved
	a.synced = t.now()

	if reserved.GreaterThan(total) {
		t.logger.Warn("reserved exceeds authoritative balance",
			slog.String("venue", string(venue)),
			slog.String("currency", string(currency)),
			slog.String("total", total.String()),
			slog.String("reserved", reserved.String()),
		)
	}
	t.metrics.SetBalance(a.snapshotLocked())
}

// RefreshAll refreshes every venue concurrently.
func (t *Tracker) RefreshAll(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range t.venues.All() {
		id := v.ID
		g.Go(func() error {
			if err := t.Refresh(gctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run refreshes every venue on its own goroutine every interval until ctx is
// cancelled. Refresh failures are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range t.venues.All() {
		id := v.ID
		g.Go(func() error {
			t.refreshLoop(gctx, id, interval)
			return nil
		})
	}
	return g.Wait()
}

func (t *Tracker) refreshLoop(ctx context.Context, venue domain.VenueID, interval time.Duration) {
	log := t.logger.With(slog.String("venue", string(venue)))
	refresh := func() {
		if err := t.Refresh(ctx, venue); err != nil && ctx.Err() == nil {
			log.Warn("balance refresh failed", slog.String("error", err.Error()))
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Balance returns one account.
func (t *Tracker) Balance(venue domain.VenueID, currency domain.Currency) (domain.Balance, error) {
	a, err := t.account(venue, currency)
	if err != nil {
		return domain.Balance{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(), nil
}

// Balances returns every account in venue configuration order.
func (t *Tracker) Balances() []domain.Balance {
	out := make([]domain.Balance, 0, len(t.order))
	for _, k := range t.order {
		a := t.accounts[k]
		a.mu.Lock()
		out = append(out, a.snapshotLocked())
		a.mu.Unlock()
	}
	return out
}

// Sheet returns the available amounts the detector sizes against.
func (t *Tracker) Sheet() domain.BalanceSheet {
	sheet := make(domain.BalanceSheet, t.venues.Len())
	for _, b := range t.Balances() {
		if sheet[b.Venue] == nil {
			sheet[b.Venue] = make(map[domain.Currency]decimal.Decimal, 2)
		}
		sheet[b.Venue][b.Currency] = b.Available
	}
	return sheet
}

// Holds returns the number of outstanding reservations across all accounts.
func (t *Tracker) Holds() int {
	n := 0
	for _, a := range t.accounts {
		a.mu.Lock()
		n += len(a.holds)
		a.mu.Unlock()
	}
	return n
}
