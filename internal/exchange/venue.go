// Package exchange wraps venue adapters with the engine's per-venue metadata
// and cross-cutting decorators (FX normalisation, rate limiting, retries).
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

// Spec is the static description of a venue, resolved from configuration once
// at startup.
type Spec struct {
	ID                domain.VenueID
	Fees              domain.FeeSchedule
	MinOrderSize      decimal.Decimal
	PollInterval      time.Duration
	MinRequestSpacing time.Duration
	Latency           time.Duration
}

// Venue is a configured trading venue. Its identity and limits are fixed for
// the process lifetime; only the fee schedule and rate budget change.
type Venue struct {
	ID                domain.VenueID
	MinOrderSize      decimal.Decimal
	PollInterval      time.Duration
	MinRequestSpacing time.Duration
	Latency           time.Duration

	// Exchange is the decorated adapter every caller goes through.
	Exchange domain.Exchange

	feeSource domain.FeeSource
	fees      atomic.Pointer[domain.FeeSchedule]
	budget    atomic.Int64
}

// Decorator wraps an adapter. It receives the venue so it can tag errors and
// report state back to it.
type Decorator func(v *Venue, next domain.Exchange) domain.Exchange

// NewVenue builds a Venue around raw. Decorators are applied in order, so the
// first one is innermost. When raw implements domain.FeeSource the venue can
// refresh its fees from it.
func NewVenue(spec Spec, raw domain.Exchange, decorators ...Decorator) *Venue {
	v := &Venue{
		ID:                spec.ID,
		MinOrderSize:      spec.MinOrderSize,
		PollInterval:      spec.PollInterval,
		MinRequestSpacing: spec.MinRequestSpacing,
		Latency:           spec.Latency,
	}
	fees := spec.Fees
	v.fees.Store(&fees)
	v.budget.Store(-1)

	if fs, ok := raw.(domain.FeeSource); ok {
		v.feeSource = fs
	}

	ex := raw
	for _, d := range decorators {
		ex = d(v, ex)
	}
	v.Exchange = ex
	return v
}

// Fees returns the current fee schedule.
func (v *Venue) Fees() domain.FeeSchedule {
	return *v.fees.Load()
}

// SetFees atomically swaps the fee schedule.
func (v *Venue) SetFees(f domain.FeeSchedule) {
	v.fees.Store(&f)
}

// PollEvery is the effective quote polling period: the poll interval, but
// never faster than the venue's minimum request spacing.
func (v *Venue) PollEvery() time.Duration {
	if v.MinRequestSpacing > v.PollInterval {
		return v.MinRequestSpacing
	}
	return v.PollInterval
}

// RateBudget returns the remaining request budget from the last rate limit
// decision. ok is false until a rate-limited call has been made.
func (v *Venue) RateBudget() (remaining int, ok bool) {
	n := v.budget.Load()
	if n < 0 {
		return 0, false
	}
	return int(n), true
}

// HasFeeSource reports whether the adapter can report fees.
func (v *Venue) HasFeeSource() bool {
	return v.feeSource != nil
}

// RefreshFees reloads the fee schedule from the adapter. It is a no-op
// returning false when the adapter has no fee endpoint.
func (v *Venue) RefreshFees(ctx context.Context) (bool, error) {
	if v.feeSource == nil {
		return false, nil
	}
	f, err := v.feeSource.GetFees(ctx)
	if err != nil {
		return false, fmt.Errorf("exchange: refresh fees %s: %w", v.ID, err)
	}
	if f.Taker.IsNegative() || f.Maker.IsNegative() {
		return false, fmt.Errorf("exchange: refresh fees %s: negative fee rate", v.ID)
	}
	v.SetFees(f)
	return true, nil
}

// Set is the static venue map built at startup. Iteration follows
// configuration order.
type Set struct {
	byID  map[domain.VenueID]*Venue
	order []*Venue
}

// NewSet indexes venues, rejecting duplicate ids.
func NewSet(venues ...*Venue) (*Set, error) {
	s := &Set{
		byID:  make(map[domain.VenueID]*Venue, len(venues)),
		order: make([]*Venue, 0, len(venues)),
	}
	for _, v := range venues {
		if _, dup := s.byID[v.ID]; dup {
			return nil, fmt.Errorf("exchange: duplicate venue %q", v.ID)
		}
		s.byID[v.ID] = v
		s.order = append(s.order, v)
	}
	return s, nil
}

// Get returns the venue with id or domain.ErrUnknownVenue.
func (s *Set) Get(id domain.VenueID) (*Venue, error) {
	v, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("exchange: %q: %w", id, domain.ErrUnknownVenue)
	}
	return v, nil
}

// All returns the venues in configuration order. The slice must not be
// modified.
func (s *Set) All() []*Venue {
	return s.order
}

// IDs returns venue ids in configuration order.
func (s *Set) IDs() []domain.VenueID {
	ids := make([]domain.VenueID, len(s.order))
	for i, v := range s.order {
		ids[i] = v.ID
	}
	return ids
}

// Len returns the number of venues.
func (s *Set) Len() int {
	return len(s.order)
}

// RunFeeRefresh reloads fees from every venue that reports them, once per
// interval, until ctx is cancelled.
func (s *Set) RunFeeRefresh(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	log := logger.With(slog.String("component", "fee_refresh"))
	refresh := func() {
		for _, v := range s.order {
			ok, err := v.RefreshFees(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("fee refresh failed", slog.String("venue", string(v.ID)), slog.String("error", err.Error()))
				}
				continue
			}
			if ok {
				f := v.Fees()
				log.Debug("fees refreshed",
					slog.String("venue", string(v.ID)),
					slog.String("maker", f.Maker.String()),
					slog.String("taker", f.Taker.String()),
				)
			}
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
