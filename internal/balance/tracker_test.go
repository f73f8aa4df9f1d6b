package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/platform/paper"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pair = domain.Pair{Base: "BTC", Quote: "USD"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Tracker, map[domain.VenueID]*paper.Exchange) {
	t.Helper()
	papers := map[domain.VenueID]*paper.Exchange{}
	var venues []*exchange.Venue
	for _, id := range []domain.VenueID{"a", "b"} {
		p := paper.New(paper.Config{
			Venue:    id,
			Bid:      d("100"),
			Ask:      d("101"),
			Balances: map[domain.Currency]decimal.Decimal{"BTC": d("1"), "USD": d("100")},
		})
		papers[id] = p
		venues = append(venues, exchange.NewVenue(exchange.Spec{ID: id}, p))
	}
	set, err := exchange.NewSet(venues...)
	require.NoError(t, err)

	tr := NewTracker(set, pair, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, tr.RefreshAll(context.Background()))
	return tr, papers
}

func TestReserve_NeverDrivesAvailableNegative(t *testing.T) {
	tr, _ := setup(t)

	r1, ok := tr.Reserve("a", "USD", d("60"))
	require.True(t, ok)
	_, ok = tr.Reserve("a", "USD", d("50"))
	assert.False(t, ok)

	b, err := tr.Balance("a", "USD")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("40")))
	assert.True(t, b.Reserved.Equal(d("60")))
	assert.True(t, b.Available.Add(b.Reserved).LessThanOrEqual(b.Total))

	_, ok = tr.Reserve("a", "USD", d("0"))
	assert.False(t, ok)
	_, ok = tr.Reserve("zzz", "USD", d("1"))
	assert.False(t, ok)

	assert.True(t, tr.Release(r1))
}

func TestReserveAll_AllOrNothing(t *testing.T) {
	tr, _ := setup(t)

	_, err := tr.ReserveAll(
		domain.ReservationRequest{Venue: "a", Currency: "USD", Amount: d("50")},
		domain.ReservationRequest{Venue: "b", Currency: "BTC", Amount: d("2")},
	)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, 0, tr.Holds())

	b, _ := tr.Balance("a", "USD")
	assert.True(t, b.Available.Equal(d("100")))

	// Two requests on one account are checked together.
	_, err = tr.ReserveAll(
		domain.ReservationRequest{Venue: "a", Currency: "USD", Amount: d("60")},
		domain.ReservationRequest{Venue: "a", Currency: "USD", Amount: d("60")},
	)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	res, err := tr.ReserveAll(
		domain.ReservationRequest{Venue: "a", Currency: "USD", Amount: d("50.05")},
		domain.ReservationRequest{Venue: "b", Currency: "BTC", Amount: d("0.5")},
	)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 2, tr.Holds())
}

func TestRelease_ExactlyOnce(t *testing.T) {
	tr, _ := setup(t)
	res, ok := tr.Reserve("b", "BTC", d("0.4"))
	require.True(t, ok)

	assert.True(t, tr.Release(res))
	assert.False(t, tr.Release(res))
	assert.False(t, tr.Settle(res, d("0.4")))

	b, _ := tr.Balance("b", "BTC")
	assert.True(t, b.Total.Equal(d("1")))
	assert.True(t, b.Available.Equal(d("1")))
	assert.True(t, b.Reserved.IsZero())
}

func TestSettle_DebitsWithoutCrediting(t *testing.T) {
	tr, papers := setup(t)
	res, ok := tr.Reserve("a", "USD", d("50.05"))
	require.True(t, ok)

	assert.True(t, tr.Settle(res, d("30")))

	usd, _ := tr.Balance("a", "USD")
	btc, _ := tr.Balance("a", "BTC")
	assert.True(t, usd.Total.Equal(d("70")))
	assert.True(t, usd.Available.Equal(d("70")))
	assert.True(t, btc.Total.Equal(d("1")), "bought base waits for the venue")

	papers["a"].SetBalance("USD", d("70"))
	papers["a"].SetBalance("BTC", d("1.3"))
	require.NoError(t, tr.Refresh(context.Background(), "a"))
	btc, _ = tr.Balance("a", "BTC")
	assert.True(t, btc.Total.Equal(d("1.3")))
}

func TestSettle_AfterRefreshNeverOverstates(t *testing.T) {
	tr, papers := setup(t)
	res, ok := tr.Reserve("a", "USD", d("50.05"))
	require.True(t, ok)

	// The venue reports the fill before the hold is settled.
	papers["a"].SetBalance("USD", d("70"))
	require.NoError(t, tr.Refresh(context.Background(), "a"))
	usd, _ := tr.Balance("a", "USD")
	assert.True(t, usd.Available.LessThanOrEqual(d("70")))

	assert.True(t, tr.Settle(res, d("30")))
	usd, _ = tr.Balance("a", "USD")
	assert.True(t, usd.Total.LessThanOrEqual(d("70")), usd.Total.String())
	assert.True(t, usd.Available.LessThanOrEqual(d("70")))

	require.NoError(t, tr.Refresh(context.Background(), "a"))
	usd, _ = tr.Balance("a", "USD")
	assert.True(t, usd.Total.Equal(d("70")))
	assert.True(t, usd.Available.Equal(d("70")))
}

func TestRefresh_RecomputesFromInFlightHolds(t *testing.T) {
	tr, papers := setup(t)
	_, ok := tr.Reserve("a", "USD", d("80"))
	require.True(t, ok)

	papers["a"].SetBalance("USD", d("50"))
	require.NoError(t, tr.Refresh(context.Background(), "a"))

	b, _ := tr.Balance("a", "USD")
	assert.True(t, b.Total.Equal(d("50")))
	assert.True(t, b.Reserved.Equal(d("80")))
	assert.True(t, b.Available.IsZero())

	sheet := tr.Sheet()
	assert.True(t, sheet.Available("a", "USD").IsZero())
	assert.True(t, sheet.Available("b", "BTC").Equal(d("1")))
}

func TestRefresh_KeepsLastKnownOnError(t *testing.T) {
	tr, papers := setup(t)
	papers["b"].InjectError(paper.OpBalance, &domain.TransientError{Venue: "b", Op: "get_balance", Err: errors.New("502")})
	papers["b"].SetBalance("BTC", d("9"))

	err := tr.Refresh(context.Background(), "b")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	b, _ := tr.Balance("b", "BTC")
	assert.True(t, b.Total.Equal(d("1")))
}

func TestConcurrentReservationsStayConservative(t *testing.T) {
	tr, _ := setup(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.ReserveAll(
				domain.ReservationRequest{Venue: "a", Currency: "USD", Amount: d("7")},
				domain.ReservationRequest{Venue: "b", Currency: "BTC", Amount: d("0.01")},
			); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, granted)
	b, _ := tr.Balance("a", "USD")
	assert.False(t, b.Available.IsNegative())
	assert.True(t, b.Reserved.Equal(d("98")))
}
