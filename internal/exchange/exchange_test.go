package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubExchange records calls and returns scripted errors.
type stubExchange struct {
	quote       domain.Quote
	balances    map[domain.Currency]decimal.Decimal
	quoteErrs   []error
	placeErr    error
	quoteCalls  int
	placeCalls  int
	placedPrice decimal.Decimal
	fees        *domain.FeeSchedule
}

func (s *stubExchange) GetQuote(context.Context) (domain.Quote, error) {
	s.quoteCalls++
	if len(s.quoteErrs) > 0 {
		err := s.quoteErrs[0]
		s.quoteErrs = s.quoteErrs[1:]
		if err != nil {
			return domain.Quote{}, err
		}
	}
	return s.quote, nil
}

func (s *stubExchange) GetBalance(_ context.Context, c domain.Currency) (decimal.Decimal, error) {
	return s.balances[c], nil
}

func (s *stubExchange) PlaceOrder(_ context.Context, _ domain.OrderSide, price, _ decimal.Decimal) (string, error) {
	s.placeCalls++
	s.placedPrice = price
	if s.placeErr != nil {
		return "", s.placeErr
	}
	return "ord-1", nil
}

func (s *stubExchange) GetOrderStatus(context.Context, string) (domain.OrderState, error) {
	return domain.OrderState{Status: domain.OrderStatusFilled, FilledSize: d("1"), AvgPrice: d("90")}, nil
}

func (s *stubExchange) CancelOrder(context.Context, string) (bool, error) { return true, nil }

type feeStub struct {
	stubExchange
}

func (f *feeStub) GetFees(context.Context) (domain.FeeSchedule, error) {
	return *f.fees, nil
}

type fakeLimiter struct {
	allowed   bool
	remaining int
	err       error
	keys      []string
}

func (f *fakeLimiter) Take(_ context.Context, key string, _ int, _ time.Duration) (domain.RateDecision, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return domain.RateDecision{}, f.err
	}
	return domain.RateDecision{Allowed: f.allowed, Remaining: f.remaining}, nil
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	dec, err := f.Take(ctx, key, limit, window)
	return dec.Allowed, err
}

func TestWithFX_ConvertsBothWays(t *testing.T) {
	raw := &stubExchange{
		quote:    domain.Quote{BidPrice: d("90"), AskPrice: d("91"), BidSize: d("1"), AskSize: d("1")},
		balances: map[domain.Currency]decimal.Decimal{"EUR": d("1000"), "BTC": d("2")},
	}
	v := NewVenue(Spec{ID: "kraken"}, raw, WithFX("USD", "EUR", d("1.1")))
	ctx := context.Background()

	q, err := v.Exchange.GetQuote(ctx)
	require.NoError(t, err)
	assert.True(t, q.BidPrice.Equal(d("99")))
	assert.True(t, q.AskPrice.Equal(d("100.1")))

	usd, err := v.Exchange.GetBalance(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, usd.Equal(d("1100")))

	btc, err := v.Exchange.GetBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, btc.Equal(d("2")))

	_, err = v.Exchange.PlaceOrder(ctx, domain.OrderSideBuy, d("110"), d("1"))
	require.NoError(t, err)
	assert.True(t, raw.placedPrice.Equal(d("100")))

	st, err := v.Exchange.GetOrderStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, st.AvgPrice.Equal(d("99")))
}

func TestWithFX_SameCurrencyIsPassThrough(t *testing.T) {
	raw := &stubExchange{}
	v := NewVenue(Spec{ID: "a"}, raw, WithFX("USD", "USD", d("1")))
	assert.Same(t, raw, v.Exchange.(*stubExchange))
}

func TestWithRetry_RetriesTransientOnly(t *testing.T) {
	transient := &domain.TransientError{Venue: "a", Op: "get_quote", Err: errors.New("timeout")}
	raw := &stubExchange{
		quote:     domain.Quote{BidPrice: d("1"), AskPrice: d("2")},
		quoteErrs: []error{transient, transient, nil},
	}
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: time.Second}
	v := NewVenue(Spec{ID: "a"}, raw, WithRetry(policy, testLogger))

	q, err := v.Exchange.GetQuote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.AskPrice.Equal(d("2")))
	assert.Equal(t, 3, raw.quoteCalls)

	auth := &domain.AuthError{Venue: "a", Op: "get_quote", Err: errors.New("bad key")}
	raw.quoteErrs = []error{auth, nil}
	raw.quoteCalls = 0
	_, err = v.Exchange.GetQuote(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 1, raw.quoteCalls)
}

func TestWithRetry_NeverRetriesPlacement(t *testing.T) {
	raw := &stubExchange{placeErr: &domain.TransientError{Venue: "a", Op: "place_order", Err: errors.New("502")}}
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: time.Second}
	v := NewVenue(Spec{ID: "a"}, raw, WithRetry(policy, testLogger))

	_, err := v.Exchange.PlaceOrder(context.Background(), domain.OrderSideBuy, d("1"), d("1"))
	require.Error(t, err)
	assert.Equal(t, 1, raw.placeCalls)
}

func TestWithRateLimit(t *testing.T) {
	raw := &stubExchange{quote: domain.Quote{BidPrice: d("1"), AskPrice: d("2")}}
	lim := &fakeLimiter{allowed: false, remaining: 0}
	v := NewVenue(Spec{ID: "bitstamp"}, raw, WithRateLimit(lim, 10, time.Second, testLogger))

	_, ok := v.RateBudget()
	assert.False(t, ok)

	_, err := v.Exchange.GetQuote(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 0, raw.quoteCalls)
	assert.Equal(t, []string{"venue:bitstamp"}, lim.keys)

	lim.allowed, lim.remaining = true, 7
	_, err = v.Exchange.GetQuote(context.Background())
	require.NoError(t, err)
	n, ok := v.RateBudget()
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	lim.err = errors.New("redis down")
	_, err = v.Exchange.GetQuote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, raw.quoteCalls)
}

func TestVenue_RefreshFees(t *testing.T) {
	plain := NewVenue(Spec{ID: "a", Fees: domain.FeeScheduleFromBps(10, 20)}, &stubExchange{})
	ok, err := plain.RefreshFees(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, plain.Fees().Taker.Equal(d("0.002")))

	next := domain.FeeScheduleFromBps(5, 15)
	src := &feeStub{stubExchange{fees: &next}}
	v := NewVenue(Spec{ID: "b", Fees: domain.FeeScheduleFromBps(10, 20)}, src, WithFX("USD", "EUR", d("1.1")))
	require.True(t, v.HasFeeSource())
	ok, err = v.RefreshFees(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Fees().Taker.Equal(d("0.0015")))
}

func TestVenue_PollEvery(t *testing.T) {
	v := NewVenue(Spec{ID: "a", PollInterval: time.Second, MinRequestSpacing: 3 * time.Second}, &stubExchange{})
	assert.Equal(t, 3*time.Second, v.PollEvery())
	v = NewVenue(Spec{ID: "a", PollInterval: 2 * time.Second}, &stubExchange{})
	assert.Equal(t, 2*time.Second, v.PollEvery())
}

func TestSet(t *testing.T) {
	a := NewVenue(Spec{ID: "a"}, &stubExchange{})
	b := NewVenue(Spec{ID: "b"}, &stubExchange{})

	s, err := NewSet(a, b)
	require.NoError(t, err)
	assert.Equal(t, []domain.VenueID{"a", "b"}, s.IDs())
	assert.Equal(t, 2, s.Len())

	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = s.Get("zzz")
	assert.ErrorIs(t, err, domain.ErrUnknownVenue)

	_, err = NewSet(a, a)
	require.Error(t, err)
}
