package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue(mode FillMode) *Exchange {
	return New(Config{
		Venue:    "paper-a",
		Bid:      d("100"),
		Ask:      d("101"),
		Depth:    d("2"),
		Fees:     domain.FeeScheduleFromBps(0, 10),
		FillMode: mode,
		Balances: map[domain.Currency]decimal.Decimal{"BTC": d("1"), "USD": d("1000")},
	})
}

func TestGetQuote(t *testing.T) {
	ex := newVenue(FillImmediate)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ex.SetClock(func() time.Time { return at })

	q, err := ex.GetQuote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VenueID("paper-a"), q.Venue)
	assert.True(t, q.BidPrice.Equal(d("100")))
	assert.True(t, q.AskSize.Equal(d("2")))
	assert.Equal(t, at, q.Timestamp)
}

func TestPlaceOrder_ImmediateSettlesBalances(t *testing.T) {
	ex := newVenue(FillImmediate)
	ctx := context.Background()

	id, err := ex.PlaceOrder(ctx, domain.OrderSideBuy, d("100"), d("2"))
	require.NoError(t, err)

	st, err := ex.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, st.Status)
	assert.True(t, st.FilledSize.Equal(d("2")))
	assert.True(t, st.AvgPrice.Equal(d("100")))

	usd, _ := ex.GetBalance(ctx, "USD")
	btc, _ := ex.GetBalance(ctx, "BTC")
	assert.True(t, usd.Equal(d("799.8")), usd.String())
	assert.True(t, btc.Equal(d("3")))

	_, err = ex.PlaceOrder(ctx, domain.OrderSideSell, d("100"), d("1"))
	require.NoError(t, err)
	usd, _ = ex.GetBalance(ctx, "USD")
	assert.True(t, usd.Equal(d("899.7")), usd.String())
}

func TestPlaceOrder_Rejections(t *testing.T) {
	ctx := context.Background()

	ex := newVenue(FillReject)
	_, err := ex.PlaceOrder(ctx, domain.OrderSideBuy, d("100"), d("1"))
	assert.True(t, domain.IsRejected(err))

	ex = newVenue(FillImmediate)
	_, err = ex.PlaceOrder(ctx, domain.OrderSideSell, d("100"), d("5"))
	assert.True(t, domain.IsRejected(err))
	_, err = ex.PlaceOrder(ctx, domain.OrderSideBuy, d("100"), d("20"))
	assert.True(t, domain.IsRejected(err))
	_, err = ex.PlaceOrder(ctx, domain.OrderSideBuy, d("0"), d("1"))
	assert.True(t, domain.IsRejected(err))
}

func TestPartialFillAndCancel(t *testing.T) {
	ex := newVenue(FillPartial)
	ex.SetPartialRatio(d("0.6"))
	ctx := context.Background()

	id, err := ex.PlaceOrder(ctx, domain.OrderSideSell, d("100"), d("0.5"))
	require.NoError(t, err)
	st, err := ex.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.Status)
	assert.True(t, st.FilledSize.Equal(d("0.3")))
	assert.Equal(t, []string{id}, ex.OpenOrders())

	ok, err := ex.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ex.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	st, _ = ex.GetOrderStatus(ctx, id)
	assert.Equal(t, domain.OrderStatusCancelled, st.Status)
	assert.True(t, st.FilledSize.Equal(d("0.3")))
	assert.Empty(t, ex.OpenOrders())
}

func TestFillDrivesPendingOrder(t *testing.T) {
	ex := newVenue(FillNever)
	ctx := context.Background()

	id, err := ex.PlaceOrder(ctx, domain.OrderSideBuy, d("100"), d("1"))
	require.NoError(t, err)
	st, _ := ex.GetOrderStatus(ctx, id)
	assert.Equal(t, domain.OrderStatusPending, st.Status)
	assert.True(t, st.AvgPrice.IsZero())

	require.NoError(t, ex.Fill(id, d("5")))
	st, _ = ex.GetOrderStatus(ctx, id)
	assert.Equal(t, domain.OrderStatusFilled, st.Status)
	assert.True(t, st.FilledSize.Equal(d("1")))

	assert.Error(t, ex.Fill(id, d("1")))
	assert.ErrorIs(t, ex.Fill("missing", d("1")), domain.ErrUnknownOrder)
}

func TestInjectError(t *testing.T) {
	ex := newVenue(FillImmediate)
	boom := &domain.TransientError{Venue: "paper-a", Op: "get_quote", Err: errors.New("timeout")}
	ex.InjectError(OpQuote, boom)

	_, err := ex.GetQuote(context.Background())
	assert.ErrorIs(t, err, boom)

	ex.InjectError(OpQuote, nil)
	_, err = ex.GetQuote(context.Background())
	assert.NoError(t, err)
}

func TestGetFees(t *testing.T) {
	ex := newVenue(FillImmediate)
	f, err := ex.GetFees(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Taker.Equal(d("0.001")))
}
