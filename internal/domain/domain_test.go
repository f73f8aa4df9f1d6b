package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("quote: poll: %w", &TransientError{Venue: "a", Op: "get_quote", Err: cause})

	assert.Equal(t, "transient", ErrorKind(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	assert.Equal(t, "auth", ErrorKind(&AuthError{Venue: "a", Op: "get_balance", Err: cause}))
	assert.Equal(t, "rejected", ErrorKind(&RejectedError{Venue: "a", Reason: "below minimum"}))
	assert.Equal(t, "stale", ErrorKind(&StaleDataError{Venue: "a", Age: time.Minute}))
	assert.Equal(t, "other", ErrorKind(cause))
	assert.Equal(t, "none", ErrorKind(nil))
}

func TestQuoteFreshAndValidate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q := Quote{
		Venue:     "a",
		BidPrice:  decimal.RequireFromString("99"),
		BidSize:   decimal.RequireFromString("1"),
		AskPrice:  decimal.RequireFromString("100"),
		AskSize:   decimal.RequireFromString("2"),
		Timestamp: now.Add(-3 * time.Second),
	}

	assert.NoError(t, q.Validate())
	assert.True(t, q.Fresh(now, 5*time.Second))
	assert.False(t, q.Fresh(now, 2*time.Second))
	assert.False(t, Quote{}.Fresh(now, time.Hour))

	q.AskPrice = decimal.Zero
	assert.Error(t, q.Validate())
}

func TestFeeScheduleFromBps(t *testing.T) {
	fs := FeeScheduleFromBps(5, 10)
	assert.True(t, fs.Maker.Equal(decimal.RequireFromString("0.0005")))
	assert.True(t, fs.Taker.Equal(decimal.RequireFromString("0.001")))
}

func TestOrderHelpers(t *testing.T) {
	o := Order{
		Price:      decimal.RequireFromString("100"),
		Size:       decimal.RequireFromString("1"),
		FilledSize: decimal.RequireFromString("0.4"),
		Status:     OrderStatusPartiallyFilled,
	}
	assert.False(t, o.FullyFilled())
	assert.True(t, o.Remaining().Equal(decimal.RequireFromString("0.6")))
	assert.True(t, o.Notional().Equal(decimal.RequireFromString("40")))

	o.AvgFillPrice = decimal.RequireFromString("101")
	assert.True(t, o.FillPrice().Equal(decimal.RequireFromString("101")))
	assert.False(t, OrderStatusPending.Terminal())
	assert.True(t, OrderStatusCancelled.Terminal())
}

func TestOpportunityBuyCost(t *testing.T) {
	opp := Opportunity{
		BuyPrice:   decimal.RequireFromString("100"),
		Size:       decimal.RequireFromString("0.5"),
		BuyFeeRate: decimal.RequireFromString("0.001"),
	}
	assert.True(t, opp.BuyCost().Equal(decimal.RequireFromString("50.05")))
}
