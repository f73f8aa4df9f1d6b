package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the top of book for one venue at one point in time. A new poll
// supersedes the previous Quote; values are never mutated in place.
type Quote struct {
	Venue     VenueID         `json:"venue"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Fresh reports whether the quote is no older than threshold.
func (q Quote) Fresh(now time.Time, threshold time.Duration) bool {
	return !q.Timestamp.IsZero() && q.Age(now) <= threshold
}

// Validate rejects malformed books: non-positive prices or negative sizes.
func (q Quote) Validate() error {
	if !q.BidPrice.IsPositive() || !q.AskPrice.IsPositive() {
		return fmt.Errorf("quote %s: non-positive price (bid=%s ask=%s)", q.Venue, q.BidPrice, q.AskPrice)
	}
	if q.BidSize.IsNegative() || q.AskSize.IsNegative() {
		return fmt.Errorf("quote %s: negative size (bid=%s ask=%s)", q.Venue, q.BidSize, q.AskSize)
	}
	return nil
}
