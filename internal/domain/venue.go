package domain

import "github.com/shopspring/decimal"

// VenueID identifies a trading venue for the lifetime of the process.
type VenueID string

// Currency is an asset code such as "BTC" or "USD".
type Currency string

// Pair is the single instrument the engine trades.
type Pair struct {
	Base  Currency
	Quote Currency
}

// String returns "BASE/QUOTE".
func (p Pair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// FeeSchedule holds a venue's fee rates as fractions (0.001 = 10 bps).
type FeeSchedule struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// FeeScheduleFromBps builds a FeeSchedule from basis-point values.
func FeeScheduleFromBps(makerBps, takerBps float64) FeeSchedule {
	bps := decimal.NewFromInt(10_000)
	return FeeSchedule{
		Maker: decimal.NewFromFloat(makerBps).Div(bps),
		Taker: decimal.NewFromFloat(takerBps).Div(bps),
	}
}

// VenueStatus is the health classification the aggregator assigns to a venue.
type VenueStatus string

const (
	VenueHealthy  VenueStatus = "healthy"
	VenueDegraded VenueStatus = "degraded"
)
