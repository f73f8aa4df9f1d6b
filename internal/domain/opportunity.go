package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a cross-venue spread that survived fee, size and balance
// checks. It is immutable and lives for a single detection cycle.
type Opportunity struct {
	ID              string          `json:"id"`
	BuyVenue        VenueID         `json:"buy_venue"`
	SellVenue       VenueID         `json:"sell_venue"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	GrossSpread     decimal.Decimal `json:"gross_spread"`
	NetPerUnit      decimal.Decimal `json:"net_per_unit"`
	Size            decimal.Decimal `json:"size"`
	BuyFeeRate      decimal.Decimal `json:"buy_fee_rate"`
	SellFeeRate     decimal.Decimal `json:"sell_fee_rate"`
	ExpectedProfit  decimal.Decimal `json:"expected_profit"`
	CombinedLatency time.Duration   `json:"combined_latency"`
	DetectedAt      time.Time       `json:"detected_at"`
	Executed        bool            `json:"executed"`
}

// PairKey identifies the ordered venue pair, e.g. "kraken>bitstamp".
func (o Opportunity) PairKey() string {
	return string(o.BuyVenue) + ">" + string(o.SellVenue)
}

// BuyCost is the quote currency needed for the buy leg including taker fee.
func (o Opportunity) BuyCost() decimal.Decimal {
	return o.Size.Mul(o.BuyPrice).Mul(decimal.NewFromInt(1).Add(o.BuyFeeRate))
}
