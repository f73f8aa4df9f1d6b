// Package arbitrage finds the single best cross-venue spread in a quote
// snapshot. Detection is a pure function of its inputs.
package arbitrage

import (
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

// VenueInfo is the per-venue data the detector needs, in configuration order.
type VenueInfo struct {
	ID           domain.VenueID
	Fees         domain.FeeSchedule
	MinOrderSize decimal.Decimal
	// Latency is the venue's observed (or configured) round-trip time, used
	// only to break ties.
	Latency  time.Duration
	Degraded bool
}

// Params holds the detection thresholds.
type Params struct {
	Pair               domain.Pair
	MinProfitPerUnit   decimal.Decimal
	MaxPosition        decimal.Decimal
	MinTradeVolume     decimal.Decimal
	SizeDecimals       int32
	StalenessThreshold time.Duration
	Now                time.Time
}

// Detect evaluates every ordered pair of usable venues (buy on A at its ask,
// sell on B at its bid) and returns the opportunity with the highest expected
// net profit. Ties go to the lower combined latency, then to the pair that
// comes first in configuration order. ok is false when nothing qualifies.
//
// A venue is usable when it is not degraded and its quote is no older than
// the staleness threshold.
func Detect(snapshot map[domain.VenueID]domain.Quote, balances domain.BalanceSheet, venues []VenueInfo, p Params) (domain.Opportunity, bool) {
	var (
		best  domain.Opportunity
		found bool
	)

	for _, a := range venues {
		qa, ok := usable(snapshot, a, p)
		if !ok {
			continue
		}
		for _, b := range venues {
			if a.ID == b.ID {
				continue
			}
			qb, ok := usable(snapshot, b, p)
			if !ok {
				continue
			}
			opp, ok := evaluate(a, qa, b, qb, balances, p)
			if !ok {
				continue
			}
			if !found || better(opp, best) {
				best, found = opp, true
			}
		}
	}
	return best, found
}

func usable(snapshot map[domain.VenueID]domain.Quote, v VenueInfo, p Params) (domain.Quote, bool) {
	if v.Degraded {
		return domain.Quote{}, false
	}
	q, ok := snapshot[v.ID]
	if !ok || !q.Fresh(p.Now, p.StalenessThreshold) {
		return domain.Quote{}, false
	}
	return q, true
}

// better reports whether x should replace the current best y. Equal
// candidates keep y, which preserves configuration order.
func better(x, y domain.Opportunity) bool {
	if c := x.ExpectedProfit.Cmp(y.ExpectedProfit); c != 0 {
		return c > 0
	}
	return x.CombinedLatency < y.CombinedLatency
}

// evaluate prices buying on a and selling on b.
func evaluate(a VenueInfo, qa domain.Quote, b VenueInfo, qb domain.Quote, balances domain.BalanceSheet, p Params) (domain.Opportunity, bool) {
	ask, bid := qa.AskPrice, qb.BidPrice

	gross := bid.Sub(ask)
	if !gross.IsPositive() {
		return domain.Opportunity{}, false
	}

	buyFee, sellFee := a.Fees.Taker, b.Fees.Taker
	net := gross.Sub(ask.Mul(buyFee)).Sub(bid.Mul(sellFee))
	if !net.IsPositive() || net.LessThan(p.MinProfitPerUnit) {
		return domain.Opportunity{}, false
	}

	size := Size(qa.AskSize, qb.BidSize,
		balances.Available(a.ID, p.Pair.Quote), ask, buyFee,
		balances.Available(b.ID, p.Pair.Base), p.MaxPosition, p.SizeDecimals)

	floor := decimal.Max(a.MinOrderSize, b.MinOrderSize, p.MinTradeVolume)
	if !size.IsPositive() || size.LessThan(floor) {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		BuyVenue:        a.ID,
		SellVenue:       b.ID,
		BuyPrice:        ask,
		SellPrice:       bid,
		GrossSpread:     gross,
		NetPerUnit:      net,
		Size:            size,
		BuyFeeRate:      buyFee,
		SellFeeRate:     sellFee,
		ExpectedProfit:  net.Mul(size),
		CombinedLatency: a.Latency + b.Latency,
		DetectedAt:      p.Now,
	}, true
}

// Size is the executable quantity: the smaller of both sides of the book, the
// quantity the buy venue can afford including its taker fee, the base held on
// the sell venue and the position cap, truncated to decimals.
func Size(askSize, bidSize, quoteAvail, ask, buyFee, baseAvail, maxPosition decimal.Decimal, decimals int32) decimal.Decimal {
	affordable := decimal.Zero
	if unit := ask.Mul(decimal.NewFromInt(1).Add(buyFee)); unit.IsPositive() {
		affordable = quoteAvail.Div(unit)
	}
	size := decimal.Min(askSize, bidSize, affordable, baseAvail)
	if maxPosition.IsPositive() {
		size = decimal.Min(size, maxPosition)
	}
	return size.Truncate(decimals)
}
