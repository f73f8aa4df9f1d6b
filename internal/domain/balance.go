package domain

import "github.com/shopspring/decimal"

// Balance is the tracked capital for one venue and currency.
// Invariant: Available + Reserved <= Total, Available >= 0.
type Balance struct {
	Venue     VenueID         `json:"venue"`
	Currency  Currency        `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Reservation is a provisional hold against a venue balance.
type Reservation struct {
	ID       string          `json:"id"`
	Venue    VenueID         `json:"venue"`
	Currency Currency        `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// ReservationRequest asks for Amount of Currency on Venue.
type ReservationRequest struct {
	Venue    VenueID
	Currency Currency
	Amount   decimal.Decimal
}

// BalanceSheet maps venue and currency to available amount. It is the
// read-only view the detector works from.
type BalanceSheet map[VenueID]map[Currency]decimal.Decimal

// Available returns the available amount or zero when unknown.
func (s BalanceSheet) Available(venue VenueID, cur Currency) decimal.Decimal {
	if byCur, ok := s[venue]; ok {
		if v, ok := byCur[cur]; ok {
			return v
		}
	}
	return decimal.Zero
}
