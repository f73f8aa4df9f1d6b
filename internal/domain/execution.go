package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecState is the coordinator state of an execution.
type ExecState string

const (
	ExecPlanned       ExecState = "PLANNED"
	ExecLegsSubmitted ExecState = "LEGS_SUBMITTED"
	ExecBothFilled    ExecState = "BOTH_FILLED"
	ExecPartial       ExecState = "PARTIAL"
	ExecFailed        ExecState = "FAILED"
	ExecResolved      ExecState = "RESOLVED"
)

// ExecOutcome is the branch an execution took before it was resolved.
type ExecOutcome string

const (
	OutcomeNone       ExecOutcome = ""
	OutcomeBothFilled ExecOutcome = "both_filled"
	OutcomePartial    ExecOutcome = "partial"
	OutcomeFailed     ExecOutcome = "failed"
)

// Execution pairs one buy leg and one sell leg for one Opportunity. Recovery
// may add a liquidation order.
type Execution struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	BuyVenue       VenueID         `json:"buy_venue"`
	SellVenue      VenueID         `json:"sell_venue"`
	State          ExecState       `json:"state"`
	Outcome        ExecOutcome     `json:"outcome"`
	Legs           []Order         `json:"legs"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	// Uncovered is base quantity sold without a matching buy; left open and reported.
	Uncovered decimal.Decimal `json:"uncovered"`
	// Unsold is excess base bought that liquidation did not sell back.
	Unsold      decimal.Decimal `json:"unsold"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Leg returns the first order with the given role.
func (e Execution) Leg(role LegRole) (Order, bool) {
	for _, o := range e.Legs {
		if o.Role == role {
			return o, true
		}
	}
	return Order{}, false
}
