package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// ExecutionAlert builds the event type, title and body for a resolved
// execution.
func ExecutionAlert(exec domain.Execution) (event, title, message string) {
	switch exec.Outcome {
	case domain.OutcomeBothFilled:
		event, title = EventExecutionFilled, "Arbitrage filled"
	case domain.OutcomePartial:
		event, title = EventExecutionPartial, "Arbitrage PARTIAL"
	default:
		event, title = EventExecutionFailed, "Arbitrage failed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", exec.ID)
	fmt.Fprintf(&b, "buy %s / sell %s\n", exec.BuyVenue, exec.SellVenue)
	for _, leg := range exec.Legs {
		fmt.Fprintf(&b, "%s %s %s/%s @ %s (%s)\n",
			leg.Role, leg.Venue, leg.FilledSize, leg.Size, leg.FillPrice(), leg.Status)
	}
	fmt.Fprintf(&b, "pnl: %s (expected %s)", exec.RealizedPnL.StringFixed(2), exec.ExpectedProfit.StringFixed(2))
	if exec.Uncovered.IsPositive() {
		fmt.Fprintf(&b, "\nuncovered short: %s", exec.Uncovered)
	}
	if exec.Unsold.IsPositive() {
		fmt.Fprintf(&b, "\nunsold long: %s", exec.Unsold)
	}
	if exec.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", exec.Reason)
	}
	return event, title, b.String()
}

// VenueAlert builds the alert for a venue health change.
func VenueAlert(venue domain.VenueID, status domain.VenueStatus, lastErr string) (event, title, message string) {
	if status == domain.VenueDegraded {
		return EventVenueDegraded, "Venue degraded", fmt.Sprintf("%s excluded from detection: %s", venue, lastErr)
	}
	return EventVenueRestored, "Venue restored", fmt.Sprintf("%s is quoting again", venue)
}
