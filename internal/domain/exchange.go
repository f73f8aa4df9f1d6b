package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the capability every venue adapter provides. Prices and sizes
// are in the engine's pair units; GetBalance reports total holdings including
// amounts the venue holds against open orders.
//
// GetQuote and GetBalance fail with *TransientError or *AuthError.
// PlaceOrder fails with *RejectedError or *TransientError.
type Exchange interface {
	GetQuote(ctx context.Context) (Quote, error)
	GetBalance(ctx context.Context, currency Currency) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, side OrderSide, price, size decimal.Decimal) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// FeeSource is implemented by adapters that can report their current fees.
type FeeSource interface {
	GetFees(ctx context.Context) (FeeSchedule, error)
}
