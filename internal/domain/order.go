package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// LegRole ties an order to its purpose inside an execution.
type LegRole string

const (
	RoleBuyLeg      LegRole = "buy_leg"
	RoleSellLeg     LegRole = "sell_leg"
	RoleLiquidation LegRole = "liquidation"
)

// OrderState is what a venue reports for an order.
type OrderState struct {
	Status     OrderStatus
	FilledSize decimal.Decimal
	// AvgPrice is the average fill price; zero when the venue does not report it.
	AvgPrice decimal.Decimal
}

// Order is one leg placed by the execution coordinator.
type Order struct {
	ID              string          `json:"id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	ExecutionID     string          `json:"execution_id"`
	Venue           VenueID         `json:"venue"`
	Side            OrderSide       `json:"side"`
	Role            LegRole         `json:"role"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Fee             decimal.Decimal `json:"fee"`
	Status          OrderStatus     `json:"status"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// FullyFilled reports whether the venue filled the whole requested size.
func (o Order) FullyFilled() bool {
	return o.Status == OrderStatusFilled && o.FilledSize.GreaterThanOrEqual(o.Size)
}

// Remaining returns the unfilled size.
func (o Order) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// FillPrice returns the average fill price, falling back to the limit price.
func (o Order) FillPrice() decimal.Decimal {
	if o.AvgFillPrice.IsPositive() {
		return o.AvgFillPrice
	}
	return o.Price
}

// Notional returns filled size times fill price.
func (o Order) Notional() decimal.Decimal {
	return o.FilledSize.Mul(o.FillPrice())
}
