package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

// OrderType distinguishes limit and market orders.
type OrderType string

// OrderStatus is the lifecycle state of an order. Transitions are
// monotonic: a status never regresses to an earlier one.
type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"

	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Signed returns size with the sign implied by the side (sells negative).
func (s Side) Signed(size decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return size.Neg()
	}
	return size
}

// Order represents a trading order. Owned exclusively by the execution
// engine; all mutation happens on the dispatcher goroutine.
type Order struct {
	ID       string
	MarketID string
	TokenID  string

	Side   Side
	Type   OrderType
	Status OrderStatus

	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal

	// Reason holds a human-readable rejection reason when Status is REJECTED.
	Reason string

	// Paper marks orders executed against the simulated ledger.
	Paper bool

	CreatedAt time.Time
	UpdatedAt time.Time
	FilledAt  time.Time
}

// IsOpen reports whether the order can still receive fills.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending ||
		o.Status == OrderStatusOpen ||
		o.Status == OrderStatusPartiallyFilled
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return !o.IsOpen()
}

// RemainingSize returns the unfilled portion of the order.
func (o *Order) RemainingSize() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Trade is a fill record. Immutable once created, append-only.
type Trade struct {
	ID       string
	OrderID  string
	MarketID string
	TokenID  string

	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
	Fee   decimal.Decimal

	Paper      bool
	ExecutedAt time.Time
}

// Value returns the notional value of the trade (price * size).
func (t *Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Size)
}

// SignedSize returns the position impact of the trade.
func (t *Trade) SignedSize() decimal.Decimal {
	return t.Side.Signed(t.Size)
}
