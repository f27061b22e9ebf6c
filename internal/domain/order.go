// Package domain defines the core types shared across the bot: orders, steps,
// the persisted position state, collaborator interfaces, and sentinel errors.
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

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks the order lifecycle as the engine sees it. Exchange
// statuses outside this set (partially filled, expired, ...) are normalized to
// Pending by the adapter and are not actionable.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order is an exchange-accepted limit order tracked by the engine. Orders are
// owned exclusively by the position engine through the entry / take-profit
// roles and are never shared.
type Order struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Market    string          `json:"market"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderRequest carries the parameters for a new limit order submission.
type OrderRequest struct {
	Market   string
	Side     OrderSide
	Price    decimal.Decimal
	Size     decimal.Decimal
	ClientID string
	PostOnly bool
}

// OrderUpdate is one event from the exchange's order-update stream.
type OrderUpdate struct {
	OrderID    string
	ClientID   string
	Market     string
	Side       OrderSide
	Status     OrderStatus
	Price      decimal.Decimal // original order price
	FillPrice  decimal.Decimal // average fill price, set when Status is filled
	FilledSize decimal.Decimal
	Time       time.Time
}
