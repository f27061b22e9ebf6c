package domain

import "github.com/shopspring/decimal"

// Direction is the position direction, fixed for the strategy's lifetime.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// EntrySide returns the order side that accumulates the position.
func (d Direction) EntrySide() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ProfitSide returns the order side that closes the position.
func (d Direction) ProfitSide() OrderSide {
	return d.EntrySide().Opposite()
}

// Step is one configured stage of the accumulation ladder. Steps form an
// immutable ordered list; the slice index is the step number.
type Step struct {
	// PriceOffset is the fractional distance from the start price for this
	// step's entry order. Step 0 usually carries a zero offset.
	PriceOffset decimal.Decimal `json:"price_offset"`

	// Size is the quantity for this step's entry order.
	Size decimal.Decimal `json:"size"`

	// ProfitOffset is the fractional distance from the average price for the
	// take-profit order valid after this step fills.
	ProfitOffset decimal.Decimal `json:"profit_offset"`
}
