// Package pricing provides the pure price arithmetic used by the position
// engine: tick-size rounding, running-average recomputation, and offset
// targets. All functions are stateless.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/akilibots/akili-martingale/internal/domain"
)

var one = decimal.NewFromInt(1)

// RoundToTick quantizes price onto the tick grid. The result carries no more
// precision than the tick itself implies, matching exchange-side rounding so
// orders are not rejected for price granularity.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// NextAverage folds one fill into the running weighted average entry price.
// With a zero current size the result is the fill price.
func NextAverage(avg, size, fillPrice, fillSize decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return fillPrice
	}
	total := size.Add(fillSize)
	if total.IsZero() {
		return avg
	}
	return avg.Mul(size).Add(fillPrice.Mul(fillSize)).Div(total)
}

// EntryPrice returns the tick-rounded entry target for a step. Long positions
// ladder below the base price, short positions above it.
func EntryPrice(base, offset decimal.Decimal, dir domain.Direction, tick decimal.Decimal) decimal.Decimal {
	factor := one.Sub(offset)
	if dir == domain.DirectionShort {
		factor = one.Add(offset)
	}
	return RoundToTick(base.Mul(factor), tick)
}

// ProfitPrice returns the tick-rounded take-profit target over the average
// entry price. Long positions take profit above the average, short positions
// below it.
func ProfitPrice(avg, offset decimal.Decimal, dir domain.Direction, tick decimal.Decimal) decimal.Decimal {
	factor := one.Add(offset)
	if dir == domain.DirectionShort {
		factor = one.Sub(offset)
	}
	return RoundToTick(avg.Mul(factor), tick)
}
