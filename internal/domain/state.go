package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the engine's lifecycle phase. The engine is in exactly one phase;
// Terminating is reached when the take-profit fills, when the step ladder is
// exhausted, or on a fatal error.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseAccumulating Phase = "accumulating"
	PhaseTerminating  Phase = "terminating"
)

// PositionState is the persisted aggregate for the single running position.
// Every mutation is immediately followed by a StateStore.Save so that a crash
// between events loses at most the in-flight event.
type PositionState struct {
	Market    string    `json:"market"`
	Direction Direction `json:"direction"`

	// StartPrice is the reference price fixed at strategy start: either the
	// configured value or the live mid-price at boot.
	StartPrice decimal.Decimal `json:"start_price"`

	// TickSize is the exchange-mandated price granularity for the market.
	TickSize decimal.Decimal `json:"tick_size"`

	// StepIndex points at the next step to be placed. It never decreases and
	// increments exactly once per entry-order fill.
	StepIndex int `json:"step_index"`

	// TotalSize and AveragePrice are running aggregates over all filled entry
	// orders. AveragePrice is meaningful only while TotalSize > 0.
	TotalSize    decimal.Decimal `json:"total_size"`
	AveragePrice decimal.Decimal `json:"average_price"`

	// EntryOrder is the outstanding entry order, nil once steps are exhausted.
	EntryOrder *Order `json:"entry_order,omitempty"`

	// TakeProfitOrder is the outstanding take-profit order, nil before the
	// first entry fill.
	TakeProfitOrder *Order `json:"take_profit_order,omitempty"`

	Phase       Phase           `json:"phase"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can inspect state without racing the
// engine's single-threaded mutation.
func (s *PositionState) Clone() *PositionState {
	cp := *s
	if s.EntryOrder != nil {
		o := *s.EntryOrder
		cp.EntryOrder = &o
	}
	if s.TakeProfitOrder != nil {
		o := *s.TakeProfitOrder
		cp.TakeProfitOrder = &o
	}
	return &cp
}

// OpenOrders returns the currently tracked open orders, take-profit first.
func (s *PositionState) OpenOrders() []*Order {
	var out []*Order
	if s.TakeProfitOrder != nil {
		out = append(out, s.TakeProfitOrder)
	}
	if s.EntryOrder != nil {
		out = append(out, s.EntryOrder)
	}
	return out
}

// Fill is one executed entry-order fill, journaled for audit and archival.
type Fill struct {
	Market    string          `json:"market"`
	OrderID   string          `json:"order_id"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	StepIndex int             `json:"step_index"`
	FilledAt  time.Time       `json:"filled_at"`
}

// ClosedPosition summarizes a terminated position for the journal and the
// archive record.
type ClosedPosition struct {
	Market       string          `json:"market"`
	Direction    Direction       `json:"direction"`
	StartPrice   decimal.Decimal `json:"start_price"`
	AveragePrice decimal.Decimal `json:"average_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	TotalSize    decimal.Decimal `json:"total_size"`
	Steps        int             `json:"steps"`
	NetProfit    decimal.Decimal `json:"net_profit"`
	ClosedAt     time.Time       `json:"closed_at"`
}
