package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketRule carries the exchange-mandated constraints for one market.
type MarketRule struct {
	Market   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal // minimum size increment
}

// ExchangeClient is the abstract exchange capability the engine consumes.
// Every method is a fallible remote call; implementations live under
// internal/exchange.
type ExchangeClient interface {
	// PlaceOrder submits a limit order and returns it with the
	// exchange-assigned ID.
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	// CancelOrder requests cancellation. Implementations return ErrOrderGone
	// when the order is already filled or cancelled.
	CancelOrder(ctx context.Context, market, orderID string) error

	// GetOrder fetches the current order status.
	GetOrder(ctx context.Context, market, orderID string) (Order, error)

	// MidPrice returns the current mid (or mark) price for the market.
	MidPrice(ctx context.Context, market string) (decimal.Decimal, error)

	// MarketRules fetches tick/step size for the market.
	MarketRules(ctx context.Context, market string) (MarketRule, error)

	// SubscribeOrderUpdates opens the account order-update stream. The
	// returned channel is closed when the subscription ends.
	SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error)

	// KeepAlive refreshes the stream authorization / account snapshot. Called
	// periodically by the event loop's liveness timer.
	KeepAlive(ctx context.Context) error

	Close() error
}

// StateStore persists the PositionState snapshot. Load returns ErrNotFound on
// a fresh start and ErrStateCorrupt when the snapshot cannot be decoded; Save
// overwrites the whole snapshot atomically.
type StateStore interface {
	Load(ctx context.Context) (*PositionState, error)
	Save(ctx context.Context, state *PositionState) error
}

// Journal records trading history for audit. Implementations must be safe for
// use from the reporter goroutine; failures are logged and never escalated to
// the engine.
type Journal interface {
	RecordFill(ctx context.Context, fill Fill) error
	RecordClose(ctx context.Context, pos ClosedPosition) error
}

// Archiver uploads the terminal position record to long-term storage.
type Archiver interface {
	ArchiveClose(ctx context.Context, state *PositionState, fills []Fill) error
}
