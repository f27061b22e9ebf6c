// Package engine implements the staged position-building state machine and the
// event loop that drives it. The engine opens an initial entry order, and on
// each step fill recomputes the average entry price, replaces the take-profit
// order at the new average, and places the next step order further from the
// start price, until the take-profit fills or the ladder is exhausted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akilibots/akili-martingale/internal/domain"
	"github.com/akilibots/akili-martingale/internal/gateway"
	"github.com/akilibots/akili-martingale/internal/pricing"
	"github.com/akilibots/akili-martingale/internal/report"
)

// Config carries the strategy parameters, fixed for the engine's lifetime.
type Config struct {
	Market    string
	Direction domain.Direction
	Steps     []domain.Step

	// StartPrice anchors the ladder; zero means use the live mid-price at
	// boot.
	StartPrice decimal.Decimal

	// FollowThreshold aborts an unfilled first entry when the market drifts
	// this fraction away from it. Zero disables the check.
	FollowThreshold decimal.Decimal

	// MakerFeeRate is the per-leg fee rate used for realized-profit
	// accounting.
	MakerFeeRate decimal.Decimal
}

// Reporter is the outbound reporting capability. Publish must never block.
type Reporter interface {
	Publish(ev report.Event)
}

// Engine is the position state machine. All mutation happens on the event
// loop's goroutine; the engine holds no locks around its state because the
// loop serializes every event and timer tick.
type Engine struct {
	cfg      Config
	gw       *gateway.Gateway
	store    domain.StateStore
	reporter Reporter
	logger   *slog.Logger

	st *domain.PositionState

	done     chan struct{}
	doneOnce sync.Once
	runErr   error
}

// New creates an Engine. Call Bootstrap before feeding it events.
func New(cfg Config, gw *gateway.Gateway, store domain.StateStore, reporter Reporter, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "engine")),
		done:     make(chan struct{}),
	}
}

// Done is closed when the engine reaches its terminal phase (take-profit
// filled, aborted, or fatal error).
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the terminal error, nil for a clean close. Valid after Done.
func (e *Engine) Err() error {
	return e.runErr
}

// State returns a deep copy of the current position state.
func (e *Engine) State() *domain.PositionState {
	if e.st == nil {
		return nil
	}
	return e.st.Clone()
}

// Bootstrap restores the persisted snapshot or, on a fresh start, fixes the
// start price and places the step-0 entry order. A corrupt snapshot refuses
// startup rather than guessing.
func (e *Engine) Bootstrap(ctx context.Context) error {
	st, err := e.store.Load(ctx)
	switch {
	case err == nil:
		return e.resume(st)
	case errors.Is(err, domain.ErrNotFound):
		return e.freshStart(ctx)
	default:
		return fmt.Errorf("engine: load snapshot: %w", err)
	}
}

// resume restores in-memory state verbatim, skipping order placement. The
// snapshot must describe the configured market and direction; anything else
// means the operator pointed the bot at the wrong state file.
func (e *Engine) resume(st *domain.PositionState) error {
	if st.Market != e.cfg.Market || st.Direction != e.cfg.Direction {
		return fmt.Errorf("engine: snapshot is for %s/%s, configured %s/%s: %w",
			st.Market, st.Direction, e.cfg.Market, e.cfg.Direction, domain.ErrStateCorrupt)
	}
	if st.StepIndex > len(e.cfg.Steps) {
		return fmt.Errorf("engine: snapshot step index %d exceeds %d configured steps: %w",
			st.StepIndex, len(e.cfg.Steps), domain.ErrStateCorrupt)
	}
	e.st = st

	// A terminal snapshot with nothing left open is a completed run. There is
	// no work to resume; exit cleanly instead of idling on an empty stream.
	if st.Phase == domain.PhaseTerminating && len(st.OpenOrders()) == 0 {
		e.logger.Info("position already closed, nothing to resume",
			slog.String("realized_pnl", st.RealizedPnL.String()),
		)
		e.signalDone(nil)
		return nil
	}

	e.logger.Info("resumed from snapshot",
		slog.Int("step_index", st.StepIndex),
		slog.String("total_size", st.TotalSize.String()),
		slog.String("phase", string(st.Phase)),
	)
	return nil
}

// freshStart fixes the start price, fetches the market's tick size, and places
// the first entry order.
func (e *Engine) freshStart(ctx context.Context) error {
	rule, err := e.gw.MarketRules(ctx)
	if err != nil {
		return fmt.Errorf("engine: fetch market rules: %w", err)
	}

	start := e.cfg.StartPrice
	if start.IsZero() {
		mid, err := e.gw.MidPrice(ctx)
		if err != nil {
			return fmt.Errorf("engine: fetch start price: %w", err)
		}
		start = mid
	}
	start = pricing.RoundToTick(start, rule.TickSize)

	e.st = &domain.PositionState{
		Market:     e.cfg.Market,
		Direction:  e.cfg.Direction,
		StartPrice: start,
		TickSize:   rule.TickSize,
		Phase:      domain.PhaseInitializing,
	}

	step := e.cfg.Steps[0]
	price := pricing.EntryPrice(start, step.PriceOffset, e.cfg.Direction, rule.TickSize)
	order, err := e.gw.Place(ctx, e.cfg.Direction.EntrySide(), step.Size, price)
	if err != nil {
		return fmt.Errorf("engine: place first entry: %w", err)
	}

	e.st.EntryOrder = &order
	e.st.Phase = domain.PhaseAccumulating
	if err := e.persist(ctx); err != nil {
		return err
	}

	e.logger.Info("strategy started",
		slog.String("market", e.cfg.Market),
		slog.String("direction", string(e.cfg.Direction)),
		slog.String("start_price", start.String()),
		slog.String("entry_price", price.String()),
	)
	e.reporter.Publish(report.Event{
		Type:  report.EventBotStarted,
		Title: "Bot started",
		Message: fmt.Sprintf("%s %s: entry %s %s @ %s",
			e.cfg.Market, e.cfg.Direction, e.cfg.Direction.EntrySide(), step.Size, price),
		State: e.st.Clone(),
	})
	return nil
}

// HandleOrderUpdate processes one event from the order-update stream. Only
// FILLED and CANCELED statuses are actionable; events for untracked orders are
// stale duplicates and ignored. A returned error is fatal: the engine has
// already persisted its last-known-good state and closed Done.
func (e *Engine) HandleOrderUpdate(ctx context.Context, upd domain.OrderUpdate) error {
	if e.terminated() {
		return nil
	}
	if upd.Market != "" && upd.Market != e.cfg.Market {
		return nil
	}

	switch upd.Status {
	case domain.OrderStatusCanceled:
		return e.onCanceled(ctx, upd)
	case domain.OrderStatusFilled:
		switch {
		case e.tracks(e.st.EntryOrder, upd):
			return e.onEntryFill(ctx, upd)
		case e.tracks(e.st.TakeProfitOrder, upd):
			return e.onTakeProfitFill(ctx, upd)
		default:
			e.logger.Debug("fill for untracked order ignored", slog.String("order_id", upd.OrderID))
			return nil
		}
	default:
		return nil
	}
}

// onCanceled re-places an externally cancelled tracked order with identical
// side, size, and price. Cancellation of anything else is a stale event.
func (e *Engine) onCanceled(ctx context.Context, upd domain.OrderUpdate) error {
	var slot **domain.Order
	var role string
	switch {
	case e.tracks(e.st.EntryOrder, upd):
		slot, role = &e.st.EntryOrder, "entry"
	case e.tracks(e.st.TakeProfitOrder, upd):
		slot, role = &e.st.TakeProfitOrder, "take_profit"
	default:
		e.logger.Debug("cancel for untracked order ignored", slog.String("order_id", upd.OrderID))
		return nil
	}

	old := **slot
	e.logger.Warn("tracked order cancelled externally, replacing",
		slog.String("role", role),
		slog.String("order_id", old.ID),
		slog.String("price", old.Price.String()),
	)

	order, err := e.gw.Place(ctx, old.Side, old.Size, old.Price)
	if err != nil {
		return e.fatal(ctx, fmt.Errorf("engine: replace %s order: %w", role, err))
	}
	*slot = &order

	if err := e.persist(ctx); err != nil {
		return e.fatal(ctx, err)
	}
	e.reporter.Publish(report.Event{
		Type:  report.EventOrderReplaced,
		Title: "Order replaced",
		Message: fmt.Sprintf("%s %s order re-placed at %s (was %s)",
			e.cfg.Market, role, order.Price, old.ID),
		State: e.st.Clone(),
	})
	return nil
}

// onEntryFill folds the fill into the running average, replaces the
// take-profit order at the new average for the whole position, and places the
// next step's entry order if any steps remain.
func (e *Engine) onEntryFill(ctx context.Context, upd domain.OrderUpdate) error {
	if e.st.StepIndex >= len(e.cfg.Steps) {
		e.logger.Debug("entry fill past ladder end ignored", slog.String("order_id", upd.OrderID))
		return nil
	}
	step := e.cfg.Steps[e.st.StepIndex]
	filled := *e.st.EntryOrder

	fillPrice := upd.FillPrice
	if fillPrice.IsZero() {
		fillPrice = filled.Price
	}

	avg := pricing.NextAverage(e.st.AveragePrice, e.st.TotalSize, fillPrice, step.Size)
	e.st.AveragePrice = pricing.RoundToTick(avg, e.st.TickSize)
	e.st.TotalSize = e.st.TotalSize.Add(step.Size)

	e.logger.Info("entry order filled",
		slog.Int("step", e.st.StepIndex),
		slog.String("fill_price", fillPrice.String()),
		slog.String("average_price", e.st.AveragePrice.String()),
		slog.String("total_size", e.st.TotalSize.String()),
	)

	// Cancel the previous take-profit; it covers too small a size at the old
	// average. The order may already be gone, which is the normal race.
	if e.st.TakeProfitOrder != nil {
		if err := e.gw.Cancel(ctx, e.st.TakeProfitOrder.ID); err != nil {
			if errors.Is(err, domain.ErrOrderGone) {
				e.logger.Info("previous take-profit already gone",
					slog.String("order_id", e.st.TakeProfitOrder.ID))
			} else {
				return e.fatal(ctx, fmt.Errorf("engine: cancel stale take-profit: %w", err))
			}
		}
		e.st.TakeProfitOrder = nil
	}

	tpPrice := pricing.ProfitPrice(e.st.AveragePrice, step.ProfitOffset, e.cfg.Direction, e.st.TickSize)
	tp, err := e.gw.Place(ctx, e.cfg.Direction.ProfitSide(), e.st.TotalSize, tpPrice)
	if err != nil {
		return e.fatal(ctx, fmt.Errorf("engine: place take-profit: %w", err))
	}
	e.st.TakeProfitOrder = &tp

	fill := domain.Fill{
		Market:    e.cfg.Market,
		OrderID:   filled.ID,
		Side:      filled.Side,
		Price:     fillPrice,
		Size:      step.Size,
		StepIndex: e.st.StepIndex,
		FilledAt:  eventTime(upd),
	}

	e.st.StepIndex++
	e.st.EntryOrder = nil

	if e.st.StepIndex < len(e.cfg.Steps) {
		next := e.cfg.Steps[e.st.StepIndex]
		price := pricing.EntryPrice(e.st.StartPrice, next.PriceOffset, e.cfg.Direction, e.st.TickSize)
		order, err := e.gw.Place(ctx, e.cfg.Direction.EntrySide(), next.Size, price)
		if err != nil {
			return e.fatal(ctx, fmt.Errorf("engine: place next entry: %w", err))
		}
		e.st.EntryOrder = &order
	} else {
		// Ladder exhausted: only the take-profit remains open.
		e.st.Phase = domain.PhaseTerminating
		e.logger.Info("all steps filled, waiting on take-profit",
			slog.String("take_profit_price", tpPrice.String()))
	}

	if err := e.persist(ctx); err != nil {
		return e.fatal(ctx, err)
	}

	e.reporter.Publish(report.Event{
		Type:  report.EventOrderFilled,
		Title: "Entry filled",
		Message: fmt.Sprintf("%s step %d filled @ %s, avg %s, size %s, TP @ %s",
			e.cfg.Market, fill.StepIndex, fillPrice, e.st.AveragePrice, e.st.TotalSize, tpPrice),
		Fill:  &fill,
		State: e.st.Clone(),
	})
	return nil
}

// onTakeProfitFill closes the position: the outstanding entry order is
// cancelled, realized profit is computed, and the engine signals the loop to
// shut down.
func (e *Engine) onTakeProfitFill(ctx context.Context, upd domain.OrderUpdate) error {
	tp := *e.st.TakeProfitOrder

	if e.st.EntryOrder != nil {
		if err := e.gw.Cancel(ctx, e.st.EntryOrder.ID); err != nil && !errors.Is(err, domain.ErrOrderGone) {
			// The position is already closed; a failed cleanup cancel is
			// logged for the operator but does not change the outcome.
			e.logger.Error("failed to cancel outstanding entry on close",
				slog.String("order_id", e.st.EntryOrder.ID),
				slog.String("error", err.Error()),
			)
		}
		e.st.EntryOrder = nil
	}

	fillPrice := upd.FillPrice
	if fillPrice.IsZero() {
		fillPrice = tp.Price
	}

	gross := e.st.AveragePrice.Sub(fillPrice).Abs().Mul(e.st.TotalSize)
	legs := decimal.NewFromInt(int64(e.st.StepIndex) + 2)
	fees := e.cfg.MakerFeeRate.Mul(legs).Mul(fillPrice).Mul(e.st.TotalSize)
	net := gross.Sub(fees)

	closed := domain.ClosedPosition{
		Market:       e.cfg.Market,
		Direction:    e.cfg.Direction,
		StartPrice:   e.st.StartPrice,
		AveragePrice: e.st.AveragePrice,
		ExitPrice:    fillPrice,
		TotalSize:    e.st.TotalSize,
		Steps:        e.st.StepIndex,
		NetProfit:    net,
		ClosedAt:     eventTime(upd),
	}

	e.st.TakeProfitOrder = nil
	e.st.RealizedPnL = net
	e.st.Phase = domain.PhaseTerminating
	if err := e.persist(ctx); err != nil {
		e.logger.Error("failed to persist terminal state", slog.String("error", err.Error()))
	}

	e.logger.Info("take-profit filled, position closed",
		slog.String("exit_price", fillPrice.String()),
		slog.String("net_profit", net.String()),
		slog.Int("steps", closed.Steps),
	)
	e.reporter.Publish(report.Event{
		Type:  report.EventPositionClosed,
		Title: "Position closed",
		Message: fmt.Sprintf("%s closed @ %s, avg %s, size %s, net profit %s",
			e.cfg.Market, fillPrice, closed.AveragePrice, closed.TotalSize, net),
		Close: &closed,
		State: e.st.Clone(),
	})

	e.signalDone(nil)
	return nil
}

// CheckDrift implements the follow check: while the very first entry order is
// still unfilled, a market that has drifted beyond the configured tolerance
// from the order's price aborts the bot instead of chasing it indefinitely.
func (e *Engine) CheckDrift(ctx context.Context) error {
	if e.terminated() || e.cfg.FollowThreshold.IsZero() {
		return nil
	}
	if !e.st.TotalSize.IsZero() || e.st.EntryOrder == nil {
		return nil
	}

	entry := e.st.EntryOrder

	mid, err := e.gw.MidPrice(ctx)
	if err != nil {
		e.logger.Warn("drift check: mid price unavailable", slog.String("error", err.Error()))
		return nil
	}

	drift := mid.Sub(entry.Price).Abs().Div(entry.Price)
	if drift.LessThanOrEqual(e.cfg.FollowThreshold) {
		return nil
	}

	// The fill may be racing us on the event stream; trust the exchange's
	// view before giving up. If the exchange cannot answer, do not abort on
	// stale information, try again next tick.
	cur, err := e.gw.Status(ctx, entry.ID)
	if err != nil {
		e.logger.Warn("drift check: status lookup failed, deferring", slog.String("error", err.Error()))
		return nil
	}
	if cur.Status == domain.OrderStatusFilled {
		e.logger.Info("drift check: entry filled concurrently, skipping abort")
		return nil
	}

	e.logger.Warn("market drifted beyond follow threshold, aborting",
		slog.String("entry_price", entry.Price.String()),
		slog.String("mid_price", mid.String()),
		slog.String("drift", drift.String()),
	)

	if err := e.gw.Cancel(ctx, entry.ID); err != nil && !errors.Is(err, domain.ErrOrderGone) {
		return e.fatal(ctx, fmt.Errorf("engine: cancel drifted entry: %w", err))
	}
	e.st.EntryOrder = nil
	e.st.Phase = domain.PhaseTerminating
	if err := e.persist(ctx); err != nil {
		e.logger.Error("failed to persist abort state", slog.String("error", err.Error()))
	}

	e.reporter.Publish(report.Event{
		Type:  report.EventError,
		Title: "Bot aborted",
		Message: fmt.Sprintf("%s: market %s drifted %s from entry %s, order cancelled",
			e.cfg.Market, mid, drift, entry.Price),
		State: e.st.Clone(),
	})
	e.signalDone(nil)
	return nil
}

// Shutdown runs the best-effort cleanup path on external termination: cancel
// every tracked open order and persist. Safe to call after a terminal
// transition.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.st == nil {
		return
	}
	for _, order := range e.st.OpenOrders() {
		if err := e.gw.Cancel(ctx, order.ID); err != nil && !errors.Is(err, domain.ErrOrderGone) {
			e.logger.Error("shutdown: cancel failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := e.persist(ctx); err != nil {
		e.logger.Error("shutdown: persist failed", slog.String("error", err.Error()))
	}
}

// fatal persists the last-known-good state, reports, and takes the engine
// terminal with the given error. Manual intervention is required; the process
// exits non-zero.
func (e *Engine) fatal(ctx context.Context, err error) error {
	e.logger.Error("fatal engine error", slog.String("error", err.Error()))
	if perr := e.store.Save(ctx, e.st); perr != nil {
		e.logger.Error("failed to persist state during fatal shutdown",
			slog.String("error", perr.Error()))
	}
	e.reporter.Publish(report.Event{
		Type:    report.EventError,
		Title:   "Bot fatal error",
		Message: err.Error(),
		State:   e.st.Clone(),
	})
	e.signalDone(err)
	return err
}

func (e *Engine) persist(ctx context.Context) error {
	e.st.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, e.st); err != nil {
		return fmt.Errorf("engine: persist state: %w", err)
	}
	return nil
}

// tracks reports whether upd refers to the given tracked order, matching by
// exchange ID with a client-ID fallback.
func (e *Engine) tracks(order *domain.Order, upd domain.OrderUpdate) bool {
	if order == nil {
		return false
	}
	if upd.OrderID != "" && upd.OrderID == order.ID {
		return true
	}
	return upd.ClientID != "" && upd.ClientID == order.ClientID
}

func (e *Engine) terminated() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) signalDone(err error) {
	e.doneOnce.Do(func() {
		e.runErr = err
		close(e.done)
	})
}

func eventTime(upd domain.OrderUpdate) time.Time {
	if upd.Time.IsZero() {
		return time.Now().UTC()
	}
	return upd.Time
}
