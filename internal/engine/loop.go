package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akilibots/akili-martingale/internal/domain"
)

const shutdownTimeout = 10 * time.Second

// Loop owns the single goroutine on which every engine mutation happens. It
// multiplexes the exchange's order-update stream, a liveness ticker, and
// cancellation, and feeds them to the engine one at a time.
type Loop struct {
	engine   *Engine
	client   domain.ExchangeClient
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop wires the event loop. interval drives keep-alives and the
// follow-threshold drift check.
func NewLoop(eng *Engine, client domain.ExchangeClient, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		engine:   eng,
		client:   client,
		interval: interval,
		logger:   logger.With(slog.String("component", "loop")),
	}
}

// Run subscribes to order updates, bootstraps the engine, and processes events
// until the position closes, the context is cancelled, or a fatal error
// occurs. The subscription is opened before bootstrap so a fill arriving
// moments after order placement is never missed.
func (l *Loop) Run(ctx context.Context) error {
	updates, err := l.client.SubscribeOrderUpdates(ctx)
	if err != nil {
		return fmt.Errorf("loop: subscribe order updates: %w", err)
	}

	if err := l.engine.Bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("shutdown requested, cancelling open orders")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			l.engine.Shutdown(sctx)
			cancel()
			return ctx.Err()

		case <-l.engine.Done():
			return l.engine.Err()

		case upd, ok := <-updates:
			if !ok {
				// The stream closing underneath us means we can no longer
				// trust our view of order state. Cancel what we track over
				// REST and stop.
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				l.engine.Shutdown(sctx)
				cancel()
				return fmt.Errorf("loop: order update stream closed: %w", domain.ErrWSDisconnect)
			}
			if err := l.engine.HandleOrderUpdate(ctx, upd); err != nil {
				return err
			}

		case <-ticker.C:
			if err := l.client.KeepAlive(ctx); err != nil {
				l.logger.Warn("stream keep-alive failed", slog.String("error", err.Error()))
			}
			if err := l.engine.CheckDrift(ctx); err != nil {
				return err
			}
		}
	}
}
