// Package app owns the application lifecycle: it wires the exchange adapter,
// state store, journal, archiver, and notifier, then runs the event loop and
// the reporter until the position closes or the process is told to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/akilibots/akili-martingale/internal/config"
	"github.com/akilibots/akili-martingale/internal/engine"
	"github.com/akilibots/akili-martingale/internal/gateway"
	"github.com/akilibots/akili-martingale/internal/report"
	"github.com/akilibots/akili-martingale/internal/store/postgres"
)

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks until the position closes, a fatal
// error occurs, or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting bot",
		slog.String("market", a.cfg.Strategy.Market),
		slog.String("direction", a.cfg.Strategy.Direction),
		slog.Int("steps", len(a.cfg.Strategy.Steps)),
		slog.Bool("testnet", a.cfg.Exchange.Testnet),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	a.logRecentCloses(ctx, deps)

	reporter := report.New(deps.Notifier, deps.Journal, deps.Archiver, a.logger)
	gw := gateway.New(deps.Exchange, a.cfg.Strategy.Market, a.logger)

	eng := engine.New(engine.Config{
		Market:          a.cfg.Strategy.Market,
		Direction:       a.cfg.Strategy.DomainDirection(),
		Steps:           a.cfg.Strategy.DomainSteps(),
		StartPrice:      decimal.NewFromFloat(a.cfg.Strategy.StartPrice),
		FollowThreshold: decimal.NewFromFloat(a.cfg.Strategy.FollowThreshold),
		MakerFeeRate:    decimal.NewFromFloat(a.cfg.Strategy.MakerFeeRate),
	}, gw, deps.Store, reporter, a.logger)

	loop := engine.NewLoop(eng, deps.Exchange, a.cfg.Strategy.LivenessInterval.Duration, a.logger)

	// The reporter runs on its own context so it can drain terminal events
	// after the loop stops it.
	repCtx, stopReporter := context.WithCancel(context.Background())
	defer stopReporter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := reporter.Run(repCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer stopReporter()
		return loop.Run(gctx)
	})

	return g.Wait()
}

// logRecentCloses surfaces the journal's recent history at startup so the
// operator sees prior performance next to the new run.
func (a *App) logRecentCloses(ctx context.Context, deps *Dependencies) {
	journal, ok := deps.Journal.(*postgres.Journal)
	if !ok || journal == nil {
		return
	}
	closes, err := journal.RecentCloses(ctx, 5)
	if err != nil {
		a.logger.Warn("failed to read journal history", slog.String("error", err.Error()))
		return
	}
	for _, c := range closes {
		a.logger.Info("previous close",
			slog.String("market", c.Market),
			slog.String("net_profit", c.NetProfit.String()),
			slog.Int("steps", c.Steps),
			slog.Time("closed_at", c.ClosedAt),
		)
	}
}

// Close tears down wired resources in reverse order. Safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
