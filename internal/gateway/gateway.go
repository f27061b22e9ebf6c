// Package gateway wraps the exchange client with the order-submission policy
// the engine relies on: request rate limiting, bounded retry of transient
// failures, client order IDs, and normalized errors. The engine itself never
// retries; by the time a place/cancel returns an error here, it is final.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/akilibots/akili-martingale/internal/domain"
)

const (
	// placeAttempts bounds transient-failure retries for a single submission.
	placeAttempts = 4
	// baseRetryDelay is doubled after each failed attempt.
	baseRetryDelay = 500 * time.Millisecond
)

// Gateway is the engine's only path to the exchange for order operations.
type Gateway struct {
	client  domain.ExchangeClient
	market  string
	limiter *rate.Limiter
	logger  *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// New creates a Gateway for one market. The limiter keeps the bot well under
// exchange request weights even during cancel/replace bursts.
func New(client domain.ExchangeClient, market string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:  client,
		market:  market,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:  logger.With(slog.String("component", "gateway")),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Place submits a post-only limit order and returns the accepted order with
// its exchange ID. Transient failures are retried with a doubling delay;
// non-transient failures return immediately as a *domain.GatewayError.
func (g *Gateway) Place(ctx context.Context, side domain.OrderSide, size, price decimal.Decimal) (domain.Order, error) {
	req := domain.OrderRequest{
		Market:   g.market,
		Side:     side,
		Price:    price,
		Size:     size,
		ClientID: newClientID(),
		PostOnly: true,
	}

	delay := baseRetryDelay
	var lastErr error
	for attempt := 1; attempt <= placeAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return domain.Order{}, fmt.Errorf("gateway: rate limit wait: %w", err)
		}

		order, err := g.client.PlaceOrder(ctx, req)
		if err == nil {
			g.logger.Info("order placed",
				slog.String("order_id", order.ID),
				slog.String("side", string(side)),
				slog.String("price", price.String()),
				slog.String("size", size.String()),
			)
			return order, nil
		}
		lastErr = err

		if !isTransient(err) {
			return domain.Order{}, &domain.GatewayError{
				Op:     "place",
				Reason: err.Error(),
				Err:    err,
			}
		}

		g.logger.Warn("transient place failure, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < placeAttempts {
			if serr := g.sleep(ctx, delay); serr != nil {
				return domain.Order{}, fmt.Errorf("gateway: retry wait: %w", serr)
			}
			delay *= 2
		}
	}

	return domain.Order{}, &domain.GatewayError{
		Op:        "place",
		Reason:    fmt.Sprintf("retries exhausted: %v", lastErr),
		Transient: true,
		Err:       lastErr,
	}
}

// Cancel requests cancellation of an order. domain.ErrOrderGone (the order was
// already filled or cancelled) is returned unchanged so callers can treat the
// race as success; any other failure is normalized to a *domain.GatewayError.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: rate limit wait: %w", err)
	}

	err := g.client.CancelOrder(ctx, g.market, orderID)
	if err == nil {
		g.logger.Info("order cancelled", slog.String("order_id", orderID))
		return nil
	}
	if errors.Is(err, domain.ErrOrderGone) {
		return domain.ErrOrderGone
	}
	return &domain.GatewayError{
		Op:        "cancel",
		Reason:    err.Error(),
		Transient: isTransient(err),
		Err:       err,
	}
}

// Status fetches the current state of an order. Used by the drift check
// only; the engine's main path is purely event driven.
func (g *Gateway) Status(ctx context.Context, orderID string) (domain.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("gateway: rate limit wait: %w", err)
	}

	order, err := g.client.GetOrder(ctx, g.market, orderID)
	if err != nil {
		return domain.Order{}, &domain.GatewayError{
			Op:        "status",
			Reason:    err.Error(),
			Transient: isTransient(err),
			Err:       err,
		}
	}
	return order, nil
}

// MidPrice proxies the exchange mid-price for the gateway's market.
func (g *Gateway) MidPrice(ctx context.Context) (decimal.Decimal, error) {
	return g.client.MidPrice(ctx, g.market)
}

// MarketRules proxies the exchange rules for the gateway's market.
func (g *Gateway) MarketRules(ctx context.Context) (domain.MarketRule, error) {
	return g.client.MarketRules(ctx, g.market)
}

// isTransient reports whether an error is worth retrying. Adapters classify
// their venue's error codes into domain.GatewayError; anything unclassified
// (raw transport errors and the like) is assumed retryable.
func isTransient(err error) bool {
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return true
}

// newClientID produces a unique client order ID within Binance's 36-char
// limit.
func newClientID() string {
	return "akili-" + uuid.NewString()[:24]
}
