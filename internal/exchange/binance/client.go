// Package binance adapts Binance USD-M futures to the domain.ExchangeClient
// interface: REST for order management, the user-data stream for fills, and a
// book-ticker stream for the live mid price.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// Config configures the futures client.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Client implements domain.ExchangeClient against Binance USD-M futures.
type Client struct {
	api    *futures.Client
	logger *slog.Logger

	listenKey string
	stream    *userStream
	ticker    *bookTickerStream
}

// New creates the client and syncs the local clock offset against the
// exchange, which signed requests depend on.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	futures.UseTestnet = cfg.Testnet
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)

	if _, err := api.NewSetServerTimeService().Do(ctx); err != nil {
		return nil, fmt.Errorf("binance: sync server time: %w", err)
	}

	return &Client{
		api:    api,
		logger: logger.With(slog.String("component", "binance")),
	}, nil
}

// PlaceOrder submits a post-only (GTX) or GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	tif := futures.TimeInForceTypeGTC
	if req.PostOnly {
		tif = futures.TimeInForceTypeGTX
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Market).
		Side(futures.SideType(sideOf(req.Side))).
		Type(futures.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(req.Size.String()).
		Price(req.Price.String())
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.Order{}, classify("place", err)
	}

	return domain.Order{
		ID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:  resp.ClientOrderID,
		Market:    req.Market,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    statusOf(resp.Status),
		CreatedAt: time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// CancelOrder requests cancellation; -2011 (unknown order) means the order is
// already filled or cancelled and comes back as domain.ErrOrderGone.
func (c *Client) CancelOrder(ctx context.Context, market, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}

	_, err = c.api.NewCancelOrderService().Symbol(market).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return domain.ErrOrderGone
		}
		return classify("cancel", err)
	}
	return nil
}

// GetOrder fetches the current order state.
func (c *Client) GetOrder(ctx context.Context, market, orderID string) (domain.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}

	resp, err := c.api.NewGetOrderService().Symbol(market).OrderID(id).Do(ctx)
	if err != nil {
		return domain.Order{}, classify("status", err)
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: parse order price %q: %w", resp.Price, err)
	}
	size, err := decimal.NewFromString(resp.OrigQuantity)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: parse order quantity %q: %w", resp.OrigQuantity, err)
	}

	return domain.Order{
		ID:        orderID,
		ClientID:  resp.ClientOrderID,
		Market:    resp.Symbol,
		Side:      domainSide(string(resp.Side)),
		Price:     price,
		Size:      size,
		Status:    statusOf(resp.Status),
		CreatedAt: time.UnixMilli(resp.Time).UTC(),
	}, nil
}

// MidPrice returns (bid+ask)/2, preferring the live book-ticker stream and
// falling back to REST when the stream has no quote yet.
func (c *Client) MidPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	if c.ticker != nil {
		if mid, ok := c.ticker.Mid(); ok {
			return mid, nil
		}
	}

	books, err := c.api.NewListBookTickersService().Symbol(market).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, classify("mid_price", err)
	}
	if len(books) == 0 {
		return decimal.Decimal{}, fmt.Errorf("binance: no book ticker for %s", market)
	}

	bid, err := decimal.NewFromString(books[0].BidPrice)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("binance: parse bid %q: %w", books[0].BidPrice, err)
	}
	ask, err := decimal.NewFromString(books[0].AskPrice)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("binance: parse ask %q: %w", books[0].AskPrice, err)
	}
	return mid(bid, ask), nil
}

// MarketRules fetches tick and lot sizes from exchange info.
func (c *Client) MarketRules(ctx context.Context, market string) (domain.MarketRule, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return domain.MarketRule{}, classify("market_rules", err)
	}

	for _, sym := range info.Symbols {
		if sym.Symbol != market {
			continue
		}
		rule := domain.MarketRule{Market: market}
		if pf := sym.PriceFilter(); pf != nil {
			rule.TickSize, err = decimal.NewFromString(pf.TickSize)
			if err != nil {
				return domain.MarketRule{}, fmt.Errorf("binance: parse tick size %q: %w", pf.TickSize, err)
			}
		}
		if lf := sym.LotSizeFilter(); lf != nil {
			rule.StepSize, err = decimal.NewFromString(lf.StepSize)
			if err != nil {
				return domain.MarketRule{}, fmt.Errorf("binance: parse step size %q: %w", lf.StepSize, err)
			}
		}
		if rule.TickSize.IsZero() {
			return domain.MarketRule{}, fmt.Errorf("binance: no price filter for %s", market)
		}
		return rule, nil
	}
	return domain.MarketRule{}, fmt.Errorf("binance: unknown market %s: %w", market, domain.ErrNotFound)
}

// SubscribeOrderUpdates opens the user-data stream and starts the book-ticker
// stream. The returned channel closes when the stream gives up reconnecting.
func (c *Client) SubscribeOrderUpdates(ctx context.Context) (<-chan domain.OrderUpdate, error) {
	key, err := c.api.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classify("listen_key", err)
	}
	c.listenKey = key

	c.stream = newUserStream(key, c.logger)
	updates := c.stream.run(ctx)
	return updates, nil
}

// StartTicker opens the book-ticker stream powering the cached mid price.
// Optional; MidPrice falls back to REST without it.
func (c *Client) StartTicker(ctx context.Context, market string, testnet bool) {
	c.ticker = newBookTickerStream(market, testnet, c.logger)
	c.ticker.start(ctx)
}

// KeepAlive refreshes the listen key. Binance expires idle keys after an
// hour; the event loop calls this on its liveness timer.
func (c *Client) KeepAlive(ctx context.Context) error {
	if c.listenKey == "" {
		return nil
	}
	if err := c.api.NewKeepaliveUserStreamService().ListenKey(c.listenKey).Do(ctx); err != nil {
		return classify("keepalive", err)
	}
	return nil
}

// Close stops the streams.
func (c *Client) Close() error {
	if c.stream != nil {
		c.stream.stop()
	}
	if c.ticker != nil {
		c.ticker.stop()
	}
	return nil
}

func sideOf(s domain.OrderSide) string {
	if s == domain.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

func domainSide(s string) domain.OrderSide {
	if s == "BUY" {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

// statusOf collapses Binance's order states onto the domain's three. A
// partial fill stays pending; post-only rejections surface as EXPIRED and
// count as cancelled.
func statusOf(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired,
		futures.OrderStatusTypeRejected:
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusPending
	}
}

func mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// classify normalizes an API failure into a domain.GatewayError, marking the
// retry-worthy codes transient. Anything that is not a Binance API error is a
// transport failure and assumed transient.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &domain.GatewayError{Op: op, Reason: err.Error(), Transient: true, Err: err}
	}

	transient := false
	switch apiErr.Code {
	case -1000, // unknown server error
		-1001, // internal disconnect
		-1003, // too many requests
		-1007, // backend timeout
		-1021: // timestamp out of recv window
		transient = true
	}
	return &domain.GatewayError{
		Op:        op,
		Reason:    fmt.Sprintf("code %d: %s", apiErr.Code, apiErr.Message),
		Transient: transient,
		Err:       err,
	}
}
