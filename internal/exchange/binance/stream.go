package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/akilibots/akili-martingale/internal/domain"
)

const (
	// reconnectDelay is the base delay before reattempting a stream.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second

	// readWait bounds how long the ticker socket may stay silent. Binance
	// pings every few minutes; book tickers arrive far more often.
	readWait = 90 * time.Second

	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second
)

// userStream wraps the futures user-data stream in a reconnect loop and
// converts order-trade updates into domain events.
type userStream struct {
	listenKey string
	logger    *slog.Logger

	stopOnce sync.Once
	stopC    chan struct{}
}

func newUserStream(listenKey string, logger *slog.Logger) *userStream {
	return &userStream{
		listenKey: listenKey,
		logger:    logger.With(slog.String("stream", "user_data")),
		stopC:     make(chan struct{}),
	}
}

// run starts the stream goroutine and returns the update channel. The channel
// closes when ctx ends, stop is called, or reconnection gives up; the event
// loop treats closure as fatal.
func (u *userStream) run(ctx context.Context) <-chan domain.OrderUpdate {
	updates := make(chan domain.OrderUpdate, 64)

	go func() {
		defer close(updates)

		delay := reconnectDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-u.stopC:
				return
			default:
			}

			doneC, stopC, err := futures.WsUserDataServe(u.listenKey,
				func(event *futures.WsUserDataEvent) {
					if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
						return
					}
					u.forward(ctx, updates, orderUpdateOf(event.OrderTradeUpdate))
				},
				func(err error) {
					u.logger.Warn("user stream error", slog.String("error", err.Error()))
				},
			)
			if err != nil {
				u.logger.Warn("user stream connect failed, retrying",
					slog.String("error", err.Error()),
					slog.Duration("delay", delay),
				)
				if !sleepOr(ctx, u.stopC, delay) {
					return
				}
				delay = min(delay*2, maxReconnectDelay)
				continue
			}

			u.logger.Info("user data stream connected")
			delay = reconnectDelay

			select {
			case <-ctx.Done():
				close(stopC)
				return
			case <-u.stopC:
				close(stopC)
				return
			case <-doneC:
				u.logger.Warn("user data stream disconnected, reconnecting")
				if !sleepOr(ctx, u.stopC, delay) {
					return
				}
			}
		}
	}()

	return updates
}

func (u *userStream) stop() {
	u.stopOnce.Do(func() { close(u.stopC) })
}

// forward delivers an update to the consumer. The send blocks rather than
// drops: every fill matters, and the event loop always drains the channel
// while it runs. Shutdown unblocks the send so the websocket callback cannot
// hang after the consumer has gone.
func (u *userStream) forward(ctx context.Context, updates chan<- domain.OrderUpdate, upd domain.OrderUpdate) {
	select {
	case updates <- upd:
	case <-ctx.Done():
	case <-u.stopC:
	}
}

// orderUpdateOf maps a futures order-trade update onto the domain event.
func orderUpdateOf(o futures.WsOrderTradeUpdate) domain.OrderUpdate {
	status := statusOf(o.Status)
	upd := domain.OrderUpdate{
		OrderID:  fmt.Sprintf("%d", o.ID),
		ClientID: o.ClientOrderID,
		Market:   o.Symbol,
		Side:     domainSide(string(o.Side)),
		Status:   status,
		Time:     time.UnixMilli(o.TradeTime).UTC(),
	}
	if p, err := decimal.NewFromString(o.OriginalPrice); err == nil {
		upd.Price = p
	}
	if p, err := decimal.NewFromString(o.AveragePrice); err == nil {
		upd.FillPrice = p
	}
	if q, err := decimal.NewFromString(o.AccumulatedFilledQty); err == nil {
		upd.FilledSize = q
	}
	return upd
}

// bookTickerStream keeps the latest best bid/ask for one market over a raw
// websocket, so drift checks read a cached quote instead of a REST call.
type bookTickerStream struct {
	url    string
	logger *slog.Logger

	mu  sync.RWMutex
	bid decimal.Decimal
	ask decimal.Decimal

	stopOnce sync.Once
	stopC    chan struct{}
}

// bookTickerMsg is the @bookTicker payload subset we read.
type bookTickerMsg struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func newBookTickerStream(market string, testnet bool, logger *slog.Logger) *bookTickerStream {
	base := "wss://fstream.binance.com"
	if testnet {
		base = "wss://stream.binancefuture.com"
	}
	return &bookTickerStream{
		url:    fmt.Sprintf("%s/ws/%s@bookTicker", base, strings.ToLower(market)),
		logger: logger.With(slog.String("stream", "book_ticker")),
		stopC:  make(chan struct{}),
	}
}

// Mid returns the cached mid price; ok is false before the first quote.
func (b *bookTickerStream) Mid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.bid.IsZero() || b.ask.IsZero() {
		return decimal.Decimal{}, false
	}
	return mid(b.bid, b.ask), true
}

func (b *bookTickerStream) start(ctx context.Context) {
	go func() {
		delay := reconnectDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopC:
				return
			default:
			}

			if err := b.serve(ctx); err != nil {
				b.logger.Warn("book ticker stream failed, reconnecting",
					slog.String("error", err.Error()),
					slog.Duration("delay", delay),
				)
			}
			if !sleepOr(ctx, b.stopC, delay) {
				return
			}
			delay = min(delay*2, maxReconnectDelay)
		}
	}()
}

// serve runs one connection until it breaks. Binance pings the client;
// gorilla answers pongs automatically, we only refresh the read deadline.
func (b *bookTickerStream) serve(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.url, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(10*time.Second))
	})

	// Unblock the read loop when we are told to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stopC:
		case <-done:
			return
		}
		_ = conn.Close()
	}()

	b.logger.Info("book ticker stream connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var msg bookTickerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		bid, err1 := decimal.NewFromString(msg.Bid)
		ask, err2 := decimal.NewFromString(msg.Ask)
		if err1 != nil || err2 != nil {
			continue
		}

		b.mu.Lock()
		b.bid, b.ask = bid, ask
		b.mu.Unlock()
	}
}

func (b *bookTickerStream) stop() {
	b.stopOnce.Do(func() { close(b.stopC) })
}

// sleepOr waits for d unless ctx or stop ends first; it reports whether the
// caller should continue.
func sleepOr(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
