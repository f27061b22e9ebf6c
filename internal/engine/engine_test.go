package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akilibots/akili-martingale/internal/domain"
	"github.com/akilibots/akili-martingale/internal/gateway"
	"github.com/akilibots/akili-martingale/internal/report"
)

// fakeExchange is an in-memory exchange: every placed order rests until a test
// fills or cancels it through the update channel.
type fakeExchange struct {
	mu        sync.Mutex
	nextID    int
	orders    map[string]domain.Order
	mid       decimal.Decimal
	tick      decimal.Decimal
	updates   chan domain.OrderUpdate
	statusErr error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:  make(map[string]domain.Order),
		mid:     decimal.NewFromInt(100),
		tick:    decimal.RequireFromString("0.1"),
		updates: make(chan domain.OrderUpdate, 16),
	}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	order := domain.Order{
		ID:        fmt.Sprintf("ord-%d", f.nextID),
		ClientID:  req.ClientID,
		Market:    req.Market,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    domain.OrderStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != domain.OrderStatusPending {
		return domain.ErrOrderGone
	}
	order.Status = domain.OrderStatusCanceled
	f.orders[orderID] = order
	return nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _, orderID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return domain.Order{}, f.statusErr
	}
	order, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (f *fakeExchange) MidPrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mid, nil
}

func (f *fakeExchange) MarketRules(_ context.Context, market string) (domain.MarketRule, error) {
	return domain.MarketRule{Market: market, TickSize: f.tick}, nil
}

func (f *fakeExchange) SubscribeOrderUpdates(context.Context) (<-chan domain.OrderUpdate, error) {
	return f.updates, nil
}

func (f *fakeExchange) KeepAlive(context.Context) error { return nil }
func (f *fakeExchange) Close() error                    { return nil }

func (f *fakeExchange) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *fakeExchange) setMid(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mid = decimal.RequireFromString(s)
}

// fill marks an order filled on the exchange and returns the update the
// account stream would deliver.
func (f *fakeExchange) fill(orderID, price string) domain.OrderUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderID]
	order.Status = domain.OrderStatusFilled
	f.orders[orderID] = order
	return domain.OrderUpdate{
		OrderID:    order.ID,
		ClientID:   order.ClientID,
		Market:     order.Market,
		Side:       order.Side,
		Status:     domain.OrderStatusFilled,
		Price:      order.Price,
		FillPrice:  decimal.RequireFromString(price),
		FilledSize: order.Size,
		Time:       time.Now().UTC(),
	}
}

func (f *fakeExchange) cancelUpdate(orderID string) domain.OrderUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderID]
	order.Status = domain.OrderStatusCanceled
	f.orders[orderID] = order
	return domain.OrderUpdate{
		OrderID:  order.ID,
		ClientID: order.ClientID,
		Market:   order.Market,
		Side:     order.Side,
		Status:   domain.OrderStatusCanceled,
		Price:    order.Price,
		Time:     time.Now().UTC(),
	}
}

func (f *fakeExchange) order(t *testing.T, orderID string) domain.Order {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	require.True(t, ok, "order %s not found on exchange", orderID)
	return order
}

func (f *fakeExchange) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.orders {
		if o.Status == domain.OrderStatusPending {
			n++
		}
	}
	return n
}

// memStore keeps the snapshot in memory.
type memStore struct {
	mu    sync.Mutex
	st    *domain.PositionState
	saves int
}

func (m *memStore) Load(context.Context) (*domain.PositionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, domain.ErrNotFound
	}
	return m.st.Clone(), nil
}

func (m *memStore) Save(_ context.Context, st *domain.PositionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st.Clone()
	m.saves++
	return nil
}

// capReporter records published events.
type capReporter struct {
	mu     sync.Mutex
	events []report.Event
}

func (c *capReporter) Publish(ev report.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capReporter) byType(t report.EventType) []report.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []report.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		Market:       "TESTUSDT",
		Direction:    domain.DirectionLong,
		StartPrice:   decimal.NewFromInt(100),
		MakerFeeRate: decimal.RequireFromString("0.0002"),
		Steps: []domain.Step{
			{PriceOffset: decimal.Zero, Size: decimal.NewFromInt(10), ProfitOffset: decimal.RequireFromString("0.02")},
			{PriceOffset: decimal.RequireFromString("0.05"), Size: decimal.NewFromInt(20), ProfitOffset: decimal.RequireFromString("0.03")},
		},
	}
}

type harness struct {
	engine   *Engine
	exchange *fakeExchange
	store    *memStore
	reporter *capReporter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := newFakeExchange()
	st := &memStore{}
	rep := &capReporter{}
	gw := gateway.New(ex, cfg.Market, logger)
	return &harness{
		engine:   New(cfg, gw, st, rep, logger),
		exchange: ex,
		store:    st,
		reporter: rep,
	}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got),
		"want %s, got %s %v", want, got, msgAndArgs)
}

func TestBootstrapFreshStart(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.engine.Bootstrap(ctx))

	st := h.engine.State()
	assert.Equal(t, domain.PhaseAccumulating, st.Phase)
	assert.Equal(t, 0, st.StepIndex)
	assert.True(t, st.TotalSize.IsZero())
	assert.True(t, st.AveragePrice.IsZero())
	require.NotNil(t, st.EntryOrder)
	assert.Nil(t, st.TakeProfitOrder)

	entry := h.exchange.order(t, st.EntryOrder.ID)
	assert.Equal(t, domain.OrderSideBuy, entry.Side)
	requireDecimal(t, "100", entry.Price)
	requireDecimal(t, "10", entry.Size)

	require.True(t, h.store.saves > 0, "fresh start must persist before returning")
	assert.Len(t, h.reporter.byType(report.EventBotStarted), 1)
}

func TestBootstrapUsesMidPriceWhenStartUnset(t *testing.T) {
	cfg := testConfig()
	cfg.StartPrice = decimal.Zero
	h := newHarness(t, cfg)
	h.exchange.setMid("104.06")

	require.NoError(t, h.engine.Bootstrap(context.Background()))

	st := h.engine.State()
	requireDecimal(t, "104.1", st.StartPrice, "start price rounds to tick")
	requireDecimal(t, "104.1", st.EntryOrder.Price)
}

func TestEntryFillLadder(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	firstEntry := h.engine.State().EntryOrder.ID

	// First fill at the order price: average 100, TP for 10 at 102, next
	// entry 20 at 95.
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(firstEntry, "100")))

	st := h.engine.State()
	assert.Equal(t, 1, st.StepIndex)
	requireDecimal(t, "100", st.AveragePrice)
	requireDecimal(t, "10", st.TotalSize)

	require.NotNil(t, st.TakeProfitOrder)
	tp := h.exchange.order(t, st.TakeProfitOrder.ID)
	assert.Equal(t, domain.OrderSideSell, tp.Side)
	requireDecimal(t, "102", tp.Price)
	requireDecimal(t, "10", tp.Size)

	require.NotNil(t, st.EntryOrder)
	entry := h.exchange.order(t, st.EntryOrder.ID)
	assert.Equal(t, domain.OrderSideBuy, entry.Side)
	requireDecimal(t, "95", entry.Price)
	requireDecimal(t, "20", entry.Size)

	// Second fill: average (100*10+95*20)/30 rounds to 96.7, TP for the full
	// 30 at 99.6, ladder exhausted.
	oldTP := st.TakeProfitOrder.ID
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(st.EntryOrder.ID, "95")))

	st = h.engine.State()
	assert.Equal(t, 2, st.StepIndex)
	requireDecimal(t, "96.7", st.AveragePrice)
	requireDecimal(t, "30", st.TotalSize)
	assert.Equal(t, domain.PhaseTerminating, st.Phase)
	assert.Nil(t, st.EntryOrder)

	assert.Equal(t, domain.OrderStatusCanceled, h.exchange.order(t, oldTP).Status)
	tp = h.exchange.order(t, st.TakeProfitOrder.ID)
	requireDecimal(t, "99.6", tp.Price)
	requireDecimal(t, "30", tp.Size)

	// At most one entry and one take-profit open at any time.
	assert.Equal(t, 1, h.exchange.openCount())
	assert.Len(t, h.reporter.byType(report.EventOrderFilled), 2)
}

func TestTakeProfitFillClosesPosition(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))

	st := h.engine.State()
	entryID := st.EntryOrder.ID
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(st.TakeProfitOrder.ID, "102")))

	// Position closed: outstanding entry cancelled, state terminal.
	st = h.engine.State()
	assert.Equal(t, domain.PhaseTerminating, st.Phase)
	assert.Nil(t, st.EntryOrder)
	assert.Nil(t, st.TakeProfitOrder)
	assert.Equal(t, domain.OrderStatusCanceled, h.exchange.order(t, entryID).Status)

	// net = (102-100)*10 - 0.0002*(1+2)*102*10
	requireDecimal(t, "19.3880", st.RealizedPnL)

	select {
	case <-h.engine.Done():
	default:
		t.Fatal("engine must signal done after take-profit fill")
	}
	require.NoError(t, h.engine.Err())

	closes := h.reporter.byType(report.EventPositionClosed)
	require.Len(t, closes, 1)
	requireDecimal(t, "102", closes[0].Close.ExitPrice)
	requireDecimal(t, "19.3880", closes[0].Close.NetProfit)
	assert.Equal(t, 1, closes[0].Close.Steps)
}

func TestTakeProfitFillAfterLadderExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "95")))

	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().TakeProfitOrder.ID, "99.6")))

	st := h.engine.State()
	// net = (99.6-96.7)*30 - 0.0002*(2+2)*99.6*30
	requireDecimal(t, "84.6096", st.RealizedPnL)
	assert.Equal(t, 0, h.exchange.openCount())
	require.NoError(t, h.engine.Err())
}

func TestCanceledTrackedOrderIsReplaced(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))

	oldTP := *h.engine.State().TakeProfitOrder
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.cancelUpdate(oldTP.ID)))

	st := h.engine.State()
	require.NotNil(t, st.TakeProfitOrder)
	assert.NotEqual(t, oldTP.ID, st.TakeProfitOrder.ID)
	replacement := h.exchange.order(t, st.TakeProfitOrder.ID)
	assert.Equal(t, oldTP.Side, replacement.Side)
	requireDecimal(t, oldTP.Price.String(), replacement.Price)
	requireDecimal(t, oldTP.Size.String(), replacement.Size)
	assert.Len(t, h.reporter.byType(report.EventOrderReplaced), 1)
}

func TestCanceledTakeProfitReplacedAfterLadderExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "95")))

	oldTP := h.engine.State().TakeProfitOrder.ID
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.cancelUpdate(oldTP)))

	st := h.engine.State()
	assert.Equal(t, domain.PhaseTerminating, st.Phase)
	require.NotNil(t, st.TakeProfitOrder)
	assert.NotEqual(t, oldTP, st.TakeProfitOrder.ID)
}

func TestUntrackedUpdatesIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	before := h.engine.State()

	stale := domain.OrderUpdate{
		OrderID:   "ord-999",
		Market:    "TESTUSDT",
		Status:    domain.OrderStatusFilled,
		FillPrice: decimal.NewFromInt(50),
	}
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, stale))

	stale.Status = domain.OrderStatusCanceled
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, stale))

	after := h.engine.State()
	assert.Equal(t, before.StepIndex, after.StepIndex)
	assert.True(t, before.TotalSize.Equal(after.TotalSize))
	assert.Equal(t, before.EntryOrder.ID, after.EntryOrder.ID)
}

func TestOtherMarketUpdatesIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))

	entryID := h.engine.State().EntryOrder.ID
	upd := h.exchange.fill(entryID, "100")
	upd.Market = "OTHERUSDT"
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, upd))

	assert.Equal(t, 0, h.engine.State().StepIndex)
}

func TestResumeFromSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	snapshot := &domain.PositionState{
		Market:       "TESTUSDT",
		Direction:    domain.DirectionLong,
		StartPrice:   decimal.NewFromInt(100),
		TickSize:     decimal.RequireFromString("0.1"),
		StepIndex:    1,
		TotalSize:    decimal.NewFromInt(10),
		AveragePrice: decimal.NewFromInt(100),
		EntryOrder: &domain.Order{
			ID: "ord-7", Market: "TESTUSDT", Side: domain.OrderSideBuy,
			Price: decimal.NewFromInt(95), Size: decimal.NewFromInt(20),
			Status: domain.OrderStatusPending,
		},
		TakeProfitOrder: &domain.Order{
			ID: "ord-8", Market: "TESTUSDT", Side: domain.OrderSideSell,
			Price: decimal.NewFromInt(102), Size: decimal.NewFromInt(10),
			Status: domain.OrderStatusPending,
		},
		Phase: domain.PhaseAccumulating,
	}
	require.NoError(t, h.store.Save(ctx, snapshot))

	require.NoError(t, h.engine.Bootstrap(ctx))

	// Resume restores verbatim and never touches the exchange.
	st := h.engine.State()
	assert.Equal(t, 1, st.StepIndex)
	requireDecimal(t, "100", st.AveragePrice)
	assert.Equal(t, "ord-7", st.EntryOrder.ID)
	assert.Equal(t, "ord-8", st.TakeProfitOrder.ID)
	assert.Equal(t, 0, h.exchange.openCount())
	assert.Empty(t, h.reporter.byType(report.EventBotStarted))
}

func TestResumeClosedOutSnapshotExitsCleanly(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	// A snapshot from a run that already took profit: terminal phase, no
	// open order handles left.
	require.NoError(t, h.store.Save(ctx, &domain.PositionState{
		Market:      "TESTUSDT",
		Direction:   domain.DirectionLong,
		StartPrice:  decimal.NewFromInt(100),
		TickSize:    decimal.RequireFromString("0.1"),
		StepIndex:   1,
		Phase:       domain.PhaseTerminating,
		RealizedPnL: decimal.RequireFromString("19.3880"),
	}))

	loop := NewLoop(h.engine, h.exchange, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	// The loop must notice there is nothing to do and return, not idle on
	// an empty update stream.
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on a closed-out snapshot")
	}

	select {
	case <-h.engine.Done():
	default:
		t.Fatal("closed-out snapshot must signal done at bootstrap")
	}
	require.NoError(t, h.engine.Err())
	assert.Equal(t, 0, h.exchange.openCount(), "resume must not place orders for a closed position")
	assert.Empty(t, h.reporter.byType(report.EventBotStarted))
}

func TestResumeReplaysNextFillIdentically(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	// Continuous run: boot, first fill, second fill.
	cont := newHarness(t, cfg)
	require.NoError(t, cont.engine.Bootstrap(ctx))
	require.NoError(t, cont.engine.HandleOrderUpdate(ctx, cont.exchange.fill(cont.engine.State().EntryOrder.ID, "100")))
	require.NoError(t, cont.engine.HandleOrderUpdate(ctx, cont.exchange.fill(cont.engine.State().EntryOrder.ID, "95")))
	want := cont.engine.State()

	// Restarted run: the process dies after the first fill and a fresh
	// engine resumes from the snapshot before the second fill arrives.
	h := newHarness(t, cfg)
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resumed := New(cfg, gateway.New(h.exchange, cfg.Market, logger), h.store, h.reporter, logger)
	require.NoError(t, resumed.Bootstrap(ctx))
	require.NoError(t, resumed.HandleOrderUpdate(ctx, h.exchange.fill(resumed.State().EntryOrder.ID, "95")))

	// Both paths converge on the same position.
	got := resumed.State()
	assert.Equal(t, want.StepIndex, got.StepIndex)
	assert.Equal(t, want.Phase, got.Phase)
	requireDecimal(t, want.TotalSize.String(), got.TotalSize)
	requireDecimal(t, want.AveragePrice.String(), got.AveragePrice)
	require.NotNil(t, got.TakeProfitOrder)
	requireDecimal(t, want.TakeProfitOrder.Price.String(), got.TakeProfitOrder.Price)
	requireDecimal(t, want.TakeProfitOrder.Size.String(), got.TakeProfitOrder.Size)
	assert.Nil(t, got.EntryOrder)
	assert.Equal(t, 1, h.exchange.openCount())
}

func TestResumeRejectsForeignSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.store.Save(ctx, &domain.PositionState{
		Market:    "OTHERUSDT",
		Direction: domain.DirectionLong,
		Phase:     domain.PhaseAccumulating,
	}))

	err := h.engine.Bootstrap(ctx)
	require.ErrorIs(t, err, domain.ErrStateCorrupt)
}

func TestDriftAbortsUnfilledFirstEntry(t *testing.T) {
	cfg := testConfig()
	cfg.FollowThreshold = decimal.RequireFromString("0.01")
	h := newHarness(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	entryID := h.engine.State().EntryOrder.ID

	// Within tolerance: nothing happens.
	h.exchange.setMid("100.5")
	require.NoError(t, h.engine.CheckDrift(ctx))
	assert.NotNil(t, h.engine.State().EntryOrder)

	// Beyond tolerance: cancel and terminate.
	h.exchange.setMid("103")
	require.NoError(t, h.engine.CheckDrift(ctx))

	st := h.engine.State()
	assert.Nil(t, st.EntryOrder)
	assert.Equal(t, domain.PhaseTerminating, st.Phase)
	assert.Equal(t, domain.OrderStatusCanceled, h.exchange.order(t, entryID).Status)
	select {
	case <-h.engine.Done():
	default:
		t.Fatal("drift abort must signal done")
	}
	require.NoError(t, h.engine.Err())
}

func TestDriftSkippedOncePositionOpen(t *testing.T) {
	cfg := testConfig()
	cfg.FollowThreshold = decimal.RequireFromString("0.01")
	h := newHarness(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))

	h.exchange.setMid("150")
	require.NoError(t, h.engine.CheckDrift(ctx))
	assert.NotNil(t, h.engine.State().EntryOrder, "drift check must not touch a position mid-build")
}

func TestDriftDefersToConcurrentFill(t *testing.T) {
	cfg := testConfig()
	cfg.FollowThreshold = decimal.RequireFromString("0.01")
	h := newHarness(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	entryID := h.engine.State().EntryOrder.ID

	// The exchange already filled the order but the stream event has not
	// arrived yet: the status lookup must win over the stale mid-price.
	h.exchange.fill(entryID, "100")
	h.exchange.setMid("110")
	require.NoError(t, h.engine.CheckDrift(ctx))

	st := h.engine.State()
	require.NotNil(t, st.EntryOrder)
	assert.Equal(t, entryID, st.EntryOrder.ID)
}

func TestDriftDeferredWhenStatusUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.FollowThreshold = decimal.RequireFromString("0.01")
	h := newHarness(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	entryID := h.engine.State().EntryOrder.ID

	// The mid has drifted but the exchange cannot confirm the order's fate:
	// the order may already be filled, so the abort waits for a tick where
	// the lookup succeeds.
	h.exchange.setMid("110")
	h.exchange.setStatusErr(errors.New("exchange unavailable"))
	require.NoError(t, h.engine.CheckDrift(ctx))

	st := h.engine.State()
	require.NotNil(t, st.EntryOrder, "abort must not fire on an unconfirmed order")
	assert.Equal(t, entryID, st.EntryOrder.ID)
	assert.Equal(t, domain.PhaseAccumulating, st.Phase)

	// Once the exchange answers again the abort proceeds.
	h.exchange.setStatusErr(nil)
	require.NoError(t, h.engine.CheckDrift(ctx))
	assert.Nil(t, h.engine.State().EntryOrder)
}

func TestShutdownCancelsOpenOrders(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.Bootstrap(ctx))
	require.NoError(t, h.engine.HandleOrderUpdate(ctx, h.exchange.fill(h.engine.State().EntryOrder.ID, "100")))
	require.Equal(t, 2, h.exchange.openCount())

	h.engine.Shutdown(ctx)
	assert.Equal(t, 0, h.exchange.openCount())

	// The snapshot still holds the order handles for the next boot.
	st, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, st.EntryOrder)
	assert.NotNil(t, st.TakeProfitOrder)
}

func TestLoopStreamClosureIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	loop := NewLoop(h.engine, h.exchange, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	// Let the loop bootstrap, then kill the stream.
	require.Eventually(t, func() bool { return h.exchange.openCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	close(h.exchange.updates)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, domain.ErrWSDisconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on stream closure")
	}
}

func TestLoopRunsToClose(t *testing.T) {
	h := newHarness(t, testConfig())
	loop := NewLoop(h.engine, h.exchange, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	// Poll the store rather than the engine: engine state is only safe to
	// read from the loop goroutine.
	snapshot := func() *domain.PositionState {
		st, err := h.store.Load(context.Background())
		if err != nil {
			return nil
		}
		return st
	}

	require.Eventually(t, func() bool {
		st := snapshot()
		return st != nil && st.EntryOrder != nil
	}, 2*time.Second, 10*time.Millisecond)
	h.exchange.updates <- h.exchange.fill(snapshot().EntryOrder.ID, "100")

	require.Eventually(t, func() bool {
		st := snapshot()
		return st != nil && st.TakeProfitOrder != nil && st.StepIndex == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.exchange.updates <- h.exchange.fill(snapshot().TakeProfitOrder.ID, "102")

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after position close")
	}
	assert.Equal(t, domain.PhaseTerminating, snapshot().Phase)
}
