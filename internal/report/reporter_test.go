package report

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akilibots/akili-martingale/internal/domain"
)

type fakeSink struct {
	mu       sync.Mutex
	notified []string
	fills    []domain.Fill
	closes   []domain.ClosedPosition
	archived [][]domain.Fill
}

func (f *fakeSink) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, event)
	return nil
}

func (f *fakeSink) RecordFill(_ context.Context, fill domain.Fill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fill)
	return nil
}

func (f *fakeSink) RecordClose(_ context.Context, pos domain.ClosedPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, pos)
	return nil
}

func (f *fakeSink) ArchiveClose(_ context.Context, _ *domain.PositionState, fills []domain.Fill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]domain.Fill, len(fills))
	copy(cp, fills)
	f.archived = append(f.archived, cp)
	return nil
}

func TestReporterDispatchesAndArchivesFills(t *testing.T) {
	sink := &fakeSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(sink, sink, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	fill := domain.Fill{
		Market:  "TESTUSDT",
		OrderID: "ord-1",
		Side:    domain.OrderSideBuy,
		Price:   decimal.NewFromInt(100),
		Size:    decimal.NewFromInt(10),
	}
	r.Publish(Event{Type: EventOrderFilled, Title: "filled", Fill: &fill})

	state := &domain.PositionState{Market: "TESTUSDT", Phase: domain.PhaseTerminating}
	closeRec := domain.ClosedPosition{Market: "TESTUSDT", NetProfit: decimal.NewFromInt(19)}
	r.Publish(Event{Type: EventPositionClosed, Title: "closed", Close: &closeRec, State: state})

	// Cancellation drains whatever is queued before Run returns.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"order_filled", "position_closed"}, sink.notified)
	require.Len(t, sink.fills, 1)
	assert.Equal(t, "ord-1", sink.fills[0].OrderID)
	require.Len(t, sink.closes, 1)
	require.Len(t, sink.archived, 1)
	assert.Len(t, sink.archived[0], 1, "archive receives the accumulated fills")
}

func TestPublishNeverBlocks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(nil, nil, nil, logger)

	// No Run consumer: the queue fills and further publishes are dropped.
	for i := 0; i < queueSize*2; i++ {
		r.Publish(Event{Type: EventOrderFilled, Title: "t"})
	}
}
