// Package report decouples outbound reporting (chat notifications, the trade
// journal, terminal archiving) from the trading path. Publishing never blocks:
// events go into a bounded queue consumed by a single goroutine, and nothing
// in this package mutates engine state.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// EventType identifies what happened. The notifier's event filter operates on
// these strings.
type EventType string

const (
	EventBotStarted     EventType = "bot_started"
	EventOrderFilled    EventType = "order_filled"
	EventOrderReplaced  EventType = "order_replaced"
	EventPositionClosed EventType = "position_closed"
	EventError          EventType = "error"
)

// Event is one reportable occurrence. Fill and Close are set for their
// respective event types; State, when present, is a snapshot taken at publish
// time and safe to read concurrently.
type Event struct {
	Type    EventType
	Title   string
	Message string
	Fill    *domain.Fill
	Close   *domain.ClosedPosition
	State   *domain.PositionState
	At      time.Time
}

// Notifier is the chat-alert capability consumed by the reporter.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Reporter fans events out to the notifier and, when configured, the journal
// and the archiver. Journal and archive failures are logged and swallowed;
// they must never affect trading.
type Reporter struct {
	notifier Notifier
	journal  domain.Journal
	archiver domain.Archiver
	logger   *slog.Logger

	queue chan Event
	fills []domain.Fill
}

// queueSize bounds the event backlog. The engine produces a handful of events
// per step, so a small buffer is plenty; overflow drops the event with a
// warning rather than stalling the trading loop.
const queueSize = 64

// New creates a Reporter. journal and archiver may be nil when not configured.
func New(notifier Notifier, journal domain.Journal, archiver domain.Archiver, logger *slog.Logger) *Reporter {
	return &Reporter{
		notifier: notifier,
		journal:  journal,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "reporter")),
		queue:    make(chan Event, queueSize),
	}
}

// Publish enqueues an event without blocking. If the queue is full the event
// is dropped and counted against the log.
func (r *Reporter) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("report queue full, dropping event", slog.String("type", string(ev.Type)))
	}
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// already enqueued so terminal notifications are not lost on shutdown.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case ev := <-r.queue:
			r.dispatch(ctx, ev)
		}
	}
}

// drain flushes pending events with a short grace period.
func (r *Reporter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (r *Reporter) dispatch(ctx context.Context, ev Event) {
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, string(ev.Type), ev.Title, ev.Message); err != nil {
			r.logger.Warn("notification failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	switch {
	case ev.Fill != nil:
		r.fills = append(r.fills, *ev.Fill)
		if r.journal != nil {
			if err := r.journal.RecordFill(ctx, *ev.Fill); err != nil {
				r.logger.Warn("journal fill failed", slog.String("error", err.Error()))
			}
		}
	case ev.Close != nil:
		if r.journal != nil {
			if err := r.journal.RecordClose(ctx, *ev.Close); err != nil {
				r.logger.Warn("journal close failed", slog.String("error", err.Error()))
			}
		}
		if r.archiver != nil && ev.State != nil {
			if err := r.archiver.ArchiveClose(ctx, ev.State, r.fills); err != nil {
				r.logger.Warn("archive failed", slog.String("error", err.Error()))
			}
		}
	}
}
