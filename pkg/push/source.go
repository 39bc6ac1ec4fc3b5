package push

import (
	"context"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// Sink receives decoded events. The engine implements it by enqueueing into
// its intake queue.
type Sink interface {
	Post(ev models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.Event) error

func (f SinkFunc) Post(ev models.Event) error { return f(ev) }

// Source delivers push events to a sink until ctx is done. Run reconnects
// on its own and returns ctx.Err() when stopped.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Backoff bounds the reconnect delay.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = 30 * time.Second
	}
	return b
}

// next doubles cur within bounds.
func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Min
	}
	cur *= 2
	if cur > b.Max {
		return b.Max
	}
	return cur
}

// sleep waits d or until ctx is done, reporting false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// deliver decodes frame and posts it, logging instead of failing on bad
// frames.
func deliver(source string, frame []byte, sink Sink) {
	ev, err := Decode(frame)
	if err != nil {
		logger.Debug("push_frame_skipped", "source", source, "error", err, "bytes", len(frame))
		return
	}
	if err := sink.Post(ev); err != nil {
		logger.Warn("push_event_dropped", "source", source, "type", ev.Type, "conversation", ev.ConversationID, "error", err)
	}
}

// reconnectLoop runs connect until ctx is done, backing off between
// failures. The delay resets after a session that outlived the maximum
// backoff.
func reconnectLoop(ctx context.Context, name string, b Backoff, connect func(ctx context.Context, attempt int) error) error {
	b = b.withDefaults()
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		started := time.Now()
		err := connect(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > b.Max {
			delay = 0
		}
		delay = b.next(delay)
		logger.Warn("push_disconnected", "source", name, "attempt", attempt, "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}
