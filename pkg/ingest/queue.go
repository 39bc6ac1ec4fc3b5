package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"chatsync/pkg/models"
)

// OpKind tells the engine loop how to run an Op.
type OpKind string

const (
	// OpEvent carries a decoded push event for the Reconciler.
	OpEvent OpKind = "event"
	// OpIntent carries a closure: a user intent or the completion of a
	// network task.
	OpIntent OpKind = "intent"
)

// Op is one unit of work for the engine loop. Exactly one of Event and
// Apply is set, matching Kind.
type Op struct {
	Kind  OpKind
	Event *models.Event
	// Name labels intents in logs and metrics.
	Name  string
	Apply func()
	// Seq is a monotonic sequence assigned on enqueue, used in logs.
	Seq uint64
	// Done, when set, is closed after the op ran or was discarded.
	Done chan struct{}
}

func (op *Op) finish() {
	if op.Done != nil {
		close(op.Done)
	}
}

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Queue is the bounded intake of the engine loop. It is safe for
// concurrent producers; a single consumer runs RunWorker.
type Queue struct {
	mu       sync.RWMutex
	closed   bool
	ch       chan *Op
	capacity int
	seq      uint64
	dropped  uint64
	accepted uint64
}

// NewQueue creates a queue holding up to capacity ops.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Op, capacity), capacity: capacity}
}

// Enqueue never blocks. When the queue is full the op is dropped and
// ErrQueueFull returned; the caller decides whether to retry or surface it.
func (q *Queue) Enqueue(op *Op) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	op.Seq = atomic.AddUint64(&q.seq, 1)
	select {
	case q.ch <- op:
		atomic.AddUint64(&q.accepted, 1)
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// EnqueueWait blocks until op is accepted or ctx is done.
func (q *Queue) EnqueueWait(ctx context.Context, op *Op) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	op.Seq = atomic.AddUint64(&q.seq, 1)
	select {
	case q.ch <- op:
		atomic.AddUint64(&q.accepted, 1)
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&q.dropped, 1)
		return ctx.Err()
	}
}

// EnqueueEvent wraps ev in an OpEvent.
func (q *Queue) EnqueueEvent(ev models.Event) error {
	return q.Enqueue(&Op{Kind: OpEvent, Event: &ev})
}

// EnqueueFunc wraps fn in an OpIntent.
func (q *Queue) EnqueueFunc(name string, fn func()) error {
	return q.Enqueue(&Op{Kind: OpIntent, Name: name, Apply: fn})
}

// Close stops intake. Ops already queued remain for RunWorker or Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Drain discards the remaining ops of a closed queue, releasing waiters.
func (q *Queue) Drain() int {
	n := 0
	for op := range q.ch {
		op.finish()
		n++
	}
	return n
}

// RunWorker invokes handler for each op in receipt order. Done is closed
// even if handler returns an error. The worker exits when stop is closed or
// the queue is closed and empty.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case op, ok := <-q.ch:
			if !ok {
				return
			}
			func(op *Op) {
				defer op.finish()
				_ = handler(op)
			}(op)
		case <-stop:
			return
		}
	}
}

// Out exposes the receive side for callers that multiplex the queue with
// timers in their own select loop.
func (q *Queue) Out() <-chan *Op { return q.ch }

// Finish marks an op received through Out as handled.
func Finish(op *Op) { op.finish() }

// Len returns the current number of queued ops.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity of the queue.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of ops rejected because the queue was full or
// the wait was canceled.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// Accepted returns the number of ops taken in.
func (q *Queue) Accepted() uint64 { return atomic.LoadUint64(&q.accepted) }
