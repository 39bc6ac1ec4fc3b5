// Package engine composes the conversation engine behind one intake queue.
//
// Every state change runs on the loop started by Run: push events posted
// through Post, intents from the public methods, and the completions of
// network tasks. Network calls run in their own goroutines and post a
// closure back when they finish. Readers use Snapshot, which is rebuilt
// after each applied op.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/composer"
	"chatsync/pkg/ingest"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/outbox"
	"chatsync/pkg/paginator"
	"chatsync/pkg/presence"
	"chatsync/pkg/selection"
	"chatsync/pkg/store"
	"chatsync/pkg/typing"
)

// ErrStopped is returned by intents that reach the engine after Run exited.
var ErrStopped = errors.New("engine stopped")

// Backend is the REST side of the engine.
type Backend interface {
	paginator.Fetcher
	ListAllConversations(ctx context.Context, maxPages int) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	SendMessage(ctx context.Context, m models.Message) (models.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID string, b models.Body) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID, messageID string) (models.ReadReceipt, error)
	AddParticipant(ctx context.Context, conversationID string, id models.Identity) (models.Conversation, error)
}

// TypingSender publishes our own typing state.
type TypingSender interface {
	SendTyping(conversationID string, start bool) error
}

// Outbox keeps failed sends across restarts.
type Outbox interface {
	Put(rec outbox.Record) error
	Delete(conversationID, correlationKey string) error
	Get(conversationID, correlationKey string) (outbox.Record, bool, error)
	List(conversationID string) ([]outbox.Record, error)
}

type Options struct {
	Self    models.Identity
	Backend Backend
	// Uploader defaults to Backend when it implements composer.Uploader.
	Uploader composer.Uploader
	Typing   TypingSender
	Outbox   Outbox
	Metrics  *metrics.Metrics

	QueueCapacity int
	PageSize      int
	Debounce      time.Duration
	TypingTimeout time.Duration
	// ListPages bounds RefreshConversations. Zero uses 20.
	ListPages int
	// Location groups messages by calendar day. Nil uses time.Local.
	Location *time.Location
	Composer composer.Config
}

type Engine struct {
	opts    Options
	self    models.Identity
	backend Backend
	metrics *metrics.Metrics
	queue   *ingest.Queue

	conversations *store.Conversations
	presence      *presence.Tracker
	typing        *typing.Tracker
	reconciler    *ingest.Reconciler
	pager         *paginator.Paginator
	selection     *selection.Controller
	composer      *composer.Composer

	// loop-owned
	ctx         context.Context
	gen         uint64
	active      string
	tl          *store.Timeline
	loading     bool
	anchor      string
	anchorIndex int
	lastRead    map[string]string
	typingSent  bool
	lastErr     string

	// sending maps the correlation key of each send in flight to whether
	// its push echo already arrived.
	sending map[string]bool
	// unsent holds correlation keys of the active conversation that have an
	// outbox record.
	unsent map[string]struct{}

	tasks   sync.WaitGroup
	running atomic.Bool
	snap    atomic.Pointer[Snapshot]
	version atomic.Uint64
	updates chan struct{}
	now     func() time.Time
}

func New(opts Options) (*Engine, error) {
	const op chaterr.Op = "engine.New"
	if opts.Self.IsZero() {
		return nil, chaterr.E(op, chaterr.KindConfig, "current user identity is required")
	}
	if opts.Backend == nil {
		return nil, chaterr.E(op, chaterr.KindConfig, "backend is required")
	}
	if opts.Uploader == nil {
		if up, ok := opts.Backend.(composer.Uploader); ok {
			opts.Uploader = up
		}
	}
	if opts.ListPages <= 0 {
		opts.ListPages = 20
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	convs := store.NewConversations()
	pres := presence.NewTracker()
	typ := typing.NewTracker(opts.TypingTimeout)
	e := &Engine{
		opts:          opts,
		self:          opts.Self,
		backend:       opts.Backend,
		metrics:       opts.Metrics,
		queue:         ingest.NewQueue(opts.QueueCapacity),
		conversations: convs,
		presence:      pres,
		typing:        typ,
		reconciler:    ingest.NewReconciler(opts.Self, convs, pres, typ),
		pager:         paginator.New(opts.Backend, paginator.Config{PageSize: opts.PageSize, Debounce: opts.Debounce}),
		selection:     selection.NewController(opts.Self),
		composer:      composer.New(opts.Self, opts.Composer),
		anchorIndex:   -1,
		lastRead:      make(map[string]string),
		sending:       make(map[string]bool),
		unsent:        make(map[string]struct{}),
		updates:       make(chan struct{}, 1),
		now:           time.Now,
	}
	e.metrics.TrackQueue(func() float64 { return float64(e.queue.Len()) })
	// upload progress arrives from upload goroutines
	e.composer.OnChange(func() {
		_ = e.queue.EnqueueFunc("draft_changed", func() {})
	})
	e.publish()
	return e, nil
}

// Self returns the current user.
func (e *Engine) Self() models.Identity { return e.self }

// Post implements push.Sink. It never blocks; a full queue drops the event.
func (e *Engine) Post(ev models.Event) error {
	err := e.queue.EnqueueEvent(ev)
	if errors.Is(err, ingest.ErrQueueFull) {
		e.metrics.Dropped()
		logger.Warn("event_dropped", "type", ev.Type, "conversation", ev.ConversationID, "queue_cap", e.queue.Cap())
	}
	return err
}

// Snapshot returns the latest published state. It never returns nil.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Updates is signaled after every publish. Signals coalesce.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// Run is the engine loop. It returns ctx.Err() once ctx is done and all
// network tasks have finished. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	logger.Info("engine_started", "self", e.self.String(), "queue_cap", e.queue.Cap())

	sweep := time.NewTimer(time.Hour)
	sweep.Stop()
	defer sweep.Stop()

	for {
		var sweepC <-chan time.Time
		if deadline, ok := e.typing.NextDeadline(); ok {
			sweep.Reset(deadline.Sub(e.now()))
			sweepC = sweep.C
		}
		select {
		case <-ctx.Done():
			cancel()
			e.shutdown()
			return ctx.Err()
		case op, ok := <-e.queue.Out():
			if !ok {
				cancel()
				e.shutdown()
				return ErrStopped
			}
			e.handle(op)
			ingest.Finish(op)
		case <-sweepC:
			if n := e.typing.Sweep(e.now()); n > 0 {
				logger.Debug("typing_expired", "count", n)
				e.publish()
			}
		}
		sweep.Stop()
	}
}

func (e *Engine) shutdown() {
	e.tasks.Wait()
	e.queue.Close()
	if n := e.queue.Drain(); n > 0 {
		logger.Debug("engine_drained", "ops", n)
	}
	logger.Info("engine_stopped", "accepted", e.queue.Accepted(), "dropped", e.queue.Dropped())
}

func (e *Engine) handle(op *ingest.Op) {
	switch op.Kind {
	case ingest.OpEvent:
		e.applyEvent(*op.Event)
	case ingest.OpIntent:
		if op.Apply != nil {
			op.Apply()
		}
	}
	e.publish()
}

func (e *Engine) applyEvent(ev models.Event) {
	out, err := e.reconciler.Apply(ev)
	switch {
	case chaterr.Is(err, chaterr.KindReconciliationGap):
		e.metrics.Gap(string(ev.Type))
		return
	case err != nil:
		logger.Warn("event_rejected", "type", ev.Type, "conversation", ev.ConversationID, "error", err)
		return
	}
	e.metrics.EventApplied(string(ev.Type))
	e.metrics.SetConversations(e.conversations.Len())
	if ev.Type == models.EventMessageNew && ev.Message != nil && ev.Message.Sender == e.self {
		e.confirmed(ev.ConversationID, ev.Message.CorrelationKey)
	}

	if ev.ConversationID != e.active || e.tl == nil {
		return
	}
	switch ev.Type {
	case models.EventMessageDeleted:
		e.selection.Prune(e.tl)
	case models.EventMessageNew:
		if out.Changed && ev.Message != nil && ev.Message.Sender != e.self {
			e.markRead()
		}
	}
}

// do runs fn on the loop and waits for it. fn must not block.
func (e *Engine) do(ctx context.Context, name string, fn func() error) error {
	res := ErrStopped
	op := &ingest.Op{
		Kind:  ingest.OpIntent,
		Name:  name,
		Apply: func() { res = fn() },
		Done:  make(chan struct{}),
	}
	if err := e.queue.EnqueueWait(ctx, op); err != nil {
		if errors.Is(err, ingest.ErrQueueClosed) {
			return ErrStopped
		}
		return err
	}
	select {
	case <-op.Done:
		return res
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs a network task off the loop. Tasks post their result with
// post; Run waits for them before returning.
func (e *Engine) spawn(name string, fn func(ctx context.Context)) {
	ctx := e.ctx
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		start := time.Now()
		fn(ctx)
		e.metrics.Observe(name, time.Since(start).Seconds())
	}()
}

// post hands a completion back to the loop. It is dropped once ctx is
// done.
func (e *Engine) post(ctx context.Context, name string, fn func()) {
	err := e.queue.EnqueueWait(ctx, &ingest.Op{Kind: ingest.OpIntent, Name: name, Apply: fn})
	if err != nil {
		logger.Debug("completion_dropped", "op", name, "error", err)
	}
}

func (e *Engine) fail(name string, err error) {
	if err == nil {
		return
	}
	e.lastErr = name + ": " + err.Error()
}
