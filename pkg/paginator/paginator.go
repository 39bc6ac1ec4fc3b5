// Package paginator loads older message history into a store.Timeline.
//
// A load is split into three steps so the engine can keep the network call
// off its loop: Trigger (guards and cursor, on the loop), Fetch (network,
// any goroutine) and Complete (merge, on the loop). LoadOlder runs all three
// in sequence.
package paginator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/pagination"
	"chatsync/pkg/store"
)

var (
	// ErrInFlight is returned when a load for the conversation is already
	// outstanding. It is a no-op, not a failure.
	ErrInFlight = errors.New("load already in flight")
	// ErrDebounced is returned when triggers arrive faster than the debounce
	// interval.
	ErrDebounced = errors.New("load trigger debounced")
	// ErrNoMore is returned once the server reported no older history.
	ErrNoMore = errors.New("no older messages")
)

// IsNoop reports whether err means the trigger was ignored rather than
// failed.
func IsNoop(err error) bool {
	return errors.Is(err, ErrInFlight) || errors.Is(err, ErrDebounced) || errors.Is(err, ErrNoMore)
}

// Fetcher retrieves one page of history. An empty cursor asks for the
// newest page.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, req pagination.PaginationRequest) (pagination.Page, error)
}

type Config struct {
	PageSize int
	// Debounce is the minimum spacing between two triggers for the same
	// conversation. Zero disables it.
	Debounce time.Duration
}

// Request is one outstanding load.
type Request struct {
	ConversationID string
	Cursor         string
	Limit          int
	// Anchor is the message the caller keeps on screen across the prepend.
	Anchor string

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Request) Context() context.Context { return r.ctx }

// Result describes a completed load.
type Result struct {
	ConversationID string
	Page           []models.Message
	Added          int
	HasMore        bool
	Anchor         string
	// AnchorIndex is the anchor's position after the merge, -1 when the
	// anchor is unknown.
	AnchorIndex int
}

type Paginator struct {
	fetcher  Fetcher
	pageSize int
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inflight map[string]*Request
}

func New(f Fetcher, cfg Config) *Paginator {
	return &Paginator{
		fetcher:  f,
		pageSize: pagination.ClampLimit(cfg.PageSize, pagination.MessageDefaultLimit, pagination.MaxLimit),
		debounce: cfg.Debounce,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		inflight: make(map[string]*Request),
	}
}

func (p *Paginator) limiter(conversationID string) *rate.Limiter {
	if l, ok := p.limiters[conversationID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(p.debounce), 1)
	p.limiters[conversationID] = l
	return l
}

// Trigger starts a load for tl. anchorID is the topmost visible message;
// empty means the current oldest message.
func (p *Paginator) Trigger(ctx context.Context, tl *store.Timeline, anchorID string) (*Request, error) {
	convID := tl.ConversationID()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[convID]; busy {
		return nil, ErrInFlight
	}
	if tl.Loaded() && !tl.HasMore() {
		return nil, ErrNoMore
	}
	if p.debounce > 0 && !p.limiter(convID).AllowN(p.now(), 1) {
		return nil, ErrDebounced
	}

	req := &Request{ConversationID: convID, Limit: p.pageSize, Anchor: anchorID}
	if oldest, ok := tl.OldestConfirmed(); ok && tl.Loaded() {
		req.Cursor = pagination.BeforeCursor(oldest)
	}
	if req.Anchor == "" {
		if oldest, ok := tl.Oldest(); ok {
			req.Anchor = oldest.ID
		}
	}
	req.ctx, req.cancel = context.WithCancel(ctx)
	p.inflight[convID] = req
	logger.Debug("paginate_trigger", "conversation", convID, "has_cursor", req.Cursor != "", "limit", req.Limit)
	return req, nil
}

// Fetch performs the network call for req. It does not touch any timeline.
func (p *Paginator) Fetch(req *Request) (pagination.Page, error) {
	const op chaterr.Op = "paginator.Fetch"
	page, err := p.fetcher.FetchMessages(req.ctx, req.ConversationID, pagination.PaginationRequest{
		Limit:  req.Limit,
		Cursor: req.Cursor,
	})
	if err != nil {
		if req.ctx.Err() != nil {
			return pagination.Page{}, chaterr.E(op, chaterr.KindCanceled, req.ConversationID, req.ctx.Err())
		}
		if chaterr.GetKind(err) != chaterr.KindUnknown {
			return pagination.Page{}, err
		}
		return pagination.Page{}, chaterr.Network(op, req.ConversationID, err)
	}
	return page, nil
}

// Complete merges a fetched page into tl and releases the in-flight slot.
// A request canceled in the meantime is discarded without touching tl.
func (p *Paginator) Complete(req *Request, tl *store.Timeline, page pagination.Page, fetchErr error) (Result, error) {
	const op chaterr.Op = "paginator.Complete"
	p.release(req)
	res := Result{ConversationID: req.ConversationID, Anchor: req.Anchor, AnchorIndex: -1}

	if req.ctx.Err() != nil {
		return res, chaterr.E(op, chaterr.KindCanceled, req.ConversationID, req.ctx.Err())
	}
	req.cancel()
	if fetchErr != nil {
		logger.Warn("paginate_failed", "conversation", req.ConversationID, "error", fetchErr)
		return res, fetchErr
	}
	if tl.ConversationID() != req.ConversationID {
		return res, chaterr.Gap(op, "page for %s merged into %s", req.ConversationID, tl.ConversationID())
	}

	res.Page = page.Messages
	res.Added = tl.Merge(page.Messages)
	tl.SetHasMore(page.HasMore)
	tl.MarkLoaded()
	res.HasMore = page.HasMore
	if res.Anchor != "" {
		res.AnchorIndex = tl.IndexOf(res.Anchor)
	}
	logger.Debug("paginate_merged", "conversation", req.ConversationID,
		"received", len(page.Messages), "added", res.Added, "has_more", page.HasMore, "anchor_index", res.AnchorIndex)
	return res, nil
}

func (p *Paginator) release(req *Request) {
	p.mu.Lock()
	if p.inflight[req.ConversationID] == req {
		delete(p.inflight, req.ConversationID)
	}
	p.mu.Unlock()
}

// Cancel aborts the outstanding load of conversationID, if any.
func (p *Paginator) Cancel(conversationID string) bool {
	p.mu.Lock()
	req, ok := p.inflight[conversationID]
	if ok {
		delete(p.inflight, conversationID)
	}
	p.mu.Unlock()
	if ok {
		req.cancel()
		logger.Debug("paginate_canceled", "conversation", conversationID)
	}
	return ok
}

// InFlight reports whether a load for conversationID is outstanding.
func (p *Paginator) InFlight(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[conversationID]
	return ok
}

// LoadOlder loads the page before the oldest message of tl and merges it.
func (p *Paginator) LoadOlder(ctx context.Context, tl *store.Timeline, anchorID string) (Result, error) {
	req, err := p.Trigger(ctx, tl, anchorID)
	if err != nil {
		return Result{ConversationID: tl.ConversationID(), AnchorIndex: -1}, err
	}
	page, err := p.Fetch(req)
	return p.Complete(req, tl, page, err)
}
