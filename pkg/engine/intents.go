package engine

import (
	"context"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/paginator"
	"chatsync/pkg/store"
)

// Open makes conversationID the active conversation. In-flight page loads
// of the previous conversation are canceled and their late completions
// ignored; selection and draft are reset. The first history page loads in
// the background.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	return e.do(ctx, "open", func() error { return e.open(conversationID) })
}

func (e *Engine) open(conversationID string) error {
	const op chaterr.Op = "engine.Open"
	if _, ok := e.conversations.Get(conversationID); !ok {
		return chaterr.E(op, chaterr.KindNotFound, conversationID)
	}
	if conversationID == e.active && e.tl != nil {
		return nil
	}
	if prev := e.active; prev != "" {
		e.pager.Cancel(prev)
		e.reconciler.Detach(prev)
		e.typing.ClearConversation(prev)
		e.stopTyping()
	}
	e.gen++
	e.active = conversationID
	e.tl = store.NewTimeline(conversationID)
	e.reconciler.Attach(e.tl)
	e.selection.Switch(conversationID)
	e.composer.Reset()
	e.loading = false
	e.anchor, e.anchorIndex = "", -1
	e.lastErr = ""
	e.unsent = make(map[string]struct{})
	e.restoreOutbox()
	logger.Info("conversation_opened", "conversation", conversationID, "generation", e.gen)

	if err := e.loadOlder(""); err != nil && !paginator.IsNoop(err) {
		return err
	}
	return nil
}

// restoreOutbox brings back failed sends of the active conversation.
func (e *Engine) restoreOutbox() {
	if e.opts.Outbox == nil {
		return
	}
	recs, err := e.opts.Outbox.List(e.active)
	if err != nil {
		logger.Warn("outbox_list_failed", "conversation", e.active, "error", err)
		return
	}
	for _, rec := range recs {
		m := rec.Message.Clone()
		m.State = models.StateFailed
		e.tl.Insert(m)
		e.unsent[m.CorrelationKey] = struct{}{}
	}
	if len(recs) > 0 {
		logger.Debug("outbox_restored", "conversation", e.active, "count", len(recs))
	}
}

// LoadOlder fetches the page before the oldest loaded message. anchorID is
// the topmost visible message; its new index is published with the merged
// page. The paginator's no-op errors are returned unchanged; test them with
// paginator.IsNoop.
func (e *Engine) LoadOlder(ctx context.Context, anchorID string) error {
	return e.do(ctx, "load_older", func() error { return e.loadOlder(anchorID) })
}

func (e *Engine) loadOlder(anchorID string) error {
	const op chaterr.Op = "engine.LoadOlder"
	if e.tl == nil {
		return chaterr.Invalid(op, "no conversation open")
	}
	tl, gen := e.tl, e.gen
	req, err := e.pager.Trigger(e.ctx, tl, anchorID)
	if err != nil {
		return err
	}
	e.loading = true
	e.spawn("fetch_messages", func(ctx context.Context) {
		page, ferr := e.pager.Fetch(req)
		e.post(ctx, "page_loaded", func() {
			res, err := e.pager.Complete(req, tl, page, ferr)
			if gen != e.gen {
				logger.Debug("page_stale", "conversation", req.ConversationID, "generation", gen, "current", e.gen)
				e.metrics.PageStale()
				return
			}
			e.loading = false
			e.metrics.Page(err)
			if err != nil {
				if !chaterr.Is(err, chaterr.KindCanceled) {
					e.fail("load_older", err)
				}
				return
			}
			e.anchor, e.anchorIndex = res.Anchor, res.AnchorIndex
			e.settlePage(req.ConversationID, res.Page)
			if res.Added > 0 {
				e.markRead()
			}
		})
	})
	return nil
}

// ToggleSelect enters or leaves selection mode.
func (e *Engine) ToggleSelect(ctx context.Context) error {
	return e.do(ctx, "toggle_select", func() error {
		e.selection.Toggle()
		return nil
	})
}

// Press is a long-press or secondary click on a message: it enters
// selection mode with the message selected.
func (e *Engine) Press(ctx context.Context, messageID string) error {
	return e.do(ctx, "press", func() error {
		if e.tl == nil {
			return chaterr.Invalid("engine.Press", "no conversation open")
		}
		if _, ok := e.tl.Get(messageID); !ok {
			return chaterr.E(chaterr.Op("engine.Press"), chaterr.KindNotFound, messageID)
		}
		e.selection.Press(messageID)
		return nil
	})
}

// ToggleMessage flips a message in or out of the selection.
func (e *Engine) ToggleMessage(ctx context.Context, messageID string) error {
	return e.do(ctx, "toggle_message", func() error {
		e.selection.ToggleMessage(messageID)
		return nil
	})
}

// SetDraft replaces the draft text and publishes our typing state.
func (e *Engine) SetDraft(ctx context.Context, text string) error {
	return e.do(ctx, "set_draft", func() error {
		e.composer.SetText(text)
		if text == "" {
			e.stopTyping()
		} else {
			e.startTyping()
		}
		return nil
	})
}

// CancelDraftMode leaves edit or reply mode.
func (e *Engine) CancelDraftMode(ctx context.Context) error {
	return e.do(ctx, "cancel_draft_mode", func() error {
		e.composer.Cancel()
		return nil
	})
}

func (e *Engine) startTyping() {
	if e.opts.Typing == nil || e.active == "" {
		return
	}
	if err := e.opts.Typing.SendTyping(e.active, true); err != nil {
		logger.Debug("typing_send_failed", "conversation", e.active, "error", err)
		return
	}
	e.typingSent = true
}

func (e *Engine) stopTyping() {
	if e.opts.Typing == nil || e.active == "" || !e.typingSent {
		return
	}
	e.typingSent = false
	if err := e.opts.Typing.SendTyping(e.active, false); err != nil {
		logger.Debug("typing_send_failed", "conversation", e.active, "error", err)
	}
}
