package engine

import (
	"context"

	"github.com/google/uuid"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/composer"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/outbox"
	"chatsync/pkg/selection"
)

// Stage adds a file to the draft.
func (e *Engine) Stage(ctx context.Context, f composer.File) (string, error) {
	var id string
	err := e.do(ctx, "stage", func() error {
		var err error
		id, err = e.composer.Stage(f)
		return err
	})
	return id, err
}

func (e *Engine) Unstage(ctx context.Context, id string) error {
	return e.do(ctx, "unstage", func() error {
		if !e.composer.Unstage(id) {
			return chaterr.E(chaterr.Op("engine.Unstage"), chaterr.KindNotFound, id)
		}
		return nil
	})
}

// Upload uploads every pending attachment of the draft, retrying failed
// ones when retryFailed is set. It blocks until all uploads finished and
// returns the first failure; failed items stay staged.
func (e *Engine) Upload(ctx context.Context, retryFailed bool) error {
	const op chaterr.Op = "engine.Upload"
	if e.opts.Uploader == nil {
		return chaterr.E(op, chaterr.KindConfig, "no uploader configured")
	}
	if retryFailed {
		e.composer.RetryFailed()
	}
	err := e.composer.UploadAll(ctx, e.opts.Uploader)
	e.metrics.Send("upload", err)
	return err
}

// Send dispatches the draft. In compose or reply mode the message is
// appended at once as pending and confirmed by the server response or its
// push echo, whichever arrives first. In edit mode the edit is sent and the
// draft returns to compose. Validation failures never reach the network.
func (e *Engine) Send(ctx context.Context) error {
	return e.do(ctx, "send", e.send)
}

func (e *Engine) send() error {
	const op chaterr.Op = "engine.Send"
	if e.tl == nil {
		return chaterr.Invalid(op, "no conversation open")
	}
	out, err := e.composer.Prepare(e.active, e.now())
	if err != nil {
		return err
	}
	e.stopTyping()
	switch out.Kind {
	case composer.OutEdit:
		target, ok := e.tl.Get(out.EditID)
		if !ok {
			return chaterr.E(op, chaterr.KindNotFound, out.EditID)
		}
		e.composer.Commit(out)
		e.dispatchEdit(target, out.Body)
	default:
		m := out.Message
		e.tl.Insert(m)
		e.conversations.Touch(m.ConversationID, m.Preview())
		e.composer.Commit(out)
		e.dispatchSend(m, "send")
	}
	return nil
}

// Resend retries a failed message with its original correlation key. The
// message moves to the bottom of the list as pending.
func (e *Engine) Resend(ctx context.Context, messageID string) error {
	return e.do(ctx, "resend", func() error {
		const op chaterr.Op = "engine.Resend"
		if e.tl == nil {
			return chaterr.Invalid(op, "no conversation open")
		}
		m, ok := e.tl.Get(messageID)
		if !ok {
			return chaterr.E(op, chaterr.KindNotFound, messageID)
		}
		if m.State != models.StateFailed {
			return chaterr.Invalid(op, "only failed messages can be resent")
		}
		now := e.now()
		e.tl.Restamp(m.ID, now)
		e.tl.SetState(m.ID, models.StatePending)
		m.TS = now
		m.State = models.StatePending
		e.dispatchSend(m, "resend")
		return nil
	})
}

func (e *Engine) dispatchSend(m models.Message, kind string) {
	key := m.CorrelationKey
	e.sending[key] = false
	e.spawn("send_message", func(ctx context.Context) {
		resp, err := e.backend.SendMessage(ctx, m)
		e.metrics.Send(kind, err)
		e.post(ctx, "send_done", func() {
			echoed := e.sending[key]
			delete(e.sending, key)
			switch {
			case err == nil:
				e.sendConfirmed(m, resp)
			case echoed:
				// the server stored it even though the call failed
				logger.Debug("send_failed_after_echo", "conversation", m.ConversationID, "key", key, "error", err)
				e.settle(m.ConversationID, key)
			default:
				e.sendFailed(m, kind, err)
			}
		})
	})
}

// confirmed records that the server holds the message with key, from a push
// echo or a history page. Its outbox record is dropped and a send still in
// flight will not mark it failed.
func (e *Engine) confirmed(conversationID, key string) {
	if key == "" {
		return
	}
	if _, ok := e.sending[key]; ok {
		e.sending[key] = true
	}
	e.settle(conversationID, key)
}

// settle drops the outbox record of key.
func (e *Engine) settle(conversationID, key string) {
	if conversationID == e.active {
		delete(e.unsent, key)
	}
	if e.opts.Outbox == nil {
		return
	}
	if err := e.opts.Outbox.Delete(conversationID, key); err != nil {
		logger.Warn("outbox_delete_failed", "conversation", conversationID, "key", key, "error", err)
	}
}

// settlePage confirms the unsent messages a history page shows were stored.
func (e *Engine) settlePage(conversationID string, page []models.Message) {
	if len(e.unsent) == 0 {
		return
	}
	for _, m := range page {
		if _, ok := e.unsent[m.CorrelationKey]; ok && m.Sender == e.self && m.State != models.StateFailed {
			e.confirmed(conversationID, m.CorrelationKey)
		}
	}
}

func (e *Engine) sendConfirmed(local, resp models.Message) {
	if resp.CorrelationKey == "" {
		resp.CorrelationKey = local.CorrelationKey
	}
	resp.ConversationID = local.ConversationID
	resp.State = models.StateSent
	if tl, ok := e.reconciler.Timeline(local.ConversationID); ok {
		tl.Reconcile(resp)
	}
	e.conversations.Touch(resp.ConversationID, resp.Preview())
	e.settle(local.ConversationID, local.CorrelationKey)
	logger.Debug("send_confirmed", "conversation", resp.ConversationID, "id", resp.ID, "key", local.CorrelationKey)
}

func (e *Engine) sendFailed(m models.Message, kind string, err error) {
	logger.Warn("send_failed", "kind", kind, "conversation", m.ConversationID, "key", m.CorrelationKey, "error", err)
	e.fail(kind, err)
	if tl, ok := e.reconciler.Timeline(m.ConversationID); ok {
		if cur, ok := tl.Get(m.CorrelationKey); ok {
			// the push echo confirmed it meanwhile
			if cur.State == models.StateSent {
				return
			}
			tl.SetState(cur.ID, models.StateFailed)
		}
	}
	if e.opts.Outbox == nil {
		return
	}
	rec := outbox.Record{Message: m.Clone(), Error: err.Error(), Attempts: 1, FailedAt: e.now()}
	rec.Message.State = models.StateFailed
	if prev, ok, gerr := e.opts.Outbox.Get(m.ConversationID, m.CorrelationKey); gerr == nil && ok {
		rec.Attempts = prev.Attempts + 1
	}
	if perr := e.opts.Outbox.Put(rec); perr != nil {
		logger.Error("outbox_put_failed", "conversation", m.ConversationID, "key", m.CorrelationKey, "error", perr)
		return
	}
	if m.ConversationID == e.active {
		e.unsent[m.CorrelationKey] = struct{}{}
	}
}

func (e *Engine) dispatchEdit(target models.Message, body models.Body) {
	e.spawn("edit_message", func(ctx context.Context) {
		resp, err := e.backend.EditMessage(ctx, target.ConversationID, target.ID, body)
		e.metrics.Send("edit", err)
		e.post(ctx, "edit_done", func() {
			if err != nil {
				logger.Warn("edit_failed", "conversation", target.ConversationID, "id", target.ID, "error", err)
				e.fail("edit", err)
				// keep the edited text for another try
				if target.ConversationID == e.active && e.composer.Mode() == composer.ModeCompose {
					if berr := e.composer.BeginEdit(target); berr == nil {
						e.composer.SetText(body.Text())
					}
				}
				return
			}
			if resp.Body == nil {
				resp.Body = body
			}
			// same path as the push echo
			e.applyEvent(models.Event{
				Type:           models.EventMessageEdited,
				ConversationID: target.ConversationID,
				Edit:           &models.MessageEdit{MessageID: target.ID, Body: resp.Body, EditedAt: e.now()},
			})
		})
	})
}

// Dispatch runs a bulk action on the current selection. Delete goes to the
// server; reply and edit switch the draft mode. Use Forward to forward.
func (e *Engine) Dispatch(ctx context.Context, act selection.Action) error {
	return e.do(ctx, "dispatch_"+string(act), func() error {
		const op chaterr.Op = "engine.Dispatch"
		if e.tl == nil {
			return chaterr.Invalid(op, "no conversation open")
		}
		if act == selection.ActionForward {
			return chaterr.Invalid(op, "forward needs a target conversation")
		}
		bulk, err := e.selection.Dispatch(act, e.tl)
		if err != nil {
			return err
		}
		switch act {
		case selection.ActionDelete:
			for _, m := range bulk.Messages {
				e.dispatchDelete(m)
			}
		case selection.ActionEdit:
			return e.composer.BeginEdit(bulk.Messages[0])
		case selection.ActionReply:
			e.composer.BeginReply(bulk.Messages[0])
		}
		return nil
	})
}

func (e *Engine) dispatchDelete(m models.Message) {
	e.spawn("delete_message", func(ctx context.Context) {
		err := e.backend.DeleteMessage(ctx, m.ConversationID, m.ID)
		e.metrics.Send("delete", err)
		e.post(ctx, "delete_done", func() {
			if err != nil {
				logger.Warn("delete_failed", "conversation", m.ConversationID, "id", m.ID, "error", err)
				e.fail("delete", err)
				return
			}
			e.applyEvent(models.Event{
				Type:           models.EventMessageDeleted,
				ConversationID: m.ConversationID,
				Deletion:       &models.MessageDeletion{MessageID: m.ID},
			})
		})
	})
}

// Forward copies the selected messages into targetID.
func (e *Engine) Forward(ctx context.Context, targetID string) error {
	return e.do(ctx, "forward", func() error {
		const op chaterr.Op = "engine.Forward"
		if e.tl == nil {
			return chaterr.Invalid(op, "no conversation open")
		}
		if _, ok := e.conversations.Get(targetID); !ok {
			return chaterr.E(op, chaterr.KindNotFound, targetID)
		}
		bulk, err := e.selection.Dispatch(selection.ActionForward, e.tl)
		if err != nil {
			return err
		}
		now := e.now()
		for _, src := range bulk.Messages {
			key := uuid.NewString()
			m := models.Message{
				ID:             key,
				ConversationID: targetID,
				Sender:         e.self,
				Body:           src.Body,
				TS:             now,
				Forwarded:      true,
				State:          models.StatePending,
				CorrelationKey: key,
			}
			if tl, ok := e.reconciler.Timeline(targetID); ok {
				tl.Insert(m)
			}
			e.conversations.Touch(targetID, m.Preview())
			e.dispatchSend(m, "forward")
		}
		return nil
	})
}

// MarkRead acknowledges the newest message of the active conversation.
func (e *Engine) MarkRead(ctx context.Context) error {
	return e.do(ctx, "mark_read", func() error {
		e.markRead()
		return nil
	})
}

// markRead sends a receipt for the newest message from someone else that
// we have not read yet.
func (e *Engine) markRead() {
	if e.tl == nil {
		return
	}
	msgs := e.tl.Messages()
	var target *models.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != e.self && msgs[i].State == models.StateSent {
			target = &msgs[i]
			break
		}
	}
	if target == nil {
		return
	}
	if _, ok := target.ReadBy(e.self); ok {
		return
	}
	conv, id := target.ConversationID, target.ID
	if conv == "" {
		conv = e.active
	}
	if e.lastRead[conv] == id {
		return
	}
	e.lastRead[conv] = id
	e.spawn("mark_read", func(ctx context.Context) {
		r, err := e.backend.MarkRead(ctx, conv, id)
		e.post(ctx, "mark_read_done", func() {
			if err != nil {
				logger.Debug("mark_read_failed", "conversation", conv, "id", id, "error", err)
				if e.lastRead[conv] == id {
					delete(e.lastRead, conv)
				}
				return
			}
			if r.Reader.IsZero() {
				r.Reader = e.self
			}
			if r.ReadAt.IsZero() {
				r.ReadAt = e.now()
			}
			e.applyEvent(models.Event{
				Type:           models.EventMessageRead,
				ConversationID: conv,
				Receipt:        &models.ReceiptUpdate{MessageID: id, Receipt: r},
			})
		})
	})
}
