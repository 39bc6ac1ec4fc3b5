// Package ingest is the intake side of the engine: a bounded queue that
// serializes push events and intents, and the Reconciler that folds push
// events into conversation and message state.
package ingest

import (
	"time"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/typing"
)

// Outcome summarizes what an applied event changed.
type Outcome struct {
	Type           models.EventType
	ConversationID string
	MessageID      string
	// Replaced is set when a message:new collapsed a local optimistic entry.
	Replaced bool
	// Changed is false when the event was valid but had no effect, such as a
	// receipt older than the stored one.
	Changed bool
}

// Reconciler applies push events to the stores. It is not safe for
// concurrent use; the engine loop calls Apply in receipt order.
type Reconciler struct {
	self          models.Identity
	conversations *store.Conversations
	presence      *presence.Tracker
	typing        *typing.Tracker
	timelines     map[string]*store.Timeline
	now           func() time.Time
}

func NewReconciler(self models.Identity, convs *store.Conversations, pres *presence.Tracker, typ *typing.Tracker) *Reconciler {
	return &Reconciler{
		self:          self,
		conversations: convs,
		presence:      pres,
		typing:        typ,
		timelines:     make(map[string]*store.Timeline),
		now:           time.Now,
	}
}

// Attach registers a loaded timeline so message events reach it.
func (r *Reconciler) Attach(tl *store.Timeline) {
	r.timelines[tl.ConversationID()] = tl
}

// Detach forgets a timeline. Later message events only touch the
// conversation preview.
func (r *Reconciler) Detach(conversationID string) {
	delete(r.timelines, conversationID)
}

// Timeline returns the attached timeline of conversationID.
func (r *Reconciler) Timeline(conversationID string) (*store.Timeline, bool) {
	tl, ok := r.timelines[conversationID]
	return tl, ok
}

// Apply folds ev into state. ReconciliationGap errors mean the event named
// something not loaded yet; callers drop them.
func (r *Reconciler) Apply(ev models.Event) (Outcome, error) {
	const op chaterr.Op = "ingest.Apply"
	out := Outcome{Type: ev.Type, ConversationID: ev.ConversationID}

	switch ev.Type {
	case models.EventPresenceOnline, models.EventPresenceOffline:
		if ev.Actor.IsZero() {
			return out, chaterr.Invalid(op, "presence event without actor")
		}
		r.presence.Apply(ev)
		r.conversations.ApplyParticipantPresence(ev.Actor, ev.Type == models.EventPresenceOnline)
		out.Changed = true
		return out, nil
	}

	if !ev.Type.Known() {
		return out, chaterr.Invalid(op, "unknown event type "+string(ev.Type))
	}
	if _, ok := r.conversations.Get(ev.ConversationID); !ok {
		return out, chaterr.Gap(op, "%s for unknown conversation %s", ev.Type, ev.ConversationID)
	}

	var err error
	switch ev.Type {
	case models.EventMessageNew:
		err = r.applyNew(ev, &out)
	case models.EventMessageEdited:
		err = r.applyEdit(ev, &out)
	case models.EventMessageDeleted:
		err = r.applyDelete(ev, &out)
	case models.EventMessageRead:
		err = r.applyRead(ev, &out)
	case models.EventTypingStart:
		if ev.Actor.IsZero() || ev.Actor == r.self {
			return out, nil
		}
		r.typing.Start(ev.ConversationID, ev.Actor, r.now())
		out.Changed = true
	case models.EventTypingStop:
		out.Changed = r.typing.Stop(ev.ConversationID, ev.Actor)
	}
	if err != nil {
		if chaterr.Is(err, chaterr.KindReconciliationGap) {
			logger.Debug("reconcile_gap", "type", ev.Type, "conversation", ev.ConversationID, "error", err)
		}
		return out, err
	}
	return out, nil
}

func (r *Reconciler) applyNew(ev models.Event, out *Outcome) error {
	const op chaterr.Op = "ingest.applyNew"
	if ev.Message == nil || ev.Message.ID == "" {
		return chaterr.Invalid(op, "message:new without message")
	}
	m := ev.Message.Clone()
	m.ConversationID = ev.ConversationID
	if m.State == "" {
		m.State = models.StateSent
	}
	out.MessageID = m.ID

	if tl, ok := r.timelines[ev.ConversationID]; ok {
		out.Replaced = tl.Reconcile(m)
	}
	r.conversations.Touch(ev.ConversationID, m.Preview())
	// a delivered message ends the sender's typing indicator
	r.typing.Stop(ev.ConversationID, m.Sender)
	out.Changed = true
	return nil
}

func (r *Reconciler) applyEdit(ev models.Event, out *Outcome) error {
	const op chaterr.Op = "ingest.applyEdit"
	if ev.Edit == nil || ev.Edit.Body == nil {
		return chaterr.Invalid(op, "message:edited without body")
	}
	out.MessageID = ev.Edit.MessageID

	known := false
	if tl, ok := r.timelines[ev.ConversationID]; ok && tl.Edit(ev.Edit.MessageID, ev.Edit.Body) {
		known = true
	}
	c, _ := r.conversations.Get(ev.ConversationID)
	if c.LastMessage != nil && c.LastMessage.ID == ev.Edit.MessageID {
		p := *c.LastMessage
		p.Kind = ev.Edit.Body.Kind()
		p.Text = models.PreviewText(ev.Edit.Body)
		r.conversations.ReplacePreview(ev.ConversationID, &p)
		known = true
	}
	if !known {
		return chaterr.Gap(op, "edit of unknown message %s", ev.Edit.MessageID)
	}
	out.Changed = true
	return nil
}

func (r *Reconciler) applyDelete(ev models.Event, out *Outcome) error {
	const op chaterr.Op = "ingest.applyDelete"
	if ev.Deletion == nil || ev.Deletion.MessageID == "" {
		return chaterr.Invalid(op, "message:deleted without id")
	}
	id := ev.Deletion.MessageID
	out.MessageID = id

	tl, loaded := r.timelines[ev.ConversationID]
	removed := false
	if loaded {
		_, removed = tl.Remove(id)
	}
	c, _ := r.conversations.Get(ev.ConversationID)
	if c.LastMessage != nil && c.LastMessage.ID == id {
		var fallback *models.MessagePreview
		if loaded {
			if last, ok := tl.Newest(); ok {
				p := last.Preview()
				fallback = &p
			}
		}
		r.conversations.ReplacePreview(ev.ConversationID, fallback)
		removed = true
	}
	if !removed {
		return chaterr.Gap(op, "delete of unknown message %s", id)
	}
	out.Changed = true
	return nil
}

func (r *Reconciler) applyRead(ev models.Event, out *Outcome) error {
	const op chaterr.Op = "ingest.applyRead"
	if ev.Receipt == nil || ev.Receipt.Receipt.Reader.IsZero() {
		return chaterr.Invalid(op, "message:read without reader")
	}
	out.MessageID = ev.Receipt.MessageID
	tl, ok := r.timelines[ev.ConversationID]
	if !ok {
		return chaterr.Gap(op, "receipt for unloaded conversation %s", ev.ConversationID)
	}
	if _, ok := tl.Get(ev.Receipt.MessageID); !ok {
		return chaterr.Gap(op, "receipt for unknown message %s", ev.Receipt.MessageID)
	}
	out.Changed = tl.ApplyReceipt(ev.Receipt.MessageID, ev.Receipt.Receipt)
	return nil
}
