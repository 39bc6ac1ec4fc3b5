package engine

import (
	"time"

	"chatsync/pkg/composer"
	"chatsync/pkg/dategroup"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/selection"
)

// Snapshot is an immutable view of engine state for rendering.
type Snapshot struct {
	Version       uint64                    `json:"version"`
	Self          models.Identity           `json:"self"`
	Conversations []models.ConversationView `json:"conversations"`
	Active        *Active                   `json:"active,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	At            time.Time                 `json:"at"`
}

// Active is the open conversation.
type Active struct {
	Conversation models.ConversationView `json:"conversation"`
	Header       Header                  `json:"header"`
	Messages     []models.Message        `json:"messages"`
	Groups       []dategroup.Group       `json:"groups"`
	HasMore      bool                    `json:"has_more"`
	Loading      bool                    `json:"loading"`
	// Anchor is the message to keep in view after older history was
	// prepended, at AnchorIndex in Messages.
	Anchor      string             `json:"anchor,omitempty"`
	AnchorIndex int                `json:"anchor_index"`
	Typing      []models.Identity  `json:"typing,omitempty"`
	Selection   selection.Snapshot `json:"selection"`
	Draft       composer.Snapshot  `json:"draft"`
}

// Header is the title line of the open conversation: the other
// participant of a direct conversation, or member counts of a group.
type Header struct {
	Title   string                  `json:"title"`
	Other   *models.ParticipantView `json:"other,omitempty"`
	Members *presence.MemberSummary `json:"members,omitempty"`
}

// Find returns the active message with id.
func (a *Active) Find(id string) (models.Message, bool) {
	for _, m := range a.Messages {
		if m.ID == id || (m.CorrelationKey != "" && m.CorrelationKey == id) {
			return m, true
		}
	}
	return models.Message{}, false
}

func (e *Engine) header(c models.Conversation) Header {
	h := Header{Title: c.Name}
	if c.IsGroup {
		sum := presence.Members(c, e.self, e.presence.IsOnline)
		h.Members = &sum
		if h.Title == "" {
			h.Title = c.ID
		}
		return h
	}
	if p := presence.ResolveParticipant(c, e.self); p != nil {
		h.Other = &models.ParticipantView{Participant: *p, Online: e.presence.IsOnline(p.Identity)}
		if h.Title == "" {
			h.Title = p.Name
		}
		if h.Title == "" {
			h.Title = p.ID
		}
	}
	return h
}

func (e *Engine) buildSnapshot() *Snapshot {
	now := e.now()
	s := &Snapshot{
		Version:       e.version.Add(1),
		Self:          e.self,
		Conversations: e.conversations.List(),
		LastError:     e.lastErr,
		At:            now,
	}
	if e.tl == nil {
		return s
	}
	view, _ := e.conversations.View(e.active)
	msgs := e.tl.Messages()
	s.Active = &Active{
		Conversation: view,
		Header:       e.header(view.Conversation),
		Messages:     msgs,
		Groups:       dategroup.ByDay(msgs, now, e.opts.Location),
		HasMore:      e.tl.HasMore(),
		Loading:      e.loading,
		Anchor:       e.anchor,
		AnchorIndex:  e.anchorIndex,
		Typing:       e.typing.Active(e.active, now),
		Selection:    e.selection.Snapshot(e.tl),
		Draft:        e.composer.Snapshot(),
	}
	return s
}

func (e *Engine) publish() {
	e.snap.Store(e.buildSnapshot())
	select {
	case e.updates <- struct{}{}:
	default:
	}
}
