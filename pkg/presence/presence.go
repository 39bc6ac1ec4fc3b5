// Package presence tracks who is online and resolves the participant a
// conversation header should show.
package presence

import (
	"sync"
	"time"

	"chatsync/pkg/models"
)

// Status is the last known presence of one identity.
type Status struct {
	Online   bool                   `json:"online"`
	UserType models.ParticipantType `json:"user_type"`
	At       time.Time              `json:"at"`
}

// Tracker maps identity to status. The last received event wins; event
// timestamps are recorded but not compared.
type Tracker struct {
	mu     sync.RWMutex
	status map[models.Identity]Status
}

func NewTracker() *Tracker {
	return &Tracker{status: make(map[models.Identity]Status)}
}

// Apply records a presence event. Other event types are ignored and Apply
// reports false for them.
func (t *Tracker) Apply(ev models.Event) bool {
	switch ev.Type {
	case models.EventPresenceOnline:
		t.SetOnline(ev.Actor, true, ev.At)
	case models.EventPresenceOffline:
		t.SetOnline(ev.Actor, false, ev.At)
	default:
		return false
	}
	return true
}

func (t *Tracker) SetOnline(id models.Identity, online bool, at time.Time) {
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	t.status[id] = Status{Online: online, UserType: id.Type, At: at}
	t.mu.Unlock()
}

// Lookup returns the stored status for id.
func (t *Tracker) Lookup(id models.Identity) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.status[id]
	return s, ok
}

// IsOnline reports false for identities never seen.
func (t *Tracker) IsOnline(id models.Identity) bool {
	s, _ := t.Lookup(id)
	return s.Online
}

// OnlineCount returns how many tracked identities are online.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.status {
		if s.Online {
			n++
		}
	}
	return n
}

// Reset forgets every status, used after a push reconnect when the server
// replays presence.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.status = make(map[models.Identity]Status)
	t.mu.Unlock()
}

// ResolveParticipant returns the counterpart of a one-to-one conversation:
// the first participant whose identity differs from self. Group
// conversations and conversations with no such participant resolve to nil.
func ResolveParticipant(c models.Conversation, self models.Identity) *models.Participant {
	if c.IsGroup {
		return nil
	}
	for _, p := range c.Participants {
		if p.Identity != self {
			out := p
			return &out
		}
	}
	return nil
}

// MemberSummary backs the "N members, M online" header of a group.
type MemberSummary struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

// Members counts every participant of c, including self. Self counts as
// online.
func Members(c models.Conversation, self models.Identity, isOnline func(models.Identity) bool) MemberSummary {
	sum := MemberSummary{Total: len(c.Participants)}
	for _, p := range c.Participants {
		if p.Identity == self || (isOnline != nil && isOnline(p.Identity)) {
			sum.Online++
		}
	}
	return sum
}
