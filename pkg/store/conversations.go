package store

import (
	"sort"
	"sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// Conversations holds one record per conversation ID plus a presence side
// channel. Presence never touches UpdatedAt, so it cannot reorder the list.
type Conversations struct {
	mu     sync.RWMutex
	byID   map[string]*models.Conversation
	online map[models.Identity]bool
}

func NewConversations() *Conversations {
	return &Conversations{
		byID:   make(map[string]*models.Conversation),
		online: make(map[models.Identity]bool),
	}
}

// Upsert replaces or inserts c by ID. An incoming record older than the
// stored one is rejected and Upsert returns false.
func (s *Conversations) Upsert(c models.Conversation) bool {
	if c.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[c.ID]; ok && c.UpdatedAt.Before(cur.UpdatedAt) {
		logger.Debug("conversation_upsert_stale", "conversation", c.ID,
			"stored_updated_at", cur.UpdatedAt, "incoming_updated_at", c.UpdatedAt)
		return false
	}
	cp := c.Clone()
	s.byID[c.ID] = &cp
	return true
}

// Get returns a copy of the conversation.
func (s *Conversations) Get(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// Remove drops a conversation.
func (s *Conversations) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

func (s *Conversations) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Touch records a new last message. UpdatedAt only moves forward and the
// preview is replaced only by a message at least as new as the current one.
func (s *Conversations) Touch(id string, preview models.MessagePreview) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	if c.LastMessage == nil || !preview.TS.Before(c.LastMessage.TS) {
		p := preview
		c.LastMessage = &p
	}
	if preview.TS.After(c.UpdatedAt) {
		c.UpdatedAt = preview.TS
	}
	return true
}

// ReplacePreview overwrites the last-message snapshot without touching
// UpdatedAt. A nil preview clears it.
func (s *Conversations) ReplacePreview(id string, preview *models.MessagePreview) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	if preview == nil {
		c.LastMessage = nil
		return true
	}
	p := *preview
	c.LastMessage = &p
	return true
}

// AddParticipant appends p unless already a member.
func (s *Conversations) AddParticipant(id string, p models.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.HasParticipant(p.Identity) {
		return false
	}
	c.Participants = append(append([]models.Participant(nil), c.Participants...), p)
	return true
}

// ApplyParticipantPresence merges an online flag through the side channel.
func (s *Conversations) ApplyParticipantPresence(id models.Identity, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[id] = true
		return
	}
	delete(s.online, id)
}

// Online reports the side-channel presence of id.
func (s *Conversations) Online(id models.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[id]
}

// List returns every conversation by recency: UpdatedAt descending, ties
// broken by ID ascending.
func (s *Conversations) List() []models.ConversationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationView, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, s.viewLocked(c))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// View returns a single conversation with presence merged in.
func (s *Conversations) View(id string) (models.ConversationView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return models.ConversationView{}, false
	}
	return s.viewLocked(c), true
}

func (s *Conversations) viewLocked(c *models.Conversation) models.ConversationView {
	v := models.ConversationView{Conversation: c.Clone()}
	v.Members = make([]models.ParticipantView, len(c.Participants))
	for i, p := range c.Participants {
		v.Members[i] = models.ParticipantView{Participant: p, Online: s.online[p.Identity]}
	}
	return v
}
