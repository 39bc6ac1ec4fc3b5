package models

import (
	"fmt"
	"strings"
	"time"
)

// ParticipantType distinguishes staff accounts from end users.
type ParticipantType string

const (
	ParticipantAdmin ParticipantType = "ADMIN"
	ParticipantUser  ParticipantType = "USER"
)

// Valid reports whether t is one of the known participant types.
func (t ParticipantType) Valid() bool {
	return t == ParticipantAdmin || t == ParticipantUser
}

// Identity is the (id, type) pair that names a participant. It is
// comparable and used directly as a map key.
type Identity struct {
	ID   string          `json:"id" yaml:"id"`
	Type ParticipantType `json:"type" yaml:"type"`
}

func (i Identity) String() string {
	return string(i.Type) + ":" + i.ID
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == "" && i.Type == ""
}

// ParseIdentity parses "TYPE:id". A bare id is treated as a USER.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, fmt.Errorf("empty identity")
	}
	typ, id, found := strings.Cut(s, ":")
	if !found {
		return Identity{ID: s, Type: ParticipantUser}, nil
	}
	pt := ParticipantType(strings.ToUpper(typ))
	if !pt.Valid() {
		return Identity{}, fmt.Errorf("invalid participant type %q", typ)
	}
	if id == "" {
		return Identity{}, fmt.Errorf("identity %q has no id", s)
	}
	return Identity{ID: id, Type: pt}, nil
}

// Participant is a conversation member as returned by the server. Online
// status is not stored here; see ParticipantView.
type Participant struct {
	Identity
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ParticipantView is a participant with presence merged in for rendering.
type ParticipantView struct {
	Participant
	Online bool `json:"online"`
}

// MessagePreview is the denormalized snapshot of a message used for
// conversation list rows and reply quotes.
type MessagePreview struct {
	ID     string      `json:"id"`
	Sender Identity    `json:"sender"`
	Kind   MessageKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	TS     time.Time   `json:"ts"`
}

type Conversation struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	IsGroup      bool            `json:"is_group"`
	Participants []Participant   `json:"participants"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// HasParticipant reports whether id is a member.
func (c Conversation) HasParticipant(id Identity) bool {
	for _, p := range c.Participants {
		if p.Identity == id {
			return true
		}
	}
	return false
}

// ConversationView is a conversation with participant presence merged in.
type ConversationView struct {
	Conversation
	Members []ParticipantView `json:"members"`
}
