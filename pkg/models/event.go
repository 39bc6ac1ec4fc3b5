package models

import "time"

// EventType names a push-channel event.
type EventType string

const (
	EventMessageNew      EventType = "message:new"
	EventMessageEdited   EventType = "message:edited"
	EventMessageDeleted  EventType = "message:deleted"
	EventMessageRead     EventType = "message:read"
	EventTypingStart     EventType = "typing:start"
	EventTypingStop      EventType = "typing:stop"
	EventPresenceOnline  EventType = "presence:online"
	EventPresenceOffline EventType = "presence:offline"
)

// Known reports whether t is one of the event types the engine handles.
func (t EventType) Known() bool {
	switch t {
	case EventMessageNew, EventMessageEdited, EventMessageDeleted, EventMessageRead,
		EventTypingStart, EventTypingStop, EventPresenceOnline, EventPresenceOffline:
		return true
	}
	return false
}

// MessageEdit is the payload of message:edited.
type MessageEdit struct {
	MessageID string
	Body      Body
	EditedAt  time.Time
}

// MessageDeletion is the payload of message:deleted.
type MessageDeletion struct {
	MessageID string
}

// ReceiptUpdate is the payload of message:read.
type ReceiptUpdate struct {
	MessageID string
	Receipt   ReadReceipt
}

// Event is a decoded push event. Exactly one payload field is set,
// matching Type; typing and presence events use Actor.
type Event struct {
	Type           EventType
	ConversationID string
	Message        *Message
	Edit           *MessageEdit
	Deletion       *MessageDeletion
	Receipt        *ReceiptUpdate
	Actor          Identity
	At             time.Time
}
