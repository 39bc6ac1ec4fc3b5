// Package push connects the engine to the server push channel. Frames use
// one JSON envelope, {"type", "conversation", "data"}, over either a
// websocket or a redis pub/sub channel.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/models"
)

// Envelope is the wire frame of every push event.
type Envelope struct {
	Type         models.EventType `json:"type"`
	Conversation string           `json:"conversation,omitempty"`
	Data         json.RawMessage  `json:"data,omitempty"`
	At           time.Time        `json:"at,omitempty"`
}

type editData struct {
	MessageID string          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
	EditedAt  time.Time       `json:"edited_at,omitempty"`
}

type deleteData struct {
	MessageID string `json:"message_id"`
}

type readData struct {
	MessageID string          `json:"message_id"`
	Reader    models.Identity `json:"reader"`
	ReadAt    time.Time       `json:"read_at"`
}

type actorData struct {
	Participant models.Identity `json:"participant"`
}

// Decode parses one frame into an Event. Unknown types are reported as
// errors so the caller can count and skip them.
func Decode(frame []byte) (models.Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return models.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev := models.Event{Type: env.Type, ConversationID: env.Conversation, At: env.At}

	switch env.Type {
	case models.EventMessageNew:
		var m models.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.ConversationID == "" {
			m.ConversationID = env.Conversation
		}
		ev.Message = &m
	case models.EventMessageEdited:
		var d editData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		body, err := models.DecodeBody(d.Body)
		if err != nil {
			return ev, fmt.Errorf("decode %s body: %w", env.Type, err)
		}
		ev.Edit = &models.MessageEdit{MessageID: d.MessageID, Body: body, EditedAt: d.EditedAt}
	case models.EventMessageDeleted:
		var d deleteData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.Deletion = &models.MessageDeletion{MessageID: d.MessageID}
	case models.EventMessageRead:
		var d readData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.Receipt = &models.ReceiptUpdate{
			MessageID: d.MessageID,
			Receipt:   models.ReadReceipt{Reader: d.Reader, ReadAt: d.ReadAt},
		}
	case models.EventTypingStart, models.EventTypingStop,
		models.EventPresenceOnline, models.EventPresenceOffline:
		var d actorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.Actor = d.Participant
	default:
		return ev, fmt.Errorf("unknown event type %q", env.Type)
	}
	return ev, nil
}

// EncodeTyping builds the outbound typing frame for conversationID.
func EncodeTyping(conversationID string, self models.Identity, start bool) ([]byte, error) {
	typ := models.EventTypingStop
	if start {
		typ = models.EventTypingStart
	}
	data, err := json.Marshal(actorData{Participant: self})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Conversation: conversationID, Data: data})
}

// Encode renders ev as a frame. It is the inverse of Decode and is used by
// tools that replay events.
func Encode(ev models.Event) ([]byte, error) {
	var payload any
	switch ev.Type {
	case models.EventMessageNew:
		payload = ev.Message
	case models.EventMessageEdited:
		if ev.Edit == nil {
			return nil, fmt.Errorf("%s without edit payload", ev.Type)
		}
		body, err := models.EncodeBody(ev.Edit.Body)
		if err != nil {
			return nil, err
		}
		payload = editData{MessageID: ev.Edit.MessageID, Body: body, EditedAt: ev.Edit.EditedAt}
	case models.EventMessageDeleted:
		if ev.Deletion == nil {
			return nil, fmt.Errorf("%s without deletion payload", ev.Type)
		}
		payload = deleteData{MessageID: ev.Deletion.MessageID}
	case models.EventMessageRead:
		if ev.Receipt == nil {
			return nil, fmt.Errorf("%s without receipt payload", ev.Type)
		}
		payload = readData{MessageID: ev.Receipt.MessageID, Reader: ev.Receipt.Receipt.Reader, ReadAt: ev.Receipt.Receipt.ReadAt}
	default:
		payload = actorData{Participant: ev.Actor}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Type, Conversation: ev.ConversationID, Data: data, At: ev.At})
}
