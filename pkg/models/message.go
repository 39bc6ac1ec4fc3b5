package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind is the discriminant of a message body.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImageSet MessageKind = "image-set"
	KindFileSet  MessageKind = "file-set"
	KindCombined MessageKind = "combined"
)

// DeliveryState tracks an outgoing message from optimistic insert to
// server acknowledgment.
type DeliveryState string

const (
	StatePending DeliveryState = "pending"
	StateSent    DeliveryState = "sent"
	StateFailed  DeliveryState = "failed"
)

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size"`
	MIME string `json:"mime,omitempty"`
}

// Body is the closed set of message payloads. The unexported method keeps
// the set closed to this package.
type Body interface {
	Kind() MessageKind
	// Text returns the textual part of the body, empty for media-only kinds.
	Text() string
	body()
}

type TextBody struct {
	Content string
}

type ImageSetBody struct {
	Images []Attachment
}

type FileSetBody struct {
	Files []Attachment
}

// CombinedBody carries text plus any mix of images and files.
type CombinedBody struct {
	Content string
	Images  []Attachment
	Files   []Attachment
}

func (TextBody) Kind() MessageKind     { return KindText }
func (ImageSetBody) Kind() MessageKind { return KindImageSet }
func (FileSetBody) Kind() MessageKind  { return KindFileSet }
func (CombinedBody) Kind() MessageKind { return KindCombined }

func (b TextBody) Text() string     { return b.Content }
func (ImageSetBody) Text() string   { return "" }
func (FileSetBody) Text() string    { return "" }
func (b CombinedBody) Text() string { return b.Content }

func (TextBody) body()     {}
func (ImageSetBody) body() {}
func (FileSetBody) body()  {}
func (CombinedBody) body() {}

// NewBody picks the narrowest kind for the given parts. It returns nil
// when every part is empty.
func NewBody(text string, images, files []Attachment) Body {
	hasText := text != ""
	switch {
	case !hasText && len(images) == 0 && len(files) == 0:
		return nil
	case hasText && len(images) == 0 && len(files) == 0:
		return TextBody{Content: text}
	case !hasText && len(files) == 0:
		return ImageSetBody{Images: images}
	case !hasText && len(images) == 0:
		return FileSetBody{Files: files}
	default:
		return CombinedBody{Content: text, Images: images, Files: files}
	}
}

// BodyAttachments returns the images and files carried by b.
func BodyAttachments(b Body) (images, files []Attachment) {
	switch v := b.(type) {
	case ImageSetBody:
		return v.Images, nil
	case FileSetBody:
		return nil, v.Files
	case CombinedBody:
		return v.Images, v.Files
	default:
		return nil, nil
	}
}

// PreviewText is the one-line summary shown in conversation rows.
func PreviewText(b Body) string {
	switch v := b.(type) {
	case TextBody:
		return v.Content
	case ImageSetBody:
		if len(v.Images) == 1 {
			return "Photo"
		}
		return fmt.Sprintf("%d photos", len(v.Images))
	case FileSetBody:
		if len(v.Files) == 1 {
			return v.Files[0].Name
		}
		return fmt.Sprintf("%d files", len(v.Files))
	case CombinedBody:
		return v.Content
	default:
		return ""
	}
}

type bodyWire struct {
	Kind   MessageKind  `json:"kind"`
	Text   string       `json:"text,omitempty"`
	Images []Attachment `json:"images,omitempty"`
	Files  []Attachment `json:"files,omitempty"`
}

func marshalBody(b Body) bodyWire {
	if b == nil {
		return bodyWire{}
	}
	images, files := BodyAttachments(b)
	return bodyWire{Kind: b.Kind(), Text: b.Text(), Images: images, Files: files}
}

func (w bodyWire) decode() (Body, error) {
	switch w.Kind {
	case KindText:
		return TextBody{Content: w.Text}, nil
	case KindImageSet:
		return ImageSetBody{Images: w.Images}, nil
	case KindFileSet:
		return FileSetBody{Files: w.Files}, nil
	case KindCombined:
		return CombinedBody{Content: w.Text, Images: w.Images, Files: w.Files}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", w.Kind)
	}
}

// EncodeBody renders b in its JSON wire form.
func EncodeBody(b Body) ([]byte, error) {
	return json.Marshal(marshalBody(b))
}

// DecodeBody parses the JSON wire form of a body.
func DecodeBody(data []byte) (Body, error) {
	var w bodyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return w.decode()
}

// ReplyRef is a weak reference to the message being replied to. Preview is
// captured at reply time; the live target is looked up by MessageID and
// may be absent.
type ReplyRef struct {
	MessageID string         `json:"message_id"`
	Preview   MessagePreview `json:"preview"`
}

type ReadReceipt struct {
	Reader Identity  `json:"reader"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	ID             string
	ConversationID string
	Sender         Identity
	Body           Body
	TS             time.Time
	Edited         bool
	Forwarded      bool
	ReplyTo        *ReplyRef
	Receipts       []ReadReceipt
	State          DeliveryState
	CorrelationKey string
}

type messageWire struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Sender         Identity      `json:"sender"`
	Body           bodyWire      `json:"body"`
	TS             time.Time     `json:"ts"`
	Edited         bool          `json:"edited,omitempty"`
	Forwarded      bool          `json:"forwarded,omitempty"`
	ReplyTo        *ReplyRef     `json:"reply_to,omitempty"`
	Receipts       []ReadReceipt `json:"receipts,omitempty"`
	State          DeliveryState `json:"state,omitempty"`
	CorrelationKey string        `json:"correlation_key,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageWire{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Body:           marshalBody(m.Body),
		TS:             m.TS,
		Edited:         m.Edited,
		Forwarded:      m.Forwarded,
		ReplyTo:        m.ReplyTo,
		Receipts:       m.Receipts,
		State:          m.State,
		CorrelationKey: m.CorrelationKey,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := w.Body.decode()
	if err != nil {
		return fmt.Errorf("message %s: %w", w.ID, err)
	}
	state := w.State
	if state == "" {
		// anything the server hands back has been delivered
		state = StateSent
	}
	*m = Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Sender:         w.Sender,
		Body:           body,
		TS:             w.TS,
		Edited:         w.Edited,
		Forwarded:      w.Forwarded,
		ReplyTo:        w.ReplyTo,
		Receipts:       w.Receipts,
		State:          state,
		CorrelationKey: w.CorrelationKey,
	}
	return nil
}

// Less is the total order of messages inside a conversation: timestamp,
// then identity.
func Less(a, b Message) bool {
	if !a.TS.Equal(b.TS) {
		return a.TS.Before(b.TS)
	}
	return a.ID < b.ID
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.Receipts != nil {
		out.Receipts = append([]ReadReceipt(nil), m.Receipts...)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}

// Preview captures the denormalized snapshot of m.
func (m Message) Preview() MessagePreview {
	p := MessagePreview{ID: m.ID, Sender: m.Sender, TS: m.TS}
	if m.Body != nil {
		p.Kind = m.Body.Kind()
		p.Text = PreviewText(m.Body)
	}
	return p
}

// ReadBy returns the receipt for reader, if any.
func (m Message) ReadBy(reader Identity) (ReadReceipt, bool) {
	for _, r := range m.Receipts {
		if r.Reader == reader {
			return r, true
		}
	}
	return ReadReceipt{}, false
}

// IsRead reports whether anyone other than the sender has read m.
func (m Message) IsRead() bool {
	for _, r := range m.Receipts {
		if r.Reader != m.Sender {
			return true
		}
	}
	return false
}

// WithReceipt returns the receipt list with r applied: one receipt per
// reader, the latest ReadAt wins.
func WithReceipt(receipts []ReadReceipt, r ReadReceipt) ([]ReadReceipt, bool) {
	for i, cur := range receipts {
		if cur.Reader != r.Reader {
			continue
		}
		if !r.ReadAt.After(cur.ReadAt) {
			return receipts, false
		}
		out := append([]ReadReceipt(nil), receipts...)
		out[i] = r
		return out, true
	}
	out := append(append([]ReadReceipt(nil), receipts...), r)
	return out, true
}
