package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/models"
)

const (
	// DefaultLimit is the default number of items returned per page
	DefaultLimit = 50

	// MaxLimit is the maximum number of items allowed per page
	MaxLimit = 1000

	// MessageDefaultLimit is the default limit for message history pages
	MessageDefaultLimit = 25

	// ConversationDefaultLimit is the default limit for conversation lists
	ConversationDefaultLimit = 50
)

// CursorPayload positions a history request strictly before a message.
type CursorPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	BeforeTS       int64  `json:"before_ts,omitempty"` // unix nanos of the oldest loaded message
	BeforeID       string `json:"before_id,omitempty"` // tie-breaker for equal timestamps
}

type PaginationRequest struct {
	Limit  int    `json:"limit,omitempty"`  // number of items to fetch per page
	Cursor string `json:"cursor,omitempty"` // opaque position, empty for the newest page
}

type PaginationResponse struct {
	Limit      int    `json:"limit"`                 // number of items to fetch per page
	HasMore    bool   `json:"has_more"`              // true if there are more items to fetch
	NextCursor string `json:"next_cursor,omitempty"` // key of the next item to fetch
	Count      int    `json:"count"`                 // number of items returned
}

// Page is one bounded slice of message history.
type Page struct {
	Messages   []models.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ClampLimit applies the default for non-positive limits and caps at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func EncodeCursor(payload CursorPayload) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeCursor(cursor string) (CursorPayload, error) {
	var cp CursorPayload
	if cursor == "" {
		return cp, nil
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return cp, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode cursor JSON: %w", err)
	}
	return cp, nil
}

// BeforeCursor builds the cursor that asks for messages strictly older
// than m.
func BeforeCursor(m models.Message) string {
	return EncodeCursor(CursorPayload{
		ConversationID: m.ConversationID,
		BeforeTS:       m.TS.UnixNano(),
		BeforeID:       m.ID,
	})
}

// Before reports whether m sorts strictly before the cursor position.
func (cp CursorPayload) Before(m models.Message) bool {
	if cp.BeforeTS == 0 && cp.BeforeID == "" {
		return true
	}
	pivot := models.Message{ID: cp.BeforeID, TS: time.Unix(0, cp.BeforeTS)}
	return models.Less(m, pivot)
}
