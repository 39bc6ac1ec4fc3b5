package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatsync/pkg/models"
)

var (
	t0   = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	self = models.Identity{ID: "me", Type: models.ParticipantUser}
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev models.Event)
	}{
		{
			name:  "message:new",
			frame: `{"type":"message:new","conversation":"c1","data":{"id":"m1","sender":{"id":"u2","type":"USER"},"body":{"kind":"text","text":"hi"},"ts":"2024-03-01T10:00:00Z","correlation_key":"k1"}}`,
			check: func(t *testing.T, ev models.Event) {
				require.NotNil(t, ev.Message)
				assert.Equal(t, "c1", ev.Message.ConversationID)
				assert.Equal(t, "k1", ev.Message.CorrelationKey)
				assert.Equal(t, "hi", ev.Message.Body.Text())
			},
		},
		{
			name:  "message:edited",
			frame: `{"type":"message:edited","conversation":"c1","data":{"message_id":"m1","body":{"kind":"text","text":"fixed"}}}`,
			check: func(t *testing.T, ev models.Event) {
				require.NotNil(t, ev.Edit)
				assert.Equal(t, "m1", ev.Edit.MessageID)
				assert.Equal(t, "fixed", ev.Edit.Body.Text())
			},
		},
		{
			name:  "message:deleted",
			frame: `{"type":"message:deleted","conversation":"c1","data":{"message_id":"m1"}}`,
			check: func(t *testing.T, ev models.Event) {
				require.NotNil(t, ev.Deletion)
				assert.Equal(t, "m1", ev.Deletion.MessageID)
			},
		},
		{
			name:  "message:read",
			frame: `{"type":"message:read","conversation":"c1","data":{"message_id":"m1","reader":{"id":"u2","type":"USER"},"read_at":"2024-03-01T10:00:00Z"}}`,
			check: func(t *testing.T, ev models.Event) {
				require.NotNil(t, ev.Receipt)
				assert.Equal(t, t0, ev.Receipt.Receipt.ReadAt)
				assert.Equal(t, "u2", ev.Receipt.Receipt.Reader.ID)
			},
		},
		{
			name:  "presence:online",
			frame: `{"type":"presence:online","data":{"participant":{"id":"ops","type":"ADMIN"}}}`,
			check: func(t *testing.T, ev models.Event) {
				assert.Equal(t, models.Identity{ID: "ops", Type: models.ParticipantAdmin}, ev.Actor)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}

	_, err := Decode([]byte(`{"type":"sticker:new"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":"message:edited","data":{"message_id":"m1","body":{"kind":"hologram"}}}`))
	assert.Error(t, err)
}

func TestEncodeDecodeReceipt(t *testing.T) {
	ev := models.Event{
		Type:           models.EventMessageRead,
		ConversationID: "c1",
		Receipt:        &models.ReceiptUpdate{MessageID: "m1", Receipt: models.ReadReceipt{Reader: self, ReadAt: t0}},
	}
	frame, err := Encode(ev)
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ev.Receipt, got.Receipt)
}

type collector struct {
	mu  sync.Mutex
	evs []models.Event
	got chan struct{}
}

func (c *collector) Post(ev models.Event) error {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func TestWebsocketClient_ReadsEventsAndSendsTyping(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	inbound := make(chan []byte, 4)
	authHeader := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"typing:start","conversation":"c1","data":{"participant":{"id":"u2","type":"USER"}}}`))
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			inbound <- frame
		}
	}))
	defer srv.Close()

	connected := make(chan bool, 1)
	c := NewWebsocketClient(WebsocketOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          "tkn",
		Self:           self,
		TypingInterval: time.Hour,
		OnConnect:      func(reconnect bool) { connected <- reconnect },
	})
	sink := &collector{got: make(chan struct{}, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()

	assert.False(t, <-connected)
	<-sink.got
	assert.Equal(t, "Bearer tkn", <-authHeader)
	assert.Equal(t, models.EventTypingStart, sink.evs[0].Type)

	require.NoError(t, c.SendTyping("c1", true))
	require.NoError(t, c.SendTyping("c1", true), "throttled start is silently skipped")
	require.NoError(t, c.SendTyping("c1", false))

	var env Envelope
	require.NoError(t, json.Unmarshal(<-inbound, &env))
	assert.Equal(t, models.EventTypingStart, env.Type)
	require.NoError(t, json.Unmarshal(<-inbound, &env))
	assert.Equal(t, models.EventTypingStop, env.Type, "second start was throttled")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, c.SendTyping("c1", false), ErrNotConnected)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 4 * time.Second}.withDefaults()
	d := b.next(0)
	assert.Equal(t, time.Second, d)
	d = b.next(d)
	assert.Equal(t, 2*time.Second, d)
	d = b.next(b.next(d))
	assert.Equal(t, 4*time.Second, d)
}
