package push

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// ErrNotConnected is returned by SendTyping while no session is open.
var ErrNotConnected = errors.New("push channel not connected")

type WebsocketOptions struct {
	URL     string
	Token   string
	Self    models.Identity
	Backoff Backoff
	// PingInterval keeps idle connections alive. Zero uses 30s.
	PingInterval time.Duration
	// TypingInterval is the minimum spacing of typing:start frames per
	// conversation. Zero uses 3s.
	TypingInterval time.Duration
	// ReadLimit caps a single inbound frame. Zero uses 1 MiB.
	ReadLimit int64
	Dialer    *websocket.Dialer
	// OnConnect runs after every successful dial; reconnect is false for
	// the first session.
	OnConnect func(reconnect bool)
}

// WebsocketClient reads push frames from a websocket and writes throttled
// outbound typing frames on the same connection.
type WebsocketClient struct {
	opts WebsocketOptions

	mu     sync.Mutex
	send   chan []byte
	typing map[string]*rate.Limiter
}

func NewWebsocketClient(opts WebsocketOptions) *WebsocketClient {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = 3 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &WebsocketClient{opts: opts, typing: make(map[string]*rate.Limiter)}
}

// Run implements Source.
func (c *WebsocketClient) Run(ctx context.Context, sink Sink) error {
	return reconnectLoop(ctx, "websocket", c.opts.Backoff, func(ctx context.Context, attempt int) error {
		return c.session(ctx, sink, attempt > 0)
	})
}

func (c *WebsocketClient) session(ctx context.Context, sink Sink, reconnect bool) error {
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	logger.Info("push_connected", "source", "websocket", "url", c.opts.URL, "reconnect", reconnect)

	send := make(chan []byte, 16)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(reconnect)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(sessCtx, conn, send)
	}()
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		// unblocks ReadMessage
		_ = conn.Close()
	}()

	err = c.readLoop(conn, sink)
	cancel()
	wg.Wait()

	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	return err
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn, sink Sink) error {
	for {
		typ, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		deliver("websocket", frame, sink)
	}
}

func (c *WebsocketClient) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("push_write_failed", "error", err)
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// SendTyping queues a typing frame for conversationID. typing:start frames
// are throttled per conversation; a throttled call returns nil without
// sending. typing:stop is never throttled.
func (c *WebsocketClient) SendTyping(conversationID string, start bool) error {
	c.mu.Lock()
	send := c.send
	if start {
		l, ok := c.typing[conversationID]
		if !ok {
			l = rate.NewLimiter(rate.Every(c.opts.TypingInterval), 1)
			c.typing[conversationID] = l
		}
		if !l.Allow() {
			c.mu.Unlock()
			return nil
		}
	} else {
		// the next start after a stop goes out immediately
		delete(c.typing, conversationID)
	}
	c.mu.Unlock()

	if send == nil {
		return ErrNotConnected
	}
	frame, err := EncodeTyping(conversationID, c.opts.Self, start)
	if err != nil {
		return err
	}
	select {
	case send <- frame:
		return nil
	default:
		logger.Debug("push_typing_dropped", "conversation", conversationID)
		return nil
	}
}
