package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the gateway websocket transport
type WebSocketConfig struct {
	URL            string // e.g. ws://localhost:8081/ws/room
	ParticipantID  string // sent to the gateway for logging only
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	OutboxSize     int
	Dialer         *websocket.Dialer
}

// DefaultWebSocketConfig returns default websocket transport configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:            "ws://localhost:8081/ws/room",
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		OutboxSize:     DefaultOutboxSize,
		Dialer:         websocket.DefaultDialer,
	}
}

// WebSocket is a channel served by the room gateway. The connection is dialed on
// Subscribe and redialed on every later Subscribe, re-tracking presence each time.
type WebSocket struct {
	*core
	config WebSocketConfig
	outbox *outbox

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn
}

var _ Channel = (*WebSocket)(nil)

// NewWebSocket creates a websocket channel for roomID. Nothing is dialed until Subscribe.
func NewWebSocket(roomID string, config WebSocketConfig) *WebSocket {
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	c := &WebSocket{
		core:   newCore(roomID),
		config: config,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.outbox = newOutbox(roomID, config.OutboxSize, c.send, func(err error) {
		c.setStatus(StatusErrored, err)
	})
	go c.outbox.run(c.ctx)
	return c
}

func (c *WebSocket) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("room_id", c.roomID)
	if c.config.ParticipantID != "" {
		q.Set("participant_id", c.config.ParticipantID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WebSocket) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// swapConn installs conn and closes the connection it replaces
func (c *WebSocket) swapConn(conn *websocket.Conn) {
	c.connMu.Lock()
	prev := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (c *WebSocket) send(ctx context.Context, data []byte) error {
	conn := c.currentConn()
	if conn == nil {
		log.Debug().Str("room_id", c.roomID).Msg("no gateway connection, dropping frame")
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocket) enqueueFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("room_id", c.roomID).Msg("failed to marshal frame")
		return
	}
	c.outbox.enqueue(data)
}

// Publish queues ev for the gateway
func (c *WebSocket) Publish(ev events.SyncEvent) {
	if c.isClosed() {
		return
	}
	data, err := events.Encode(ev)
	if err != nil {
		log.Warn().Err(err).Str("room_id", c.roomID).Msg("refusing to publish invalid event")
		return
	}
	c.enqueueFrame(SyncFrame(data))
}

// Subscribe dials the gateway and starts reading frames
func (c *WebSocket) Subscribe(ctx context.Context, onEvent EventHandler) (Subscription, error) {
	gen, err := c.bind(onEvent)
	if err != nil {
		return nil, err
	}
	c.setStatus(StatusConnecting, nil)

	endpoint, err := c.endpoint()
	if err != nil {
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, err
	}

	conn, _, err := c.config.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c.swapConn(conn)

	for _, p := range c.trackedPresences() {
		p := p
		c.enqueueFrame(Frame{Type: FrameTrack, Presence: &p})
	}

	stop := make(chan struct{})
	go c.readPump(gen, conn)
	go c.pingPump(conn, stop)

	c.setStatus(StatusSubscribed, nil)
	log.Info().Str("room_id", c.roomID).Str("url", c.config.URL).Msg("connected to room gateway")

	return newSubscription(func() error {
		close(stop)
		live := c.unbind(gen)
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout))
		err := conn.Close()
		if live {
			c.setStatus(StatusClosed, nil)
		}
		return err
	}), nil
}

func (c *WebSocket) readPump(gen uint64, conn *websocket.Conn) {
	conn.SetReadLimit(c.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.current(gen) && !c.isClosed() {
				c.setStatus(StatusErrored, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			log.Debug().Err(err).Str("room_id", c.roomID).Msg("dropping unreadable frame")
			continue
		}
		switch f.Type {
		case FrameSync:
			c.deliver(gen, f.Event)
		case FramePresence:
			if c.current(gen) {
				c.setMembers(f.Members)
			}
		default:
			log.Debug().Str("room_id", c.roomID).Str("type", string(f.Type)).Msg("ignoring frame")
		}
	}
}

func (c *WebSocket) pingPump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Track asks the gateway to add p to the room presence
func (c *WebSocket) Track(ctx context.Context, p events.Presence) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.remember(p)
	if c.currentConn() == nil {
		// sent when the connection comes up
		return nil
	}
	c.enqueueFrame(Frame{Type: FrameTrack, Presence: &p})
	return nil
}

// Untrack asks the gateway to remove a participant
func (c *WebSocket) Untrack(ctx context.Context, participantID string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.forget(participantID)
	c.enqueueFrame(Frame{Type: FrameUntrack, ParticipantID: participantID})
	return nil
}

// Close drops the gateway connection; the gateway untracks everything this
// connection tracked
func (c *WebSocket) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.outbox.close()
	c.cancel()
	if conn := c.currentConn(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout))
	}
	c.swapConn(nil)
	c.setStatus(StatusClosed, nil)
	return nil
}
