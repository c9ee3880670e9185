package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"licensecore/internal/infrastructure"
)

// Timing holds the keepalive settings of a client.
type Timing struct {
	// WriteWait is the time allowed to write a message to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64
}

// DefaultTiming returns the standard keepalive settings.
func DefaultTiming() Timing {
	return Timing{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 512,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.WriteWait <= 0 {
		t.WriteWait = d.WriteWait
	}
	if t.PongWait <= 0 {
		t.PongWait = d.PongWait
	}
	if t.PingPeriod <= 0 || t.PingPeriod >= t.PongWait {
		t.PingPeriod = (t.PongWait * 9) / 10
	}
	if t.MaxMessageSize <= 0 {
		t.MaxMessageSize = d.MaxMessageSize
	}
	return t
}

// Client pumps hub broadcasts to one websocket connection. The hub owns
// send and is the only one to close it.
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time
	timing      Timing

	logger *slog.Logger

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

func newClient(hub *Hub, conn Connection, traceID string, timing Timing) *Client {
	id := uuid.NewString()
	logger := hub.logger.With(
		slog.String("component", "websocket.client"),
		slog.String("client_id", id),
	)
	if traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}

	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.sendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  addrString(conn.RemoteAddr()),
		connectedAt: hub.clock.Now(),
		timing:      timing.withDefaults(),
		logger:      logger,
	}
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

func (c *Client) context() context.Context {
	ctx := context.Background()
	if c.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, c.traceID)
	}
	return ctx
}

// ReadPump keeps the read deadline moving on pongs and discards inbound
// frames apart from logging their type. It unregisters the client when the
// connection fails.
func (c *Client) ReadPump() {
	clock := c.hub.clock
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.InfoContext(c.context(), "websocket client disconnected",
			slog.Duration("connection_duration", clock.Since(c.connectedAt)),
			slog.Int64("messages_received", c.messagesReceived.Load()))
	}()

	extend := func(string) error {
		return c.conn.SetReadDeadline(clock.Now().Add(c.timing.PongWait))
	}
	c.conn.SetReadLimit(c.timing.MaxMessageSize)
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WarnContext(c.context(), "websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		c.messagesReceived.Add(1)

		var inbound struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &inbound); err != nil {
			c.logger.DebugContext(c.context(), "ignoring malformed client frame", slog.Int("bytes", len(frame)))
			continue
		}
		c.logger.DebugContext(c.context(), "client frame received", slog.String("type", inbound.Type))
	}
}

// WritePump writes queued messages and periodic pings until the hub closes
// the send queue or a write fails.
func (c *Client) WritePump() {
	clock := c.hub.clock
	ticker := clock.NewTicker(c.timing.PingPeriod, "websocket", "ping")
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.InfoContext(c.context(), "websocket write pump stopped",
			slog.Int64("messages_sent", c.messagesSent.Load()))
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(clock.Now().Add(c.timing.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.ErrorContext(c.context(), "websocket write failed",
					slog.String("error", err.Error()))
				return
			}
			c.messagesSent.Add(1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(clock.Now().Add(c.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.context(), "websocket ping failed",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Serve registers the client and starts its pumps. It reports false when the
// hub has already stopped, in which case the connection is closed.
func (c *Client) Serve() bool {
	if !c.hub.Register(c) {
		c.conn.Close()
		return false
	}
	go c.WritePump()
	go c.ReadPump()
	return true
}
