package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"licensecore/internal/infrastructure"
	"licensecore/internal/notify"
	"licensecore/pkg/contracts/events"
)

const defaultSendBuffer = 256

// HubOptions configure a Hub.
type HubOptions struct {
	Logger *slog.Logger
	Meter  metric.Meter
	Clock  quartz.Clock
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
	// Greeting, when set, supplies the status sent to every new client right
	// after the connect message.
	Greeting func() any
}

// Hub maintains the set of active clients and broadcasts published
// notifications to them. It implements notify.Publisher.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	stopped bool
	count   int

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	logger     *slog.Logger
	clock      quartz.Clock
	metrics    *hubMetrics
	sendBuffer int
	greeting   func() any
}

var _ notify.Publisher = (*Hub)(nil)

type outbound struct {
	ctx     context.Context
	msgType string
	data    []byte
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(opts HubOptions) (*Hub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	metrics, err := newHubMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		clock:      clock,
		metrics:    metrics,
		sendBuffer: sendBuffer,
		greeting:   opts.Greeting,
	}, nil
}

// Start launches the hub loop. It is a no-op when already running or stopped.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return
	}
	h.running = true
	go h.run()
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				h.drop(client, "shutdown")
			}
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))

			ctx := client.context()
			h.metrics.connected(ctx)
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.greet(ctx, client)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client, "normal")
				h.logger.InfoContext(client.context(), "Client unregistered",
					slog.Int("total_clients", len(h.clients)),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", h.clock.Since(client.connectedAt)))
			}

		case msg := <-h.broadcast:
			slow := 0
			for client := range h.clients {
				select {
				case client.send <- msg.data:
				default:
					slow++
					h.drop(client, "slow")
					h.logger.WarnContext(client.context(), "Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
			h.metrics.published(msg.ctx, msg.msgType)
			if slow > 0 {
				h.logger.WarnContext(msg.ctx, "Some clients failed to receive broadcast",
					slog.String("type", msg.msgType),
					slog.Int("fail_count", slow))
			}
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// drop must only be called from the hub loop.
func (h *Hub) drop(client *Client, reason string) {
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
	h.metrics.disconnected(client.context(), reason)
}

func (h *Hub) greet(ctx context.Context, client *Client) {
	greetings := []events.Message{h.message(ctx, events.Connect, map[string]string{
		"status":    "connected",
		"client_id": client.id,
	})}
	if h.greeting != nil {
		greetings = append(greetings, h.message(ctx, events.SystemStatus, h.greeting()))
	}

	for _, msg := range greetings {
		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.ErrorContext(ctx, "Error marshaling greeting", slog.String("error", err.Error()))
			return
		}
		select {
		case client.send <- data:
		default:
			h.logger.WarnContext(ctx, "Failed to greet client - buffer full",
				slog.String("client_id", client.id))
			return
		}
	}
}

func (h *Hub) message(ctx context.Context, name string, value any) events.Message {
	return events.Message{
		ID:        uuid.NewString(),
		Type:      name,
		Timestamp: h.clock.Now().UTC(),
		TraceID:   traceIDOf(ctx),
		Data:      value,
	}
}

// Publish broadcasts a notification to every connected client. It is a no-op
// unless the hub is running.
func (h *Hub) Publish(ctx context.Context, name string, value any) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	data, err := json.Marshal(h.message(ctx, name, value))
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", name))
		return
	}

	select {
	case h.broadcast <- outbound{ctx: context.WithoutCancel(ctx), msgType: name, data: data}:
	case <-h.quit:
	case <-ctx.Done():
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Stop disconnects every client and waits for the hub loop to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		wasRunning := h.running
		h.running = false
		h.stopped = true
		h.mu.Unlock()

		close(h.quit)
		if wasRunning {
			<-h.done
		}
	})
}

// NewClient creates a client bound to this hub.
func (h *Hub) NewClient(conn Connection, traceID string, timing Timing) *Client {
	return newClient(h, conn, traceID, timing)
}

func traceIDOf(ctx context.Context) string {
	if id := infrastructure.TraceIDFromContext(ctx); id != "" {
		return id
	}
	return infrastructure.GetTraceID(ctx)
}
