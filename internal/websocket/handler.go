package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"licensecore/internal/config"
	"licensecore/internal/infrastructure"
)

type handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	timing   Timing
	logger   *slog.Logger
}

// NewHandler returns the HTTP endpoint that upgrades requests and attaches
// the resulting clients to hub.
func NewHandler(hub *Hub, cfg config.WebSocketConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &handler{
		hub: hub,
		timing: Timing{
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
		},
		logger: logger.With(slog.String("component", "websocket.handler")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			h.logger.ErrorContext(r.Context(), "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, http.StatusText(status), status)
		},
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := traceIDOf(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := h.hub.NewClient(conn, traceID, h.timing)
	if !client.Serve() {
		h.logger.WarnContext(ctx, "WebSocket hub stopped, connection refused",
			slog.String("remote_addr", r.RemoteAddr))
		return
	}
	h.logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("client_id", client.ID()))
}

// originChecker allows requests without an Origin header. With no configured
// origins only same-host requests pass; otherwise the origin must be listed
// or the list must contain "*".
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
