package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"minbar/internal/logging"
)

// MessageHandler consumes inbound traffic for one connection. Calls for a
// given connection are made sequentially from its read pump.
type MessageHandler interface {
	// HandleConnect runs once after upgrade. credential is empty when the
	// client did not present one on the upgrade request.
	HandleConnect(ctx context.Context, connID, credential string)
	HandleMessage(ctx context.Context, connID string, data []byte)
	HandleDisconnect(ctx context.Context, connID string)
}

// HandlerConfig carries the websocket config section.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BufferSize      int
	MaxMessageBytes int64
	OverflowPolicy  OverflowPolicy
}

// DefaultHandlerConfig returns the production heartbeat settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		BufferSize:      256,
		MaxMessageBytes: 64 * 1024,
		OverflowPolicy:  DropOldest,
	}
}

// Handler upgrades HTTP requests and runs one read pump per connection.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// everything past the socket goes through MessageHandler
type Handler struct {
	registry *Registry
	messages MessageHandler
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(registry *Registry, messages MessageHandler, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		messages: messages,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Listener apps connect from arbitrary origins
			// (native clients send none), so origin is not an auth boundary
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		WriteTimeout: h.cfg.WriteTimeout,
		Policy:       h.cfg.OverflowPolicy,
		RemoteAddr:   r.RemoteAddr,
	})
	if _, err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", "error", err)
		_ = conn.Close()
		return
	}

	ctx := logging.WithConnAttrs(conn.ctx, &logging.ConnAttrs{
		ConnectionID: conn.ID(),
		RemoteAddr:   r.RemoteAddr,
	})
	h.logger.Debug("connection opened", logging.ConnFields(ctx)...)

	go h.readPump(ctx, ws, conn, credential)
}

// credentialFromRequest accepts "Authorization: Bearer <jwt>" or ?token=<jwt>.
func credentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// readPump owns the read side of ws until the peer goes away.
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles message
// reading so one client's messages are processed strictly in arrival order
func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *Connection, credential string) {
	defer func() {
		h.messages.HandleDisconnect(ctx, conn.ID())
		h.registry.Unregister(conn.ID())
		h.logger.Debug("connection closed", logging.ConnFields(ctx)...)
	}()

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(ws, conn)

	h.messages.HandleConnect(ctx, conn.ID(), credential)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", append(logging.ConnFields(ctx), "error", err)...)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.messages.HandleMessage(ctx, conn.ID(), data)
	}
}

// FUNCTIONAL DISCOVERY: Separate ticker goroutine keeps heartbeat timing
// independent of message processing
func (h *Handler) pingLoop(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteControl may run concurrently with the writer goroutine.
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
