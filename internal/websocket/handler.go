package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// maxFrameSize bounds inbound frames; message content is capped at 64KiB
const maxFrameSize = 128 * 1024

// EventHandler receives decoded client events and transport lifecycle signals
type EventHandler interface {
	HandleEvent(ctx context.Context, conn interfaces.Connection, evt *types.InboundEvent) error
	Beat(conn interfaces.Connection)
	Disconnect(conn interfaces.Connection)
}

// Config holds transport timings
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

// Handler upgrades HTTP requests and pumps frames into an EventHandler.
// Identity is established by the authenticate event, not by the upgrade request.
type Handler struct {
	events   EventHandler
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(events EventHandler, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		events: events,
		config: config,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			// Browser clients are served from other origins
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		conns: make(map[*Connection]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, h.config.BufferSize, h.config.WriteTimeout)
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("connection opened", "connection_id", conn.ID(), "remote_addr", r.RemoteAddr)

	go h.handleConnection(conn)
}

func (h *Handler) track(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

// ActiveConnections returns the number of open sockets
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown stops accepting sockets, closes every open one and waits for their
// read loops to finish or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) handleConnection(conn *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.events.Disconnect(conn)
		_ = conn.Close()
		h.untrack(conn)
		h.logger.Debug("connection closed", "connection_id", conn.ID())
	}()

	ws := conn.conn
	ws.SetReadLimit(maxFrameSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		h.events.Beat(conn)
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var evt types.InboundEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.Event == "" {
			_ = conn.WriteJSON(types.NewOutboundEvent(types.EventError, types.ToErrorData(ErrMalformedFrame)))
			continue
		}
		// Failures are already reported to the client by the handler
		_ = h.events.HandleEvent(ctx, conn, &evt)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	if h.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
