package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"schoolhub/internal/presence"
	"schoolhub/internal/router"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Authenticator validates the identity in an authenticate event
type Authenticator interface {
	Authenticate(ctx context.Context, userID, token string) (*types.UserSummary, error)
}

// Hub dispatches client events to the registry, monitor and router.
// Events from one connection are handled in the order received, on the caller's goroutine.
// Every failure is reported only to the originating connection.
type Hub struct {
	registry      *presence.Registry
	monitor       *presence.Monitor
	router        *router.Router
	authenticator Authenticator
	logger        *slog.Logger

	cleanupInterval time.Duration

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

func NewHub(registry *presence.Registry, monitor *presence.Monitor, router *router.Router,
	authenticator Authenticator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:        registry,
		monitor:         monitor,
		router:          router,
		authenticator:   authenticator,
		logger:          logger.With("component", "hub"),
		cleanupInterval: time.Minute,
	}
}

// Start begins accepting events and runs the stale sweep and rate limiter cleanup
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := h.monitor.Start(ctx); err != nil {
		cancel()
		return err
	}
	h.cancel = cancel
	h.running = true

	h.wg.Add(1)
	go h.cleanupLoop(ctx)

	h.logger.Info("hub started")
	return nil
}

// Stop stops accepting events and waits for background loops to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	if err := h.monitor.Stop(); err != nil {
		h.logger.Warn("failed to stop monitor", "error", err)
	}
	cancel()
	h.wg.Wait()

	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether the hub accepts events
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.router.RateLimiter().Cleanup(); n > 0 {
				h.logger.Debug("rate limiter cleanup", "removed", n)
			}
		}
	}
}

// HandleEvent processes one inbound event from conn.
// A failure is sent to conn as an error event and also returned.
func (h *Hub) HandleEvent(ctx context.Context, conn interfaces.Connection, evt *types.InboundEvent) error {
	err := h.dispatch(ctx, conn, evt)
	if err != nil {
		h.reportError(conn, evt.Event, err)
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, conn interfaces.Connection, evt *types.InboundEvent) error {
	if !h.IsRunning() {
		return ErrUnavailable
	}

	switch evt.Event {
	case types.EventAuthenticate:
		return h.handleAuthenticate(ctx, conn, evt.Data)

	case types.EventHeartbeat:
		h.monitor.Beat(conn.ID())
		return nil

	case types.EventSendMessage:
		userID, err := h.authenticated(conn)
		if err != nil {
			return err
		}
		var intent types.MessageIntent
		if err := decode(evt.Data, &intent); err != nil {
			return err
		}
		intent.SenderID = userID
		_, err = h.router.Send(ctx, &intent)
		return err

	case types.EventMarkAsRead:
		userID, err := h.authenticated(conn)
		if err != nil {
			return err
		}
		var payload types.MarkAsReadPayload
		if err := decode(evt.Data, &payload); err != nil {
			return err
		}
		return h.router.MarkAsRead(ctx, userID, payload.MessageID)

	case types.EventSendSuggestion:
		userID, err := h.authenticated(conn)
		if err != nil {
			return err
		}
		var payload types.SuggestionPayload
		if err := decode(evt.Data, &payload); err != nil {
			return err
		}
		_, err = h.router.SendSuggestion(ctx, userID, payload)
		return err

	default:
		return ErrUnknownEvent
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.AuthenticatePayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	user, err := h.authenticator.Authenticate(ctx, payload.UserID, payload.Token)
	if err != nil {
		return err
	}

	// A connection switching identity first leaves as its previous user
	if record, ok := h.registry.FindByConnectionID(conn.ID()); ok && record.UserID != user.ID {
		h.registry.Remove(conn.ID())
	}

	snapshot, err := h.registry.Admit(user.ID, conn)
	if err != nil {
		return &types.Error{Kind: types.KindInternal, Message: "failed to register connection", Err: err}
	}
	h.logger.Info("connection authenticated", "user_id", user.ID, "role", user.Role, "connection_id", conn.ID())

	h.write(conn, types.EventAuthenticated, types.AuthenticatedData{Success: true, UserID: user.ID})
	h.write(conn, types.EventOnlineUsers, snapshot.OnlineUsers)
	h.write(conn, types.EventOfflineUsersLastSeen, snapshot.OfflineLastSeen)
	return nil
}

// Disconnect removes the connection's record when the transport closes
func (h *Hub) Disconnect(conn interfaces.Connection) {
	if record, removed := h.registry.Remove(conn.ID()); removed {
		h.logger.Info("connection closed", "user_id", record.UserID, "connection_id", conn.ID())
	}
}

// Beat records a transport-level liveness signal such as a pong frame
func (h *Hub) Beat(conn interfaces.Connection) {
	h.monitor.Beat(conn.ID())
}

func (h *Hub) authenticated(conn interfaces.Connection) (string, error) {
	record, ok := h.registry.FindByConnectionID(conn.ID())
	if !ok {
		return "", types.ErrNotAuthenticated
	}
	return record.UserID, nil
}

func (h *Hub) reportError(conn interfaces.Connection, event string, err error) {
	data := types.ToErrorData(err)
	if data.Kind == types.KindInternal || data.Kind == types.KindPersistence {
		h.logger.Error("event failed", "event", event, "connection_id", conn.ID(), "error", err)
	} else {
		h.logger.Debug("event rejected", "event", event, "connection_id", conn.ID(), "error", err)
	}
	h.write(conn, types.EventError, data)
}

func (h *Hub) write(conn interfaces.Connection, event string, data interface{}) {
	if err := conn.WriteJSON(types.NewOutboundEvent(event, data)); err != nil {
		h.logger.Debug("failed to write event", "event", event, "connection_id", conn.ID(), "error", err)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewValidationError("invalid event payload: " + err.Error())
	}
	return nil
}
