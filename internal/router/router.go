package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolhub/internal/presence"
	"schoolhub/internal/telemetry"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Config tunes message acceptance
type Config struct {
	DedupWindow        time.Duration
	RateLimitPerMinute int
}

func DefaultConfig() Config {
	return Config{
		DedupWindow:        5 * time.Second,
		RateLimitPerMinute: 100,
	}
}

// Router accepts send intents, persists them and pushes them to live connections.
// Messages are persisted before any delivery; delivery is best effort.
type Router struct {
	registry    *presence.Registry
	directory   interfaces.Directory
	store       interfaces.MessageStore
	dedupWindow time.Duration
	sendLocks   *presence.KeyedMutex
	rateLimiter *RateLimiter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewRouter(registry *presence.Registry, directory interfaces.Directory, store interfaces.MessageStore,
	cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    registry,
		directory:   directory,
		store:       store,
		dedupWindow: cfg.DedupWindow,
		sendLocks:   presence.NewKeyedMutex(),
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute),
		metrics:     metrics,
		logger:      logger.With("component", "router"),
		now:         time.Now,
	}
}

// RateLimiter exposes the limiter so the hub can run its periodic cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// Send delivers a direct message. An identical send within the dedup window
// reuses the stored message instead of creating a new one.
func (r *Router) Send(ctx context.Context, intent *types.MessageIntent) (*types.ResolvedMessage, error) {
	if _, ok := r.registry.FindByUserID(intent.SenderID); !ok {
		return nil, ErrSenderNotConnected
	}
	if err := intent.Normalize(); err != nil {
		return nil, err
	}
	if !r.rateLimiter.Allow(intent.SenderID) {
		return nil, ErrRateLimitExceeded
	}

	message, err := r.persist(ctx, intent)
	if err != nil {
		return nil, err
	}
	resolved := r.resolve(ctx, message)

	r.deliver(intent.SenderID, types.EventMessageSent, resolved)
	if conn, ok := r.registry.ConnectionFor(message.Receiver); ok && message.Receiver != intent.SenderID {
		r.write(conn, types.EventNewMessage, resolved)
	}
	return resolved, nil
}

// MarkAsRead sets the read flag of a message. Only its receiver may do so.
func (r *Router) MarkAsRead(ctx context.Context, callerID, messageID string) error {
	if _, ok := r.registry.FindByUserID(callerID); !ok {
		return ErrSenderNotConnected
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ErrMissingMessageID
	}

	message, err := r.store.FindMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			return types.ErrMessageNotFound
		}
		return types.NewPersistenceError("failed to load message", err)
	}
	if message.Receiver != callerID {
		return ErrNotReceiver
	}

	if !message.ReadByReceiver {
		message.ReadByReceiver = true
		if err := r.store.SaveMessage(ctx, message); err != nil {
			return types.NewPersistenceError("failed to mark message as read", err)
		}
		r.metrics.ReadReceipt(ctx)
	}

	ref := types.MessageRef{MessageID: message.ID}
	r.deliver(callerID, types.EventMessageMarkedAsRead, ref)
	if message.Sender != callerID {
		r.deliver(message.Sender, types.EventMessageRead, ref)
	}
	return nil
}

// SendSuggestion stores a suggestion addressed to the first admin in the directory
// and pushes it to every online admin.
func (r *Router) SendSuggestion(ctx context.Context, senderID string, payload types.SuggestionPayload) (*types.ResolvedMessage, error) {
	if _, ok := r.registry.FindByUserID(senderID); !ok {
		return nil, ErrSenderNotConnected
	}
	if strings.TrimSpace(payload.Content) == "" {
		return nil, types.ErrMissingContent
	}

	admins, err := r.directory.FindByRoles(ctx, types.AdminRoles)
	if err != nil {
		return nil, &types.Error{Kind: types.KindInternal, Message: "failed to look up admin users", Err: err}
	}
	if len(admins) == 0 {
		return nil, types.ErrNoAdminUsers
	}

	intent := &types.MessageIntent{
		SenderID:   senderID,
		ReceiverID: admins[0].ID,
		Subject:    payload.Subject,
		Content:    payload.Content,
		Type:       payload.Type,
	}
	if intent.Type == "" {
		intent.Type = types.MessageTypeSuggestion
	}
	if err := intent.Normalize(); err != nil {
		return nil, err
	}
	if !r.rateLimiter.Allow(senderID) {
		return nil, ErrRateLimitExceeded
	}

	message, err := r.persist(ctx, intent)
	if err != nil {
		return nil, err
	}
	resolved := r.resolve(ctx, message)

	r.deliver(senderID, types.EventSuggestionSent, resolved)
	for _, admin := range admins {
		if admin.ID == senderID {
			continue
		}
		if conn, ok := r.registry.ConnectionFor(admin.ID); ok {
			r.write(conn, types.EventNewSuggestion, resolved)
		}
	}
	return resolved, nil
}

// persist reuses a duplicate inside the dedup window or stores a new message.
// Check and insert are serialized per sender and receiver pair.
func (r *Router) persist(ctx context.Context, intent *types.MessageIntent) (*types.PersistedMessage, error) {
	unlock := r.sendLocks.Lock(intent.SenderID + "|" + intent.ReceiverID)
	defer unlock()

	now := r.now().UTC()
	if r.dedupWindow > 0 {
		existing, err := r.store.FindDuplicateMessage(ctx, intent.SenderID, intent.ReceiverID, intent.Content, now.Add(-r.dedupWindow))
		switch {
		case err == nil:
			r.metrics.DedupHit(ctx)
			r.logger.Debug("duplicate send reused", "message_id", existing.ID, "sender", intent.SenderID)
			return existing, nil
		case !errors.Is(err, interfaces.ErrMessageNotFound):
			return nil, types.NewPersistenceError("failed to check for duplicate message", err)
		}
	}

	message := &types.PersistedMessage{
		ID:             uuid.New().String(),
		Sender:         intent.SenderID,
		Receiver:       intent.ReceiverID,
		Subject:        intent.Subject,
		Content:        intent.Content,
		Type:           intent.Type,
		ReadByReceiver: false,
		CreatedAt:      now,
	}
	if err := r.store.CreateMessage(ctx, message); err != nil {
		r.logger.Error("failed to persist message", "sender", intent.SenderID, "receiver", intent.ReceiverID, "error", err)
		return nil, types.NewPersistenceError("failed to save message", err)
	}
	r.metrics.MessageSent(ctx, message.Type)
	return message, nil
}

// resolve attaches display metadata. Unknown users keep only their ID.
func (r *Router) resolve(ctx context.Context, message *types.PersistedMessage) *types.ResolvedMessage {
	return &types.ResolvedMessage{
		ID:             message.ID,
		Sender:         r.participant(ctx, message.Sender),
		Receiver:       r.participant(ctx, message.Receiver),
		Subject:        message.Subject,
		Content:        message.Content,
		Type:           message.Type,
		ReadByReceiver: message.ReadByReceiver,
		CreatedAt:      message.CreatedAt,
	}
}

func (r *Router) participant(ctx context.Context, userID string) types.Participant {
	user, err := r.directory.FindByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrUserNotFound) {
			r.logger.Warn("failed to resolve participant", "user_id", userID, "error", err)
		}
		return types.Participant{ID: userID}
	}
	return types.Participant{ID: user.ID, Name: user.Name, Role: user.Role}
}

// deliver writes to the user's current connection, looked up at delivery time
func (r *Router) deliver(userID, event string, data interface{}) {
	if conn, ok := r.registry.ConnectionFor(userID); ok {
		r.write(conn, event, data)
	}
}

func (r *Router) write(conn interfaces.Connection, event string, data interface{}) {
	if err := conn.WriteJSON(types.NewOutboundEvent(event, data)); err != nil {
		r.logger.Debug("failed to deliver event", "event", event, "connection_id", conn.ID(), "error", err)
	}
}
