package presence

import (
	"context"
	"log/slog"
	"time"

	"schoolhub/internal/telemetry"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Broadcaster fans presence transitions out to live connections.
// Delivery is best effort: failed writes are dropped without retry.
type Broadcaster struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewBroadcaster(logger *slog.Logger, metrics *telemetry.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger.With("component", "broadcaster"), metrics: metrics}
}

// Announce sends a userStatusChange for userID to every target
func (b *Broadcaster) Announce(targets []interfaces.Connection, userID string, online bool, lastSeen *time.Time) int {
	b.metrics.PresenceTransition(context.Background(), online)

	event := types.NewOutboundEvent(types.EventUserStatusChange, types.StatusChange{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	})

	delivered := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(event); err != nil {
			b.logger.Debug("dropped presence notification", "connection_id", conn.ID(), "user_id", userID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
