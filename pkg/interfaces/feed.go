package interfaces

import (
	"context"

	"schoolhub/pkg/types"
)

// ChangeFeed delivers user-creation notifications from the directory
type ChangeFeed interface {
	// Subscribe opens a live stream. Events published while no stream is open are not replayed.
	Subscribe(ctx context.Context) (ChangeStream, error)
}

// ChangeStream is one live subscription. A value on Err means the stream is broken
// and must be closed and re-opened.
type ChangeStream interface {
	Events() <-chan types.UserCreatedEvent
	Err() <-chan error
	Close() error
}

// ChangePublisher announces newly inserted users
type ChangePublisher interface {
	Publish(ctx context.Context, event types.UserCreatedEvent) error
}
