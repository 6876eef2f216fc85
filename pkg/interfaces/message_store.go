package interfaces

import (
	"context"
	"time"

	"schoolhub/pkg/types"
)

// MessageStore owns PersistedMessage records
type MessageStore interface {
	CreateMessage(ctx context.Context, message *types.PersistedMessage) error

	// FindDuplicateMessage returns the newest message with the same sender, receiver and
	// content created at or after since, or ErrMessageNotFound
	FindDuplicateMessage(ctx context.Context, sender, receiver, content string, since time.Time) (*types.PersistedMessage, error)

	FindMessageByID(ctx context.Context, id string) (*types.PersistedMessage, error)

	SaveMessage(ctx context.Context, message *types.PersistedMessage) error

	// ListInbox returns the receiver's messages, newest first
	ListInbox(ctx context.Context, receiver string, limit int) ([]*types.PersistedMessage, error)
}
