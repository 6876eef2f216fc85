package interfaces

import "errors"

// Common collaborator errors used across components
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrFeedClosed      = errors.New("change feed closed")
)
