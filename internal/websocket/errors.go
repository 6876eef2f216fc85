package websocket

import (
	"errors"

	"schoolhub/pkg/types"
)

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// ErrMalformedFrame is reported to a client whose frame is not a JSON event envelope
var ErrMalformedFrame = types.NewValidationError("frame must be a JSON object with an event field")
