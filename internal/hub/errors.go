package hub

import (
	"errors"

	"schoolhub/pkg/types"
)

// Hub lifecycle errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
)

// Errors reported to the originating connection
var (
	ErrUnknownEvent   = types.NewValidationError("unknown event")
	ErrInvalidPayload = types.NewValidationError("invalid event payload")
	ErrUnavailable    = &types.Error{Kind: types.KindInternal, Message: "server is not accepting events"}
)
