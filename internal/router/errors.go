package router

import "schoolhub/pkg/types"

// Router errors surfaced to the originating connection
var (
	ErrSenderNotConnected = types.NewAuthenticationError("sender is not connected")
	ErrRateLimitExceeded  = &types.Error{Kind: types.KindRateLimited, Message: "rate limit exceeded, try again in a minute"}
	ErrMissingMessageID   = types.NewValidationError("messageId is required",
		types.FieldError{Field: "messageId", Error: "this field is required"})
	ErrNotReceiver = types.NewAuthorizationError("only the receiver can mark a message as read")
)
