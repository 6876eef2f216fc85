package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to clients
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindNotFound       ErrorKind = "not_found"
	KindPersistence    ErrorKind = "persistence"
	KindValidation     ErrorKind = "validation"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInternal       ErrorKind = "internal"
)

// FieldError is used to indicate an error with a specific field
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Error is the taxonomy error carried from handlers to the originating connection
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindNotFound}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func NewAuthenticationError(msg string) error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

func NewAuthorizationError(msg string) error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NewNotFoundError(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// NewPersistenceError wraps a collaborator write failure
func NewPersistenceError(msg string, err error) error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

func NewValidationError(msg string, fields ...FieldError) error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// KindOf returns the taxonomy kind of err, KindInternal for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ToErrorData converts any error into the client-facing error payload.
// Internal errors are not echoed verbatim.
func ToErrorData(err error) ErrorData {
	var e *Error
	if errors.As(err, &e) {
		return ErrorData{Message: e.Error(), Kind: e.Kind, Fields: e.Fields}
	}
	return ErrorData{Message: "internal server error", Kind: KindInternal}
}

var (
	ErrInvalidUserID      = NewValidationError("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrMissingReceiver    = NewValidationError("receiver is required", FieldError{Field: "receiver", Error: "this field is required"})
	ErrMissingContent     = NewValidationError("content is required", FieldError{Field: "content", Error: "this field is required"})
	ErrInvalidMessageType = NewValidationError("invalid message type")
	ErrInvalidRole        = NewValidationError("invalid role")
	ErrNotAuthenticated   = NewAuthenticationError("connection is not authenticated")
	ErrNoAdminUsers       = NewNotFoundError("No admin users found to receive suggestion")
	ErrMessageNotFound    = NewNotFoundError("message not found")
)

// Errorf builds an error of the given kind with a formatted message
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
