package types

import (
	"encoding/json"
	"time"
)

// Client → server events
const (
	EventAuthenticate   = "authenticate"
	EventHeartbeat      = "heartbeat"
	EventSendMessage    = "sendMessage"
	EventMarkAsRead     = "markAsRead"
	EventSendSuggestion = "sendSuggestion"
)

// Server → client events
const (
	EventAuthenticated        = "authenticated"
	EventOnlineUsers          = "onlineUsers"
	EventOfflineUsersLastSeen = "offlineUsersLastSeen"
	EventUserStatusChange     = "userStatusChange"
	EventMessageSent          = "messageSent"
	EventNewMessage           = "newMessage"
	EventMessageMarkedAsRead  = "messageMarkedAsRead"
	EventMessageRead          = "messageRead"
	EventSuggestionSent       = "suggestionSent"
	EventNewSuggestion        = "newSuggestion"
	EventSessionReplaced      = "sessionReplaced"
	EventError                = "error"
)

// InboundEvent is the envelope every client frame must use
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is the envelope for every server frame
type OutboundEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewOutboundEvent stamps an outbound envelope
func NewOutboundEvent(event string, data interface{}) *OutboundEvent {
	return &OutboundEvent{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// AuthenticatePayload is the data of an authenticate event
type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// MarkAsReadPayload is the data of a markAsRead event
type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
}

// SuggestionPayload is the data of a sendSuggestion event
type SuggestionPayload struct {
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// AuthenticatedData confirms a successful authenticate
type AuthenticatedData struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
}

// StatusChange is the presence notification sent to other connections
type StatusChange struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// MessageRef identifies a message in read receipts
type MessageRef struct {
	MessageID string `json:"messageId"`
}

// ErrorData is the payload of the scoped error event
type ErrorData struct {
	Message string       `json:"message"`
	Kind    ErrorKind    `json:"kind,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}
