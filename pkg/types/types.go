package types

import (
	"time"
)

// User roles as stored in the school directory
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleTeacher    = "teacher"
	RoleStudent    = "student"
	RoleParent     = "parent"
)

// AdminRoles are the roles that receive suggestions
var AdminRoles = []string{RoleAdmin, RoleSuperAdmin}

// Message types accepted by the router
const (
	MessageTypeGeneral    = "general"
	MessageTypeSuggestion = "suggestion"
	MessageTypeQuestion   = "question"
	MessageTypeAcademic   = "academic"
	MessageTypeReportCard = "report_card"
)

// DefaultSubject is applied when a send intent carries no subject
const DefaultSubject = "New Message"

// UserSummary is the directory view of a user
type UserSummary struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsAdmin reports whether the user receives suggestions
func (u *UserSummary) IsAdmin() bool {
	return IsAdminRole(u.Role)
}

// ConnectionRecord is owned by the connection registry.
// Created on successful authentication, touched on heartbeat, deleted on disconnect.
type ConnectionRecord struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MessageIntent is the ephemeral input to the router; it is never stored as-is
type MessageIntent struct {
	SenderID   string `json:"-"`
	ReceiverID string `json:"receiver" validate:"required"`
	Subject    string `json:"subject,omitempty"`
	Content    string `json:"content" validate:"required,max=65536"`
	Type       string `json:"type,omitempty" validate:"omitempty,message_type"`
}

// PersistedMessage is owned by the message store
type PersistedMessage struct {
	ID             string    `json:"id" db:"id"`
	Sender         string    `json:"sender" db:"sender"`
	Receiver       string    `json:"receiver" db:"receiver"`
	Subject        string    `json:"subject" db:"subject"`
	Content        string    `json:"content" db:"content"`
	Type           string    `json:"type" db:"type"`
	ReadByReceiver bool      `json:"read_by_receiver" db:"read_by_receiver"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Participant is the display metadata attached to a delivered message
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ResolvedMessage is a persisted message with sender and receiver metadata resolved
type ResolvedMessage struct {
	ID             string      `json:"id"`
	Sender         Participant `json:"sender"`
	Receiver       Participant `json:"receiver"`
	Subject        string      `json:"subject"`
	Content        string      `json:"content"`
	Type           string      `json:"type"`
	ReadByReceiver bool        `json:"read_by_receiver"`
	CreatedAt      time.Time   `json:"created_at"`
}

// UserCreatedEvent is emitted by the directory change feed for every inserted user
type UserCreatedEvent struct {
	User       UserSummary `json:"user"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Profile kinds created by the provisioning watcher
const (
	ProfileTeacher = "teacher"
	ProfileStudent = "student"
	ProfileParent  = "parent"
)

// NewUser is the input of the user-creation command
type NewUser struct {
	ID    string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Role  string `json:"role" validate:"required,school_role"`
}
