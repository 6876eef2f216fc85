package interfaces

import (
	"context"

	"schoolhub/pkg/types"
)

// Directory resolves users for identity validation and display metadata.
// FindByID returns ErrUserNotFound when no such user exists.
type Directory interface {
	FindByID(ctx context.Context, id string) (*types.UserSummary, error)

	// FindByRoles returns every user holding one of the roles, oldest first
	FindByRoles(ctx context.Context, roles []string) ([]*types.UserSummary, error)
}

// UserStore inserts new users into the directory
type UserStore interface {
	CreateUser(ctx context.Context, user *types.UserSummary) error
}

// ProfileStore creates the role-specific profile records.
// Creation is idempotent per user.
type ProfileStore interface {
	CreateTeacherProfile(ctx context.Context, userID string) error
	CreateStudentProfile(ctx context.Context, userID string) error
	CreateParentProfile(ctx context.Context, userID string) error
}
