package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolhub/internal/provisioning"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Mode selects the single active provisioning path
type Mode string

const (
	// ModeWatch publishes a change event and leaves provisioning to the watcher
	ModeWatch Mode = "watch"
	// ModeSync provisions the profile inline before returning
	ModeSync Mode = "sync"
)

var ErrUserExists = types.NewValidationError("a user with this id already exists",
	types.FieldError{Field: "id", Error: "already taken"})

// Service is the user-creation command
type Service struct {
	users       interfaces.UserStore
	publisher   interfaces.ChangePublisher
	provisioner *provisioning.Provisioner
	mode        Mode
	logger      *slog.Logger
}

func NewService(users interfaces.UserStore, publisher interfaces.ChangePublisher,
	provisioner *provisioning.Provisioner, mode Mode, logger *slog.Logger) (*Service, error) {
	switch mode {
	case ModeWatch:
		if publisher == nil {
			return nil, errors.New("watch mode requires a change publisher")
		}
	case ModeSync:
		if provisioner == nil {
			return nil, errors.New("sync mode requires a provisioner")
		}
	default:
		return nil, fmt.Errorf("unknown provisioning mode %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:       users,
		publisher:   publisher,
		provisioner: provisioner,
		mode:        mode,
		logger:      logger.With("component", "directory"),
	}, nil
}

func (s *Service) Mode() Mode {
	return s.mode
}

// CreateUser validates and inserts a user, then triggers profile provisioning.
// Provisioning failures are logged; the user is still created.
func (s *Service) CreateUser(ctx context.Context, input *types.NewUser) (*types.UserSummary, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	if err := types.ValidateStruct(input); err != nil {
		return nil, err
	}

	user := &types.UserSummary{
		ID:        input.ID,
		Name:      input.Name,
		Email:     input.Email,
		Role:      input.Role,
		CreatedAt: time.Now().UTC(),
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if !types.IsValidUserID(user.ID) {
		return nil, types.ErrInvalidUserID
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, interfaces.ErrUserExists) {
			return nil, ErrUserExists
		}
		return nil, types.NewPersistenceError("failed to create user", err)
	}
	s.logger.Info("user created", "user_id", user.ID, "role", user.Role, "mode", s.mode)

	switch s.mode {
	case ModeWatch:
		evt := types.UserCreatedEvent{User: *user, OccurredAt: user.CreatedAt}
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Error("failed to publish user created event", "user_id", user.ID, "error", err)
		}
	case ModeSync:
		if _, err := s.provisioner.Provision(ctx, *user); err != nil {
			s.logger.Error("failed to provision profile", "user_id", user.ID, "error", err)
		}
	}
	return user, nil
}
