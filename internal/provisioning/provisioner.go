package provisioning

import (
	"context"
	"fmt"
	"log/slog"

	"schoolhub/internal/telemetry"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// Provisioner creates the role profile that belongs to a new user
type Provisioner struct {
	profiles interfaces.ProfileStore
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func NewProvisioner(profiles interfaces.ProfileStore, logger *slog.Logger, metrics *telemetry.Metrics) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		profiles: profiles,
		metrics:  metrics,
		logger:   logger.With("component", "provisioner"),
	}
}

// Provision creates the profile for user's role and returns its kind.
// Admin roles have no profile; the returned kind is empty.
func (p *Provisioner) Provision(ctx context.Context, user types.UserSummary) (string, error) {
	var (
		kind   string
		create func(context.Context, string) error
	)
	switch user.Role {
	case types.RoleTeacher:
		kind, create = types.ProfileTeacher, p.profiles.CreateTeacherProfile
	case types.RoleStudent:
		kind, create = types.ProfileStudent, p.profiles.CreateStudentProfile
	case types.RoleParent:
		kind, create = types.ProfileParent, p.profiles.CreateParentProfile
	case types.RoleAdmin, types.RoleSuperAdmin:
		return "", nil
	default:
		return "", fmt.Errorf("no profile for role %q", user.Role)
	}

	if err := create(ctx, user.ID); err != nil {
		return kind, fmt.Errorf("create %s profile for %s: %w", kind, user.ID, err)
	}
	p.metrics.ProfileCreated(ctx, kind)
	p.logger.Info("profile created", "user_id", user.ID, "kind", kind)
	return kind, nil
}
