package adduser

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"schoolhub/cmd/schoolhub/internal"
	"schoolhub/internal/app"
	"schoolhub/internal/auth"
	"schoolhub/internal/directory"
	"schoolhub/internal/provisioning"
	"schoolhub/pkg/types"
)

// NewAddUserCommand creates a directory user offline. Profiles are provisioned
// inline since no watcher is running.
func NewAddUserCommand(opts *internal.Options) *cobra.Command {
	var (
		input    types.NewUser
		tokenTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Create a directory user",
		Example: `  schoolhub adduser --name "Ada Lovelace" --role teacher
  schoolhub adduser --id admin1 --name Principal --role admin --token-ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := internal.Setup(opts)
			if err != nil {
				return err
			}
			defer closeLog()

			db, err := app.OpenDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if _, err := db.Migrate(); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			provisioner := provisioning.NewProvisioner(db, logger, nil)
			service, err := directory.NewService(db, nil, provisioner, directory.ModeSync, logger)
			if err != nil {
				return err
			}
			user, err := service.CreateUser(cmd.Context(), &input)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s %s (%s)\n", user.Role, user.ID, user.Name)

			if tokenTTL > 0 {
				authenticator := auth.NewAuthenticator(db, cfg.Auth.JWTSecret, logger)
				token, err := authenticator.IssueToken(user.ID, tokenTTL)
				if err != nil {
					return fmt.Errorf("failed to issue token: %w", err)
				}
				fmt.Fprintf(out, "Token: %s\n", token)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input.ID, "id", "", "User ID (generated when empty)")
	cmd.Flags().StringVar(&input.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&input.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&input.Role, "role", "", "One of super_admin, admin, teacher, student, parent")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 0, "Also print a signed token valid for this long (needs auth.jwt_secret)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}
