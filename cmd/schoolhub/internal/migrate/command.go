package migrate

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"schoolhub/cmd/schoolhub/internal"
	"schoolhub/internal/app"
)

func NewMigrateCommand(opts *internal.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Example: `  schoolhub migrate
  schoolhub migrate --config /etc/schoolhub.yaml`,
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

			applied, err := db.Migrate()
			if err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			if err := db.ValidateSchema(); err != nil {
				return fmt.Errorf("database schema check failed: %w", err)
			}
			versions, err := db.AppliedVersions()
			if err != nil {
				return fmt.Errorf("failed to read schema versions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintf(out, "Database %s is up to date\n", cfg.Database.Path)
			}
			for _, version := range applied {
				fmt.Fprintf(out, "Applied %s\n", version)
			}
			fmt.Fprintf(out, "Schema versions: %s\n", strings.Join(versions, ", "))
			return nil
		},
	}

	return cmd
}
