package main

import (
	"os"

	"github.com/spf13/cobra"

	"schoolhub/cmd/schoolhub/internal"
	"schoolhub/cmd/schoolhub/internal/adduser"
	"schoolhub/cmd/schoolhub/internal/migrate"
	"schoolhub/cmd/schoolhub/internal/serve"
)

func NewSchoolhubCommand() *cobra.Command {
	opts := &internal.Options{}

	cmd := &cobra.Command{
		Use:          "schoolhub",
		Short:        "School messaging and presence server",
		Example:      "schoolhub serve --config schoolhub.yaml",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "",
		"Config file path (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env",
		"Dotenv file loaded before reading SCHOOLHUB_* variables")

	cmd.AddCommand(
		serve.NewServeCommand(opts),
		migrate.NewMigrateCommand(opts),
		adduser.NewAddUserCommand(opts),
	)

	return cmd
}

func main() {
	cmd := NewSchoolhubCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
