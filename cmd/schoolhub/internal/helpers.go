package internal

import (
	"fmt"
	"log/slog"

	"schoolhub/internal/config"
	"schoolhub/internal/logging"
)

// Options holds the flags shared by every subcommand
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Setup loads configuration and builds the process logger.
// The returned close function flushes the error reporter.
func Setup(opts *Options) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(opts.ConfigFile, opts.EnvFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(*cfg.Log, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closeLog, nil
}
