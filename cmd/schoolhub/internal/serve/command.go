package serve

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schoolhub/cmd/schoolhub/internal"
	"schoolhub/internal/app"
	"schoolhub/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(opts *internal.Options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the messaging server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveCmd(ctx, opts, cmd.Flags().Changed("port"), port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the HTTP port")

	return cmd
}

func serveCmd(ctx context.Context, opts *internal.Options, overridePort bool, port int) error {
	cfg, logger, closeLog, err := internal.Setup(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	if overridePort {
		cfg.HTTP.Port = port
	}

	shutdownMetrics, err := telemetry.Init(ctx, *cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- application.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-waitErr:
		if runErr != nil {
			runErr = fmt.Errorf("HTTP server error: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
