package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rollbar/rollbar-go"
)

// Config controls the process logger
type Config struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	RollbarToken string `mapstructure:"rollbar_token"`
	Environment  string `mapstructure:"environment"`
}

// New builds the process logger writing to w (stderr when nil).
// When a Rollbar token is configured, error records are also reported there;
// the returned close function flushes pending reports.
func New(cfg Config, w io.Writer) (*slog.Logger, func(), error) {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	closeFn := func() {}
	if cfg.RollbarToken != "" {
		env := cfg.Environment
		if env == "" {
			env = "production"
		}
		host, _ := os.Hostname()
		client := rollbar.NewAsync(cfg.RollbarToken, env, "", host, "")
		handler = NewReportingHandler(handler, client)
		closeFn = func() { _ = client.Close() }
	}

	return slog.New(handler), closeFn, nil
}
