package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"schoolhub/internal/api"
	"schoolhub/internal/auth"
	"schoolhub/internal/config"
	"schoolhub/internal/database"
	"schoolhub/internal/directory"
	"schoolhub/internal/feed"
	"schoolhub/internal/hub"
	"schoolhub/internal/presence"
	"schoolhub/internal/provisioning"
	"schoolhub/internal/router"
	"schoolhub/internal/telemetry"
	"schoolhub/internal/websocket"
	"schoolhub/pkg/interfaces"
	pkgdatabase "schoolhub/pkg/database"
)

// changeFeed is the feed the directory publishes to and the watcher subscribes to
type changeFeed interface {
	interfaces.ChangeFeed
	interfaces.ChangePublisher
	Close() error
}

// Application coordinates all system components.
// Initialization order: Database → Feed → Presence → Router → Hub → Provisioning → HTTP
type Application struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	dbManager     *database.Manager
	feed          changeFeed
	registry      *presence.Registry
	monitor       *presence.Monitor
	messageRouter *router.Router
	messageHub    *hub.Hub
	authenticator *auth.Authenticator
	provisioner   *provisioning.Provisioner
	watcher       *provisioning.Watcher
	directory     *directory.Service
	wsHandler     *websocket.Handler
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication opens the database, applies migrations and wires every component
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics := telemetry.NewMetrics()

	dbManager, err := OpenDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	applied, err := dbManager.Migrate()
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("database migrations applied", "versions", applied)
	}
	if err := dbManager.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema check failed: %w", err)
	}

	changes, err := openFeed(cfg, logger)
	if err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	registry := presence.NewRegistry(presence.WithLogger(logger), presence.WithMetrics(metrics))
	monitor := presence.NewMonitor(registry, cfg.Presence.StaleAfter, cfg.Presence.SweepInterval, logger, metrics)
	messageRouter := router.NewRouter(registry, dbManager, dbManager, router.Config{
		DedupWindow:        cfg.Messaging.DedupWindow,
		RateLimitPerMinute: cfg.Messaging.RateLimitPerMinute,
	}, logger, metrics)
	authenticator := auth.NewAuthenticator(dbManager, cfg.Auth.JWTSecret, logger)
	messageHub := hub.NewHub(registry, monitor, messageRouter, authenticator, logger)

	provisioner := provisioning.NewProvisioner(dbManager, logger, metrics)
	mode := directory.Mode(cfg.Provisioning.Mode)
	var watcher *provisioning.Watcher
	if mode == directory.ModeWatch {
		watcher = provisioning.NewWatcher(changes, provisioner, provisioning.Config{
			InitialDelay: cfg.Provisioning.InitialDelay,
			MaxDelay:     cfg.Provisioning.MaxDelay,
			MaxFailures:  cfg.Provisioning.MaxFailures,
			ResetAfter:   cfg.Provisioning.ResetAfter,
			TripCooldown: cfg.Provisioning.TripCooldown,
		}, logger, metrics)
	}
	directoryService, err := directory.NewService(dbManager, changes, provisioner, mode, logger)
	if err != nil {
		_ = changes.Close()
		_ = dbManager.Close()
		return nil, err
	}

	wsHandler := websocket.NewHandler(messageHub, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, logger)

	deps := api.Deps{
		Database:  dbManager,
		Inbox:     dbManager,
		Users:     directoryService,
		Registry:  registry,
		Auth:      authenticator,
		WebSocket: wsHandler,
	}
	if watcher != nil {
		deps.Watcher = watcher
	}
	apiServer := api.NewServer(deps, logger)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		logger:        logger.With("component", "app"),
		metrics:       metrics,
		dbManager:     dbManager,
		feed:          changes,
		registry:      registry,
		monitor:       monitor,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		authenticator: authenticator,
		provisioner:   provisioner,
		watcher:       watcher,
		directory:     directoryService,
		wsHandler:     wsHandler,
		apiServer:     apiServer,
		httpServer:    httpServer,
	}, nil
}

// OpenDatabase builds the database manager from the process configuration
func OpenDatabase(cfg *config.Config, logger *slog.Logger) (*database.Manager, error) {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbConfig.WriteRetryDelay = cfg.Database.WriteRetryDelay

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	return dbManager, nil
}

func openFeed(cfg *config.Config, logger *slog.Logger) (changeFeed, error) {
	if cfg.NATS.URL == "" {
		return feed.NewMemoryFeed(), nil
	}
	natsFeed, err := feed.ConnectNats(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open change feed: %w", err)
	}
	return natsFeed, nil
}

// Start launches background loops and begins serving HTTP.
// It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	if app.watcher != nil {
		if err := app.watcher.Start(ctx); err != nil {
			_ = app.messageHub.Stop()
			return fmt.Errorf("failed to start provisioning watcher: %w", err)
		}
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = listener
	app.serveErr = make(chan error, 1)
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
			app.serveErr <- err
		}
		close(app.serveErr)
	}()

	app.logger.Info("schoolhub started", "addr", listener.Addr().String(),
		"provisioning_mode", app.directory.Mode(), "token_auth", app.authenticator.RequiresToken())
	return nil
}

// Wait blocks until the HTTP server stops and returns its error, if any
func (app *Application) Wait() error {
	app.mu.Lock()
	errCh := app.serveErr
	app.mu.Unlock()
	if errCh == nil {
		return nil
	}
	return <-errCh
}

// Stop shuts down in reverse dependency order: HTTP → sockets → Hub → Watcher → Feed → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", "error", err)
	}
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		app.logger.Warn("websocket shutdown error", "error", err)
	}
	app.stopBackground()

	if err := app.feed.Close(); err != nil {
		app.logger.Warn("change feed shutdown error", "error", err)
	}
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", "error", err)
	}

	app.logger.Info("shutdown complete")
	return nil
}

func (app *Application) stopBackground() {
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("message hub shutdown error", "error", err)
	}
	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil && !errors.Is(err, provisioning.ErrWatcherNotRunning) {
			app.logger.Warn("watcher shutdown error", "error", err)
		}
	}
}

// Addr is the bound listen address once started, the configured one before
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func (app *Application) Registry() *presence.Registry {
	return app.registry
}

func (app *Application) Directory() *directory.Service {
	return app.directory
}

func (app *Application) Database() *database.Manager {
	return app.dbManager
}

func (app *Application) Authenticator() *auth.Authenticator {
	return app.authenticator
}

// Watcher is nil in sync provisioning mode
func (app *Application) Watcher() *provisioning.Watcher {
	return app.watcher
}

// Feed exposes the change feed; tests use it to simulate outages
func (app *Application) Feed() interfaces.ChangeFeed {
	return app.feed
}
