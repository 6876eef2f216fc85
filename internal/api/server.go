package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"schoolhub/internal/presence"
	"schoolhub/internal/provisioning"
	"schoolhub/pkg/types"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
	userContextKey    = "user"
)

// Authenticator verifies bearer tokens on REST calls
type Authenticator interface {
	RequiresToken() bool
	AuthenticateToken(ctx context.Context, token string) (*types.UserSummary, error)
}

type UserCreator interface {
	CreateUser(ctx context.Context, input *types.NewUser) (*types.UserSummary, error)
}

type InboxReader interface {
	ListInbox(ctx context.Context, receiver string, limit int) ([]*types.PersistedMessage, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type WatcherStatus interface {
	Status() provisioning.Status
	Healthy() bool
}

// Deps are the components behind the HTTP surface. Watcher is nil when
// provisioning runs inline; WebSocket is mounted at /ws when set.
type Deps struct {
	Database  HealthChecker
	Inbox     InboxReader
	Users     UserCreator
	Registry  *presence.Registry
	Watcher   WatcherStatus
	Auth      Authenticator
	WebSocket http.Handler
}

// Server is the HTTP surface: health, presence, inbox, user creation and the websocket endpoint.
// It holds no business logic.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

type HealthResponse struct {
	Status       string               `json:"status"`
	Timestamp    time.Time            `json:"timestamp"`
	Uptime       string               `json:"uptime"`
	Database     string               `json:"database"`
	Connections  presence.Stats       `json:"connections"`
	Provisioning *provisioning.Status `json:"provisioning,omitempty"`
}

type PresenceResponse struct {
	OnlineUsers []string             `json:"online_users"`
	LastSeen    map[string]time.Time `json:"last_seen"`
}

type InboxResponse struct {
	UserID   string                    `json:"user_id"`
	Messages []*types.PersistedMessage `json:"messages"`
}

type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Fields  []types.FieldError `json:"fields,omitempty"`
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:    echo.New(),
		deps:    deps,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		MaxAge:       86400,
	}))

	e.GET("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		e.GET("/ws", echo.WrapHandler(s.deps.WebSocket))
	}

	api := e.Group("/api", s.requireUser)
	api.GET("/presence", s.presence)
	api.GET("/users/:id/inbox", s.inbox)
	api.POST("/users", s.createUser)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// GET /health reports 503 when the database is unreachable or provisioning has tripped
func (s *Server) healthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
	}

	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = fmt.Sprintf("error: %v", err)
	}
	if s.deps.Registry != nil {
		resp.Connections = s.deps.Registry.Stats()
	}
	if s.deps.Watcher != nil {
		status := s.deps.Watcher.Status()
		resp.Provisioning = &status
		if !s.deps.Watcher.Healthy() {
			resp.Status = "unhealthy"
		}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// GET /api/presence
func (s *Server) presence(c echo.Context) error {
	snapshot := s.deps.Registry.Snapshot()
	return c.JSON(http.StatusOK, PresenceResponse{
		OnlineUsers: snapshot.OnlineUsers,
		LastSeen:    snapshot.OfflineLastSeen,
	})
}

// GET /api/users/:id/inbox?limit=N, newest first
func (s *Server) inbox(c echo.Context) error {
	userID := c.Param("id")
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	if caller, ok := c.Get(userContextKey).(*types.UserSummary); ok && caller.ID != userID && !caller.IsAdmin() {
		return types.NewAuthorizationError("cannot read another user's inbox")
	}

	limit := defaultInboxLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return types.NewValidationError("limit must be a positive integer",
				types.FieldError{Field: "limit", Error: "must be a positive integer"})
		}
		limit = min(n, maxInboxLimit)
	}

	messages, err := s.deps.Inbox.ListInbox(c.Request().Context(), userID, limit)
	if err != nil {
		return types.NewPersistenceError("failed to load inbox", err)
	}
	if messages == nil {
		messages = []*types.PersistedMessage{}
	}
	return c.JSON(http.StatusOK, InboxResponse{UserID: userID, Messages: messages})
}

// POST /api/users
func (s *Server) createUser(c echo.Context) error {
	if caller, ok := c.Get(userContextKey).(*types.UserSummary); ok && !caller.IsAdmin() {
		return types.NewAuthorizationError("only admins can create users")
	}

	var input types.NewUser
	if err := c.Bind(&input); err != nil {
		return types.NewValidationError("invalid JSON body")
	}
	user, err := s.deps.Users.CreateUser(c.Request().Context(), &input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, user)
}

// requireUser resolves the bearer token when token authentication is enabled
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Auth == nil || !s.deps.Auth.RequiresToken() {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			token = ""
		}
		user, err := s.deps.Auth.AuthenticateToken(c.Request().Context(), strings.TrimSpace(token))
		if err != nil {
			return err
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, resp := s.toResponse(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", "error", err)
	}
}

func (s *Server) toResponse(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorResponse{
			Error:   http.StatusText(he.Code),
			Code:    he.Code,
			Message: fmt.Sprint(he.Message),
		}
	}

	data := types.ToErrorData(err)
	code := statusForKind(data.Kind)
	return code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: data.Message,
		Fields:  data.Fields,
	}
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindAuthentication:
		return http.StatusUnauthorized
	case types.KindAuthorization:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
