package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var (
	ErrInvalidUserID = types.NewAuthenticationError("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrUnknownUser   = types.NewAuthenticationError("unknown user")
	ErrMissingToken  = types.NewAuthenticationError("token is required")
	ErrInvalidToken  = types.NewAuthenticationError("invalid token")
	ErrNoSecret      = errors.New("no signing secret configured")
)

// Authenticator validates the identity claimed by an authenticate event.
// The user must exist in the directory; when a secret is configured the client
// must also present an HS256 token whose subject is that user.
type Authenticator struct {
	directory interfaces.Directory
	secret    []byte
	logger    *slog.Logger
}

func NewAuthenticator(directory interfaces.Directory, jwtSecret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		directory: directory,
		logger:    logger.With("component", "auth"),
	}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

// RequiresToken reports whether authenticate calls must carry a token
func (a *Authenticator) RequiresToken() bool {
	return len(a.secret) > 0
}

// Authenticate resolves userID to a directory user
func (a *Authenticator) Authenticate(ctx context.Context, userID, token string) (*types.UserSummary, error) {
	userID = strings.TrimSpace(userID)
	if !types.IsValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	if a.RequiresToken() {
		if token == "" {
			return nil, ErrMissingToken
		}
		if err := a.verify(token, userID); err != nil {
			a.logger.Info("rejected token", "user_id", userID, "error", err)
			return nil, ErrInvalidToken
		}
	}

	user, err := a.directory.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, &types.Error{Kind: types.KindInternal, Message: "failed to look up user", Err: err}
	}
	return user, nil
}

// AuthenticateToken resolves the subject of a bearer token to a directory user
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (*types.UserSummary, error) {
	if !a.RequiresToken() {
		return nil, ErrNoSecret
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, a.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		a.logger.Info("rejected bearer token", "error", err)
		return nil, ErrInvalidToken
	}
	return a.Authenticate(ctx, claims.Subject, token)
}

func (a *Authenticator) key(*jwt.Token) (interface{}, error) {
	return a.secret, nil
}

func (a *Authenticator) verify(token, userID string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, a.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(userID),
		jwt.WithExpirationRequired(),
	)
	return err
}

// IssueToken signs a token for userID valid for ttl
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if !a.RequiresToken() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
