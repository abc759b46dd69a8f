// Package auth implements the single-operator authentication workflow: a
// bcrypt-checked admin password exchanged for a short-lived bearer token.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Yamkia/webnexagent/pkg/crypto"
	jwtpkg "github.com/Yamkia/webnexagent/pkg/jwt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenInvalid       = errors.New("auth: token invalid")
)

// Service handles authentication. An empty admin hash disables auth entirely,
// which is the expected mode on single-operator hosts.
type Service struct {
	secret    string
	adminHash string
	tokenTTL  time.Duration
	logger    *slog.Logger
}

// New constructs a Service.
func New(secret, adminHash string, tokenTTL time.Duration, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return Service{secret: secret, adminHash: adminHash, tokenTTL: tokenTTL, logger: logger}
}

// Enabled reports whether authentication is configured.
func (s Service) Enabled() bool {
	return strings.TrimSpace(s.adminHash) != ""
}

// Login checks the admin password and issues a bearer token.
func (s Service) Login(ctx context.Context, password string) (string, time.Duration, error) {
	if !s.Enabled() {
		return "", 0, ErrInvalidCredentials
	}
	if err := crypto.ComparePassword([]byte(s.adminHash), password); err != nil {
		s.logger.Warn("login rejected")
		return "", 0, ErrInvalidCredentials
	}
	token, err := jwtpkg.GenerateToken("admin", "admin", s.secret, s.tokenTTL)
	if err != nil {
		return "", 0, err
	}
	s.logger.Info("operator logged in")
	return token, s.tokenTTL, nil
}

// Authorize validates a bearer token and returns its claims.
func (s Service) Authorize(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrTokenInvalid
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
