package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
)

type Permission string

const (
	PermView    Permission = "view"
	PermOperate Permission = "operate"
	PermAdmin   Permission = "admin"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

// EventLogger records authentication attempts.
type EventLogger interface {
	LogAuthEvent(ctx context.Context, ev storage.AuthEvent) error
}

type loginState struct {
	failures    int
	lockedUntil time.Time
}

// AuthService authenticates the operators listed in the configuration.
type AuthService struct {
	operators      map[string]config.OperatorConfig
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	events         EventLogger
	logger         *zap.Logger

	mu     sync.Mutex
	logins map[string]*loginState
}

func NewAuthService(cfg config.AuthConfig, events EventLogger, logger *zap.Logger) *AuthService {
	ops := make(map[string]config.OperatorConfig, len(cfg.Operators))
	for _, op := range cfg.Operators {
		ops[op.Username] = op
	}
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not production ready, set a secret of at least 32 characters",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		operators:      ops,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		events:         events,
		logger:         logger,
		logins:         make(map[string]*loginState),
	}
}

type LoginResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
}

// LoginUser verifies the password and issues an access token. Five failed
// attempts lock the account for 15 minutes.
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress, userAgent string) (*LoginResult, error) {
	op, ok := a.operators[username]
	if !ok {
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "user not found")
		return nil, ErrInvalidCredentials
	}

	if until, locked := a.lockedUntil(username); locked {
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "account locked")
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(password, op.PasswordHash)
	if err != nil || !valid {
		if err != nil {
			a.logger.Warn("Operator password hash unusable", zap.String("username", username), zap.Error(err))
		}
		a.recordFailure(username)
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "invalid password")
		return nil, ErrInvalidCredentials
	}
	a.resetFailures(username)

	token, expires, err := a.jwtHandler.GenerateAccessToken(op.Username, op.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logAuthEvent(ctx, "user_login_success", username, ipAddress, userAgent, true, "")
	return &LoginResult{AccessToken: token, ExpiresAt: expires, Username: op.Username, Role: op.Role}, nil
}

// ValidateToken returns the claims and permissions of an access token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := a.operators[claims.Username]; !ok {
		return nil, nil, fmt.Errorf("operator %q no longer configured", claims.Username)
	}
	return claims, RoleToPermissions(claims.Role), nil
}

func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermView, PermOperate, PermAdmin}
	case "operator":
		return []Permission{PermView, PermOperate}
	default:
		return []Permission{PermView}
	}
}

func (a *AuthService) lockedUntil(username string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.logins[username]
	if !ok || st.lockedUntil.IsZero() {
		return time.Time{}, false
	}
	if time.Now().After(st.lockedUntil) {
		delete(a.logins, username)
		return time.Time{}, false
	}
	return st.lockedUntil, true
}

func (a *AuthService) recordFailure(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.logins[username]
	if !ok {
		st = &loginState{}
		a.logins[username] = st
	}
	st.failures++
	if st.failures >= maxFailedLogins {
		st.lockedUntil = time.Now().Add(lockoutDuration)
		a.logger.Warn("Operator locked after failed logins", zap.String("username", username))
	}
}

func (a *AuthService) resetFailures(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.logins, username)
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType, username, ip, userAgent string, success bool, reason string) {
	if a.events == nil {
		return
	}
	_ = a.events.LogAuthEvent(ctx, storage.AuthEvent{
		EventType: eventType,
		Username:  username,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   success,
		Reason:    reason,
	})
}
