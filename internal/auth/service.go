package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/store"
)

// ErrInvalidCredentials is returned for any login failure: unknown user,
// wrong password, or inactive account. Callers must not distinguish.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Users is the store surface the service needs.
type Users interface {
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	EnsureUser(ctx context.Context, username, hashedPassword string) error
	StoreToken(ctx context.Context, token string, userID int64) error
}

// Service issues access tokens against the user table.
type Service struct {
	users  Users
	secret []byte
	expire time.Duration
	logger *zap.Logger
}

// New builds an auth service signing with secret; tokens expire after expire.
func New(users Users, secret string, expire time.Duration, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		secret: []byte(secret),
		expire: expire,
		logger: logger,
	}
}

// Login verifies the credentials and returns a signed bearer token. The
// token row is persisted so issued tokens can be audited and revoked.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("auth: lookup user: %w", err)
	}
	if !user.IsActive {
		return "", ErrInvalidCredentials
	}

	ok, err := VerifyPassword(password, user.HashedPassword)
	if err != nil {
		s.logger.Warn("unverifiable password hash", zap.String("username", username), zap.Error(err))
		return "", ErrInvalidCredentials
	}
	if !ok {
		return "", ErrInvalidCredentials
	}

	token, err := s.issue(user.Username)
	if err != nil {
		return "", err
	}
	if err := s.users.StoreToken(ctx, token, user.ID); err != nil {
		return "", fmt.Errorf("auth: persist token: %w", err)
	}
	return token, nil
}

// Validate parses a token and returns the subject username.
func (s *Service) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidCredentials
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidCredentials
	}
	return sub, nil
}

// EnsureRootUser creates the bootstrap account if it does not exist yet, so
// a fresh database has a usable login.
func (s *Service) EnsureRootUser(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.users.EnsureUser(ctx, username, hashed); err != nil {
		return fmt.Errorf("auth: bootstrap user: %w", err)
	}
	return nil
}

func (s *Service) issue(username string) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": jwt.NewNumericDate(time.Now().Add(s.expire)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
