// Package auth registers users and issues the bearer tokens that identify
// the owner of every upload.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/database"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 72 // bcrypt ignores anything longer
)

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u database.User) error
	UserByEmail(ctx context.Context, email string) (database.User, error)
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Claims identify the caller of an authenticated request.
type Claims struct {
	UserID string
	Email  string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Service signs up users, checks passwords and verifies tokens.
type Service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// NewService returns a Service signing HS256 tokens with secret.
func NewService(users UserStore, secret string, ttl time.Duration, cost int) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		cost:   cost,
		now:    time.Now,
	}
}

// Signup creates an account and returns its id.
func (s *Service) Signup(ctx context.Context, email, password string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("%w: password must be at least %d characters", core.ErrValidation, minPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return "", fmt.Errorf("%w: password must be at most %d bytes", core.ErrValidation, maxPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	u := database.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return "", fmt.Errorf("%w: email is already registered", core.ErrConflict)
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	return u.ID, nil
}

// Login checks the password and issues a token. Unknown emails and wrong
// passwords fail the same way.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.UserByEmail(ctx, email)
	if errors.Is(err, database.ErrNotFound) {
		return Token{}, fmt.Errorf("%w: invalid email or password", core.ErrUnauthorized)
	}
	if err != nil {
		return Token{}, fmt.Errorf("get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Token{}, fmt.Errorf("%w: invalid email or password", core.ErrUnauthorized)
	}
	return s.Issue(u.ID, u.Email)
}

// Issue signs a token for the given user.
func (s *Service) Issue(userID, email string) (Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp.UTC()}, nil
}

// Verify validates a token's signature and expiry.
func (s *Service) Verify(token string) (Claims, error) {
	var raw tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &raw,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid or expired token", core.ErrUnauthorized)
	}
	if raw.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token has no subject", core.ErrUnauthorized)
	}
	return Claims{UserID: raw.Subject, Email: raw.Email}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", core.ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is not valid", core.ErrValidation)
	}
	return email, nil
}
