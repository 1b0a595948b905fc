// Package database persists users and file records.
//
// Three backends are selected by the DATABASE_URL scheme: memory:// keeps
// everything in process memory, sqlite:// uses an SQLite file through gorm
// and postgres:// uses a pgx connection pool.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/core"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique value already exists.
	ErrDuplicate = errors.New("record already exists")
)

// User is a registered account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Store is the persistence backend.
type Store interface {
	core.Repository

	// CreateUser inserts u, failing with ErrDuplicate on a taken email.
	CreateUser(ctx context.Context, u User) error
	// UserByEmail returns ErrNotFound when no account has that email.
	UserByEmail(ctx context.Context, email string) (User, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.URL and prepares its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch config.DatabaseScheme(cfg.URL) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, SQLitePath(cfg.URL))
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database url %q", config.MaskURL(cfg.URL))
	}
}

func encodeColumns(cols []string) (string, error) {
	if len(cols) == 0 {
		return "", nil
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("encode columns: %w", err)
	}
	return string(b), nil
}

func decodeColumns(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var cols []string
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	return cols, nil
}
