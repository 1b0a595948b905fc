package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/parser"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	filename       TEXT NOT NULL,
	format         TEXT NOT NULL,
	status         TEXT NOT NULL,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	bytes_total    BIGINT NOT NULL DEFAULT -1,
	rows_parsed    BIGINT NOT NULL DEFAULT 0,
	rows_total     BIGINT NOT NULL DEFAULT -1,
	percent        INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	error_code     TEXT NOT NULL DEFAULT '',
	checksum       TEXT NOT NULL DEFAULT '',
	storage_key    TEXT NOT NULL DEFAULT '',
	content_key    TEXT NOT NULL DEFAULT '',
	columns        TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_owner ON files (owner_id);
`

const fileColumns = `id, owner_id, filename, format, status, bytes_received, bytes_total,
	rows_parsed, rows_total, percent, error_message, error_code, checksum,
	storage_key, content_key, columns, created_at, updated_at`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool sized by cfg and creates missing tables.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) SaveFile(ctx context.Context, rec core.FileRecord) error {
	cols, err := encodeColumns(rec.Columns)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			bytes_received = EXCLUDED.bytes_received,
			bytes_total = EXCLUDED.bytes_total,
			rows_parsed = EXCLUDED.rows_parsed,
			rows_total = EXCLUDED.rows_total,
			percent = EXCLUDED.percent,
			error_message = EXCLUDED.error_message,
			error_code = EXCLUDED.error_code,
			checksum = EXCLUDED.checksum,
			content_key = EXCLUDED.content_key,
			columns = EXCLUDED.columns,
			updated_at = EXCLUDED.updated_at
	`,
		rec.ID, rec.OwnerID, rec.Filename, string(rec.Format), string(rec.Status),
		rec.BytesReceived, rec.BytesTotal, rec.RowsParsed, rec.RowsTotal, rec.Percent,
		rec.ErrorMessage, rec.ErrorCode, rec.Checksum, rec.StorageKey, rec.ContentKey,
		cols, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save file %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteFile(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) LoadFiles(ctx context.Context) ([]core.FileRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()

	var out []core.FileRecord
	for rows.Next() {
		var (
			rec            core.FileRecord
			format, status string
			cols           string
		)
		if err := rows.Scan(
			&rec.ID, &rec.OwnerID, &rec.Filename, &format, &status,
			&rec.BytesReceived, &rec.BytesTotal, &rec.RowsParsed, &rec.RowsTotal, &rec.Percent,
			&rec.ErrorMessage, &rec.ErrorCode, &rec.Checksum, &rec.StorageKey, &rec.ContentKey,
			&cols, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		rec.Format = parser.Format(format)
		rec.Status = core.Status(status)
		if rec.Columns, err = decodeColumns(cols); err != nil {
			return nil, fmt.Errorf("load file %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`,
		strings.ToLower(email),
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
