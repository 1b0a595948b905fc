package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/parser"
)

// fileRow is the persisted form of core.FileRecord.
type fileRow struct {
	ID            string    `gorm:"primaryKey;type:text"`
	OwnerID       string    `gorm:"type:text;not null;index"`
	Filename      string    `gorm:"type:text;not null"`
	Format        string    `gorm:"type:text;not null"`
	Status        string    `gorm:"type:text;not null;index"`
	BytesReceived int64     `gorm:"not null"`
	BytesTotal    int64     `gorm:"not null"`
	RowsParsed    int64     `gorm:"not null"`
	RowsTotal     int64     `gorm:"not null"`
	Percent       int       `gorm:"not null"`
	ErrorMessage  string    `gorm:"type:text"`
	ErrorCode     string    `gorm:"type:text"`
	Checksum      string    `gorm:"type:text"`
	StorageKey    string    `gorm:"type:text"`
	ContentKey    string    `gorm:"type:text"`
	Columns       string    `gorm:"type:text"` // JSON array
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (fileRow) TableName() string { return "files" }

type userRow struct {
	ID           string    `gorm:"primaryKey;type:text"`
	Email        string    `gorm:"type:text;not null;uniqueIndex"`
	PasswordHash string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false"`
}

func (userRow) TableName() string { return "users" }

// SQLite is a Store backed by an SQLite file.
type SQLite struct {
	db   *gorm.DB
	path string
}

// SQLitePath extracts the file path from a sqlite:// URL.
func SQLitePath(raw string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix)
		}
	}
	return raw
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&fileRow{}, &userRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) SaveFile(ctx context.Context, rec core.FileRecord) error {
	row, err := toFileRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save file %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteFile(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&fileRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) LoadFiles(ctx context.Context) ([]core.FileRecord, error) {
	var rows []fileRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}

	out := make([]core.FileRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("load file %s: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u User) error {
	row := userRow{
		ID:           u.ID,
		Email:        strings.ToLower(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLite) UserByEmail(ctx context.Context, email string) (User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt,
	}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toFileRow(rec core.FileRecord) (fileRow, error) {
	cols, err := encodeColumns(rec.Columns)
	if err != nil {
		return fileRow{}, err
	}
	return fileRow{
		ID:            rec.ID,
		OwnerID:       rec.OwnerID,
		Filename:      rec.Filename,
		Format:        string(rec.Format),
		Status:        string(rec.Status),
		BytesReceived: rec.BytesReceived,
		BytesTotal:    rec.BytesTotal,
		RowsParsed:    rec.RowsParsed,
		RowsTotal:     rec.RowsTotal,
		Percent:       rec.Percent,
		ErrorMessage:  rec.ErrorMessage,
		ErrorCode:     rec.ErrorCode,
		Checksum:      rec.Checksum,
		StorageKey:    rec.StorageKey,
		ContentKey:    rec.ContentKey,
		Columns:       cols,
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}, nil
}

func (r fileRow) record() (core.FileRecord, error) {
	cols, err := decodeColumns(r.Columns)
	if err != nil {
		return core.FileRecord{}, err
	}
	return core.FileRecord{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Filename:      r.Filename,
		Format:        parser.Format(r.Format),
		Status:        core.Status(r.Status),
		BytesReceived: r.BytesReceived,
		BytesTotal:    r.BytesTotal,
		RowsParsed:    r.RowsParsed,
		RowsTotal:     r.RowsTotal,
		Percent:       r.Percent,
		ErrorMessage:  r.ErrorMessage,
		ErrorCode:     r.ErrorCode,
		Checksum:      r.Checksum,
		StorageKey:    r.StorageKey,
		ContentKey:    r.ContentKey,
		Columns:       cols,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}
