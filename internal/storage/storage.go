// Package storage persists raw upload bytes and derived content.
//
// Objects are addressed by slash separated keys such as "raw/<file id>".
// Writes are all-or-nothing: a failed Put leaves no object behind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JonMunkholm/fileparse/internal/config"
)

// ErrNotFound is returned by Open when no object exists for the key.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty or escape the store.
var ErrInvalidKey = errors.New("invalid object key")

// PutResult describes a stored object.
type PutResult struct {
	Size     int64
	Checksum string // hex SHA-256 of the stored bytes
}

// Storage is the byte store used by the ingestion pipeline.
type Storage interface {
	// Put streams r into the object at key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader) (PutResult, error)
	// Open returns a reader for the object at key. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// New returns the storage backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "minio":
		return NewMinio(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// RawKey is the key of an upload as received.
func RawKey(fileID string) string { return "raw/" + fileID }

// ContentKey is the key of an upload's parsed rows (JSON lines).
func ContentKey(fileID string) string { return "content/" + fileID + ".jsonl" }

// cleanKey validates a key and returns its canonical form.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
