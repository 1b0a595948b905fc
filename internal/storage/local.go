package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Local stores objects as files below a data directory.
type Local struct {
	dir string
}

// NewLocal creates the data directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.dir, filepath.FromSlash(clean)), nil
}

// Put writes r to a temp file while hashing it, fsyncs, then renames the
// temp file into place. On any error the temp file is removed.
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (PutResult, error) {
	full, err := l.path(key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return PutResult{}, fmt.Errorf("create dir for %s: %w", key, err)
	}

	tmp := full + ".tmp-" + uuid.NewString()[:8]
	f, err := os.Create(tmp)
	if err != nil {
		return PutResult{}, fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(ctxReader{ctx: ctx, r: r}, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return PutResult{}, fmt.Errorf("write %s: %w", key, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return PutResult{}, fmt.Errorf("fsync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return PutResult{}, fmt.Errorf("close %s: %w", key, err)
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return PutResult{}, fmt.Errorf("rename %s: %w", key, err)
	}

	return PutResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open opens the file behind key.
func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Delete removes the file behind key.
func (l *Local) Delete(_ context.Context, key string) error {
	full, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Ping checks the data directory is still present.
func (l *Local) Ping(context.Context) error {
	info, err := os.Stat(l.dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", l.dir)
	}
	return nil
}

// Dir returns the data directory.
func (l *Local) Dir() string { return l.dir }
