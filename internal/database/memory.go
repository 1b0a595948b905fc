package database

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/fileparse/internal/core"
)

// Memory is a Store that forgets everything on restart.
type Memory struct {
	mu    sync.RWMutex
	files map[string]core.FileRecord
	users map[string]User // keyed by lowercased email
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]core.FileRecord),
		users: make(map[string]User),
	}
}

func (m *Memory) SaveFile(_ context.Context, rec core.FileRecord) error {
	if rec.Columns != nil {
		rec.Columns = append([]string(nil), rec.Columns...)
	}
	m.mu.Lock()
	m.files[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.files, id)
	m.mu.Unlock()
	return nil
}

// LoadFiles returns every saved record, oldest first.
func (m *Memory) LoadFiles(_ context.Context) ([]core.FileRecord, error) {
	m.mu.RLock()
	out := make([]core.FileRecord, 0, len(m.files))
	for _, rec := range m.files {
		if rec.Columns != nil {
			rec.Columns = append([]string(nil), rec.Columns...)
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, u User) error {
	key := strings.ToLower(u.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[key]; ok {
		return ErrDuplicate
	}
	m.users[key] = u
	return nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
