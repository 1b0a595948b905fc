package core

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// CommitHook observes every committed change. It runs while the record's
// lock is held, so hooks see commits for one file in order and must not
// call back into the store for the same file.
type CommitHook func(prev, next FileRecord)

type recordEntry struct {
	mu        sync.Mutex
	rec       FileRecord
	deletedAt time.Time
}

// RecordStore holds the authoritative FileRecords in memory.
//
// Each record has its own lock; the map lock is only held to find or insert
// entries, never while a record is being changed, so files never wait on
// each other.
type RecordStore struct {
	mu      sync.RWMutex
	entries map[string]*recordEntry

	hook CommitHook
	now  func() time.Time
}

// NewRecordStore creates an empty store. hook may be nil.
func NewRecordStore(hook CommitHook) *RecordStore {
	if hook == nil {
		hook = func(FileRecord, FileRecord) {}
	}
	return &RecordStore{
		entries: make(map[string]*recordEntry),
		hook:    hook,
		now:     time.Now,
	}
}

// Create inserts a new record and runs the commit hook for it.
func (s *RecordStore) Create(rec FileRecord) (FileRecord, error) {
	if rec.ID == "" {
		return FileRecord{}, validationError("record id is required")
	}
	if !rec.Status.Valid() {
		return FileRecord{}, validationError("unknown status %q", rec.Status)
	}

	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	e := &recordEntry{rec: rec.clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.entries[rec.ID]; exists {
		s.mu.Unlock()
		return FileRecord{}, fmt.Errorf("%w: record %s already exists", ErrConflict, rec.ID)
	}
	s.entries[rec.ID] = e
	s.mu.Unlock()

	s.hook(FileRecord{}, e.rec.clone())
	return e.rec.clone(), nil
}

// Restore inserts a record loaded from persistence without running the hook.
// Existing entries are left untouched.
func (s *RecordStore) Restore(rec FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return
	}
	e := &recordEntry{rec: rec.clone()}
	if rec.Status == StatusDeleted {
		e.deletedAt = rec.UpdatedAt
	}
	s.entries[rec.ID] = e
}

func (s *RecordStore) entry(id string) (*recordEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Get returns a copy of the record, including deleted tombstones.
func (s *RecordStore) Get(id string) (FileRecord, bool) {
	e, ok := s.entry(id)
	if !ok {
		return FileRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), true
}

// List returns the owner's live records, newest first.
func (s *RecordStore) List(ownerID string) []FileRecord {
	s.mu.RLock()
	entries := make([]*recordEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]FileRecord, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.OwnerID == ownerID && e.rec.Status != StatusDeleted {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
	}

	slices.SortFunc(out, func(a, b FileRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Mutate applies fn to a copy of the record and commits the result if it
// is a legal change: a valid transition, no edits to a terminal record
// other than deletion, and no counter or percent going backwards.
// If fn returns an error nothing is committed.
func (s *RecordStore) Mutate(id string, fn func(rec *FileRecord) error) (FileRecord, error) {
	e, ok := s.entry(id)
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec
	next := prev.clone()
	if err := fn(&next); err != nil {
		return prev.clone(), err
	}
	if err := checkChange(prev, next); err != nil {
		return prev.clone(), err
	}

	next.UpdatedAt = s.now()
	if next.Status == StatusDeleted && prev.Status != StatusDeleted {
		e.deletedAt = next.UpdatedAt
	}
	e.rec = next

	s.hook(prev.clone(), next.clone())
	return next.clone(), nil
}

func checkChange(prev, next FileRecord) error {
	if next.ID != prev.ID || next.OwnerID != prev.OwnerID {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvalidTransition)
	}
	if !CanTransition(prev.Status, next.Status) {
		return transitionError(prev.Status, next.Status)
	}
	if next.BytesReceived < prev.BytesReceived || next.RowsParsed < prev.RowsParsed {
		return fmt.Errorf("%w: progress counters cannot decrease", ErrInvalidTransition)
	}
	if next.Percent < prev.Percent {
		return fmt.Errorf("%w: percent cannot decrease (%d -> %d)", ErrInvalidTransition, prev.Percent, next.Percent)
	}
	return nil
}

// View runs fn with the current record while holding its lock, so no
// commit for that file can interleave with fn.
func (s *RecordStore) View(id string, fn func(rec FileRecord)) error {
	e, ok := s.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rec.clone())
	return nil
}

// Purge removes a record entirely.
func (s *RecordStore) Purge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Sweep purges deleted tombstones older than retention and returns their ids.
func (s *RecordStore) Sweep(retention time.Duration) []string {
	cutoff := s.now().Add(-retention)

	s.mu.RLock()
	candidates := make(map[string]*recordEntry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var purged []string
	for id, e := range candidates {
		e.mu.Lock()
		expired := e.rec.Status == StatusDeleted && !e.deletedAt.After(cutoff)
		e.mu.Unlock()
		if expired {
			purged = append(purged, id)
		}
	}

	s.mu.Lock()
	for _, id := range purged {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return purged
}

// Len returns the number of records, tombstones included.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
