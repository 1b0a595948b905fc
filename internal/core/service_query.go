package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/parser"
)

// owned returns the record if callerID owns it. Deleted tombstones are
// returned too; callers decide whether they count.
func (s *Service) owned(fileID, callerID string) (FileRecord, error) {
	if callerID == "" {
		return FileRecord{}, ErrUnauthorized
	}
	rec, ok := s.store.Get(fileID)
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	if rec.OwnerID != callerID {
		return FileRecord{}, fmt.Errorf("%w: file %s belongs to another user", ErrForbidden, fileID)
	}
	return rec, nil
}

// Progress returns the current snapshot of a file the caller owns,
// including a deleted file while its tombstone is retained.
func (s *Service) Progress(_ context.Context, fileID, callerID string) (FileRecord, error) {
	return s.owned(fileID, callerID)
}

// List returns the caller's files, newest first.
func (s *Service) List(_ context.Context, ownerID string) ([]FileRecord, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.List(ownerID), nil
}

// Subscribe opens a progress stream for a file the caller owns.
//
// The first event is the file's current state, or the logged events after
// afterSeq when the client is resuming. The snapshot is taken under the
// record's lock so no commit can slip between it and the first live event.
func (s *Service) Subscribe(_ context.Context, fileID, callerID string, afterSeq uint64) (*events.Subscription, error) {
	if _, err := s.owned(fileID, callerID); err != nil {
		return nil, err
	}

	var (
		sub      *events.Subscription
		terminal bool
	)
	err := s.store.View(fileID, func(rec FileRecord) {
		sub = s.bus.Subscribe(fileID, afterSeq, rec.Event(statusMessage(rec)))
		terminal = rec.Status.Terminal()
	})
	if err != nil {
		return nil, err
	}

	// A late subscriber may have recreated a topic Sweep already released.
	if terminal {
		s.mu.Lock()
		if _, ok := s.retired[fileID]; !ok {
			s.retired[fileID] = time.Now()
		}
		s.mu.Unlock()
	}
	return sub, nil
}

// Content returns one page of a parsed file's rows. page is 1-based; zero
// values select the first page and the configured page size.
func (s *Service) Content(ctx context.Context, fileID, callerID string, page, limit int) (ContentPage, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = s.opts.PageSize
	}
	if page < 1 {
		return ContentPage{}, validationError("page must be at least 1")
	}
	if limit < 1 || limit > config.MaxPageSize {
		return ContentPage{}, validationError("limit must be between 1 and %d", config.MaxPageSize)
	}

	rec, err := s.owned(fileID, callerID)
	if err != nil {
		return ContentPage{}, err
	}
	switch rec.Status {
	case StatusParsed:
	case StatusDeleted:
		return ContentPage{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	default:
		return ContentPage{}, fmt.Errorf("%w (status %s)", ErrNotReady, rec.Status)
	}

	offset := int64(page-1) * int64(limit)
	var rows []parser.Row
	if c := s.parsedContent(fileID); c != nil && c.Rows != nil {
		rows = pageOf(c.Rows, offset, limit)
	} else {
		rows, err = s.readContent(ctx, rec.ContentKey, offset, limit)
		if err != nil {
			return ContentPage{}, err
		}
	}

	out := ContentPage{
		FileID:    rec.ID,
		Filename:  rec.Filename,
		Columns:   rec.Columns,
		TotalRows: rec.RowsTotal,
		Page:      page,
		Limit:     limit,
		Rows:      make([]map[string]string, len(rows)),
	}
	for i, row := range rows {
		out.Rows[i] = row.Map(rec.Columns)
	}
	return out, nil
}

func (s *Service) parsedContent(fileID string) *ParsedContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content[fileID]
}

func pageOf(rows []parser.Row, offset int64, limit int) []parser.Row {
	if offset >= int64(len(rows)) {
		return nil
	}
	end := min(offset+int64(limit), int64(len(rows)))
	return rows[offset:end]
}

// readContent streams the stored JSON lines and returns one page of them.
func (s *Service) readContent(ctx context.Context, key string, offset int64, limit int) ([]parser.Row, error) {
	if key == "" {
		return nil, storageError("read parsed content", errors.New("no content key"))
	}
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		return nil, storageError("open parsed content", err)
	}
	defer rc.Close()

	dec := json.NewDecoder(bufio.NewReader(rc))
	var out []parser.Row
	for i := int64(0); len(out) < limit; i++ {
		var row []string
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, storageError("decode parsed content", err)
		}
		if i >= offset {
			out = append(out, row)
		}
	}
	return out, nil
}
