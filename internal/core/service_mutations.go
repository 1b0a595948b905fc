package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/fileparse/internal/logging"
	"github.com/JonMunkholm/fileparse/internal/storage"
)

// Delete removes a file the caller owns. A running pipeline is cancelled
// and given CancelWait to stop; then the record turns deleted, which ends
// every open progress stream with a deleted event, and the stored bytes
// and parsed content are released. The tombstone stays observable for the
// retention window.
func (s *Service) Delete(ctx context.Context, fileID, callerID string) error {
	rec, err := s.owned(fileID, callerID)
	if err != nil {
		return err
	}
	if rec.Status == StatusDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}

	log := logging.WithFields(ctx, "file_id", fileID, "owner_id", callerID)
	previous := rec.Status

	s.stop(ctx, fileID, errDeleted)

	rec, err = s.store.Mutate(fileID, func(r *FileRecord) error {
		r.Status = StatusDeleted
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost a race with another delete.
			return fmt.Errorf("%w: %s", ErrNotFound, fileID)
		}
		return err
	}

	s.mu.Lock()
	delete(s.content, fileID)
	s.mu.Unlock()

	release := context.WithoutCancel(ctx)
	for _, key := range []string{rec.StorageKey, storage.ContentKey(fileID)} {
		if err := s.blobs.Delete(release, key); err != nil {
			log.Warn("failed to release stored object", "key", key, "error", err)
		}
	}

	log.Info("file deleted", "previous_status", previous)
	return nil
}
