package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/fileparse/internal/logging"
	"github.com/JonMunkholm/fileparse/internal/parser"
	"github.com/JonMunkholm/fileparse/internal/storage"
)

// Accept receives one upload. The body is streamed into storage while
// progress is published; once every byte is stored the file is parsed in
// the background and Accept returns the stored record.
//
// Receive failures are returned synchronously after the record has been
// marked failed. Parse failures are only recorded on the file record.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (FileRecord, error) {
	if req.OwnerID == "" {
		return FileRecord{}, ErrUnauthorized
	}
	name := cleanFilename(req.Filename)
	if name == "" {
		return FileRecord{}, validationError("filename is required")
	}
	if req.Body == nil {
		return FileRecord{}, validationError("file content is required")
	}
	format, err := parser.DetectFormat(req.Format, name)
	if err != nil {
		return FileRecord{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.Size > s.opts.MaxFileSize {
		return FileRecord{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrPayloadTooLarge, req.Size, s.opts.MaxFileSize)
	}

	// The slot is held until the parse finishes, not just the receive.
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return FileRecord{}, err
	}

	id := uuid.NewString()
	taskCtx, cancel := context.WithCancelCause(context.Background())
	t, err := s.start(id, cancel)
	if err != nil {
		cancel(nil)
		release()
		return FileRecord{}, err
	}

	total := req.Size
	if total <= 0 {
		total = Unknown
	}
	rec, err := s.store.Create(FileRecord{
		ID:         id,
		OwnerID:    req.OwnerID,
		Filename:   name,
		Format:     format,
		Status:     StatusPending,
		BytesTotal: total,
		RowsTotal:  Unknown,
		StorageKey: storage.RawKey(id),
	})
	if err != nil {
		s.finish(id, t)
		cancel(nil)
		release()
		return FileRecord{}, err
	}

	log := logging.WithFields(ctx, "file_id", id, "owner_id", req.OwnerID, "format", format)
	log.Info("upload started", "filename", name, "bytes_total", total)

	stored, err := s.receive(ctx, taskCtx, rec, req)
	if err != nil {
		failed := s.abortReceive(rec, err)
		s.finish(id, t)
		cancel(nil)
		release()
		log.Warn("upload failed", "error", err, "bytes_received", failed.BytesReceived)
		return failed, err
	}

	log.Info("upload stored", "bytes", stored.BytesReceived, "checksum", stored.Checksum)

	s.pipeline.Add(1)
	go s.runParse(taskCtx, t, stored, release)
	return stored, nil
}

// receive streams the body into storage. The receive is tied to the
// request: if the client goes away it stops. Cancelling taskCtx (delete,
// shutdown) stops it too.
func (s *Service) receive(reqCtx, taskCtx context.Context, rec FileRecord, req AcceptRequest) (FileRecord, error) {
	rec, err := s.store.Mutate(rec.ID, func(r *FileRecord) error {
		r.Status = StatusUploading
		return nil
	})
	if err != nil {
		return rec, err
	}

	ctx, cancel := context.WithCancelCause(taskCtx)
	defer cancel(nil)
	unlink := context.AfterFunc(reqCtx, func() { cancel(errClientGone) })
	defer unlink()

	// Any cancellation (delete, shutdown, idle timeout) must also unblock a
	// read that is parked on the connection.
	if req.Deadline != nil {
		interrupt := context.AfterFunc(ctx, func() { _ = req.Deadline(time.Now()) })
		defer interrupt()
	}

	watchdog := time.AfterFunc(s.opts.IdleTimeout, func() { cancel(ErrUploadTimeout) })
	defer watchdog.Stop()

	pr := &progressReader{
		ctx:      ctx,
		r:        req.Body,
		chunk:    s.opts.ChunkSize,
		limit:    s.opts.MaxFileSize,
		idle:     s.opts.IdleTimeout,
		deadline: req.Deadline,
		watchdog: watchdog,
		total:    rec.BytesTotal,
		step:     s.opts.ProgressBytes,
		report:   func(n int64) { s.received(rec.ID, n) },
	}

	res, err := s.blobs.Put(ctx, rec.StorageKey, pr)
	if err != nil {
		s.received(rec.ID, pr.n)
		return rec, receiveError(ctx, pr, err)
	}

	return s.store.Mutate(rec.ID, func(r *FileRecord) error {
		r.Status = StatusStored
		r.BytesReceived = res.Size
		r.BytesTotal = res.Size
		r.Checksum = res.Checksum
		r.Percent = percentStored
		return nil
	})
}

// received records receive progress. A record that is no longer
// receiving (deleted meanwhile) is left alone.
func (s *Service) received(id string, n int64) {
	_, _ = s.store.Mutate(id, func(r *FileRecord) error {
		if r.Status != StatusUploading {
			return errNotReceiving
		}
		r.BytesReceived = max(r.BytesReceived, n)
		r.Percent = receivePercent(r.Percent, n, r.BytesTotal)
		return nil
	})
}

var errNotReceiving = errors.New("record is not receiving")

// receiveError picks the error that explains why Put failed: the reader's
// own limit errors first, then the cancellation cause, then a body read
// error, and finally the storage backend.
func receiveError(ctx context.Context, pr *progressReader, err error) error {
	if pr.err != nil {
		return pr.err
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if pr.bodyErr != nil {
		return fmt.Errorf("%w: reading upload: %w", ErrCancelled, pr.bodyErr)
	}
	return storageError("store upload", err)
}

// abortReceive releases whatever was stored and marks the record failed.
// A deleted file is left to Delete, which publishes the final event.
func (s *Service) abortReceive(rec FileRecord, cause error) FileRecord {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, rec.StorageKey); err != nil {
		logging.WithFields(ctx, "file_id", rec.ID).Warn("failed to release upload bytes", "error", err)
	}

	if errors.Is(cause, errDeleted) {
		if cur, ok := s.store.Get(rec.ID); ok {
			return cur
		}
		return rec
	}
	failed, err := s.fail(rec.ID, cause)
	if err != nil {
		return rec
	}
	return failed
}

// cleanFilename strips any client supplied directories.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// progressReader counts upload bytes, enforces the size ceiling and the
// idle window, and reports progress at a bounded cadence: every whole
// percent when the size is known, every step bytes otherwise.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	chunk    int
	limit    int64
	idle     time.Duration
	deadline func(time.Time) error
	watchdog *time.Timer
	total    int64
	step     int64
	report   func(n int64)

	n       int64
	lastN   int64
	lastPct int
	err     error // limit violation returned to the copier
	bodyErr error // non-EOF error from the body itself
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.ctx.Err() != nil {
		return 0, context.Cause(p.ctx)
	}
	if p.chunk > 0 && len(b) > p.chunk {
		b = b[:p.chunk]
	}
	if p.deadline != nil {
		_ = p.deadline(time.Now().Add(p.idle))
		// A cancellation that landed between the check above and the
		// extension would otherwise be undone.
		if p.ctx.Err() != nil {
			return 0, context.Cause(p.ctx)
		}
	}

	n, err := p.r.Read(b)
	if n > 0 {
		if p.watchdog != nil {
			p.watchdog.Reset(p.idle)
		}
		p.n += int64(n)
		if p.n > p.limit {
			p.err = fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, p.limit)
			return n, p.err
		}
		p.maybeReport()
	}

	if err != nil && !errors.Is(err, io.EOF) {
		if p.ctx.Err() != nil {
			return n, context.Cause(p.ctx)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			p.err = ErrUploadTimeout
			return n, p.err
		}
		p.bodyErr = err
	}
	return n, err
}

func (p *progressReader) maybeReport() {
	if p.report == nil {
		return
	}
	if p.total > 0 {
		pct := receivePercent(0, p.n, p.total)
		if pct <= p.lastPct {
			return
		}
		p.lastPct = pct
	} else if p.n-p.lastN < p.step {
		return
	}
	p.lastN = p.n
	p.report(p.n)
}
