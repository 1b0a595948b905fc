package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/JonMunkholm/fileparse/internal/parser"
	"github.com/JonMunkholm/fileparse/internal/storage"
)

// runParse is the background half of a pipeline. It owns the upload slot
// and always leaves the record terminal unless the file was deleted.
func (s *Service) runParse(ctx context.Context, t *task, rec FileRecord, release func()) {
	defer s.pipeline.Done()
	defer release()
	defer s.finish(rec.ID, t)
	defer t.cancel(nil)

	log := slog.With("file_id", rec.ID, "format", rec.Format)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in parse pipeline", "panic", r)
			s.discardContent(rec.ID)
			if _, err := s.fail(rec.ID, fmt.Errorf("parse panic: %v", r)); err != nil {
				log.Warn("failed to record parse panic", "error", err)
			}
		}
	}()

	started := time.Now()
	content, err := s.parse(ctx, rec)
	if err != nil {
		s.discardContent(rec.ID)
		if errors.Is(err, errDeleted) {
			log.Debug("parse stopped, file deleted")
			return
		}
		log.Warn("parse failed", "error", err)
		if _, ferr := s.fail(rec.ID, err); ferr != nil {
			log.Warn("failed to record parse failure", "error", ferr)
		}
		return
	}

	if err := s.complete(rec.ID, content); err != nil {
		s.discardContent(rec.ID)
		log.Warn("failed to complete parse", "error", err)
		return
	}
	log.Info("file parsed",
		"rows", content.RowCount,
		"columns", len(content.Columns),
		"duration", time.Since(started),
	)
}

// parse reads the stored bytes row by row into the content sink.
func (s *Service) parse(ctx context.Context, rec FileRecord) (*ParsedContent, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.ParseTimeout, ErrParseTimeout)
	defer cancel()

	rec, err := s.store.Mutate(rec.ID, func(r *FileRecord) error {
		r.Status = StatusParsing
		return nil
	})
	if err != nil {
		return nil, stopCause(ctx, err)
	}

	raw, err := s.blobs.Open(ctx, rec.StorageKey)
	if err != nil {
		return nil, stopCause(ctx, storageError("open stored file", err))
	}
	defer raw.Close()

	rows, err := parser.Parse(raw, rec.Format, parser.Options{InvalidUTF8: s.opts.InvalidUTF8})
	if err != nil {
		return nil, stopCause(ctx, readFailure(err))
	}
	defer rows.Close()

	progress := parseProgress{
		every:     int64(s.opts.ProgressRows),
		rowsTotal: int64(rows.Total()),
		size:      rec.BytesTotal,
		lastPct:   percentStored,
	}
	if progress.rowsTotal >= 0 {
		s.parsed(rec.ID, 0, progress.rowsTotal, percentStored)
	}

	sink := newContentSink(ctx, s.blobs, storage.ContentKey(rec.ID), s.opts.MaxInMemoryRows)
	defer sink.abort(errSinkAborted)

	var n int64
	for rows.NextContext(ctx) {
		if err := sink.add(rows.Row()); err != nil {
			return nil, stopCause(ctx, storageError("write parsed content", err))
		}
		n++
		if pct, due := progress.due(n, rows.Consumed()); due {
			s.parsed(rec.ID, n, progress.rowsTotal, pct)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, stopCause(ctx, readFailure(err))
	}

	if err := sink.close(); err != nil {
		return nil, stopCause(ctx, storageError("write parsed content", err))
	}

	return &ParsedContent{
		Columns:    append([]string(nil), rows.Columns()...),
		RowCount:   n,
		Rows:       sink.inMemory(),
		ContentKey: sink.key,
	}, nil
}

// parsed records parse progress while the record is parsing.
func (s *Service) parsed(id string, rowsDone, rowsTotal int64, pct int) {
	_, _ = s.store.Mutate(id, func(r *FileRecord) error {
		if r.Status != StatusParsing {
			return errNotParsing
		}
		r.RowsParsed = max(r.RowsParsed, rowsDone)
		if rowsTotal >= 0 {
			r.RowsTotal = rowsTotal
		}
		r.Percent = max(r.Percent, pct)
		return nil
	})
}

var (
	errNotParsing  = errors.New("record is not parsing")
	errSinkAborted = errors.New("content write aborted")
)

// complete publishes the parsed content and commits the parsed state.
// The content is visible before the record says parsed, so a reader that
// sees parsed always finds it.
func (s *Service) complete(id string, content *ParsedContent) error {
	s.mu.Lock()
	s.content[id] = content
	s.mu.Unlock()

	_, err := s.store.Mutate(id, func(r *FileRecord) error {
		r.Status = StatusParsed
		r.RowsParsed = content.RowCount
		r.RowsTotal = content.RowCount
		r.Percent = percentDone
		r.Columns = content.Columns
		r.ContentKey = content.ContentKey
		return nil
	})
	return err
}

// discardContent drops any parsed content for id, in memory and stored.
func (s *Service) discardContent(id string) {
	s.mu.Lock()
	delete(s.content, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, storage.ContentKey(id)); err != nil {
		slog.Warn("failed to release parsed content", "file_id", id, "error", err)
	}
}

// stopCause prefers the reason the pipeline was stopped (delete, shutdown,
// timeout) over the error it surfaced as.
func stopCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// readFailure keeps parse errors as they are; anything else came from
// reading storage.
func readFailure(err error) error {
	var pe *parser.ParseError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storageError("read stored file", err)
}

// parseProgress decides when a parse progress event is due: at every whole
// percent step or every `every` rows, whichever comes first.
type parseProgress struct {
	every     int64
	rowsTotal int64
	size      int64

	lastRows int64
	lastPct  int
}

func (p *parseProgress) due(rows, consumed int64) (int, bool) {
	var pct int
	if p.rowsTotal > 0 {
		pct = parsePercent(percentStored, rows, p.rowsTotal)
	} else {
		pct = parsePercent(percentStored, consumed, p.size)
	}
	if pct <= p.lastPct && rows-p.lastRows < p.every {
		return 0, false
	}
	p.lastPct = max(p.lastPct, pct)
	p.lastRows = rows
	return p.lastPct, true
}

// contentSink writes parsed rows as JSON lines to storage and keeps up
// to keep rows in memory.
type contentSink struct {
	key     string
	pw      *io.PipeWriter
	buf     *bufio.Writer
	enc     *json.Encoder
	done    chan struct{}
	putErr  error
	rows    []parser.Row
	keep    int
	spilled bool
}

func newContentSink(ctx context.Context, blobs storage.Storage, key string, keep int) *contentSink {
	pr, pw := io.Pipe()
	c := &contentSink{
		key:  key,
		pw:   pw,
		done: make(chan struct{}),
		keep: keep,
	}
	c.buf = bufio.NewWriterSize(pw, 64<<10)
	c.enc = json.NewEncoder(c.buf)

	go func() {
		defer close(c.done)
		_, err := blobs.Put(ctx, key, pr)
		c.putErr = err
		// Unblocks the writer if Put gave up early.
		pr.CloseWithError(err)
	}()
	return c
}

func (c *contentSink) add(row parser.Row) error {
	if !c.spilled {
		if len(c.rows) < c.keep {
			c.rows = append(c.rows, row)
		} else {
			c.rows = nil
			c.spilled = true
		}
	}
	return c.enc.Encode([]string(row))
}

// close flushes the remaining rows and waits for the upload to finish.
func (c *contentSink) close() error {
	if err := c.buf.Flush(); err != nil {
		c.pw.CloseWithError(err)
		<-c.done
		return err
	}
	c.pw.Close()
	<-c.done
	return c.putErr
}

// abort stops the upload; the storage backend discards the partial object.
// It is a no-op after close.
func (c *contentSink) abort(err error) {
	c.pw.CloseWithError(err)
	<-c.done
}

// inMemory returns the kept rows, or nil when the content spilled.
func (c *contentSink) inMemory() []parser.Row {
	if c.spilled {
		return nil
	}
	if c.rows == nil {
		return []parser.Row{}
	}
	return c.rows
}
