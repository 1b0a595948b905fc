package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/parser"
	"github.com/JonMunkholm/fileparse/internal/storage"
)

// Repository persists file records so they survive a restart.
// Implementations live in internal/database.
type Repository interface {
	SaveFile(ctx context.Context, rec FileRecord) error
	DeleteFile(ctx context.Context, id string) error
	LoadFiles(ctx context.Context) ([]FileRecord, error)
}

// Metrics observes pipeline activity. All methods must be safe for
// concurrent use.
type Metrics interface {
	Transition(to Status)
	BytesReceived(n int64)
	RowsParsed(n int64)
	Finished(status Status, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Transition(Status) {}

func (nopMetrics) BytesReceived(int64) {}

func (nopMetrics) RowsParsed(int64) {}

func (nopMetrics) Finished(Status, time.Duration) {}

// Options tune the pipeline. Zero values fall back to the config defaults.
type Options struct {
	MaxFileSize        int64
	MaxConcurrent      int
	MaxWait            time.Duration
	IdleTimeout        time.Duration
	ParseTimeout       time.Duration
	ChunkSize          int
	ProgressRows       int
	ProgressBytes      int64
	MaxInMemoryRows    int
	PageSize           int
	TombstoneRetention time.Duration
	PersistInterval    time.Duration
	InvalidUTF8        parser.UTF8Policy

	// CancelWait bounds how long Delete and Shutdown wait for a cancelled
	// pipeline to stop.
	CancelWait time.Duration
}

// OptionsFromConfig maps the loaded configuration onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxFileSize:        cfg.Upload.MaxFileSize,
		MaxConcurrent:      cfg.Upload.MaxConcurrent,
		MaxWait:            cfg.Upload.MaxWaitTime,
		IdleTimeout:        cfg.Upload.IdleTimeout,
		ParseTimeout:       cfg.Upload.ParseTimeout,
		ChunkSize:          cfg.Upload.ChunkSize,
		ProgressRows:       cfg.Upload.ProgressRows,
		ProgressBytes:      cfg.Upload.ProgressBytes,
		MaxInMemoryRows:    cfg.Upload.MaxInMemoryRows,
		PageSize:           cfg.Upload.PageSize,
		TombstoneRetention: cfg.Upload.TombstoneRetention,
		PersistInterval:    cfg.Database.PersistInterval,
		InvalidUTF8:        parser.UTF8Policy(cfg.Upload.InvalidUTF8),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 100 << 20
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrentUploads
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWaitTime
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ParseTimeout <= 0 {
		o.ParseTimeout = 10 * time.Minute
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	if o.ProgressRows <= 0 {
		o.ProgressRows = 100
	}
	if o.ProgressBytes <= 0 {
		o.ProgressBytes = 1 << 20
	}
	// Negative keeps nothing in memory.
	if o.MaxInMemoryRows == 0 {
		o.MaxInMemoryRows = 10000
	} else if o.MaxInMemoryRows < 0 {
		o.MaxInMemoryRows = 0
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.TombstoneRetention <= 0 {
		o.TombstoneRetention = 10 * time.Minute
	}
	if o.InvalidUTF8 != parser.UTF8Replace {
		o.InvalidUTF8 = parser.UTF8Reject
	}
	if o.CancelWait <= 0 {
		o.CancelWait = 10 * time.Second
	}
	return o
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithRepository persists records through repo.
func WithRepository(repo Repository) ServiceOption {
	return func(s *Service) { s.repo = repo }
}

// WithMetrics reports pipeline activity to m.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// persistTimeout bounds a single repository write.
const persistTimeout = 5 * time.Second

// Service is the ingestion controller. It owns the record store, drives
// each file through receive and parse, and answers queries.
type Service struct {
	opts    Options
	store   *RecordStore
	bus     *events.Bus
	blobs   storage.Storage
	repo    Repository
	limiter *UploadLimiter
	metrics Metrics

	mu       sync.Mutex
	tasks    map[string]*task
	content  map[string]*ParsedContent
	retired  map[string]time.Time // terminal files whose topics can be released
	closing  bool
	pipeline sync.WaitGroup

	persistMu sync.Mutex
	persisted map[string]time.Time
}

// task is one file's running pipeline.
type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewService creates the controller. blobs holds upload bytes and bus
// carries progress events.
func NewService(opts Options, blobs storage.Storage, bus *events.Bus, options ...ServiceOption) *Service {
	opts = opts.withDefaults()
	s := &Service{
		opts:      opts,
		bus:       bus,
		blobs:     blobs,
		limiter:   NewUploadLimiter(opts.MaxConcurrent, opts.MaxWait),
		metrics:   nopMetrics{},
		tasks:     make(map[string]*task),
		content:   make(map[string]*ParsedContent),
		retired:   make(map[string]time.Time),
		persisted: make(map[string]time.Time),
	}
	for _, o := range options {
		o(s)
	}
	s.store = NewRecordStore(s.commit)
	return s
}

// Limiter exposes the pipeline limiter for monitoring.
func (s *Service) Limiter() *UploadLimiter { return s.limiter }

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// commit runs under the record's lock for every committed change.
func (s *Service) commit(prev, next FileRecord) {
	msg := ""
	if prev.Status != next.Status {
		msg = statusMessage(next)
	}
	if _, err := s.bus.Publish(next.Event(msg)); err != nil {
		slog.Debug("progress event dropped",
			"file_id", next.ID,
			"status", next.Status,
			"error", err,
		)
	}

	s.observe(prev, next)
	s.persist(prev, next)

	if next.Status.Terminal() {
		s.mu.Lock()
		s.retired[next.ID] = next.UpdatedAt
		s.mu.Unlock()
	}
}

func statusMessage(rec FileRecord) string {
	switch rec.Status {
	case StatusPending:
		return "upload accepted"
	case StatusUploading:
		return "receiving file"
	case StatusStored:
		return "file stored, waiting to parse"
	case StatusParsing:
		return "parsing file"
	case StatusParsed:
		return fmt.Sprintf("parsed %d rows", rec.RowsTotal)
	case StatusFailed:
		return "processing failed"
	case StatusDeleted:
		return "file deleted"
	}
	return ""
}

func (s *Service) observe(prev, next FileRecord) {
	if prev.Status != next.Status {
		s.metrics.Transition(next.Status)
	}
	if d := next.BytesReceived - prev.BytesReceived; d > 0 {
		s.metrics.BytesReceived(d)
	}
	if d := next.RowsParsed - prev.RowsParsed; d > 0 {
		s.metrics.RowsParsed(d)
	}
	if prev.Status != next.Status && (next.Status == StatusParsed || next.Status == StatusFailed) {
		s.metrics.Finished(next.Status, next.UpdatedAt.Sub(next.CreatedAt))
	}
}

// persist writes status changes immediately and progress at most once per
// PersistInterval. Deleted records are removed from the repository.
func (s *Service) persist(prev, next FileRecord) {
	if s.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if next.Status == StatusDeleted {
		s.persistMu.Lock()
		delete(s.persisted, next.ID)
		s.persistMu.Unlock()

		if err := s.repo.DeleteFile(ctx, next.ID); err != nil {
			slog.Warn("failed to delete persisted file record", "file_id", next.ID, "error", err)
		}
		return
	}

	s.persistMu.Lock()
	last, seen := s.persisted[next.ID]
	due := !seen || prev.Status != next.Status || next.UpdatedAt.Sub(last) >= s.opts.PersistInterval
	if due {
		if next.Status.Terminal() {
			delete(s.persisted, next.ID)
		} else {
			s.persisted[next.ID] = next.UpdatedAt
		}
	}
	s.persistMu.Unlock()
	if !due {
		return
	}

	if err := s.repo.SaveFile(ctx, next); err != nil {
		slog.Warn("failed to persist file record",
			"file_id", next.ID,
			"status", next.Status,
			"error", err,
		)
	}
}

// Recover loads persisted records into the store. Records that were still
// in flight when the process stopped are marked failed. It returns the
// number of records loaded.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}

	recs, err := s.repo.LoadFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("load file records: %w", err)
	}

	interrupted := 0
	for _, rec := range recs {
		s.store.Restore(rec)
		if rec.Status.Terminal() {
			continue
		}
		if _, err := s.fail(rec.ID, ErrInterrupted); err != nil {
			slog.Warn("failed to mark interrupted file", "file_id", rec.ID, "error", err)
			continue
		}
		interrupted++
	}

	if interrupted > 0 {
		slog.Info("marked interrupted files as failed", "count", interrupted)
	}
	return len(recs), nil
}

// fail moves a record to failed with the user-facing message for cause.
func (s *Service) fail(id string, cause error) (FileRecord, error) {
	msg := MapError(cause)
	return s.store.Mutate(id, func(r *FileRecord) error {
		r.Status = StatusFailed
		r.ErrorMessage = msg.Message
		r.ErrorCode = msg.Code
		return nil
	})
}

// start registers a pipeline for id. It fails once shutdown has begun.
func (s *Service) start(id string, cancel context.CancelCauseFunc) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, fmt.Errorf("%w: server is shutting down", ErrTooManyUploads)
	}
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[id] = t
	return t, nil
}

// finish unregisters t and wakes anyone waiting for it.
func (s *Service) finish(id string, t *task) {
	s.mu.Lock()
	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	close(t.done)
}

// stop cancels id's pipeline, if any, and waits up to CancelWait for it
// to finish.
func (s *Service) stop(ctx context.Context, id string, cause error) {
	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()
	if t == nil {
		return
	}

	t.cancel(cause)

	timer := time.NewTimer(s.opts.CancelWait)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		slog.Warn("pipeline did not stop in time", "file_id", id)
	case <-ctx.Done():
	}
}

// Run sweeps expired tombstones and idle event topics until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := min(s.opts.TombstoneRetention/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep purges tombstones older than the retention window and releases
// event topics of files that finished before it.
func (s *Service) Sweep() {
	for _, id := range s.store.Sweep(s.opts.TombstoneRetention) {
		s.bus.Release(id)
	}

	cutoff := time.Now().Add(-s.opts.TombstoneRetention)
	var expired []string
	s.mu.Lock()
	for id, at := range s.retired {
		if at.Before(cutoff) {
			expired = append(expired, id)
			delete(s.retired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.bus.Release(id)
	}
}

// errShutdown interrupts pipelines still running when shutdown times out.
var errShutdown = fmt.Errorf("%w: server shutting down", ErrInterrupted)

// Shutdown stops accepting uploads and waits for running pipelines. When
// ctx expires first, the remaining pipelines are cancelled and their files
// marked failed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	drainErr := s.limiter.WaitForDrain(ctx)
	if drainErr != nil {
		s.mu.Lock()
		running := make([]*task, 0, len(s.tasks))
		for _, t := range s.tasks {
			running = append(running, t)
		}
		s.mu.Unlock()

		slog.Warn("cancelling running pipelines", "count", len(running))
		for _, t := range running {
			t.cancel(errShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		s.pipeline.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.CancelWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		drainErr = errors.Join(drainErr, errors.New("pipelines did not stop in time"))
	}

	s.bus.Close()
	return drainErr
}
