// Package cache implements the cache entry shared by every generated
// artifact. An entry owns a deterministic filename in a backend; it reports
// hits and misses without generating, and publishes freshly generated
// content atomically.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
	"github.com/snapshot-labs/sidekick/telemetry"
)

// Artifact is a cacheable, generated resource.
type Artifact interface {
	// Key identifies the artifact; it equals its filename.
	Key() string

	// IsCacheable reports whether the artifact may be generated. A non-nil
	// error carries a sidekick.Reason.
	IsCacheable(ctx context.Context) error

	// GetCache returns the cached content and true on a hit, or nil and
	// false on a miss. It never generates.
	GetCache(ctx context.Context) ([]byte, bool, error)

	// CreateCache generates the artifact and stores it.
	CreateCache(ctx context.Context) error
}

// ContentFunc writes an artifact's content to w.
type ContentFunc func(ctx context.Context, w io.Writer) error

// Recorder is notified of every successfully stored artifact.
type Recorder interface {
	Put(ctx context.Context, rec catalog.Record) error
}

// Result describes freshly stored content.
type Result struct {
	Size int64
	Hash sidekick.Hash
}

// Entry is the cache slot of one artifact.
type Entry struct {
	artifact string
	filename string
	backend  backend.Backend
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Entry.
type Option func(*Entry)

// WithRecorder sets the recorder notified after each successful write.
func WithRecorder(r Recorder) Option {
	return func(e *Entry) {
		e.recorder = r
	}
}

// WithLogger sets the logger for the entry.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Entry) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Entry) {
		e.now = now
	}
}

// NewEntry creates the entry for filename in b. artifact names the artifact
// type in logs, metrics and catalog records.
func NewEntry(artifact, filename string, b backend.Backend, opts ...Option) *Entry {
	e := &Entry{
		artifact: artifact,
		filename: filename,
		backend:  b,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Filename returns the deterministic name of the cached object.
func (e *Entry) Filename() string {
	return e.filename
}

// Key returns the queue key, which is the filename.
func (e *Entry) Key() string {
	return e.filename
}

// Artifact returns the artifact type name.
func (e *Entry) Artifact() string {
	return e.artifact
}

// Exists reports whether the entry is cached.
func (e *Entry) Exists(ctx context.Context) (bool, error) {
	ok, err := e.backend.Exists(ctx, e.filename)
	if err != nil {
		return false, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("checking %s: %w", e.filename, err))
	}
	return ok, nil
}

// Open returns a reader over the cached content and true on a hit.
func (e *Entry) Open(ctx context.Context) (io.ReadCloser, bool, error) {
	rc, err := e.backend.Read(ctx, e.filename)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("reading %s: %w", e.filename, err))
	}
	return rc, true, nil
}

// GetCache returns the cached content and true on a hit.
func (e *Entry) GetCache(ctx context.Context) ([]byte, bool, error) {
	rc, ok, err := e.Open(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("reading %s: %w", e.filename, err))
	}
	return data, true, nil
}

// CreateCache runs fn and atomically replaces the cached content with its
// output. If fn fails the write is aborted and the previous content, if
// any, stays in place.
func (e *Entry) CreateCache(ctx context.Context, fn ContentFunc) (Result, error) {
	start := e.now()
	res, err := e.write(ctx, fn)
	duration := e.now().Sub(start)
	if err != nil {
		telemetry.RecordGeneration(ctx, e.artifact, "error", duration)
		return Result{}, err
	}
	telemetry.RecordGeneration(ctx, e.artifact, "success", duration)
	telemetry.RecordArtifactSize(ctx, e.artifact, res.Size)

	e.logger.Info("artifact stored",
		"artifact", e.artifact,
		"key", e.filename,
		"size", res.Size,
		"hash", res.Hash.ShortString(),
		"duration", duration,
	)

	if e.recorder != nil {
		rec := catalog.Record{
			Key:         e.filename,
			Artifact:    e.artifact,
			Size:        res.Size,
			Hash:        res.Hash,
			GeneratedAt: e.now().UTC(),
			Duration:    duration,
		}
		if err := e.recorder.Put(ctx, rec); err != nil {
			e.logger.Warn("failed to record artifact", "key", e.filename, "error", err)
		}
	}
	return res, nil
}

func (e *Entry) write(ctx context.Context, fn ContentFunc) (Result, error) {
	wb, ok := e.backend.(backend.WriterBackend)
	if !ok {
		return e.writeBuffered(ctx, fn)
	}

	w, err := wb.Writer(ctx, e.filename)
	if err != nil {
		return Result{}, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("opening writer for %s: %w", e.filename, err))
	}
	hw := sidekick.NewHashingWriter(w)
	if err := fn(ctx, hw); err != nil {
		if abortErr := backend.Abort(w); abortErr != nil {
			e.logger.Warn("failed to abort write", "key", e.filename, "error", abortErr)
		}
		return Result{}, err
	}
	if err := w.Close(); err != nil {
		return Result{}, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("committing %s: %w", e.filename, err))
	}
	return Result{Size: hw.BytesWritten(), Hash: hw.Sum()}, nil
}

// writeBuffered generates into memory for backends without streaming
// writes; Backend.Write is still atomic.
func (e *Entry) writeBuffered(ctx context.Context, fn ContentFunc) (Result, error) {
	var buf bytes.Buffer
	hw := sidekick.NewHashingWriter(&buf)
	if err := fn(ctx, hw); err != nil {
		return Result{}, err
	}
	if err := e.backend.Write(ctx, e.filename, &buf); err != nil {
		return Result{}, sidekick.Wrap(sidekick.ReasonStorageError, fmt.Errorf("writing %s: %w", e.filename, err))
	}
	return Result{Size: hw.BytesWritten(), Hash: hw.Sum()}, nil
}
