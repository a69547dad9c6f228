package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/snapshot-labs/sidekick/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper. name
// labels the metrics, typically "<engine>:<subdir>".
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
// The commit is recorded when the returned writer is closed.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend %s does not support Writer", ib.name)
	}
	wc, err := wb.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), 0, 0)
		return nil, err
	}
	return &instrumentedWriter{wc: wc, ctx: ctx, name: ib.name, start: time.Now()}, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

type instrumentedWriter struct {
	wc    io.WriteCloser
	ctx   context.Context
	name  string
	start time.Time
	n     int64
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := w.wc.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWriter) Close() error {
	err := w.wc.Close()
	telemetry.RecordBackendOp(w.ctx, w.name, "commit", outcomeFromError(err), time.Since(w.start), w.n)
	return err
}

func (w *instrumentedWriter) Abort() error {
	err := Abort(w.wc)
	telemetry.RecordBackendOp(w.ctx, w.name, "abort", outcomeFromError(err), time.Since(w.start), 0)
	return err
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var (
	_ WriterBackend = (*InstrumentedBackend)(nil)
	_ Aborter       = (*instrumentedWriter)(nil)
)
