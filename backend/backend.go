// Package backend provides the storage engines generated artifacts are
// persisted to. Every engine publishes writes atomically: readers observe
// either the previous object or the complete new one, never a partial write.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for keys that would resolve outside the backend root.
var ErrInvalidKey = errors.New("invalid key")

// CheckKey rejects absolute keys and keys that escape the root through "..".
func CheckKey(key string) error {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	// The object becomes visible only once Write returns nil.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix. In-progress temporary
	// objects are never listed.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterBackend extends Backend with streaming writes, used by generators
// that produce their content incrementally.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil. Writers returned
	// by the engines in this package also implement Aborter.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// Aborter is implemented by writers that can discard an uncommitted write.
type Aborter interface {
	Abort() error
}

// Abort discards an uncommitted write. Closing would publish the partial
// content, so writers that cannot abort are left untouched.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return errors.New("writer does not support abort")
}
