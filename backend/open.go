package backend

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
)

// Engine names accepted by Open.
const (
	EngineFile = "file"
	EngineS3   = "s3"
)

// Config selects and configures the storage engine shared by all artifact
// types. Each artifact type gets its own subdirectory.
type Config struct {
	// Engine is "file" (default) or "s3".
	Engine string

	// Dir is the root directory of the file engine.
	Dir string

	// S3 configures the s3 engine. Its Prefix is joined with the subdirectory.
	S3 S3Config
}

// Open returns the configured engine rooted at subdir, wrapped with metrics.
func Open(ctx context.Context, cfg Config, subdir string) (*InstrumentedBackend, error) {
	switch cfg.Engine {
	case "", EngineFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "./cache"
		}
		fs, err := NewFilesystem(filepath.Join(dir, subdir))
		if err != nil {
			return nil, fmt.Errorf("opening file storage for %s: %w", subdir, err)
		}
		return NewInstrumentedBackend(fs, EngineFile+":"+subdir), nil

	case EngineS3:
		s3cfg := cfg.S3
		s3cfg.Prefix = path.Join(s3cfg.Prefix, subdir)
		s3b, err := NewS3(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("opening s3 storage for %s: %w", subdir, err)
		}
		return NewInstrumentedBackend(s3b, EngineS3+":"+subdir), nil

	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}
