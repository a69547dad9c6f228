// Package catalog keeps a record of every artifact sidekick has generated:
// its size, content hash, and when and how long it took to render. The
// records back ETags and the /stats endpoint; the artifacts themselves live
// in a backend.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	sidekick "github.com/snapshot-labs/sidekick"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("catalog: record not found")

var bucketArtifacts = []byte("artifacts") // filename -> Record JSON

// Record describes one generated artifact.
type Record struct {
	Key         string        `json:"key"`
	Artifact    string        `json:"artifact"`
	Size        int64         `json:"size"`
	Hash        sidekick.Hash `json:"hash"`
	GeneratedAt time.Time     `json:"generated_at"`
	Duration    time.Duration `json:"duration"`
}

// ArtifactStats aggregates the records of one artifact type.
type ArtifactStats struct {
	Count         int       `json:"count"`
	TotalBytes    int64     `json:"total_bytes"`
	LastGenerated time.Time `json:"last_generated"`
}

// Stats aggregates all records by artifact type.
type Stats struct {
	Artifacts map[string]ArtifactStats `json:"artifacts"`
	Total     int                      `json:"total"`
}

// Catalog stores records in bbolt.
type Catalog struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger for the catalog.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(c *Catalog) {
		c.noSync = noSync
	}
}

// Open opens (or creates) the catalog database at path.
func Open(path string, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketArtifacts, err)
	}
	c.db = db

	c.logger.Debug("opened catalog", "path", path)
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put stores rec, replacing any previous record for the same key. A zero
// GeneratedAt is set to the current time.
func (c *Catalog) Put(_ context.Context, rec Record) error {
	if rec.Key == "" {
		return errors.New("catalog: empty key")
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = c.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArtifacts).Put([]byte(rec.Key), data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// Get returns the record for key or ErrNotFound.
func (c *Catalog) Get(_ context.Context, key string) (Record, error) {
	var rec Record
	err := c.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketArtifacts).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// Delete removes the record for key. Missing keys are not an error.
func (c *Catalog) Delete(_ context.Context, key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(key))
	})
}

// List returns all records ordered by key.
func (c *Catalog) List(_ context.Context) ([]Record, error) {
	var recs []Record
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				c.logger.Warn("skipping corrupt catalog record", "key", string(k), "error", err)
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs, nil
}

// Stats aggregates all records by artifact type.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	recs, err := c.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Artifacts: make(map[string]ArtifactStats)}
	for _, rec := range recs {
		a := st.Artifacts[rec.Artifact]
		a.Count++
		a.TotalBytes += rec.Size
		if rec.GeneratedAt.After(a.LastGenerated) {
			a.LastGenerated = rec.GeneratedAt
		}
		st.Artifacts[rec.Artifact] = a
		st.Total++
	}
	return st, nil
}
