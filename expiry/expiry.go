// Package expiry removes generated artifacts whose content goes stale, using
// the catalog's generation times. Removed entries are regenerated on the
// next request.
package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
)

// Catalog is the record store expiry reads generation times from.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Record, error)
	Delete(ctx context.Context, key string) error
}

// Config holds expiration configuration.
type Config struct {
	// TTL is how long an artifact is served after it was generated.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxSize is the maximum total size of the tracked artifacts in bytes.
	// When exceeded, the oldest generations are removed first.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// Enabled reports whether the configuration expires anything.
func (c Config) Enabled() bool {
	return c.TTL > 0 || c.MaxSize > 0
}

// Manager expires the artifacts of the tracked types.
type Manager struct {
	config   Config
	catalog  Catalog
	backends map[string]backend.Backend
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(cat Catalog, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:   cfg,
		catalog:  cat,
		backends: make(map[string]backend.Backend),
		logger:   cfg.Logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Track subjects artifacts of the given type, stored in b, to expiration.
// Call before Start.
func (m *Manager) Track(artifact string, b backend.Backend) *Manager {
	m.backends[artifact] = b
	return m
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info("starting expiry manager",
		"ttl", m.config.TTL,
		"max_size", m.config.MaxSize,
		"check_interval", m.config.CheckInterval,
	)
	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Result contains the results of an expiration run.
type Result struct {
	TTLExpired int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	records, err := m.tracked(ctx)
	if err != nil {
		m.logger.Error("failed to list catalog", "error", err)
		result.Errors++
		return result
	}

	if m.config.TTL > 0 {
		cutoff := m.now().Add(-m.config.TTL)
		var remaining []catalog.Record
		for _, rec := range records {
			if !rec.GeneratedAt.Before(cutoff) {
				remaining = append(remaining, rec)
				continue
			}
			if m.remove(ctx, rec, result) {
				result.TTLExpired++
			}
		}
		records = remaining
	}

	if m.config.MaxSize > 0 {
		m.evict(ctx, records, result)
	}

	result.Duration = m.now().Sub(start)

	if result.TTLExpired > 0 || result.Evicted > 0 {
		m.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}

// tracked returns the catalog records of tracked artifact types.
func (m *Manager) tracked(ctx context.Context) ([]catalog.Record, error) {
	all, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	records := all[:0]
	for _, rec := range all {
		if _, ok := m.backends[rec.Artifact]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// evict removes the oldest generations until the total size fits.
func (m *Manager) evict(ctx context.Context, records []catalog.Record, result *Result) {
	var total int64
	for _, rec := range records {
		total += rec.Size
	}
	if total <= m.config.MaxSize {
		return
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].GeneratedAt.Before(records[j].GeneratedAt)
	})

	for _, rec := range records {
		if total <= m.config.MaxSize {
			break
		}
		if m.remove(ctx, rec, result) {
			result.Evicted++
			total -= rec.Size
		}
	}
}

// remove deletes the stored artifact, then its record.
func (m *Manager) remove(ctx context.Context, rec catalog.Record, result *Result) bool {
	b := m.backends[rec.Artifact]
	if err := b.Delete(ctx, rec.Key); err != nil {
		m.logger.Warn("failed to delete artifact", "key", rec.Key, "artifact", rec.Artifact, "error", err)
		result.Errors++
		return false
	}
	if err := m.catalog.Delete(ctx, rec.Key); err != nil {
		m.logger.Warn("failed to delete catalog record", "key", rec.Key, "error", err)
		result.Errors++
		return false
	}
	result.BytesFreed += rec.Size
	m.logger.Debug("expired artifact",
		"key", rec.Key,
		"artifact", rec.Artifact,
		"age", m.now().Sub(rec.GeneratedAt),
		"size", rec.Size,
	)
	return true
}
