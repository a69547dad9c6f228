package expiry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
	"github.com/stretchr/testify/require"
)

const (
	imageArtifact  = "og-image"
	reportArtifact = "votes-report"
)

type testEnv struct {
	catalog *catalog.Catalog
	images  backend.Backend
	reports backend.Backend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), catalog.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	images, err := backend.NewFilesystem(filepath.Join(dir, "og"))
	require.NoError(t, err)
	reports, err := backend.NewFilesystem(filepath.Join(dir, "votes"))
	require.NoError(t, err)

	return &testEnv{catalog: cat, images: images, reports: reports}
}

func (e *testEnv) add(t *testing.T, b backend.Backend, artifact, key string, size int64, generated time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, key, strings.NewReader(strings.Repeat("x", int(size)))))
	require.NoError(t, e.catalog.Put(ctx, catalog.Record{
		Key:         key,
		Artifact:    artifact,
		Size:        size,
		GeneratedAt: generated,
	}))
}

func (e *testEnv) manager(cfg Config, now time.Time) *Manager {
	mgr := NewManager(e.catalog, cfg).Track(imageArtifact, e.images)
	mgr.now = func() time.Time { return now }
	return mgr
}

func exists(t *testing.T, b backend.Backend, key string) bool {
	t.Helper()
	ok, err := b.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestManagerTTLExpiration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	baseTime := time.Now()

	env.add(t, env.images, imageArtifact, "og-space-old.png", 100, baseTime.Add(-10*24*time.Hour))
	env.add(t, env.images, imageArtifact, "og-space-new.png", 100, baseTime.Add(-24*time.Hour))

	result := env.manager(Config{TTL: 7 * 24 * time.Hour}, baseTime).RunOnce(ctx)

	require.Equal(t, 1, result.TTLExpired)
	require.Equal(t, int64(100), result.BytesFreed)
	require.Zero(t, result.Errors)

	require.False(t, exists(t, env.images, "og-space-old.png"))
	require.True(t, exists(t, env.images, "og-space-new.png"))

	_, err := env.catalog.Get(ctx, "og-space-old.png")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestManagerIgnoresUntrackedArtifacts(t *testing.T) {
	env := newTestEnv(t)
	baseTime := time.Now()

	env.add(t, env.reports, reportArtifact, "snapshot-votes-report-0xabc.csv", 100, baseTime.Add(-30*24*time.Hour))

	result := env.manager(Config{TTL: time.Hour, MaxSize: 1}, baseTime).RunOnce(context.Background())

	require.Zero(t, result.TTLExpired)
	require.Zero(t, result.Evicted)
	require.True(t, exists(t, env.reports, "snapshot-votes-report-0xabc.csv"))
}

func TestManagerSizeEviction(t *testing.T) {
	env := newTestEnv(t)
	baseTime := time.Now()

	env.add(t, env.images, imageArtifact, "og-a.png", 100, baseTime.Add(-3*time.Hour))
	env.add(t, env.images, imageArtifact, "og-b.png", 100, baseTime.Add(-2*time.Hour))
	env.add(t, env.images, imageArtifact, "og-c.png", 100, baseTime.Add(-1*time.Hour))

	result := env.manager(Config{MaxSize: 150}, baseTime).RunOnce(context.Background())

	require.Equal(t, 2, result.Evicted)
	require.Equal(t, int64(200), result.BytesFreed)
	require.False(t, exists(t, env.images, "og-a.png"))
	require.False(t, exists(t, env.images, "og-b.png"))
	require.True(t, exists(t, env.images, "og-c.png"))
}

func TestManagerCombinedTTLAndSize(t *testing.T) {
	env := newTestEnv(t)
	baseTime := time.Now()

	env.add(t, env.images, imageArtifact, "og-expired.png", 50, baseTime.Add(-48*time.Hour))
	env.add(t, env.images, imageArtifact, "og-older.png", 100, baseTime.Add(-2*time.Hour))
	env.add(t, env.images, imageArtifact, "og-newer.png", 100, baseTime.Add(-1*time.Hour))

	result := env.manager(Config{TTL: 24 * time.Hour, MaxSize: 100}, baseTime).RunOnce(context.Background())

	require.Equal(t, 1, result.TTLExpired)
	require.Equal(t, 1, result.Evicted)
	require.Equal(t, int64(150), result.BytesFreed)
	require.True(t, exists(t, env.images, "og-newer.png"))
}

func TestManagerNothingToExpire(t *testing.T) {
	env := newTestEnv(t)
	baseTime := time.Now()
	env.add(t, env.images, imageArtifact, "og-home.png", 10, baseTime)

	result := env.manager(Config{TTL: time.Hour, MaxSize: 1000}, baseTime).RunOnce(context.Background())
	require.Zero(t, result.TTLExpired+result.Evicted+result.Errors)
}

func TestManagerBackgroundRun(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, env.images, imageArtifact, "og-old.png", 10, time.Now().Add(-2*time.Hour))

	mgr := NewManager(env.catalog, Config{
		TTL:           time.Hour,
		CheckInterval: 50 * time.Millisecond,
	}).Track(imageArtifact, env.images)

	require.NoError(t, mgr.Start(context.Background()))

	require.Eventually(t, func() bool {
		ok, err := env.images.Exists(context.Background(), "og-old.png")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)

	mgr.Stop()

	// Should be able to stop again without issue
	mgr.Stop()
}

func TestConfigEnabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.True(t, Config{TTL: time.Minute}.Enabled())
	require.True(t, Config{MaxSize: 1}.Enabled())
}
