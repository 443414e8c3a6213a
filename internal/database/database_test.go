package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "samples.db"),
	}, zerolog.Nop())
	require.NoError(t, m.Connect())
	require.NoError(t, m.Setup())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func sample(session string, at time.Time, recompute time.Duration) perf.Sample {
	return perf.Sample{
		Time:      at,
		SessionID: session,
		Stages: map[string]perf.StageStats{
			perf.StageRecompute: {Count: 2, Total: 2 * recompute, Min: recompute, Max: recompute, Last: recompute},
			perf.StageCluster:   {Count: 2, Total: time.Millisecond, Min: 500 * time.Microsecond, Max: 500 * time.Microsecond},
		},
		ViewportUpdates: 2,
		PoolOutstanding: 12,
		PoolIdle:        3,
		PoolCreated:     15,
	}
}

func TestConnect_SQLite(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.IsValid)
	assert.True(t, m.UsingSQLite)
	assert.True(t, m.DB.Migrator().HasTable(&PerformanceSample{}))
}

func TestConnect_PostgresFallsBackToSQLite(t *testing.T) {
	m := NewManager(config.DatabaseConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     "1",
		Username: "nobody",
		Database: "none",
		Path:     filepath.Join(t.TempDir(), "fallback.db"),
	}, zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect())
	assert.True(t, m.UsingSQLite)
	assert.Equal(t, "sqlite", m.DB.Dialector.Name())
}

func TestSaveAndQuerySamples(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.WriteSamples(ctx, []perf.Sample{
		sample("s1", base, 4*time.Millisecond),
		sample("s2", base.Add(time.Second), 8*time.Millisecond),
		sample("s1", base.Add(2*time.Second), 6*time.Millisecond),
	}))

	all, err := m.RecentSamples(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s1", all[0].SessionID)
	assert.Equal(t, 6.0, all[0].RecomputeMeanMs)

	s1, err := m.RecentSamples(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, int64(2), s1[0].RecomputeCount)
	assert.Equal(t, 12, s1[0].PoolOutstanding)

	stages, err := s1[0].StageBreakdown()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Microsecond, stages[perf.StageCluster].Max)
	assert.Equal(t, 6*time.Millisecond, stages[perf.StageRecompute].Last)
}

func TestWriteSamples_Empty(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.WriteSamples(context.Background(), nil))
}

func TestPurgeBefore(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.WriteSamples(ctx, []perf.Sample{
		sample("s1", base, time.Millisecond),
		sample("s1", base.Add(time.Hour), time.Millisecond),
	}))

	n, err := m.PurgeBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := m.RecentSamples(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestNotConnected(t *testing.T) {
	m := NewManager(config.DatabaseConfig{Type: "sqlite"}, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, m.Setup(), ErrNotConnected)
	assert.ErrorIs(t, m.WriteSamples(ctx, []perf.Sample{{}}), ErrNotConnected)
	_, err := m.RecentSamples(ctx, "", 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, m.Close())
}

func TestDumpToDisk(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WriteSamples(context.Background(), []perf.Sample{sample("s1", time.Now().UTC(), time.Millisecond)}))

	m.SqliteFilePath = filepath.Join(t.TempDir(), "dump.db")
	require.NoError(t, m.DumpMemoryToDisk())

	info, err := os.Stat(m.SqliteFilePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestDumpToDisk_NoPath(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.DumpMemoryToDisk())
}

func TestShutdown_DumpsInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	dump := filepath.Join(t.TempDir(), "dump.db")

	m := NewManager(config.DatabaseConfig{Type: "sqlite", DumpPath: dump}, zerolog.Nop())
	require.NoError(t, m.Connect())
	require.NoError(t, m.Setup())
	assert.True(t, m.InMemory)
	require.NoError(t, m.WriteSamples(ctx, []perf.Sample{sample("s1", time.Now().UTC(), time.Millisecond)}))

	require.NoError(t, m.Shutdown())
	assert.False(t, m.IsValid)

	disk := NewManager(config.DatabaseConfig{Type: "sqlite", Path: dump}, zerolog.Nop())
	require.NoError(t, disk.Connect())
	t.Cleanup(func() { _ = disk.Close() })

	got, err := disk.RecentSamples(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestShutdown_FileDatabaseIsNotDumped(t *testing.T) {
	m := newTestManager(t)
	m.SqliteFilePath = filepath.Join(t.TempDir(), "dump.db")

	require.NoError(t, m.Shutdown())
	_, err := os.Stat(m.SqliteFilePath)
	assert.True(t, os.IsNotExist(err))
}
