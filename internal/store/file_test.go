package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

func sampleEntry(fp string) schemas.CacheEntry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return schemas.CacheEntry{
		Fingerprint:    fp,
		HealedSelector: "getByTestId('submit')",
		CreatedAt:      now,
		LastAccessedAt: now,
		HitCount:       2,
		SourceStrategy: schemas.SourceStructural,
	}
}

// -- Test Cases: FileStore --

func TestFileStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "selectors.json")
	s, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, found, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "absent file is an empty store")

	e := sampleEntry("fp1")
	require.NoError(t, s.Save(ctx, e))

	got, found, err := s.Load(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.HealedSelector, got.HealedSelector)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, int64(2), got.HitCount)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "fp1"))
	_, found, err = s.Load(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore_PersistedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.json")
	s, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleEntry("abc")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, field := range []string{`"abc"`, `"fingerprint"`, `"healed_selector"`, `"created_at"`, `"last_accessed_at"`, `"hit_count"`, `"source_strategy"`} {
		assert.Contains(t, string(data), field)
	}

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".selectors-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files are renamed into place")
}

func TestFileStore_SkipsCorruptRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.json")
	content := `{
  "good": {"fingerprint":"good","healed_selector":"#ok","created_at":"2026-01-01T00:00:00Z","last_accessed_at":"2026-01-01T00:00:00Z","hit_count":0,"source_strategy":"structural"},
  "bad": {"fingerprint":"bad","healed_selector":42},
  "empty": {"fingerprint":"empty"}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	core, logs := observer.New(zapcore.WarnLevel)
	s, err := NewFileStore(path, zap.New(core))
	require.NoError(t, err)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, logs.FilterMessageSnippet("Skipping corrupt selector record").Len())

	e, found, err := s.Load(context.Background(), "good")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "#ok", e.HealedSelector)
}

func TestFileStore_UnreadableFileMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	core, logs := observer.New(zapcore.WarnLevel)
	s, err := NewFileStore(path, zap.New(core))
	require.NoError(t, err)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, logs.FilterMessageSnippet("moved it aside").Len())

	kept, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, "not json", string(kept))

	require.NoError(t, s.Save(context.Background(), sampleEntry("fp")))
	n, err = s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileStore_TruncatedFileIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "selectors.json")
	s, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, sampleEntry(fp)))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	require.NoError(t, s.Save(ctx, sampleEntry("d")))

	kept, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, data[:len(data)-2], kept, "the damaged file survives for recovery")
	for _, fp := range []string{`"a"`, `"b"`, `"c"`} {
		assert.Contains(t, string(kept), fp)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileStore_Purge(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "selectors.json"), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleEntry("a")))
	require.NoError(t, s.Save(ctx, sampleEntry("b")))
	require.NoError(t, s.Purge(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "selectors.json"), zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, fp := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, sampleEntry(fp)))
		}(fp)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "no write is lost")
}

func TestFileStore_CanceledContext(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "selectors.json"), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Save(ctx, sampleEntry("fp")), context.Canceled)
}
