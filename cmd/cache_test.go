// File: cmd/cache_test.go
package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/store"
)

// seedFileStore points the CLI at a fresh file store holding entries for the given hints.
func seedFileStore(t *testing.T, hints ...string) *store.FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selectors.json")
	t.Setenv("AUTOHEAL_CACHE_STORE_TYPE", "file")
	t.Setenv("AUTOHEAL_CACHE_STORE_FILE_PATH", path)

	fs, err := store.NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	now := time.Now()
	for _, h := range hints {
		require.NoError(t, fs.Save(context.Background(), schemas.CacheEntry{
			Fingerprint:    cache.Fingerprint(locator.MustParse(h), "Login button", ""),
			HealedSelector: `[data-test="login-button"]`,
			CreatedAt:      now,
			LastAccessedAt: now,
			SourceStrategy: schemas.SourceStructural,
		}))
	}
	return fs
}

func durableCount(t *testing.T, fs *store.FileStore) int {
	t.Helper()
	n, err := fs.Count(context.Background())
	require.NoError(t, err)
	return n
}

// -- Test Cases: Cache Commands --

func TestCacheStats(t *testing.T) {
	seedFileStore(t, "#one", "#two")

	out, err := executeCommand(t, nil, "cache", "stats")
	require.NoError(t, err)

	var status cacheStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status), out)
	assert.Equal(t, "file", status.Store)
	assert.Equal(t, 2, status.DurableEntries)
}

func TestCacheInvalidate(t *testing.T) {
	fs := seedFileStore(t, "#one", "#two")

	out, err := executeCommand(t, nil, "cache", "invalidate", "--hint", "#one", "--description", "Login button")
	require.NoError(t, err)
	assert.Contains(t, out, "Invalidated")
	assert.Equal(t, 1, durableCount(t, fs))

	_, err = executeCommand(t, nil, "cache", "invalidate", "--hint", "#one")
	assert.Error(t, err)
}

func TestCachePurge(t *testing.T) {
	fs := seedFileStore(t, "#one", "#two", "#three")

	out, err := executeCommand(t, nil, "cache", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Selector cache purged.")
	assert.Zero(t, durableCount(t, fs))
}

func TestCache_RequiresDurableStore(t *testing.T) {
	t.Setenv("AUTOHEAL_CACHE_STORE_TYPE", "none")

	_, err := executeCommand(t, nil, "cache", "stats")
	assert.ErrorIs(t, err, errNoDurableStore)
}
