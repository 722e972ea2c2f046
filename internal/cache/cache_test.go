package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/observability"
)

// mapStore is an in-memory Store with switchable failures.
type mapStore struct {
	mu      sync.Mutex
	records map[string]schemas.CacheEntry
	failAll error
	saves   int
	loads   int
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string]schemas.CacheEntry)}
}

func (s *mapStore) Load(_ context.Context, fp string) (schemas.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return schemas.CacheEntry{}, false, s.failAll
	}
	s.loads++
	e, ok := s.records[fp]
	return e, ok, nil
}

func (s *mapStore) Save(_ context.Context, e schemas.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.saves++
	s.records[e.Fingerprint] = e
	return nil
}

func (s *mapStore) Delete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	delete(s.records, fp)
	return nil
}

func (s *mapStore) Purge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]schemas.CacheEntry)
	return nil
}

func (s *mapStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *mapStore) Close() error { return nil }

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:           true,
		MaximumSize:       100,
		ExpireAfterWrite:  24 * time.Hour,
		ExpireAfterAccess: 2 * time.Hour,
		IOTimeout:         time.Second,
	}
}

// -- Test Cases: read-through and write-through --

func TestCache_PutWritesBothTiers(t *testing.T) {
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put(context.Background(), "fp1", "#login", schemas.SourceStructural))

	assert.Equal(t, 1, c.Len())
	rec, ok := store.records["fp1"]
	require.True(t, ok)
	assert.Equal(t, "#login", rec.HealedSelector)
	assert.Equal(t, schemas.SourceStructural, rec.SourceStrategy)
	assert.Equal(t, int64(0), rec.HitCount)
}

func TestCache_DurableHitRepopulatesMemory(t *testing.T) {
	clock := newFakeClock()
	store := newMapStore()
	store.records["fp1"] = entryAt("fp1", "#persisted", clock.Now())

	c, err := New(testCacheConfig(), store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	e, ok := c.Get(context.Background(), "fp1")
	require.True(t, ok)
	assert.Equal(t, "#persisted", e.HealedSelector)
	assert.Equal(t, int64(1), e.HitCount)

	// The second hit is served from memory.
	_, ok = c.Get(context.Background(), "fp1")
	require.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DurableHits)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.MemoryMisses)
	assert.Zero(t, store.records["fp1"].HitCount, "hits stay in memory until flushed")

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, int64(2), store.records["fp1"].HitCount)
	assert.Equal(t, clock.Now(), store.records["fp1"].LastAccessedAt)
}

func TestCache_MemoryHitsDoNotWriteDurableTier(t *testing.T) {
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", "#login", schemas.SourceStructural))
	for i := 0; i < 100; i++ {
		_, ok := c.Get(ctx, "fp1")
		require.True(t, ok)
	}

	assert.Equal(t, 1, store.saves, "only the Put reaches the store")
	assert.Zero(t, store.loads)

	require.NoError(t, c.Close())
	assert.Equal(t, 2, store.saves, "Close writes the pending hits once")
	assert.Equal(t, int64(100), store.records["fp1"].HitCount)
}

func TestCache_EvictExpiredFlushesSurvivors(t *testing.T) {
	clock := newFakeClock()
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "stale", "#old", schemas.SourceStructural))
	clock.Advance(90 * time.Minute)
	require.NoError(t, c.Put(ctx, "fresh", "#new", schemas.SourceStructural))
	_, ok := c.Get(ctx, "fresh")
	require.True(t, ok)
	clock.Advance(time.Hour)

	assert.Equal(t, 1, c.EvictExpired(ctx))
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, int64(1), store.records["fresh"].HitCount)

	// Nothing is pending after a flush.
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 3, store.saves)
}

func TestCache_FlushFailureStaysPending(t *testing.T) {
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", "#login", schemas.SourceStructural))
	_, ok := c.Get(ctx, "fp1")
	require.True(t, ok)

	store.failAll = errors.New("disk full")
	assert.ErrorIs(t, c.Flush(ctx), schemas.ErrCacheIO)

	store.failAll = nil
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, int64(1), store.records["fp1"].HitCount)
}

func TestCache_InvalidateDropsPendingHits(t *testing.T) {
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", "#login", schemas.SourceStructural))
	_, ok := c.Get(ctx, "fp1")
	require.True(t, ok)
	require.NoError(t, c.Invalidate(ctx, "fp1"))

	require.NoError(t, c.Flush(ctx))
	_, found := store.records["fp1"]
	assert.False(t, found, "a flush never resurrects an invalidated entry")
}

func TestCache_DurableTTLAppliesOnLoad(t *testing.T) {
	clock := newFakeClock()
	store := newMapStore()
	store.records["stale"] = entryAt("stale", "#old", clock.Now().Add(-25*time.Hour))

	c, err := New(testCacheConfig(), store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), "stale")
	assert.False(t, ok)
	_, stillThere := store.records["stale"]
	assert.False(t, stillThere, "expired durable record is dropped")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_DurableReadFailureIsMiss(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newMapStore()
	store.failAll = errors.New("disk on fire")

	c, err := New(testCacheConfig(), store, zap.New(core))
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), "fp")
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessageSnippet("Durable cache read failed").Len())
}

func TestCache_WriteFailureIsCacheIOError(t *testing.T) {
	store := newMapStore()
	store.failAll = errors.New("read-only filesystem")
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)

	err = c.Put(context.Background(), "fp", "#x", schemas.SourceVisual)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrCacheIO)
	assert.Equal(t, schemas.KindCacheIO, schemas.KindOf(err))

	// Memory still serves the healed selector.
	store.failAll = nil
	e, ok := c.Get(context.Background(), "fp")
	require.True(t, ok)
	assert.Equal(t, "#x", e.HealedSelector)
}

func TestCache_InvalidateAndClear(t *testing.T) {
	store := newMapStore()
	c, err := New(testCacheConfig(), store, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", "#a", schemas.SourceStructural))
	require.NoError(t, c.Put(ctx, "b", "#b", schemas.SourceStructural))

	require.NoError(t, c.Invalidate(ctx, "a"))
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	n, err := c.DurableLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
	n, err = c.DurableLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCache_MemoryOnly(t *testing.T) {
	c, err := New(testCacheConfig(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp", "#a", schemas.SourceStructural))
	_, ok := c.Get(ctx, "fp")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
	n, err := c.DurableLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, c.Close())
}

func TestCache_Metrics(t *testing.T) {
	m := observability.NewMetrics("test", nil)
	c, err := New(testCacheConfig(), nil, zap.NewNop(), WithMetrics(m))
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = c.Get(ctx, "fp")
	require.NoError(t, c.Put(ctx, "fp", "#a", schemas.SourceStructural))
	_, _ = c.Get(ctx, "fp")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(TierMemory, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(TierMemory, "hit")))
}

// -- Test Cases: fingerprint --

func TestFingerprint(t *testing.T) {
	login := locator.MustParse(`getByRole('button', { name: 'Login' })`)
	same := locator.MustParse(`getByRole("button", {name: "Login"})`)

	fp := Fingerprint(login, "login button", "")
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(same, "  login button ", ""), "canonical hint and trimmed description")
	assert.NotEqual(t, fp, Fingerprint(login, "login button", "checkout"), "context tag participates")
	assert.NotEqual(t, fp, Fingerprint(login, "sign in button", ""))
	assert.NotEqual(t,
		Fingerprint(locator.MustParse("#a"), "b\x00c", ""),
		Fingerprint(locator.MustParse("#a"), "b", "c"),
	)
}
