// internal/cache/cache.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/observability"
)

// Store is the durable tier. Load reports (zero, false, nil) when fp is unknown.
type Store interface {
	Load(ctx context.Context, fp string) (schemas.CacheEntry, bool, error)
	Save(ctx context.Context, e schemas.CacheEntry) error
	Delete(ctx context.Context, fp string) error
	Purge(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Tier labels used in logs and metrics.
const (
	TierMemory  = "memory"
	TierDurable = "durable"
)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	MemoryHits    int64 `json:"memory_hits"`
	MemoryMisses  int64 `json:"memory_misses"`
	DurableHits   int64 `json:"durable_hits"`
	DurableMisses int64 `json:"durable_misses"`
	Evictions     int64 `json:"evictions"`
	Writes        int64 `json:"writes"`
	Size          int   `json:"size"`
}

// Cache composes the memory tier with an optional durable Store. Reads fall through to the
// store on a memory miss and repopulate memory. Writes go to both tiers. Hit bookkeeping stays in
// memory until Flush, EvictExpired or Close writes it through.
type Cache struct {
	mem       *Memory
	store     Store
	ioTimeout time.Duration
	now       func() time.Time
	log       *zap.Logger
	metrics   *observability.Metrics

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	memHits, memMisses         atomic.Int64
	durableHits, durableMisses atomic.Int64
	evictions, writes          atomic.Int64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics publishes lookups and evictions.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache from cfg. store may be nil for a memory-only cache.
func New(cfg config.CacheConfig, store Store, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		store:     store,
		ioTimeout: cfg.IOTimeout,
		now:       time.Now,
		log:       logger.Named("cache"),
		dirty:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	mem, err := NewMemory(cfg.MaximumSize, cfg.ExpireAfterWrite, cfg.ExpireAfterAccess, c.now)
	if err != nil {
		return nil, err
	}
	c.mem = mem
	return c, nil
}

// Get returns the live entry for fp, recording the hit. Durable tier failures are logged and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, fp string) (schemas.CacheEntry, bool) {
	if e, ok := c.mem.Get(fp); ok {
		c.memHits.Add(1)
		c.metrics.ObserveCacheLookup(TierMemory, true)
		c.markDirty(fp)
		return e, true
	}
	c.memMisses.Add(1)
	c.metrics.ObserveCacheLookup(TierMemory, false)

	if c.store == nil {
		return schemas.CacheEntry{}, false
	}

	ioCtx, cancel := c.ioContext(ctx)
	e, found, err := c.store.Load(ioCtx, fp)
	cancel()
	if err != nil {
		c.log.Warn("Durable cache read failed, treating as miss.", zap.String("fingerprint", fp), zap.Error(err))
		c.durableMisses.Add(1)
		c.metrics.ObserveCacheLookup(TierDurable, false)
		return schemas.CacheEntry{}, false
	}

	now := c.now()
	if found && c.mem.Expired(e, now) {
		c.log.Debug("Durable cache entry expired.", zap.String("fingerprint", fp))
		c.deleteDurable(ctx, fp)
		c.recordEviction("expired")
		found = false
	}
	if !found {
		c.durableMisses.Add(1)
		c.metrics.ObserveCacheLookup(TierDurable, false)
		return schemas.CacheEntry{}, false
	}

	c.durableHits.Add(1)
	c.metrics.ObserveCacheLookup(TierDurable, true)
	e.LastAccessedAt = now
	e.HitCount++
	if c.mem.Put(e) {
		c.recordEviction("size")
	}
	c.markDirty(fp)
	return e, true
}

// Put records a healed selector for fp in both tiers. A durable failure leaves the memory entry
// in place and returns an error wrapping schemas.ErrCacheIO.
func (c *Cache) Put(ctx context.Context, fp, selector, strategy string) error {
	now := c.now()
	e := schemas.CacheEntry{
		Fingerprint:    fp,
		HealedSelector: selector,
		CreatedAt:      now,
		LastAccessedAt: now,
		SourceStrategy: strategy,
	}
	if c.mem.Put(e) {
		c.recordEviction("size")
	}
	c.clearDirty(fp)
	c.writes.Add(1)

	if c.store == nil {
		return nil
	}
	ioCtx, cancel := c.ioContext(ctx)
	defer cancel()
	if err := c.store.Save(ioCtx, e); err != nil {
		return fmt.Errorf("%w: saving %s: %w", schemas.ErrCacheIO, fp, err)
	}
	return nil
}

// Invalidate removes fp from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fp string) error {
	if c.mem.Remove(fp) {
		c.recordEviction("invalidated")
	}
	c.clearDirty(fp)
	if c.store == nil {
		return nil
	}
	ioCtx, cancel := c.ioContext(ctx)
	defer cancel()
	if err := c.store.Delete(ioCtx, fp); err != nil {
		return fmt.Errorf("%w: deleting %s: %w", schemas.ErrCacheIO, fp, err)
	}
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mem.Purge()
	c.dirtyMu.Lock()
	clear(c.dirty)
	c.dirtyMu.Unlock()
	if c.store == nil {
		return nil
	}
	ioCtx, cancel := c.ioContext(ctx)
	defer cancel()
	if err := c.store.Purge(ioCtx); err != nil {
		return fmt.Errorf("%w: purging: %w", schemas.ErrCacheIO, err)
	}
	return nil
}

// Len is the number of records in the memory tier.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// DurableLen counts records in the durable tier.
func (c *Cache) DurableLen(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	ioCtx, cancel := c.ioContext(ctx)
	defer cancel()
	n, err := c.store.Count(ioCtx)
	if err != nil {
		return 0, fmt.Errorf("%w: counting: %w", schemas.ErrCacheIO, err)
	}
	return n, nil
}

// EvictExpired sweeps expired records out of the memory tier, then writes pending hit bookkeeping
// for the survivors to the durable tier.
func (c *Cache) EvictExpired(ctx context.Context) int {
	n := c.mem.EvictExpired()
	for i := 0; i < n; i++ {
		c.recordEviction("expired")
	}
	if err := c.Flush(ctx); err != nil {
		c.log.Debug("Failed to flush hit bookkeeping.", zap.Error(err))
	}
	return n
}

// Flush writes the access time and hit count of every entry hit since the last flush to the
// durable tier. Entries that left memory meanwhile are skipped. Failed writes stay pending.
func (c *Cache) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.dirtyMu.Lock()
	pending := c.dirty
	c.dirty = make(map[string]struct{})
	c.dirtyMu.Unlock()

	var errs []error
	for fp := range pending {
		e, ok := c.mem.Peek(fp)
		if !ok {
			continue
		}
		ioCtx, cancel := c.ioContext(ctx)
		err := c.store.Save(ioCtx, e)
		cancel()
		if err != nil {
			c.markDirty(fp)
			errs = append(errs, fmt.Errorf("saving %s: %w", fp, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: flushing hits: %w", schemas.ErrCacheIO, errors.Join(errs...))
	}
	return nil
}

// Entries snapshots the live memory-tier records.
func (c *Cache) Entries() []schemas.CacheEntry {
	return c.mem.Entries()
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:    c.memHits.Load(),
		MemoryMisses:  c.memMisses.Load(),
		DurableHits:   c.durableHits.Load(),
		DurableMisses: c.durableMisses.Load(),
		Evictions:     c.evictions.Load(),
		Writes:        c.writes.Load(),
		Size:          c.mem.Len(),
	}
}

// Close flushes pending hit bookkeeping and releases the durable tier.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	flushErr := c.Flush(context.Background())
	if flushErr != nil {
		c.log.Warn("Failed to flush hit bookkeeping on close.", zap.Error(flushErr))
	}
	return errors.Join(flushErr, c.store.Close())
}

func (c *Cache) markDirty(fp string) {
	if c.store == nil {
		return
	}
	c.dirtyMu.Lock()
	c.dirty[fp] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *Cache) clearDirty(fp string) {
	c.dirtyMu.Lock()
	delete(c.dirty, fp)
	c.dirtyMu.Unlock()
}

func (c *Cache) deleteDurable(ctx context.Context, fp string) {
	ioCtx, cancel := c.ioContext(ctx)
	defer cancel()
	if err := c.store.Delete(ioCtx, fp); err != nil {
		c.log.Debug("Failed to drop expired durable entry.", zap.String("fingerprint", fp), zap.Error(err))
	}
}

func (c *Cache) recordEviction(reason string) {
	c.evictions.Add(1)
	c.metrics.ObserveCacheEviction(reason)
}

func (c *Cache) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.ioTimeout)
}
