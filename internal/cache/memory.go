// internal/cache/memory.go
package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// memEntry guards one record. Hits on different fingerprints never contend.
type memEntry struct {
	mu    sync.Mutex
	entry schemas.CacheEntry
}

// Memory is the in-process tier: a bounded LRU map whose records also expire after a fixed time
// since creation and after a fixed idle time since the last hit.
type Memory struct {
	entries   *lru.Cache[string, *memEntry]
	writeTTL  time.Duration
	accessTTL time.Duration
	now       func() time.Time
}

// NewMemory creates a tier holding at most size records. A zero TTL disables that expiry.
func NewMemory(size int, writeTTL, accessTTL time.Duration, now func() time.Time) (*Memory, error) {
	entries, err := lru.New[string, *memEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: entries, writeTTL: writeTTL, accessTTL: accessTTL, now: now}, nil
}

// Expired reports whether e has outlived either TTL at now.
func (m *Memory) Expired(e schemas.CacheEntry, now time.Time) bool {
	if m.writeTTL > 0 && now.Sub(e.CreatedAt) >= m.writeTTL {
		return true
	}
	last := e.LastAccessedAt
	if last.IsZero() {
		last = e.CreatedAt
	}
	return m.accessTTL > 0 && now.Sub(last) >= m.accessTTL
}

// Get returns the live record for fp and records the hit on it. Expired records are dropped.
func (m *Memory) Get(fp string) (schemas.CacheEntry, bool) {
	me, ok := m.entries.Get(fp)
	if !ok {
		return schemas.CacheEntry{}, false
	}

	me.mu.Lock()
	now := m.now()
	if m.Expired(me.entry, now) {
		me.mu.Unlock()
		m.removeIfSame(fp, me)
		return schemas.CacheEntry{}, false
	}
	me.entry.LastAccessedAt = now
	me.entry.HitCount++
	out := me.entry
	me.mu.Unlock()
	return out, true
}

// Peek returns the live record for fp without recording a hit or refreshing its LRU position.
func (m *Memory) Peek(fp string) (schemas.CacheEntry, bool) {
	me, ok := m.entries.Peek(fp)
	if !ok {
		return schemas.CacheEntry{}, false
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if m.Expired(me.entry, m.now()) {
		return schemas.CacheEntry{}, false
	}
	return me.entry, true
}

// Put stores e, replacing any previous record for the same fingerprint. It reports whether the
// least recently used record was evicted to make room.
func (m *Memory) Put(e schemas.CacheEntry) bool {
	return m.entries.Add(e.Fingerprint, &memEntry{entry: e})
}

// Remove drops fp and reports whether it was present.
func (m *Memory) Remove(fp string) bool {
	return m.entries.Remove(fp)
}

// Purge drops every record.
func (m *Memory) Purge() {
	m.entries.Purge()
}

// Len is the number of records held, including ones that expired but were not yet observed.
func (m *Memory) Len() int {
	return m.entries.Len()
}

// EvictExpired removes every expired record and returns how many were removed.
func (m *Memory) EvictExpired() int {
	now := m.now()
	removed := 0
	for _, fp := range m.entries.Keys() {
		me, ok := m.entries.Peek(fp)
		if !ok {
			continue
		}
		me.mu.Lock()
		expired := m.Expired(me.entry, now)
		me.mu.Unlock()
		if expired && m.removeIfSame(fp, me) {
			removed++
		}
	}
	return removed
}

// Entries returns a snapshot of the live records, least recently used first.
func (m *Memory) Entries() []schemas.CacheEntry {
	now := m.now()
	var out []schemas.CacheEntry
	for _, fp := range m.entries.Keys() {
		me, ok := m.entries.Peek(fp)
		if !ok {
			continue
		}
		me.mu.Lock()
		if !m.Expired(me.entry, now) {
			out = append(out, me.entry)
		}
		me.mu.Unlock()
	}
	return out
}

// removeIfSame removes fp only while it still maps to me, so a concurrent Put survives.
func (m *Memory) removeIfSame(fp string, me *memEntry) bool {
	if cur, ok := m.entries.Peek(fp); ok && cur == me {
		return m.entries.Remove(fp)
	}
	return false
}
