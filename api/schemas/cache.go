package schemas

import "time"

// CacheEntry is a previously healed selector keyed by resolution fingerprint.
type CacheEntry struct {
	Fingerprint    string    `json:"fingerprint"`
	HealedSelector string    `json:"healed_selector"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       int64     `json:"hit_count"`
	SourceStrategy string    `json:"source_strategy"`
}

// Valid reports whether the record carries the fields a reload needs.
func (e CacheEntry) Valid() bool {
	return e.Fingerprint != "" && e.HealedSelector != "" && !e.CreatedAt.IsZero()
}
