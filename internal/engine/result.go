package engine

import (
	"time"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/disambiguate"
)

// State is a step of the resolution state machine.
type State string

const (
	StateTryOriginal        State = "TRY_ORIGINAL"
	StateCacheLookup        State = "CACHE_LOOKUP"
	StateCacheValidate      State = "CACHE_VALIDATE"
	StatePlanStrategy       State = "PLAN_STRATEGY"
	StateRunAnalysis        State = "RUN_ANALYSIS"
	StateValidateCandidates State = "VALIDATE_CANDIDATES"
	StateDisambiguate       State = "DISAMBIGUATE"
	StateCacheWrite         State = "CACHE_WRITE"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// Result describes a finished resolution.
type Result struct {
	ID string
	// Handle is the resolved element. For ResolveAll it is the first of Handles.
	Handle  schemas.ElementHandle
	Handles []schemas.ElementHandle
	// Selector is the canonical selector that matched on the live page.
	Selector string
	// Source is original, cache, structural or visual.
	Source      string
	Healed      bool
	Fingerprint string
	Trace       []State
	// Strategies lists the paths attempted, in order.
	Strategies  []string
	Adaptations []string
	// Disambiguation is set when a plural match was narrowed to one element.
	Disambiguation *disambiguate.Choice
	// Shared is set when the result came from a concurrent resolution of the same fingerprint.
	Shared  bool
	Elapsed time.Duration
}

// Health summarizes the engine's recent behavior.
type Health struct {
	Healthy     bool                  `json:"healthy"`
	Resolutions int64                 `json:"resolutions"`
	Failures    int64                 `json:"failures"`
	SuccessRate float64               `json:"success_rate"`
	Backend     string                `json:"backend"`
	Circuit     aiclient.CircuitState `json:"circuit"`
	CacheSize   int                   `json:"cache_size"`
}
