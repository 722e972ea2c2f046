package engine

import (
	"time"

	"github.com/xkilldash9x/autoheal/internal/observability"
)

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithMetrics records resolution outcomes and strategy adaptations.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// ResolveOption customizes a single resolution.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	contextTag string
	noCache    bool
	timeout    time.Duration
}

// WithContextTag separates cache entries for the same hint and description, for example per
// page or per test.
func WithContextTag(tag string) ResolveOption {
	return func(o *resolveOptions) { o.contextTag = tag }
}

// WithoutCache skips cache lookup and write for this call.
func WithoutCache() ResolveOption {
	return func(o *resolveOptions) { o.noCache = true }
}

// WithTimeout overrides the resolution timeout for this call.
func WithTimeout(d time.Duration) ResolveOption {
	return func(o *resolveOptions) { o.timeout = d }
}
