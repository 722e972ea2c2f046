// Package engine resolves locator hints to live elements, healing hints that no longer match by
// consulting the selector cache and, failing that, an AI backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/disambiguate"
	"github.com/xkilldash9x/autoheal/internal/domsnap"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/observability"
	"github.com/xkilldash9x/autoheal/internal/strategy"
	"github.com/xkilldash9x/autoheal/internal/worker"
)

const (
	defaultResolutionTimeout = 60 * time.Second
	defaultMaxCandidates     = 5
	healthySuccessRate       = 0.8
)

// Engine is the resolution orchestrator. It is safe for concurrent use.
type Engine struct {
	cfg     config.EngineConfig
	driver  schemas.Driver
	ai      *aiclient.Client
	cache   *cache.Cache
	chooser *disambiguate.Disambiguator
	runner  *strategy.Runner
	trimmer *domsnap.Trimmer
	metrics *observability.Metrics
	logger  *zap.Logger

	// resolvers runs whole resolutions; analyzers runs analysis legs and candidate probes.
	resolvers *worker.Pool
	analyzers *worker.Pool
	flight    flightGroup

	resolutions atomic.Int64
	failures    atomic.Int64
	closeOnce   sync.Once
}

// New creates and starts an Engine. c may be nil to run without a selector cache.
func New(cfg config.EngineConfig, driver schemas.Driver, ai *aiclient.Client, c *cache.Cache, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if driver == nil {
		return nil, errors.New("driver cannot be nil")
	}
	if ai == nil {
		return nil, errors.New("ai client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)

	e := &Engine{
		cfg:     cfg,
		driver:  driver,
		ai:      ai,
		cache:   c,
		trimmer: domsnap.New(cfg.SnapshotMaxBytes),
		logger:  logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.resolvers, err = worker.NewPool("resolution", cfg.WorkerConcurrency, cfg.QueueSize, logger); err != nil {
		return nil, fmt.Errorf("failed to create resolution pool: %w", err)
	}
	if e.analyzers, err = worker.NewPool("analysis", cfg.AnalysisConcurrency, cfg.QueueSize, logger); err != nil {
		return nil, fmt.Errorf("failed to create analysis pool: %w", err)
	}
	e.chooser = disambiguate.New(ai, logger)
	e.runner = strategy.NewRunner(e.analyzers, logger)

	e.resolvers.Start()
	e.analyzers.Start()
	e.logger.Info("Resolution engine started.",
		zap.String("strategy", cfg.Strategy),
		zap.String("backend", ai.Name()),
		zap.Bool("cache", c != nil),
		zap.Int("worker_concurrency", cfg.WorkerConcurrency),
		zap.Int("analysis_concurrency", cfg.AnalysisConcurrency))
	return e, nil
}

func withDefaults(cfg config.EngineConfig) config.EngineConfig {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 4
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.ResolutionTimeout <= 0 {
		cfg.ResolutionTimeout = defaultResolutionTimeout
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if cfg.DriverRetries < 0 {
		cfg.DriverRetries = 0
	}
	if cfg.DriverRetryDelay < 0 {
		cfg.DriverRetryDelay = 0
	}
	if cfg.Strategy == "" {
		cfg.Strategy = config.StrategyAdaptiveSequential
	}
	return cfg
}

// Resolve returns the element matching hint and description.
func (e *Engine) Resolve(ctx context.Context, hint, description string, opts ...ResolveOption) (schemas.ElementHandle, error) {
	res, err := e.ResolveDetailed(ctx, hint, description, opts...)
	if err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// ResolveDetailed is Resolve with the full account of how the element was found.
func (e *Engine) ResolveDetailed(ctx context.Context, hint, description string, opts ...ResolveOption) (*Result, error) {
	return e.await(ctx, hint, description, false, opts)
}

// ResolveAll returns every element the hint, or its healed replacement, matches.
func (e *Engine) ResolveAll(ctx context.Context, hint, description string, opts ...ResolveOption) ([]schemas.ElementHandle, error) {
	res, err := e.await(ctx, hint, description, true, opts)
	if err != nil {
		return nil, err
	}
	return res.Handles, nil
}

// ResolveAsync starts a resolution and returns immediately. The resolution timeout starts now.
func (e *Engine) ResolveAsync(ctx context.Context, hint, description string, opts ...ResolveOption) *worker.Future[*Result] {
	r, err := e.prepare(hint, description, false, opts)
	if err != nil {
		return worker.Resolved[*Result](nil, err)
	}
	rctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	f, err := e.submit(rctx, r)
	if err != nil {
		cancel()
		return worker.Resolved[*Result](nil, e.asResolutionError(r, err, nil))
	}
	return worker.Then(f, func(res *Result, err error) (*Result, error) {
		cancel()
		if err != nil {
			return nil, e.asResolutionError(r, err, nil)
		}
		return res, nil
	})
}

// ResolveNative resolves a driver-native locator object by recovering its selector first.
func (e *Engine) ResolveNative(ctx context.Context, native any, description string, opts ...ResolveOption) (schemas.ElementHandle, error) {
	selector, err := e.driver.DescribeNativeLocator(native)
	if err != nil {
		return nil, &schemas.ResolutionError{
			Kind:        schemas.KindInvalidDescriptor,
			Hint:        fmt.Sprintf("%T", native),
			Description: description,
			Err:         err,
		}
	}
	return e.Resolve(ctx, selector, description, opts...)
}

// IsPresent reports whether hint resolves, healing it if needed.
func (e *Engine) IsPresent(ctx context.Context, hint, description string, opts ...ResolveOption) bool {
	_, err := e.ResolveDetailed(ctx, hint, description, opts...)
	if err != nil {
		e.logger.Debug("Element not present.", zap.String("hint", hint), zap.Error(err))
	}
	return err == nil
}

// Invalidate drops the cached selector for hint and description.
func (e *Engine) Invalidate(ctx context.Context, hint, description string, opts ...ResolveOption) error {
	r, err := e.prepare(hint, description, false, opts)
	if err != nil {
		return err
	}
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Invalidate(ctx, r.fp); err != nil {
		return e.asResolutionError(r, err, nil)
	}
	return nil
}

// ClearCache empties both cache tiers.
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Clear(ctx); err != nil {
		return &schemas.ResolutionError{Kind: schemas.KindCacheIO, Err: err}
	}
	return nil
}

// CacheStats snapshots the cache counters. It is zero when the engine has no cache.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// Health reports healthy while at least 80% of resolutions succeed and the breaker is not open.
func (e *Engine) Health() Health {
	total, failed := e.resolutions.Load(), e.failures.Load()
	h := Health{
		Resolutions: total,
		Failures:    failed,
		SuccessRate: 1,
		Backend:     e.ai.Name(),
		Circuit:     e.ai.State(),
	}
	if total > 0 {
		h.SuccessRate = float64(total-failed) / float64(total)
	}
	if e.cache != nil {
		h.CacheSize = e.cache.Len()
	}
	h.Healthy = h.SuccessRate >= healthySuccessRate && h.Circuit != aiclient.CircuitOpen
	return h
}

// Close stops the worker pools after in-flight resolutions finish. The driver and cache belong
// to the caller.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.logger.Info("Stopping resolution engine.")
		e.resolvers.Stop()
		e.analyzers.Stop()
	})
	return nil
}

// await runs one blocking resolution: submit, await the future, bounded by the resolution
// timeout.
func (e *Engine) await(ctx context.Context, hint, description string, all bool, opts []ResolveOption) (*Result, error) {
	r, err := e.prepare(hint, description, all, opts)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	f, err := e.submit(rctx, r)
	if err != nil {
		return nil, e.asResolutionError(r, err, nil)
	}
	res, err := f.Await(rctx)
	if err != nil {
		return nil, e.asResolutionError(r, err, nil)
	}
	return res, nil
}

// prepare parses the hint and computes the fingerprint.
func (e *Engine) prepare(hint, description string, all bool, opts []ResolveOption) (*resolution, error) {
	o := resolveOptions{timeout: e.cfg.ResolutionTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = e.cfg.ResolutionTimeout
	}

	desc, err := locator.Parse(hint)
	if err != nil {
		return nil, &schemas.ResolutionError{
			Kind:        schemas.KindInvalidDescriptor,
			Hint:        hint,
			Description: description,
			Err:         err,
		}
	}
	canonical := locator.Canonical(desc)
	return &resolution{
		id:          uuid.NewString(),
		hint:        hint,
		desc:        desc,
		canonical:   canonical,
		description: strings.TrimSpace(description),
		fp:          cache.Fingerprint(desc, description, o.contextTag),
		all:         all,
		opts:        o,
		tried:       map[string]bool{canonical: true},
	}, nil
}

// submit queues r on the resolution pool. Concurrent resolutions of the same fingerprint share
// one execution, which keeps running until its last waiting caller gives up.
func (e *Engine) submit(ctx context.Context, r *resolution) (*worker.Future[*Result], error) {
	key := r.fp
	if r.all {
		key = "all:" + key
	}
	if r.opts.noCache {
		key += ":nocache"
	}
	return worker.Submit(ctx, e.resolvers, func(ctx context.Context) (*Result, error) {
		v, shared, err := e.flight.Do(ctx, key, func(ctx context.Context) (*Result, error) {
			return e.execute(ctx, r)
		})
		if err != nil {
			return nil, err
		}
		res := *v
		res.Shared = shared
		return &res, nil
	})
}

// asResolutionError converts err into the typed error callers receive. Callers outside the
// executing goroutine pass nil strategies.
func (e *Engine) asResolutionError(r *resolution, err error, strategies []string) *schemas.ResolutionError {
	var re *schemas.ResolutionError
	if errors.As(err, &re) {
		return re
	}

	kind := schemas.KindElementNotFound
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = schemas.KindTimeoutExceeded
	case errors.Is(err, schemas.ErrAIBackendUnavailable):
		kind = schemas.KindAIBackendUnavailable
	case errors.Is(err, locator.ErrInvalidHint), errors.Is(err, schemas.ErrInvalidDescriptor):
		kind = schemas.KindInvalidDescriptor
	case errors.Is(err, schemas.ErrCacheIO):
		kind = schemas.KindCacheIO
	}
	return &schemas.ResolutionError{
		Kind:        kind,
		Hint:        r.hint,
		Description: r.description,
		Fingerprint: r.fp,
		Strategies:  strategies,
		Err:         err,
	}
}

func (e *Engine) driverContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.DriverTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.DriverTimeout)
}

// tryResolve queries the driver, repeating failed queries up to DriverRetries times within the
// resolution deadline. A nil error with no handles means the page answered and nothing matched.
func (e *Engine) tryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	var handles []schemas.ElementHandle
	operation := func() error {
		dctx, cancel := e.driverContext(ctx)
		defer cancel()

		var err error
		handles, err = e.driver.TryResolve(dctx, selector)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, schemas.ErrInvalidDescriptor):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("Driver query failed, retrying.",
			zap.String("selector", selector), zap.Duration("wait", wait), zap.Error(err))
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.DriverRetryDelay), uint64(e.cfg.DriverRetries)),
		ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	return handles, nil
}

func (e *Engine) cachingEnabled(r *resolution) bool {
	return e.cache != nil && !r.opts.noCache
}
