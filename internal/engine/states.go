package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/disambiguate"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/strategy"
)

// resolution is the working state of one execution. Only the goroutine running execute touches
// it, apart from the snapshot memo which analysis legs share.
type resolution struct {
	id          string
	hint        string
	desc        locator.Descriptor
	canonical   string
	description string
	fp          string
	all         bool
	opts        resolveOptions
	logger      *zap.Logger

	trace       []State
	strategies  []string
	adaptations []string

	entry   schemas.CacheEntry
	plan    strategy.Plan
	outcome strategy.Outcome
	// tried holds every canonical selector already checked against the page.
	tried map[string]bool

	snapMu   sync.Mutex
	snapDone bool
	snapshot string

	matches  []schemas.ElementHandle
	selector string
	source   string
	choice   *disambiguate.Choice
}

func (r *resolution) accept(handles []schemas.ElementHandle, selector, source string) {
	r.matches = handles
	r.selector = selector
	r.source = source
}

func (r *resolution) healed() bool {
	return r.source != schemas.SourceOriginal
}

func (r *resolution) result(elapsed time.Duration) *Result {
	res := &Result{
		ID:             r.id,
		Handles:        r.matches,
		Selector:       r.selector,
		Source:         r.source,
		Healed:         r.healed(),
		Fingerprint:    r.fp,
		Trace:          r.trace,
		Strategies:     r.strategies,
		Adaptations:    r.adaptations,
		Disambiguation: r.choice,
		Elapsed:        elapsed,
	}
	if len(r.matches) > 0 {
		res.Handle = r.matches[0]
	}
	return res
}

// execute drives the state machine until DONE or a failure.
func (e *Engine) execute(ctx context.Context, r *resolution) (*Result, error) {
	start := time.Now()
	r.logger = e.logger.With(zap.String("resolution_id", r.id), zap.String("hint", r.canonical))

	state := StateTryOriginal
	for state != StateDone {
		r.trace = append(r.trace, state)
		if err := ctx.Err(); err != nil {
			return nil, e.failed(r, err, start)
		}
		next, err := e.step(ctx, state, r)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, e.failed(r, err, start)
		}
		state = next
	}
	r.trace = append(r.trace, StateDone)

	res := r.result(time.Since(start))
	e.resolutions.Add(1)
	e.metrics.ObserveResolution("success", res.Source, res.Elapsed)
	r.logger.Info("Element resolved.",
		zap.String("source", res.Source),
		zap.String("selector", res.Selector),
		zap.Int("matches", len(res.Handles)),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (e *Engine) failed(r *resolution, err error, start time.Time) error {
	r.trace = append(r.trace, StateFailed)
	e.resolutions.Add(1)
	e.failures.Add(1)

	re := e.asResolutionError(r, err, r.strategies)
	e.metrics.ObserveResolution("failure", string(re.Kind), time.Since(start))
	r.logger.Warn("Resolution failed.",
		zap.String("kind", string(re.Kind)),
		zap.Strings("strategies", r.strategies),
		zap.Error(err))
	return re
}

func (e *Engine) step(ctx context.Context, state State, r *resolution) (State, error) {
	switch state {
	case StateTryOriginal:
		return e.tryOriginal(ctx, r)
	case StateCacheLookup:
		return e.cacheLookup(ctx, r)
	case StateCacheValidate:
		return e.cacheValidate(ctx, r)
	case StatePlanStrategy:
		return e.planStrategy(ctx, r)
	case StateRunAnalysis:
		return e.runAnalysis(ctx, r)
	case StateValidateCandidates:
		return e.validateCandidates(ctx, r)
	case StateDisambiguate:
		return e.disambiguate(ctx, r)
	case StateCacheWrite:
		return e.cacheWrite(ctx, r)
	}
	return StateFailed, fmt.Errorf("no handler for state %s", state)
}

// afterMatch picks the state that follows a match. Plural matches are narrowed first unless the
// caller asked for all of them.
func (e *Engine) afterMatch(r *resolution) State {
	if len(r.matches) > 1 && !r.all && r.choice == nil {
		return StateDisambiguate
	}
	if !e.cachingEnabled(r) {
		return StateDone
	}
	switch r.source {
	case schemas.SourceStructural, schemas.SourceVisual:
		return StateCacheWrite
	case schemas.SourceOriginal:
		if e.cfg.CacheOriginal {
			return StateCacheWrite
		}
	}
	return StateDone
}

func (e *Engine) tryOriginal(ctx context.Context, r *resolution) (State, error) {
	r.strategies = append(r.strategies, schemas.SourceOriginal)
	handles, err := e.tryResolve(ctx, r.canonical)
	if err != nil {
		if ctx.Err() != nil {
			return StateFailed, ctx.Err()
		}
		r.logger.Debug("Original hint could not be evaluated.", zap.Error(err))
		return StateCacheLookup, nil
	}
	if len(handles) == 0 {
		r.logger.Debug("Original hint matched nothing.")
		return StateCacheLookup, nil
	}
	r.accept(handles, r.canonical, schemas.SourceOriginal)
	return e.afterMatch(r), nil
}

func (e *Engine) cacheLookup(ctx context.Context, r *resolution) (State, error) {
	if !e.cachingEnabled(r) {
		return StatePlanStrategy, nil
	}
	entry, ok := e.cache.Get(ctx, r.fp)
	if !ok {
		return StatePlanStrategy, nil
	}
	r.strategies = append(r.strategies, schemas.SourceCache)
	r.entry = entry
	return StateCacheValidate, nil
}

func (e *Engine) cacheValidate(ctx context.Context, r *resolution) (State, error) {
	selector := r.entry.HealedSelector
	r.tried[selector] = true

	handles, err := e.tryResolve(ctx, selector)
	if err == nil && len(handles) > 0 {
		r.accept(handles, selector, schemas.SourceCache)
		return e.afterMatch(r), nil
	}
	if ctx.Err() != nil {
		return StateFailed, ctx.Err()
	}
	if err != nil {
		// The page never answered, so the entry is neither confirmed nor disproved.
		r.logger.Warn("Cached selector could not be checked, keeping the entry.",
			zap.String("selector", selector), zap.Error(err))
		return StatePlanStrategy, nil
	}

	r.logger.Info("Cached selector no longer matches, invalidating.",
		zap.String("selector", selector), zap.Int64("hits", r.entry.HitCount))
	if err := e.cache.Invalidate(ctx, r.fp); err != nil {
		r.logger.Warn("Failed to invalidate cache entry.", zap.Error(err))
	}
	return StatePlanStrategy, nil
}

func (e *Engine) planStrategy(_ context.Context, r *resolution) (State, error) {
	r.plan = strategy.PlanFor(e.cfg.Strategy, e.ai.Capabilities())
	if len(r.plan.Adaptations) > 0 {
		r.adaptations = r.plan.Adaptations
		e.metrics.ObserveAdaptation(r.plan.Policy)
		r.logger.Info("Strategy adapted to backend capabilities.",
			zap.String("policy", r.plan.Policy),
			zap.Strings("adaptations", r.plan.Adaptations))
	}
	if r.plan.Empty() {
		return StateFailed, fmt.Errorf("%w: %s supports no analysis mode", schemas.ErrAIBackendUnavailable, e.ai.Name())
	}
	return StateRunAnalysis, nil
}

func (e *Engine) runAnalysis(ctx context.Context, r *resolution) (State, error) {
	out, err := e.runner.Run(ctx, r.plan, e.analyzeFunc(r), e.validateFunc(r))
	r.outcome = out
	r.strategies = append(r.strategies, out.Attempted()...)
	if err != nil {
		return StateFailed, err
	}
	return StateValidateCandidates, nil
}

// validateCandidates decides on the outcome of the plan. The candidates themselves were probed
// as each analysis arrived so a validated leg could stop the others.
func (e *Engine) validateCandidates(_ context.Context, r *resolution) (State, error) {
	if r.outcome.Winner != nil && len(r.matches) > 0 {
		return e.afterMatch(r), nil
	}
	if r.outcome.Unavailable() {
		for _, f := range r.outcome.Failed {
			if errors.Is(f.Err, schemas.ErrAIBackendUnavailable) {
				return StateFailed, f.Err
			}
		}
	}
	proposed := 0
	for _, a := range r.outcome.Completed {
		proposed += len(a.Candidates)
	}
	if len(r.outcome.Completed) == 0 && len(r.outcome.Failed) > 0 {
		return StateFailed, fmt.Errorf("%w: every analysis failed: %w", schemas.ErrElementNotFound, r.outcome.Failed[0].Err)
	}
	return StateFailed, fmt.Errorf("%w: none of %d proposed selectors matched the page", schemas.ErrElementNotFound, proposed)
}

func (e *Engine) disambiguate(ctx context.Context, r *resolution) (State, error) {
	summaries := make([]schemas.ElementSummary, 0, len(r.matches))
	described := make([]schemas.ElementHandle, 0, len(r.matches))
	for _, h := range r.matches {
		dctx, cancel := e.driverContext(ctx)
		sum, err := e.driver.Describe(dctx, h)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return StateFailed, ctx.Err()
			}
			r.logger.Debug("Failed to describe candidate element.", zap.Int("index", h.Index()), zap.Error(err))
			continue
		}
		summaries = append(summaries, sum)
		described = append(described, h)
	}

	if len(summaries) == 0 {
		r.logger.Warn("No candidate could be described, using the first match.", zap.Int("matches", len(r.matches)))
		r.choice = &disambiguate.Choice{Method: disambiguate.MethodFallback}
		r.matches = r.matches[:1]
		return e.afterMatch(r), nil
	}

	choice, err := e.chooser.Choose(ctx, summaries, r.description)
	if err != nil {
		return StateFailed, err
	}
	r.choice = &choice
	r.matches = []schemas.ElementHandle{described[choice.Position]}
	r.logger.Debug("Plural match narrowed.",
		zap.String("method", string(choice.Method)),
		zap.Int("position", choice.Position),
		zap.Int("candidates", len(summaries)))
	return e.afterMatch(r), nil
}

func (e *Engine) cacheWrite(ctx context.Context, r *resolution) (State, error) {
	if err := e.cache.Put(ctx, r.fp, r.selector, r.source); err != nil {
		r.logger.Warn("Failed to persist healed selector, continuing without durability.", zap.Error(err))
	}
	return StateDone, nil
}

// analyzeFunc issues the AI call for one plan leg.
func (e *Engine) analyzeFunc(r *resolution) strategy.AnalyzeFunc {
	return func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		switch mode {
		case schemas.ModeVisual:
			return e.ai.AnalyzeVisual(ctx, aiclient.VisualRequest{
				Description:      r.description,
				PreviousSelector: r.canonical,
				Screenshot: func(ctx context.Context) ([]byte, error) {
					dctx, cancel := e.driverContext(ctx)
					defer cancel()
					return e.driver.Screenshot(dctx, "")
				},
				Snapshot: func(ctx context.Context) (string, error) {
					return e.pageSnapshot(ctx, r)
				},
			})
		case schemas.ModeStructural:
			dom, err := e.pageSnapshot(ctx, r)
			if err != nil {
				return aiclient.Analysis{Mode: mode}, err
			}
			return e.ai.AnalyzeStructure(ctx, dom, r.description, r.canonical)
		}
		return aiclient.Analysis{Mode: mode}, fmt.Errorf("unknown analysis mode %q", mode)
	}
}

// pageSnapshot captures and trims the page once per resolution.
func (e *Engine) pageSnapshot(ctx context.Context, r *resolution) (string, error) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	if r.snapDone {
		return r.snapshot, nil
	}

	dctx, cancel := e.driverContext(ctx)
	raw, err := e.driver.PageStructureSnapshot(dctx, "")
	cancel()
	if err != nil {
		return "", fmt.Errorf("capturing page structure: %w", err)
	}

	trimmed, err := e.trimmer.Trim(raw)
	if err != nil {
		r.logger.Warn("Failed to trim page snapshot, sending it raw.", zap.Error(err))
		trimmed.HTML = raw
	}
	r.logger.Debug("Captured page snapshot.",
		zap.Int("original_bytes", len(raw)),
		zap.Int("trimmed_bytes", len(trimmed.HTML)),
		zap.Bool("truncated", trimmed.Truncated))

	r.snapshot, r.snapDone = trimmed.HTML, true
	return r.snapshot, nil
}
