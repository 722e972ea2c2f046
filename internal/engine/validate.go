package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/strategy"
	"github.com/xkilldash9x/autoheal/internal/worker"
)

type probe struct {
	candidate schemas.CandidateSelector
	handles   []schemas.ElementHandle
	err       error
}

// validateFunc checks the candidates of each analysis against the live page. It runs on the
// collector goroutine, one analysis at a time.
func (e *Engine) validateFunc(r *resolution) strategy.ValidateFunc {
	return func(ctx context.Context, a aiclient.Analysis) (bool, error) {
		candidates := e.rank(r, a)
		if len(candidates) == 0 {
			r.logger.Debug("Analysis produced no new candidates.", zap.String("mode", string(a.Mode)))
			return false, nil
		}

		probes, err := e.probeAll(ctx, candidates)
		if err != nil {
			return false, err
		}
		source := string(a.Mode)

		// The best exact match wins. Otherwise the best plural match is kept.
		for _, p := range probes {
			if p.err == nil && len(p.handles) == 1 {
				r.accept(p.handles, p.candidate.Selector, source)
				return true, nil
			}
		}
		for _, p := range probes {
			if p.err == nil && len(p.handles) > 1 {
				r.accept(p.handles, p.candidate.Selector, source)
				return true, nil
			}
		}

		for _, p := range probes {
			r.logger.Debug("Candidate rejected.",
				zap.String("selector", p.candidate.Selector),
				zap.Float64("confidence", p.candidate.Confidence),
				zap.Int("matches", len(p.handles)),
				zap.Error(p.err))
		}
		return false, nil
	}
}

// rank normalizes the candidates of a, drops ones already tried in this resolution and orders
// the rest by descending confidence.
func (e *Engine) rank(r *resolution, a aiclient.Analysis) []schemas.CandidateSelector {
	out := make([]schemas.CandidateSelector, 0, len(a.Candidates))
	for _, c := range a.Candidates {
		canonical, err := locator.Normalize(c.Selector)
		if err != nil {
			r.logger.Debug("Discarding unusable candidate.", zap.String("selector", c.Selector), zap.Error(err))
			continue
		}
		if r.tried[canonical] {
			continue
		}
		r.tried[canonical] = true
		c.Selector = canonical
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > e.cfg.MaxCandidates {
		out = out[:e.cfg.MaxCandidates]
	}
	return out
}

// probeAll resolves every candidate concurrently on the analysis pool. Results keep the input
// order.
func (e *Engine) probeAll(ctx context.Context, candidates []schemas.CandidateSelector) ([]probe, error) {
	futures := make([]*worker.Future[[]schemas.ElementHandle], len(candidates))
	for i, c := range candidates {
		f, err := worker.Submit(ctx, e.analyzers, func(ctx context.Context) ([]schemas.ElementHandle, error) {
			return e.tryResolve(ctx, c.Selector)
		})
		if err != nil {
			f = worker.Resolved[[]schemas.ElementHandle](nil, err)
		}
		futures[i] = f
	}

	probes := make([]probe, len(candidates))
	for i, f := range futures {
		handles, err := f.Await(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		probes[i] = probe{candidate: candidates[i], handles: handles, err: err}
	}
	return probes, nil
}
