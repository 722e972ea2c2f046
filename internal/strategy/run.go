// internal/strategy/run.go
package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/worker"
)

// AnalyzeFunc issues one analysis leg.
type AnalyzeFunc func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error)

// ValidateFunc checks an analysis against the page. It reports true when the analysis produced
// something the resolution can use, which stops the plan.
type ValidateFunc func(ctx context.Context, a aiclient.Analysis) (bool, error)

// LegError records a leg whose analysis failed.
type LegError struct {
	Mode schemas.AnalysisMode
	Err  error
}

// Outcome reports what a plan run did.
type Outcome struct {
	// Winner is the analysis that validated, if any.
	Winner *aiclient.Analysis
	// Completed lists every analysis that returned, in arrival order.
	Completed []aiclient.Analysis
	Failed    []LegError
}

// Attempted returns the modes that ran, in arrival order, failed legs included.
func (o Outcome) Attempted() []string {
	var out []string
	for _, a := range o.Completed {
		out = append(out, string(a.Mode))
	}
	for _, f := range o.Failed {
		out = append(out, string(f.Mode))
	}
	return out
}

// Unavailable reports whether no leg returned and at least one failed because the backend was
// unavailable.
func (o Outcome) Unavailable() bool {
	if len(o.Completed) > 0 {
		return false
	}
	for _, f := range o.Failed {
		if errors.Is(f.Err, schemas.ErrAIBackendUnavailable) {
			return true
		}
	}
	return false
}

// Runner executes plans. Concurrent legs run on pool when one is set.
type Runner struct {
	pool   *worker.Pool
	logger *zap.Logger
}

// NewRunner creates a Runner. pool may be nil.
func NewRunner(pool *worker.Pool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pool: pool, logger: logger.Named("strategy")}
}

// Run executes plan with goroutines for concurrent legs.
func Run(ctx context.Context, plan Plan, analyze AnalyzeFunc, validate ValidateFunc) (Outcome, error) {
	return NewRunner(nil, nil).Run(ctx, plan, analyze, validate)
}

// Run executes the steps of plan in order and stops at the first analysis validate accepts.
// Validation happens on the calling goroutine, one analysis at a time. Remaining legs of a
// concurrent step are canceled once one validates, and Run waits for them before returning.
// The error is non-nil only when ctx ends or validate fails.
func (r *Runner) Run(ctx context.Context, plan Plan, analyze AnalyzeFunc, validate ValidateFunc) (Outcome, error) {
	var out Outcome
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var (
			won bool
			err error
		)
		if len(step) == 1 {
			won, err = r.runSingle(ctx, step[0], analyze, validate, &out)
		} else {
			won, err = r.runConcurrent(ctx, step, analyze, validate, &out)
		}
		if err != nil {
			return out, err
		}
		if won {
			r.logger.Debug("Plan step produced a usable analysis.",
				zap.String("policy", plan.Policy), zap.Int("step", i), zap.String("mode", string(out.Winner.Mode)))
			return out, nil
		}
	}
	return out, nil
}

func (r *Runner) runSingle(ctx context.Context, mode schemas.AnalysisMode, analyze AnalyzeFunc, validate ValidateFunc, out *Outcome) (bool, error) {
	a, err := analyze(ctx, mode)
	return r.accept(ctx, legResult{mode: mode, analysis: a, err: err}, validate, out)
}

type legResult struct {
	mode     schemas.AnalysisMode
	analysis aiclient.Analysis
	err      error
}

// accept records res and validates it when the leg succeeded.
func (r *Runner) accept(ctx context.Context, res legResult, validate ValidateFunc, out *Outcome) (bool, error) {
	if res.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		r.logger.Warn("Analysis leg failed.", zap.String("mode", string(res.mode)), zap.Error(res.err))
		out.Failed = append(out.Failed, LegError{Mode: res.mode, Err: res.err})
		return false, nil
	}
	out.Completed = append(out.Completed, res.analysis)
	ok, err := validate(ctx, res.analysis)
	if err != nil {
		return false, fmt.Errorf("validating %s analysis: %w", res.mode, err)
	}
	if ok {
		winner := res.analysis
		out.Winner = &winner
	}
	return ok, nil
}

func (r *Runner) runConcurrent(ctx context.Context, step []schemas.AnalysisMode, analyze AnalyzeFunc, validate ValidateFunc, out *Outcome) (bool, error) {
	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so legs never block on a collector that has stopped reading.
	results := make(chan legResult, len(step))
	wait := r.spawn(legCtx, step, analyze, results)
	defer wait()

	for received := 0; received < len(step); received++ {
		select {
		case res := <-results:
			won, err := r.accept(ctx, res, validate, out)
			if err != nil || won {
				cancel()
				return won, err
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}

// spawn starts one goroutine or pooled task per leg and returns a function that waits for all
// of them.
func (r *Runner) spawn(ctx context.Context, step []schemas.AnalysisMode, analyze AnalyzeFunc, results chan<- legResult) func() {
	if r.pool == nil {
		var g errgroup.Group
		for _, mode := range step {
			g.Go(func() error {
				a, err := analyze(ctx, mode)
				results <- legResult{mode: mode, analysis: a, err: err}
				return nil
			})
		}
		return func() { _ = g.Wait() }
	}

	var futures []*worker.Future[struct{}]
	for _, mode := range step {
		f, err := worker.Submit(ctx, r.pool, func(ctx context.Context) (struct{}, error) {
			a, err := analyze(ctx, mode)
			results <- legResult{mode: mode, analysis: a, err: err}
			return struct{}{}, nil
		})
		if err != nil {
			results <- legResult{mode: mode, err: fmt.Errorf("scheduling %s analysis: %w", mode, err)}
			continue
		}
		futures = append(futures, f)
	}
	return func() {
		for _, f := range futures {
			<-f.Done()
		}
	}
}
