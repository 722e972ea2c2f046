package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func analysisOf(mode schemas.AnalysisMode, selector string) aiclient.Analysis {
	return aiclient.Analysis{
		Mode:       mode,
		Candidates: []schemas.CandidateSelector{{Selector: selector, SourceStrategy: string(mode)}},
	}
}

// acceptSelector validates analyses whose first candidate is selector.
func acceptSelector(selector string) ValidateFunc {
	return func(ctx context.Context, a aiclient.Analysis) (bool, error) {
		return len(a.Candidates) > 0 && a.Candidates[0].Selector == selector, nil
	}
}

// -- Test Cases: Sequential plans --

func TestRun_AdaptiveStopsAtFirstValidatedStep(t *testing.T) {
	var calls []schemas.AnalysisMode
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		calls = append(calls, mode)
		return analysisOf(mode, "#"+string(mode)), nil
	}

	out, err := Run(context.Background(), PlanFor(config.StrategyAdaptiveSequential, both), analyze, acceptSelector("#structural"))
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, schemas.ModeStructural, out.Winner.Mode)
	assert.Equal(t, []schemas.AnalysisMode{schemas.ModeStructural}, calls, "visual is only tried when structural fails")
}

func TestRun_AdaptiveFallsThroughToVisual(t *testing.T) {
	var calls []schemas.AnalysisMode
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		calls = append(calls, mode)
		return analysisOf(mode, "#"+string(mode)), nil
	}

	out, err := Run(context.Background(), PlanFor(config.StrategyAdaptiveSequential, both), analyze, acceptSelector("#visual"))
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, schemas.ModeVisual, out.Winner.Mode)
	assert.Equal(t, []schemas.AnalysisMode{schemas.ModeStructural, schemas.ModeVisual}, calls)
	assert.Equal(t, []string{"structural", "visual"}, out.Attempted())
}

func TestRun_LegFailureContinues(t *testing.T) {
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		if mode == schemas.ModeVisual {
			return aiclient.Analysis{}, fmt.Errorf("%w: circuit open", schemas.ErrAIBackendUnavailable)
		}
		return analysisOf(mode, "#s"), nil
	}

	out, err := Run(context.Background(), PlanFor(config.StrategyVisualFirst, both), analyze, acceptSelector("#s"))
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, schemas.ModeVisual, out.Failed[0].Mode)
	assert.False(t, out.Unavailable())
}

func TestRun_AllLegsUnavailable(t *testing.T) {
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		return aiclient.Analysis{}, fmt.Errorf("%w: circuit open", schemas.ErrAIBackendUnavailable)
	}
	out, err := Run(context.Background(), PlanFor(config.StrategyAdaptiveSequential, both), analyze, acceptSelector("x"))
	require.NoError(t, err)
	assert.Nil(t, out.Winner)
	assert.True(t, out.Unavailable())
}

func TestRun_ValidateErrorAborts(t *testing.T) {
	boom := errors.New("driver crashed")
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		return analysisOf(mode, "#x"), nil
	}
	validate := func(ctx context.Context, a aiclient.Analysis) (bool, error) { return false, boom }

	_, err := Run(context.Background(), PlanFor(config.StrategyAdaptiveSequential, both), analyze, validate)
	assert.ErrorIs(t, err, boom)
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, PlanFor(config.StrategyStructuralOnly, both), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// -- Test Cases: Parallel plans --

func TestRun_ParallelFirstSuccessCancelsLoser(t *testing.T) {
	var visualCanceled atomic.Bool
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		if mode == schemas.ModeVisual {
			<-ctx.Done()
			visualCanceled.Store(true)
			return aiclient.Analysis{}, ctx.Err()
		}
		return analysisOf(mode, "#fast"), nil
	}

	out, err := Run(context.Background(), PlanFor(config.StrategyParallel, both), analyze, acceptSelector("#fast"))
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, schemas.ModeStructural, out.Winner.Mode)
	assert.True(t, visualCanceled.Load(), "Run returns only after the losing leg observed cancellation")
}

func TestRun_ParallelOnPool(t *testing.T) {
	pool, err := worker.NewPool("analysis", 2, 4, zap.NewNop())
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	var mu sync.Mutex
	started := map[schemas.AnalysisMode]bool{}
	barrier := make(chan struct{})
	var once sync.Once
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		mu.Lock()
		started[mode] = true
		if len(started) == 2 {
			once.Do(func() { close(barrier) })
		}
		mu.Unlock()

		select {
		case <-barrier:
		case <-time.After(time.Second):
			return aiclient.Analysis{}, errors.New("legs did not run concurrently")
		}
		return analysisOf(mode, "#"+string(mode)), nil
	}

	runner := NewRunner(pool, zaptest.NewLogger(t))
	out, err := runner.Run(context.Background(), PlanFor(config.StrategyParallel, both), analyze, acceptSelector("#visual"))
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, schemas.ModeVisual, out.Winner.Mode)
	assert.Empty(t, out.Failed)
}

func TestRun_ParallelNeitherValidates(t *testing.T) {
	analyze := func(ctx context.Context, mode schemas.AnalysisMode) (aiclient.Analysis, error) {
		return analysisOf(mode, "#nope"), nil
	}
	out, err := Run(context.Background(), PlanFor(config.StrategyParallel, both), analyze, acceptSelector("#yes"))
	require.NoError(t, err)
	assert.Nil(t, out.Winner)
	assert.Len(t, out.Completed, 2)
}
