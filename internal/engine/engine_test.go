// internal/engine/engine_test.go
package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/disambiguate"
	"github.com/xkilldash9x/autoheal/internal/driver/htmldriver"
	"github.com/xkilldash9x/autoheal/internal/engine"
	"github.com/xkilldash9x/autoheal/internal/llmclient"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const loginPage = `<html><body>
<form action="/login">
  <input name="user" placeholder="Username">
  <input type="submit" data-test="login-button" value="Login">
</form>
</body></html>`

const shopPage = `<html><body><ul>
  <li class="product"><span>Laptop</span> <button data-testid="add-laptop">Add to cart</button></li>
  <li class="product"><span>Phone</span> <button data-testid="add-phone">Add to cart</button></li>
  <li class="product"><span>Tablet</span> <button data-testid="add-tablet">Add to cart</button></li>
</ul></body></html>`

const (
	brokenLoginHint = `input[data-test='wrong-login-button']`
	loginDesc       = "Login button"
	phoneDesc       = "Add to cart button for the Phone product"
)

// -- Test Fixtures --

type fixture struct {
	engine  *engine.Engine
	page    *htmldriver.Driver
	backend *llmclient.MockBackend
	cache   *cache.Cache
	cfg     *config.Config
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Engine.ResolutionTimeout = 10 * time.Second
	cfg.Engine.DriverTimeout = 2 * time.Second
	cfg.Engine.WorkerConcurrency = 4
	cfg.Engine.AnalysisConcurrency = 4
	cfg.Resilience.Retry.MaxAttempts = 1
	cfg.Resilience.Retry.Delay = time.Millisecond
	cfg.Resilience.AttemptTimeout = 2 * time.Second
	cfg.Resilience.RateLimit = config.RateLimitConfig{}
	return cfg
}

// newFixture builds an engine over a static page. wrap, when set, decorates the page driver.
func newFixture(t *testing.T, page string, mutate func(*config.Config), wrap func(*htmldriver.Driver) schemas.Driver) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	d, err := htmldriver.NewFromString(page)
	require.NoError(t, err)
	var drv schemas.Driver = d
	if wrap != nil {
		drv = wrap(d)
	}

	backend := llmclient.NewMockBackend(logger)
	ai := aiclient.New(backend, cfg.Resilience, logger)
	c, err := cache.New(cfg.Cache, nil, logger)
	require.NoError(t, err)

	e, err := engine.New(cfg.Engine, drv, ai, c, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, page: d, backend: backend, cache: c, cfg: cfg}
}

// screenshotDriver adds rendering to the static driver so visual analysis can run.
type screenshotDriver struct {
	*htmldriver.Driver
	shots atomic.Int64
}

func (s *screenshotDriver) Screenshot(ctx context.Context, scope string) ([]byte, error) {
	s.shots.Add(1)
	return []byte("\x89PNG fake"), nil
}

// blockingDriver never answers until the context ends.
type blockingDriver struct {
	*htmldriver.Driver
}

func (b *blockingDriver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// gatedDriver holds TryResolve until the gate opens and counts calls.
type gatedDriver struct {
	*htmldriver.Driver
	gate  chan struct{}
	calls atomic.Int64
}

func (g *gatedDriver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Driver.TryResolve(ctx, selector)
}

// flakyDriver fails the first failures queries for one selector, then answers normally.
type flakyDriver struct {
	*htmldriver.Driver
	selector string
	failures int64
	calls    atomic.Int64
}

func (f *flakyDriver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	if selector == f.selector && f.calls.Add(1) <= f.failures {
		return nil, errors.New("target closed while evaluating selector")
	}
	return f.Driver.TryResolve(ctx, selector)
}

func hasState(trace []engine.State, s engine.State) bool {
	for _, v := range trace {
		if v == s {
			return true
		}
	}
	return false
}

// -- Test Cases: Healing --

func TestResolve_EndToEndHealing(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	first, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceStructural, first.Source)
	assert.True(t, first.Healed)
	assert.Contains(t, first.Selector, "login-button")
	assert.Equal(t, []engine.State{
		engine.StateTryOriginal, engine.StateCacheLookup, engine.StatePlanStrategy,
		engine.StateRunAnalysis, engine.StateValidateCandidates, engine.StateCacheWrite, engine.StateDone,
	}, first.Trace)
	assert.Equal(t, int64(1), f.backend.AnalyzeCalls())

	sum, err := f.page.Describe(ctx, first.Handle)
	require.NoError(t, err)
	assert.Equal(t, "login-button", sum.Attributes["data-test"])

	second, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceCache, second.Source)
	assert.Equal(t, first.Selector, second.Selector)
	assert.Equal(t, int64(1), f.backend.AnalyzeCalls(), "second resolution must not call the AI backend")
	assert.True(t, hasState(second.Trace, engine.StateCacheValidate))

	stats := f.engine.CacheStats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, 1, stats.Size)
}

func TestResolve_OriginalHintShortCircuits(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)

	res, err := f.engine.ResolveDetailed(context.Background(), `input[data-test='login-button']`, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceOriginal, res.Source)
	assert.False(t, res.Healed)
	assert.Equal(t, []engine.State{engine.StateTryOriginal, engine.StateDone}, res.Trace)
	assert.Zero(t, f.backend.AnalyzeCalls())
	assert.Zero(t, f.engine.CacheStats().Writes)
}

func TestResolve_CacheOriginal(t *testing.T) {
	f := newFixture(t, loginPage, func(c *config.Config) { c.Engine.CacheOriginal = true }, nil)

	res, err := f.engine.ResolveDetailed(context.Background(), `input[data-test='login-button']`, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceOriginal, res.Source)
	assert.Equal(t, int64(1), f.engine.CacheStats().Writes)
}

// -- Test Cases: Cache Precedence --

func TestResolve_ValidCacheEntryWins(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()
	fp := cache.Fingerprint(locator.MustParse(brokenLoginHint), loginDesc, "")
	require.NoError(t, f.cache.Put(ctx, fp, `input[type="submit"]`, schemas.SourceStructural))

	res, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceCache, res.Source)
	assert.Equal(t, `input[type="submit"]`, res.Selector)
	assert.Zero(t, f.backend.AnalyzeCalls())
}

func TestResolve_StaleCacheEntryIsInvalidated(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()
	fp := cache.Fingerprint(locator.MustParse(brokenLoginHint), loginDesc, "")
	require.NoError(t, f.cache.Put(ctx, fp, "#removed-button", schemas.SourceStructural))

	res, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceStructural, res.Source)
	assert.True(t, hasState(res.Trace, engine.StateCacheValidate))
	assert.True(t, hasState(res.Trace, engine.StatePlanStrategy))
	assert.Equal(t, int64(1), f.backend.AnalyzeCalls())

	entry, ok := f.cache.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, res.Selector, entry.HealedSelector)
}

func TestResolve_DriverFlakeKeepsCacheEntry(t *testing.T) {
	const cached = `input[type="submit"]`
	flaky := &flakyDriver{selector: cached, failures: 1}
	f := newFixture(t, loginPage, nil, func(d *htmldriver.Driver) schemas.Driver {
		flaky.Driver = d
		return flaky
	})
	ctx := context.Background()
	fp := cache.Fingerprint(locator.MustParse(brokenLoginHint), loginDesc, "")
	require.NoError(t, f.cache.Put(ctx, fp, cached, schemas.SourceStructural))

	res, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceCache, res.Source)
	assert.Equal(t, cached, res.Selector)
	assert.False(t, hasState(res.Trace, engine.StatePlanStrategy))
	assert.Zero(t, f.backend.AnalyzeCalls())
	assert.Equal(t, int64(2), flaky.calls.Load())
}

func TestResolve_PersistentDriverFailureDoesNotInvalidate(t *testing.T) {
	const cached = `input[type="submit"]`
	flaky := &flakyDriver{selector: cached, failures: 100}
	f := newFixture(t, loginPage, func(cfg *config.Config) {
		cfg.Engine.DriverRetries = 2
		cfg.Engine.DriverRetryDelay = time.Millisecond
	}, func(d *htmldriver.Driver) schemas.Driver {
		flaky.Driver = d
		return flaky
	})
	ctx := context.Background()
	fp := cache.Fingerprint(locator.MustParse(brokenLoginHint), loginDesc, "")
	require.NoError(t, f.cache.Put(ctx, fp, cached, schemas.SourceStructural))

	res, err := f.engine.ResolveDetailed(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceStructural, res.Source)
	assert.True(t, hasState(res.Trace, engine.StateCacheValidate))
	assert.True(t, hasState(res.Trace, engine.StatePlanStrategy))
	assert.Equal(t, int64(3), flaky.calls.Load(), "one query plus two retries")
	assert.Zero(t, f.engine.CacheStats().Evictions, "an unanswered check must not invalidate")
}

func TestResolve_WithoutCacheAndContextTag(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	_, err := f.engine.Resolve(ctx, brokenLoginHint, loginDesc, engine.WithoutCache())
	require.NoError(t, err)
	assert.Zero(t, f.engine.CacheStats().Writes)

	_, err = f.engine.Resolve(ctx, brokenLoginHint, loginDesc, engine.WithContextTag("checkout"))
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, brokenLoginHint, loginDesc, engine.WithContextTag("profile"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.backend.AnalyzeCalls(), "distinct tags are distinct cache keys")
	assert.Equal(t, 2, f.engine.CacheStats().Size)
}

func TestEngine_InvalidateAndClear(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	_, err := f.engine.Resolve(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	require.NoError(t, f.engine.Invalidate(ctx, brokenLoginHint, loginDesc))
	assert.Zero(t, f.engine.CacheStats().Size)

	_, err = f.engine.Resolve(ctx, brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.backend.AnalyzeCalls())

	require.NoError(t, f.engine.ClearCache(ctx))
	assert.Zero(t, f.engine.CacheStats().Size)
}

// -- Test Cases: Disambiguation --

func TestResolve_DisambiguatesPhone(t *testing.T) {
	f := newFixture(t, shopPage, nil, nil)
	ctx := context.Background()
	f.backend.Script(phoneDesc, schemas.CandidateSelector{Selector: "li.product button", Confidence: 0.9})

	res, err := f.engine.ResolveDetailed(ctx, "#add-to-cart", phoneDesc)
	require.NoError(t, err)
	require.NotNil(t, res.Disambiguation)
	assert.Equal(t, disambiguate.MethodAI, res.Disambiguation.Method)
	assert.True(t, hasState(res.Trace, engine.StateDisambiguate))

	sum, err := f.page.Describe(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, "add-phone", sum.Attributes["data-testid"])

	// The plural selector is cached and narrowed again on reuse.
	again, err := f.engine.ResolveDetailed(ctx, "#add-to-cart", phoneDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceCache, again.Source)
	sum, err = f.page.Describe(ctx, again.Handle)
	require.NoError(t, err)
	assert.Equal(t, "add-phone", sum.Attributes["data-testid"])
	assert.Equal(t, int64(1), f.backend.AnalyzeCalls())
	assert.Equal(t, int64(2), f.backend.DisambiguateCalls())
}

func TestResolve_PreferExactMatchOverPlural(t *testing.T) {
	f := newFixture(t, shopPage, nil, nil)
	f.backend.Script(phoneDesc,
		schemas.CandidateSelector{Selector: "li.product button", Confidence: 0.95},
		schemas.CandidateSelector{Selector: "getByTestId('add-phone')", Confidence: 0.6},
	)

	res, err := f.engine.ResolveDetailed(context.Background(), "#add-to-cart", phoneDesc)
	require.NoError(t, err)
	assert.Equal(t, "getByTestId('add-phone')", res.Selector)
	assert.Nil(t, res.Disambiguation)
	assert.Zero(t, f.backend.DisambiguateCalls())
}

func TestResolveAll(t *testing.T) {
	f := newFixture(t, shopPage, nil, nil)

	handles, err := f.engine.ResolveAll(context.Background(), "li.product button", "Add to cart buttons")
	require.NoError(t, err)
	assert.Len(t, handles, 3)
	assert.Zero(t, f.backend.DisambiguateCalls())
}

// -- Test Cases: Strategy --

func TestResolve_StrategyAdaptation(t *testing.T) {
	for _, policy := range []string{config.StrategyVisualFirst, config.StrategyParallel} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, loginPage, func(c *config.Config) { c.Engine.Strategy = policy }, nil)
			f.backend.SetCapabilities(schemas.Capabilities{SupportsStructural: true})

			res, err := f.engine.ResolveDetailed(context.Background(), brokenLoginHint, loginDesc)
			require.NoError(t, err)
			assert.Equal(t, schemas.SourceStructural, res.Source)
			assert.NotEmpty(t, res.Adaptations)
			assert.NotContains(t, res.Strategies, string(schemas.ModeVisual))
		})
	}
}

func TestResolve_VisualFirst(t *testing.T) {
	var shots *screenshotDriver
	f := newFixture(t, loginPage,
		func(c *config.Config) { c.Engine.Strategy = config.StrategyVisualFirst },
		func(d *htmldriver.Driver) schemas.Driver {
			shots = &screenshotDriver{Driver: d}
			return shots
		})
	f.backend.Script(loginDesc, schemas.CandidateSelector{Selector: `[data-test="login-button"]`, Confidence: 0.8})

	res, err := f.engine.ResolveDetailed(context.Background(), brokenLoginHint, loginDesc)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceVisual, res.Source)
	assert.Equal(t, int64(1), shots.shots.Load())
	assert.Equal(t, []string{schemas.SourceOriginal, string(schemas.ModeVisual)}, res.Strategies)
}

// -- Test Cases: Failures --

func TestResolve_InvalidHint(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)

	_, err := f.engine.Resolve(context.Background(), "   ", loginDesc)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrInvalidDescriptor)
	assert.Equal(t, schemas.KindInvalidDescriptor, schemas.KindOf(err))
}

func TestResolve_ElementNotFound(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)

	_, err := f.engine.Resolve(context.Background(), "#missing", "zzqx")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrElementNotFound)

	var re *schemas.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "#missing", re.Hint)
	assert.NotEmpty(t, re.Fingerprint)
	assert.Contains(t, re.Strategies, schemas.SourceOriginal)
	assert.Contains(t, re.Strategies, string(schemas.ModeStructural))
}

func TestResolve_AIBackendUnavailable(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	f.backend.FailWith(errors.New("upstream 503"))

	_, err := f.engine.Resolve(context.Background(), brokenLoginHint, loginDesc)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrAIBackendUnavailable)

	h := f.engine.Health()
	assert.Equal(t, int64(1), h.Failures)
	assert.False(t, h.Healthy)
}

func TestResolve_Timeout(t *testing.T) {
	f := newFixture(t, loginPage, nil, func(d *htmldriver.Driver) schemas.Driver {
		return &blockingDriver{Driver: d}
	})

	start := time.Now()
	_, err := f.engine.Resolve(context.Background(), brokenLoginHint, loginDesc, engine.WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrTimeoutExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// -- Test Cases: API Surface --

func TestResolveAsync(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	fut := f.engine.ResolveAsync(ctx, brokenLoginHint, loginDesc)
	res, err := fut.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceStructural, res.Source)
	assert.NotEmpty(t, res.ID)

	bad := f.engine.ResolveAsync(ctx, "", loginDesc)
	assert.True(t, bad.Ready())
	_, err = bad.Await(ctx)
	assert.ErrorIs(t, err, schemas.ErrInvalidDescriptor)
}

func TestResolveNative(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	h, err := f.engine.ResolveNative(ctx, locator.MustParse(`getByPlaceholder('Username')`), "Username field")
	require.NoError(t, err)
	assert.Equal(t, "getByPlaceholder('Username')", h.Selector())

	_, err = f.engine.ResolveNative(ctx, 3.14, "Username field")
	assert.ErrorIs(t, err, schemas.ErrInvalidDescriptor)
}

func TestIsPresent(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)
	ctx := context.Background()

	assert.True(t, f.engine.IsPresent(ctx, "getByPlaceholder('Username')", "Username field"))
	assert.False(t, f.engine.IsPresent(ctx, "#nope", "zzqx"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, loginPage, nil, nil)

	h := f.engine.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, aiclient.CircuitClosed, h.Circuit)
	assert.Equal(t, "mock", h.Backend)

	_, err := f.engine.Resolve(context.Background(), brokenLoginHint, loginDesc)
	require.NoError(t, err)
	h = f.engine.Health()
	assert.Equal(t, int64(1), h.Resolutions)
	assert.Equal(t, 1.0, h.SuccessRate)
	assert.Equal(t, 1, h.CacheSize)
}

func TestResolve_CoalescesConcurrentResolutions(t *testing.T) {
	var gated *gatedDriver
	f := newFixture(t, loginPage, nil, func(d *htmldriver.Driver) schemas.Driver {
		gated = &gatedDriver{Driver: d, gate: make(chan struct{})}
		return gated
	})
	ctx := context.Background()
	hint := `input[data-test='login-button']`

	var wg sync.WaitGroup
	results := make([]*engine.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.ResolveDetailed(ctx, hint, loginDesc)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return gated.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, int64(1), gated.calls.Load())
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.True(t, results[0].Shared || results[1].Shared)
}

func TestResolve_CoalescedCallerOutlivesShortDeadline(t *testing.T) {
	var gated *gatedDriver
	f := newFixture(t, loginPage, nil, func(d *htmldriver.Driver) schemas.Driver {
		gated = &gatedDriver{Driver: d, gate: make(chan struct{})}
		return gated
	})
	ctx := context.Background()
	hint := `input[data-test='login-button']`

	shortErr := make(chan error, 1)
	go func() {
		_, err := f.engine.ResolveDetailed(ctx, hint, loginDesc, engine.WithTimeout(300*time.Millisecond))
		shortErr <- err
	}()
	require.Eventually(t, func() bool { return gated.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res *engine.Result
		err error
	}
	long := make(chan outcome, 1)
	go func() {
		res, err := f.engine.ResolveDetailed(ctx, hint, loginDesc)
		long <- outcome{res, err}
	}()

	assert.ErrorIs(t, <-shortErr, schemas.ErrTimeoutExceeded)
	close(gated.gate)

	got := <-long
	require.NoError(t, got.err)
	assert.Equal(t, schemas.SourceOriginal, got.res.Source)
	assert.True(t, got.res.Shared)
	assert.Equal(t, int64(1), gated.calls.Load(), "the short caller's deadline did not cancel the shared run")
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	ai := aiclient.New(llmclient.NewMockBackend(logger), cfg.Resilience, logger)

	_, err := engine.New(cfg.Engine, nil, ai, nil, logger)
	assert.Error(t, err)

	d, err := htmldriver.NewFromString(loginPage)
	require.NoError(t, err)
	_, err = engine.New(cfg.Engine, d, nil, nil, logger)
	assert.Error(t, err)

	e, err := engine.New(cfg.Engine, d, ai, nil, logger)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, cache.Stats{}, e.CacheStats())
	assert.NoError(t, e.ClearCache(context.Background()))
}
