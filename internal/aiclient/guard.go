// internal/aiclient/guard.go
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/observability"
)

// CircuitState is the breaker state of one backend.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

func stateOf(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// gaugeValue matches the encoding documented on the circuit_state gauge.
func (s CircuitState) gaugeValue() float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// Call outcomes recorded in metrics.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
	outcomeCanceled = "canceled"
)

// callerDone marks an attempt that ended because the caller's context did, not because the
// backend failed. The breaker does not count it as a failure.
type callerDone struct{ err error }

func (e *callerDone) Error() string { return e.err.Error() }
func (e *callerDone) Unwrap() error { return e.err }

// guard applies the resilience policy to every call against one backend. The retry loop drives
// attempts; each attempt waits on the rate limiter, passes through the breaker and runs under
// its own timeout.
type guard struct {
	name           string
	breaker        *gobreaker.CircuitBreaker[struct{}]
	limiter        *rate.Limiter
	retry          config.RetryConfig
	attemptTimeout time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
}

func newGuard(name string, cfg config.ResilienceConfig, metrics *observability.Metrics, logger *zap.Logger) *guard {
	g := &guard{
		name:           name,
		retry:          cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		metrics:        metrics,
		logger:         logger,
	}

	cb := cfg.CircuitBreaker
	threshold := uint32(max(cb.FailureThreshold, 1))
	g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cb.Window,
		Timeout:     cb.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= threshold {
				return true
			}
			if cb.FailureRate > 0 && cb.MinRequests > 0 && c.Requests >= uint32(cb.MinRequests) {
				return float64(c.TotalFailures)/float64(c.Requests) >= cb.FailureRate
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			var done *callerDone
			return err == nil || errors.As(err, &done)
		},
		OnStateChange: g.onStateChange,
	})

	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
	}
	g.metrics.SetCircuitState(name, CircuitClosed.gaugeValue())
	return g
}

func (g *guard) onStateChange(name string, from, to gobreaker.State) {
	next := stateOf(to)
	g.metrics.SetCircuitState(name, next.gaugeValue())
	fields := []zap.Field{zap.String("backend", name), zap.String("from", string(stateOf(from))), zap.String("to", string(next))}
	if next == CircuitOpen {
		g.logger.Warn("Circuit breaker opened, AI calls will fail fast.", fields...)
		return
	}
	g.logger.Info("Circuit breaker state changed.", fields...)
}

func (g *guard) state() CircuitState {
	return stateOf(g.breaker.State())
}

func (g *guard) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch g.retry.Backoff {
	case config.BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = g.retry.Delay
		if g.retry.MaxDelay > 0 {
			eb.MaxInterval = g.retry.MaxDelay
		}
		if g.retry.Multiplier > 1 {
			eb.Multiplier = g.retry.Multiplier
		}
		// The caller's deadline bounds the loop instead.
		eb.MaxElapsedTime = 0
		b = eb
	default:
		b = backoff.NewConstantBackOff(g.retry.Delay)
	}
	attempts := max(g.retry.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// do runs fn under the policy. Failures come back as ErrAIBackendUnavailable, except when the
// caller's context ended first, in which case the context error is returned.
func (g *guard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var (
		attempts int
		rejected bool
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(&callerDone{err: fmt.Errorf("rate limiter: %w", err)})
			}
		}

		attempts++
		_, err := g.breaker.Execute(func() (struct{}, error) {
			actx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
			defer cancel()
			err := fn(actx)
			if err != nil && ctx.Err() != nil {
				return struct{}{}, &callerDone{err: err}
			}
			return struct{}{}, err
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			attempts--
			rejected = true
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case errors.Is(err, schemas.ErrBackendPermanent):
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("AI backend attempt failed, retrying.",
			zap.String("backend", g.name),
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, g.newBackOff(ctx), notify)
	elapsed := time.Since(start)

	var done *callerDone
	switch {
	case err == nil:
		g.metrics.ObserveAICall(g.name, op, outcomeSuccess, elapsed)
		return nil
	case ctx.Err() != nil || errors.As(err, &done):
		g.metrics.ObserveAICall(g.name, op, outcomeCanceled, elapsed)
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("%s %s interrupted: %w", g.name, op, cause)
	case rejected:
		g.metrics.ObserveAICall(g.name, op, outcomeRejected, elapsed)
		g.logger.Debug("AI call rejected by circuit breaker.", zap.String("backend", g.name), zap.String("operation", op))
		return fmt.Errorf("%w: %s circuit is %s: %w", schemas.ErrAIBackendUnavailable, g.name, g.state(), err)
	default:
		g.metrics.ObserveAICall(g.name, op, outcomeFailure, elapsed)
		g.logger.Error("AI backend call failed.",
			zap.String("backend", g.name),
			zap.String("operation", op),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s failed after %d attempt(s): %w", schemas.ErrAIBackendUnavailable, g.name, op, attempts, err)
	}
}
