// Package resilience runs long remote calls with per-attempt deadlines,
// exponential backoff and a degraded fallback once attempts run out.
package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is a step of the invocation state machine.
type State int

const (
	// StateIdle is the state before the first attempt.
	StateIdle State = iota
	// StateAttempting means a call is in flight.
	StateAttempting
	// StateRetrying means the wrapper is waiting out a backoff delay.
	StateRetrying
	// StateSucceeded is terminal: the call returned a result.
	StateSucceeded
	// StateExhausted means a retryable failure happened with no attempts left.
	StateExhausted
	// StateFallbackReturned is terminal: the fallback value was returned.
	StateFallbackReturned
	// StateFailed is terminal: a non-retryable failure or caller cancellation.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFallbackReturned:
		return "fallback_returned"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InvokeConfig controls a single resilient invocation.
type InvokeConfig struct {
	// Timeout bounds each attempt. It cancels only the in-flight call.
	// Default: 20m.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	// failure. Zero disables retries; negative values are treated as zero.
	MaxRetries int

	// BackoffBase is the delay before the second attempt. Default: 20s.
	BackoffBase time.Duration

	// BackoffFactor multiplies the delay after each retry. Values below 1
	// fall back to the default of 2.0.
	BackoffFactor float64

	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each backoff sleep with the number of the
	// attempt about to run, the delay and the error that caused the retry.
	OnRetry func(nextAttempt int, delay time.Duration, err error)

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)

	// wait sleeps between attempts; tests replace it.
	wait func(ctx context.Context, d time.Duration) error
}

// DefaultInvokeConfig returns the settings used for final story generation.
func DefaultInvokeConfig() InvokeConfig {
	return InvokeConfig{
		Timeout:       20 * time.Minute,
		MaxRetries:    3,
		BackoffBase:   20 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Outcome describes how an invocation ended.
type Outcome[T any] struct {
	Value    T
	State    State
	Attempts int
	// Delays holds every backoff delay actually waited, in order.
	Delays []time.Duration
	// Degraded is set when Value came from the fallback.
	Degraded bool
	// Err is the last failure seen, kept even when the fallback was used.
	Err error
}

// Invoke runs call until it succeeds, fails with a non-retryable error, or
// runs out of attempts. On exhaustion the fallback result is returned with a
// nil error and Degraded set; with a nil fallback the last error is returned.
// Cancelling ctx stops the loop with the context error and never falls back.
func Invoke[T any](ctx context.Context, cfg InvokeConfig, call func(ctx context.Context) (T, error), fallback func(lastErr error) T) (Outcome[T], error) {
	cfg = applyInvokeDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	wait := cfg.wait
	if wait == nil {
		wait = sleepCtx
	}
	schedule := newSchedule(cfg)

	out := Outcome[T]{State: StateIdle}
	setState := func(to State) {
		from := out.State
		out.State = to
		if cfg.OnStateChange != nil && from != to {
			cfg.OnStateChange(from, to)
		}
	}

	maxAttempts := cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		setState(StateAttempting)
		out.Attempts = attempt

		val, err := attemptOnce(ctx, cfg.Timeout, attempt, call)
		if err == nil {
			out.Value = val
			out.Err = nil
			setState(StateSucceeded)
			return out, nil
		}
		out.Err = err

		if ctx.Err() != nil {
			setState(StateFailed)
			return out, err
		}

		if !shouldRetry(err) {
			setState(StateFailed)
			return out, err
		}

		if attempt >= maxAttempts {
			setState(StateExhausted)
			if fallback == nil {
				return out, err
			}
			out.Value = fallback(err)
			out.Degraded = true
			setState(StateFallbackReturned)
			return out, nil
		}

		delay := schedule.NextBackOff()
		setState(StateRetrying)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		if werr := wait(ctx, delay); werr != nil {
			setState(StateFailed)
			return out, werr
		}
		out.Delays = append(out.Delays, delay)
	}
}

// attemptOnce runs call under its own deadline. Expiry of that deadline, and
// not of the parent context, is reported as a TimeoutError.
func attemptOnce[T any](ctx context.Context, timeout time.Duration, attempt int, call func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := call(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return val, &TimeoutError{Attempt: attempt, Timeout: timeout, Err: err}
	}
	return val, err
}

// Schedule returns the first n backoff delays cfg would produce. Delay i
// (zero-based) is BackoffBase × BackoffFactor^i, capped at MaxBackoff.
func Schedule(cfg InvokeConfig, n int) []time.Duration {
	cfg = applyInvokeDefaults(cfg)
	b := newSchedule(cfg)
	delays := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func applyInvokeDefaults(cfg InvokeConfig) InvokeConfig {
	def := DefaultInvokeConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxBackoff < 0 {
		cfg.MaxBackoff = 0
	}
	return cfg
}

// newSchedule builds a deterministic exponential schedule: no jitter and no
// elapsed-time cutoff, so only MaxRetries bounds the loop.
func newSchedule(cfg InvokeConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = cfg.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
