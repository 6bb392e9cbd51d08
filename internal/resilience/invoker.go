// Package resilience wraps calls into external collaborators with a per-call
// timeout, retry with capped exponential backoff, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kopa-agent/kopa/internal/circuitbreaker"
	"github.com/kopa-agent/kopa/internal/metrics"
	"github.com/kopa-agent/kopa/internal/retry"
	"github.com/kopa-agent/kopa/internal/traces"
)

var (
	// ErrCircuitOpen is returned without calling the collaborator while the
	// circuit is open or a half-open probe is already in flight.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a single attempt exceeds the call timeout.
	ErrTimeout = errors.New("call timed out")
)

// DefaultCallTimeout bounds a single attempt.
const DefaultCallTimeout = 60 * time.Second

// Config holds the invoker's tunables.
type Config struct {
	Retry       retry.Policy
	CallTimeout time.Duration
	Breaker     circuitbreaker.Settings
}

// DefaultConfig returns 3 attempts with 1s..10s doubling backoff, a 60s call
// timeout, and a breaker opening after 5 failures for 30s and closing after
// 2 probe successes.
func DefaultConfig() Config {
	return Config{
		Retry:       retry.DefaultPolicy(),
		CallTimeout: DefaultCallTimeout,
		Breaker: circuitbreaker.Settings{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// CallError reports a call that did not succeed.
type CallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Invoker guards one external collaborator. All operations routed through
// the same Invoker share its breaker.
type Invoker struct {
	name    string
	cfg     Config
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger used for retry and breaker events.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// WithBreaker shares an existing breaker instead of creating one from Config.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(i *Invoker) { i.breaker = b }
}

// New creates an Invoker for the collaborator identified by name.
func New(name string, cfg Config, opts ...Option) *Invoker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	inv := &Invoker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.breaker == nil {
		inv.breaker = circuitbreaker.New(cfg.Breaker)
	}
	inv.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		inv.logger.Warn("circuit breaker state changed",
			"collaborator", key, "from", from.String(), "to", to.String())
	})
	return inv
}

// Name returns the collaborator name, which is also the breaker key.
func (i *Invoker) Name() string { return i.name }

// BreakerState returns the current breaker state.
func (i *Invoker) BreakerState() circuitbreaker.State {
	return i.breaker.State(i.name)
}

// Call runs fn through inv. Each attempt gets its own timeout and must be
// admitted by the breaker. Errors wrapped with retry.Permanent end the call
// immediately and are not counted against the breaker; the same holds when
// ctx itself is cancelled. Any failure is returned as a *CallError.
func Call[T any](ctx context.Context, inv *Invoker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	fullOp := inv.name + "." + op
	ctx, span := traces.StartSpan(ctx, fullOp)
	defer span.End()
	done := metrics.ObserveCall(fullOp)

	var result T
	attempts := 0

	policy := inv.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		inv.logger.Warn("external call failed, retrying",
			"op", fullOp, "attempt", attempt, "delay", delay, "error", err)
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		if !inv.breaker.Allow(inv.name) {
			return retry.Permanent(ErrCircuitOpen)
		}

		v, err := invokeWithTimeout(ctx, inv.cfg.CallTimeout, fn)
		switch {
		case err == nil:
			inv.breaker.RecordSuccess(inv.name)
			result = v
			return nil
		case retry.IsPermanent(err):
			inv.breaker.Release(inv.name)
			return err
		case ctx.Err() != nil:
			inv.breaker.Release(inv.name)
			return retry.Permanent(ctx.Err())
		default:
			inv.breaker.RecordFailure(inv.name)
			return err
		}
	})

	span.SetAttributes(traces.Attempts(attempts))
	done(err)
	if err != nil {
		traces.RecordError(span, err)
		var zero T
		return zero, &CallError{Op: fullOp, Attempts: attempts, Err: err}
	}
	return result, nil
}

// invokeWithTimeout runs fn in its own goroutine and stops waiting once the
// timeout elapses. The abandoned call sees its context cancelled but may
// still be running when this returns.
func invokeWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("panic in external call: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		out <- outcome{v: v, err: err}
	}()

	select {
	case o := <-out:
		return o.v, o.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
