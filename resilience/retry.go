// Package resilience wraps storage.Storage access with bounded retry-with-backoff and a
// per-backend circuit breaker (spec.md §4.2), so every call from the event store,
// session manager, protocol interceptor, and admission controller into the storage
// adapter gets the same transient-fault handling without repeating it at each call
// site. Grounded on original_source/utils/resilience.py's CircuitBreaker/with_retries
// shape; the specific defaults (base 50ms/cap 2s exponential backoff with jitter, K=5
// consecutive failures, 10s cooldown) come from spec.md §4.2 and supersede the
// original's fixed backoff list.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/bh-rat/mcp-db/storage"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the retry wrapper. Zero values are replaced by spec.md §4.2
// defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first. Default 3.
	MaxAttempts int
	// BaseDelay is the initial backoff interval. Default 50ms.
	BaseDelay time.Duration
	// CapDelay bounds the backoff interval. Default 2s.
	CapDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 2 * time.Second
	}
	return c
}

// MetricsSink receives storage call latency, matching the sessionmanager/teacher
// MetricsSink shape. Optional; a nil sink disables observation.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)            {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// Wrapper wraps a single logical backend (one storage.Storage) with retry and a
// circuit breaker. Every one of the (A) primitives this core calls through (B) should
// go through Do or DoValue.
type Wrapper struct {
	retry   RetryConfig
	breaker *Breaker
	metrics MetricsSink
}

// New constructs a resilience Wrapper for one backend.
func New(retry RetryConfig, breakerCfg BreakerConfig) *Wrapper {
	return &Wrapper{
		retry:   retry.withDefaults(),
		breaker: NewBreaker(breakerCfg),
		metrics: noopMetrics{},
	}
}

// WithMetrics attaches a MetricsSink for storage-call latency observation.
func (w *Wrapper) WithMetrics(sink MetricsSink) *Wrapper {
	if sink != nil {
		w.metrics = sink
	}
	return w
}

// Breaker exposes the underlying breaker, e.g. for metrics reporting of its state.
func (w *Wrapper) Breaker() *Breaker { return w.breaker }

// Do runs fn with retry-on-UNAVAILABLE and circuit-breaker short-circuiting. Only
// storage.ErrUnavailable is retried; any other error (including context
// cancellation) returns immediately without consuming a breaker failure, since those
// are not transient backend faults per spec.md §4.2/§7.
func (w *Wrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !w.breaker.Allow() {
		return storage.ErrUnavailable
	}

	start := time.Now()
	defer func() {
		w.metrics.ObserveHistogram("mcp_storage_latency_seconds", time.Since(start).Seconds(), nil)
	}()

	bo := w.newBackoff(ctx)
	var lastErr error
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, storage.ErrUnavailable) {
			if attempts >= w.retry.MaxAttempts {
				return backoff.Permanent(lastErr)
			}
			return lastErr
		}
		// Non-transient outcome: return immediately (spec.md §4.2).
		return backoff.Permanent(lastErr)
	}, bo)

	if err != nil {
		if errors.Is(lastErr, storage.ErrUnavailable) {
			w.breaker.Fail()
		} else {
			// A non-transient failure still counts as a successful *call* to the
			// breaker: the backend answered, it just said NOT_FOUND/CONFLICT/etc.
			w.breaker.Succeed()
		}
		return lastErr
	}

	w.breaker.Succeed()
	return nil
}

// DoValue is Do for functions that also return a value, threading it through the
// retry loop via a closure-captured variable.
func DoValue[T any](ctx context.Context, w *Wrapper, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := w.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

func (w *Wrapper) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.retry.BaseDelay
	eb.MaxInterval = w.retry.CapDelay
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts instead, via backoff.Permanent
	eb.Reset()
	return backoff.WithContext(eb, ctx)
}
