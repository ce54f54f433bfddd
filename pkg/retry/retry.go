// Package retry implements bounded retry with exponential backoff for
// provider calls. Server-requested waits take precedence over computed
// backoff, and rate-limit hits are reported so the admission layer can adapt.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/llms"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int

	// BaseDelay is the first backoff step.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// JitterFrac randomizes each delay by +/- this fraction.
	JitterFrac float64
}

// DefaultPolicy returns the standard provider retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.2,
	}
}

// Reporter receives rate-limit observations. The admission layer's spike
// detector implements this.
type Reporter interface {
	ReportRateLimited(ctx context.Context, provider string, retryAfter time.Duration)
}

// Engine runs functions under a retry policy.
type Engine struct {
	policy   Policy
	clock    clock.Clock
	reporter Reporter
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithReporter wires the rate-limit observation sink.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSeed fixes the jitter source, used by tests.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewEngine creates a retry engine.
func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy: policy,
		clock:  clock.NewSystem(),
		logger: slog.Default(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn up to MaxAttempts times. Only retryable failure kinds
// (rate limited, timeout, network, server error) are retried; everything
// else returns immediately. A server Retry-After is honored exactly in
// place of computed backoff.
func (e *Engine) Do(ctx context.Context, provider string, fn func(ctx context.Context) (*llms.Response, error)) (*llms.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var pe *llms.ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return nil, err
		}

		if pe.Kind == llms.FailureRateLimited && e.reporter != nil {
			e.reporter.ReportRateLimited(ctx, provider, pe.RetryAfter)
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.delayFor(pe, attempt)
		e.logger.Debug("retrying provider call",
			"provider", provider,
			"attempt", attempt,
			"kind", string(pe.Kind),
			"delay", delay)

		select {
		case <-e.clock.After(delay):
		case <-ctx.Done():
			return nil, &llms.ProviderError{
				Provider: provider,
				Kind:     llms.FailureCancelled,
				Reason:   "cancelled during backoff",
				Err:      ctx.Err(),
			}
		}
	}

	return nil, lastErr
}

// delayFor picks the wait before the next attempt. Retry-After wins when the
// server sent one; otherwise exponential backoff with jitter.
func (e *Engine) delayFor(pe *llms.ProviderError, attempt int) time.Duration {
	if pe.Kind == llms.FailureRateLimited && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}

	delay := e.policy.BaseDelay << (attempt - 1)
	if delay > e.policy.MaxDelay || delay <= 0 {
		delay = e.policy.MaxDelay
	}
	return e.jitter(delay)
}

func (e *Engine) jitter(d time.Duration) time.Duration {
	if e.policy.JitterFrac <= 0 {
		return d
	}
	e.mu.Lock()
	f := e.rng.Float64()
	e.mu.Unlock()

	// Spread across [1-frac, 1+frac].
	factor := 1 - e.policy.JitterFrac + 2*e.policy.JitterFrac*f
	return time.Duration(float64(d) * factor)
}
