package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/observability"
)

// RateGate composes admission in contract order: global gate, then token
// budget, then sliding window, then token bucket. The budget is consulted
// before the window so a budget denial never consumes a window slot. A
// denial at any leg releases the global permit before waiting. The returned
// permit releases only the global slot; the other legs are event-based and
// need no release.
type RateGate struct {
	gate     *Gate
	budget   *TokenBudget
	window   *Window
	bucket   *Bucket
	throttle *Throttle
	clock    clock.Clock
	logger   *slog.Logger
}

// minRetryWait bounds how fast a denied acquisition polls the store.
const minRetryWait = 50 * time.Millisecond

// NewRateGate wires the full admission stack over one store and clock.
func NewRateGate(store kv.Store, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *RateGate {
	if logger == nil {
		logger = slog.Default()
	}
	throttle := NewThrottle(store, clk, cfg.RateLimits, logger)
	return &RateGate{
		gate:     NewGate(cfg.Concurrency.MaxParallel),
		budget:   NewTokenBudget(store, clk, cfg.RateLimits),
		window:   NewWindow(store, clk, throttle),
		bucket:   NewBucket(store, clk, cfg.RateLimits, throttle),
		throttle: throttle,
		clock:    clk,
		logger:   logger,
	}
}

// Throttle exposes the spike detector for retry-engine wiring.
func (rg *RateGate) Throttle() *Throttle {
	return rg.throttle
}

// Gate exposes the global gate for introspection.
func (rg *RateGate) Gate() *Gate {
	return rg.gate
}

// Permit is a held admission. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

// Release frees the global concurrency slot.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Acquire blocks until the provider admits one request or the context is
// cancelled. The global permit is held only while the window and bucket are
// consulted, and across the caller's provider call once admitted.
func (rg *RateGate) Acquire(ctx context.Context, provider string) (*Permit, error) {
	for {
		if err := rg.gate.Acquire(ctx); err != nil {
			return nil, err
		}

		admitted, wait, err := rg.check(ctx, provider)
		if err != nil {
			rg.gate.Release()
			return nil, err
		}
		if admitted {
			return &Permit{release: rg.gate.Release}, nil
		}

		// Denied: give the permit back while waiting so other providers
		// can proceed.
		rg.gate.Release()

		if wait < minRetryWait {
			wait = minRetryWait
		}
		select {
		case <-rg.clock.After(wait):
		case <-ctx.Done():
			return nil, &llms.ProviderError{
				Provider: provider,
				Kind:     llms.FailureCancelled,
				Reason:   "cancelled waiting for rate admission",
				Err:      ctx.Err(),
			}
		}
	}
}

// RecordTokens adds one completed call's token spend to the provider's
// trailing-minute budget.
func (rg *RateGate) RecordTokens(ctx context.Context, provider string, tokens int) error {
	return rg.budget.Record(ctx, provider, tokens)
}

func (rg *RateGate) check(ctx context.Context, provider string) (bool, time.Duration, error) {
	ok, err := rg.budget.Allow(ctx, provider)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		observability.RateDenials.WithLabelValues(provider, "tokens").Inc()
		rg.logger.Debug("token budget denied", "provider", provider)
		return false, 0, nil
	}

	ok, err = rg.window.CheckAndAdd(ctx, provider)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		observability.RateDenials.WithLabelValues(provider, "window").Inc()
		rg.logger.Debug("window denied", "provider", provider)
		return false, 0, nil
	}

	ok, hint, err := rg.bucket.TryAcquire(ctx, provider)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		observability.RateDenials.WithLabelValues(provider, "bucket").Inc()
		rg.logger.Debug("bucket denied", "provider", provider, "wait_hint", hint)
		return false, hint, nil
	}
	return true, 0, nil
}
