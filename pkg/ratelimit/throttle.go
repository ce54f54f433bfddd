package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/observability"
)

// Throttle is the spike detector and adaptive rate controller. It watches
// 429 timestamps per provider and lowers the effective RPM when a provider
// is spiking, then restores it gradually over clean minutes.
//
// State per provider:
//
//	spike:{p}          sorted set of 429 timestamps (trimmed to the horizon)
//	effective_rpm:{p}  current throttled RPM as an integer string
//	throttle:{p}       hash {state, restore_mark}
type Throttle struct {
	store  kv.Store
	clock  clock.Clock
	limits map[string]*config.RateLimitConfig
	logger *slog.Logger

	mu        sync.Mutex
	listeners []ThrottleListener
}

const (
	spikeThreshold = 3
	dropFactor     = 0.8
	floorFraction  = 0.5
	restoreStep    = 0.1
)

// NewThrottle creates the adaptive throttle over the given rate configs.
func NewThrottle(store kv.Store, clk clock.Clock, limits map[string]*config.RateLimitConfig, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		store:  store,
		clock:  clk,
		limits: limits,
		logger: logger,
	}
}

// AddListener registers a throttle transition observer.
func (t *Throttle) AddListener(l ThrottleListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Throttle) notify(provider string, from, to int, spiking bool) {
	t.mu.Lock()
	listeners := make([]ThrottleListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l.ThrottleChanged(provider, from, to, spiking)
	}
}

func (t *Throttle) configuredRPM(provider string) int {
	if rl, ok := t.limits[provider]; ok {
		return rl.RPM
	}
	return 0
}

// ReportRateLimited satisfies the retry engine's Reporter interface. Every
// 429 observed by a retry loop lands here regardless of eventual success.
func (t *Throttle) ReportRateLimited(ctx context.Context, provider string, retryAfter time.Duration) {
	if err := t.Record429(ctx, provider); err != nil {
		t.logger.Warn("record 429 failed", "provider", provider, "error", err)
	}
}

// Record429 registers one upstream rate-limit hit. Crossing the spike
// threshold drops the effective RPM by the drop factor, floored at half the
// configured RPM. Every 429 also resets the restoration clock.
func (t *Throttle) Record429(ctx context.Context, provider string) error {
	configured := t.configuredRPM(provider)
	if configured <= 0 {
		return nil
	}

	score := nowScore(t.clock.Now())
	trimBelow := score - horizon.Seconds()

	spikeKey := spikeKeyPrefix + provider
	throttleKey := throttleKeyPrefix + provider

	err := t.store.Pipeline(ctx, func(p kv.Pipe) {
		p.ZRemRangeByScore(spikeKey, scoreFloor, trimBelow)
		p.ZAdd(spikeKey, score, clock.NewRequestID())
		p.Expire(spikeKey, 2*horizon)
		p.HSet(throttleKey, "restore_mark", formatScore(score))
	})
	if err != nil {
		return fmt.Errorf("record 429: %w", err)
	}

	count, err := t.store.ZCount(ctx, spikeKey, trimBelow, score+1)
	if err != nil {
		return fmt.Errorf("count 429s: %w", err)
	}
	if count < spikeThreshold {
		return nil
	}

	state, _, err := t.store.HGet(ctx, throttleKey, "state")
	if err != nil {
		return fmt.Errorf("read throttle state: %w", err)
	}
	if state == "spiking" {
		// Already dropped for this spike; a new 429 only resets the
		// restoration clock, it never re-drops below the current value.
		return nil
	}

	current, err := t.effectiveRaw(ctx, provider, configured)
	if err != nil {
		return err
	}
	dropped := int(float64(current) * dropFactor)
	if min := int(float64(configured) * floorFraction); dropped < min {
		dropped = min
	}

	err = t.store.Pipeline(ctx, func(p kv.Pipe) {
		p.Set(effectiveKeyPrefix+provider, strconv.Itoa(dropped))
		p.HSet(throttleKey, "state", "spiking")
	})
	if err != nil {
		return fmt.Errorf("persist throttle drop: %w", err)
	}

	t.logger.Warn("provider spiking, throttling",
		"provider", provider,
		"from_rpm", current,
		"to_rpm", dropped)
	observability.ThrottleTransitions.WithLabelValues(provider, "drop").Inc()
	t.notify(provider, current, dropped, true)
	return nil
}

// EffectiveRPM returns the RPM the bucket and window must enforce right now.
// While throttled, each clean minute restores a tenth of the configured RPM.
func (t *Throttle) EffectiveRPM(ctx context.Context, provider string) (int, error) {
	configured := t.configuredRPM(provider)
	if configured <= 0 {
		return 0, fmt.Errorf("no rate limits configured for provider %q", provider)
	}

	current, err := t.effectiveRaw(ctx, provider, configured)
	if err != nil {
		return 0, err
	}
	if current >= configured {
		return configured, nil
	}

	score := nowScore(t.clock.Now())
	trimBelow := score - horizon.Seconds()

	spikeKey := spikeKeyPrefix + provider
	if _, err := t.store.ZRemRangeByScore(ctx, spikeKey, scoreFloor, trimBelow); err != nil {
		return 0, fmt.Errorf("trim spikes: %w", err)
	}
	recent, err := t.store.ZCount(ctx, spikeKey, trimBelow, score+1)
	if err != nil {
		return 0, fmt.Errorf("count spikes: %w", err)
	}
	if recent > 0 {
		return current, nil
	}

	throttleKey := throttleKeyPrefix + provider
	markStr, ok, err := t.store.HGet(ctx, throttleKey, "restore_mark")
	if err != nil {
		return 0, fmt.Errorf("read restore mark: %w", err)
	}
	if !ok {
		if err := t.store.HSet(ctx, throttleKey, "restore_mark", formatScore(score)); err != nil {
			return 0, fmt.Errorf("set restore mark: %w", err)
		}
		return current, nil
	}

	mark, err := strconv.ParseFloat(markStr, 64)
	if err != nil {
		mark = score
	}
	elapsed := score - mark
	intervals := int(elapsed / horizon.Seconds())
	if intervals <= 0 {
		return current, nil
	}

	step := int(float64(configured) * restoreStep)
	if step < 1 {
		step = 1
	}
	restored := current + intervals*step
	spiking := true
	if restored >= configured {
		restored = configured
		spiking = false
	}

	err = t.store.Pipeline(ctx, func(p kv.Pipe) {
		p.Set(effectiveKeyPrefix+provider, strconv.Itoa(restored))
		p.HSet(throttleKey, "restore_mark", formatScore(mark+float64(intervals)*horizon.Seconds()))
		if !spiking {
			p.HSet(throttleKey, "state", "normal")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("persist throttle restore: %w", err)
	}

	t.logger.Info("throttle restoring",
		"provider", provider,
		"from_rpm", current,
		"to_rpm", restored)
	observability.ThrottleTransitions.WithLabelValues(provider, "restore").Inc()
	t.notify(provider, current, restored, spiking)
	return restored, nil
}

// Recent429Count reports 429s observed inside the trailing horizon.
func (t *Throttle) Recent429Count(ctx context.Context, provider string) (int64, error) {
	score := nowScore(t.clock.Now())
	return t.store.ZCount(ctx, spikeKeyPrefix+provider, score-horizon.Seconds(), score+1)
}

func (t *Throttle) effectiveRaw(ctx context.Context, provider string, configured int) (int, error) {
	raw, ok, err := t.store.Get(ctx, effectiveKeyPrefix+provider)
	if err != nil {
		return 0, fmt.Errorf("read effective rpm: %w", err)
	}
	if !ok {
		return configured, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return configured, nil
	}
	return value, nil
}
