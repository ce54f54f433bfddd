package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/kv"
)

// Bucket is the per-provider token bucket, persisted in a KV hash at
// bucket:{provider} with fields tokens and last_refill. Tokens are kept as a
// real number; refill rate follows the throttle's effective RPM so drops take
// effect without restart.
type Bucket struct {
	store    kv.Store
	clock    clock.Clock
	limits   map[string]*config.RateLimitConfig
	throttle *Throttle
}

// NewBucket creates the token bucket admission check.
func NewBucket(store kv.Store, clk clock.Clock, limits map[string]*config.RateLimitConfig, throttle *Throttle) *Bucket {
	return &Bucket{
		store:    store,
		clock:    clk,
		limits:   limits,
		throttle: throttle,
	}
}

// TryAcquire takes one token when available. On denial it returns a hint for
// how long to wait until a token accrues.
func (b *Bucket) TryAcquire(ctx context.Context, provider string) (bool, time.Duration, error) {
	rl, ok := b.limits[provider]
	if !ok {
		return false, 0, fmt.Errorf("no rate limits configured for provider %q", provider)
	}

	rpm, err := b.throttle.EffectiveRPM(ctx, provider)
	if err != nil {
		return false, 0, err
	}

	now := nowScore(b.clock.Now())
	tokens, last, err := b.state(ctx, provider)
	if err != nil {
		return false, 0, err
	}
	if last == 0 {
		// First sighting: a full bucket.
		tokens = float64(rl.Burst)
		last = now
	}

	tokens += (now - last) * float64(rpm) / 60
	if max := float64(rl.Burst); tokens > max {
		tokens = max
	}

	admitted := tokens >= 1
	var hint time.Duration
	if admitted {
		tokens--
	} else {
		hint = time.Duration((1 - tokens) * 60 / float64(rpm) * float64(time.Second))
	}

	err = b.store.Pipeline(ctx, func(p kv.Pipe) {
		key := bucketKeyPrefix + provider
		p.HSet(key, "tokens", formatScore(tokens))
		p.HSet(key, "last_refill", formatScore(now))
	})
	if err != nil {
		return false, 0, fmt.Errorf("persist bucket: %w", err)
	}
	return admitted, hint, nil
}

// Tokens reports the integer number of available tokens after a virtual
// refill, for introspection.
func (b *Bucket) Tokens(ctx context.Context, provider string) (int, error) {
	rl, ok := b.limits[provider]
	if !ok {
		return 0, fmt.Errorf("no rate limits configured for provider %q", provider)
	}
	rpm, err := b.throttle.EffectiveRPM(ctx, provider)
	if err != nil {
		return 0, err
	}

	tokens, last, err := b.state(ctx, provider)
	if err != nil {
		return 0, err
	}
	if last == 0 {
		return rl.Burst, nil
	}

	now := nowScore(b.clock.Now())
	tokens += (now - last) * float64(rpm) / 60
	if max := float64(rl.Burst); tokens > max {
		tokens = max
	}
	if tokens < 0 {
		tokens = 0
	}
	return int(tokens), nil
}

func (b *Bucket) state(ctx context.Context, provider string) (tokens, lastRefill float64, err error) {
	fields, err := b.store.HGetAll(ctx, bucketKeyPrefix+provider)
	if err != nil {
		return 0, 0, fmt.Errorf("read bucket: %w", err)
	}
	if raw, ok := fields["tokens"]; ok {
		tokens, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := fields["last_refill"]; ok {
		lastRefill, _ = strconv.ParseFloat(raw, 64)
	}
	return tokens, lastRefill, nil
}
