package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/kv"
)

// TokenBudget enforces the per-provider tokens-per-minute ceiling. Unlike
// the request window it meters after the fact: admission consults the
// trailing minute's recorded spend, and actual token counts land once the
// provider response arrives. A single oversized call can therefore overshoot
// the budget once; the next admission pays for it.
//
// State per provider: tokens:{p}, a sorted set of "{count}:{id}" members
// scored by timestamp.
type TokenBudget struct {
	store  kv.Store
	clock  clock.Clock
	limits map[string]*config.RateLimitConfig
}

// NewTokenBudget creates the token spend meter over the given rate configs.
func NewTokenBudget(store kv.Store, clk clock.Clock, limits map[string]*config.RateLimitConfig) *TokenBudget {
	return &TokenBudget{
		store:  store,
		clock:  clk,
		limits: limits,
	}
}

// Allow reports whether the provider's trailing-minute token spend is still
// under budget. Providers without a configured budget always pass.
func (b *TokenBudget) Allow(ctx context.Context, provider string) (bool, error) {
	rl, ok := b.limits[provider]
	if !ok || rl.TokensPerMinute <= 0 {
		return true, nil
	}
	spent, err := b.Spent(ctx, provider)
	if err != nil {
		return false, err
	}
	return spent < int64(rl.TokensPerMinute), nil
}

// Record adds one call's token spend to the trailing window.
func (b *TokenBudget) Record(ctx context.Context, provider string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	score := nowScore(b.clock.Now())
	key := tokensKeyPrefix + provider
	err := b.store.Pipeline(ctx, func(p kv.Pipe) {
		p.ZRemRangeByScore(key, scoreFloor, score-horizon.Seconds())
		p.ZAdd(key, score, fmt.Sprintf("%d:%s", tokens, clock.NewRequestID()))
		p.Expire(key, 2*horizon)
	})
	if err != nil {
		return fmt.Errorf("record token spend: %w", err)
	}
	return nil
}

// Spent sums the token counts recorded inside the trailing horizon.
func (b *TokenBudget) Spent(ctx context.Context, provider string) (int64, error) {
	score := nowScore(b.clock.Now())
	members, err := b.store.ZRangeByScore(ctx, tokensKeyPrefix+provider, score-horizon.Seconds(), score+1)
	if err != nil {
		return 0, fmt.Errorf("read token spend: %w", err)
	}
	var total int64
	for _, m := range members {
		head, _, _ := strings.Cut(m.Member, ":")
		count, err := strconv.ParseInt(head, 10, 64)
		if err != nil {
			continue
		}
		total += count
	}
	return total, nil
}
