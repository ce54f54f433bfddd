package ratelimit

import (
	"context"
	"fmt"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/kv"
)

// Window is the per-provider 60-second sliding window, persisted as a KV
// sorted set at window:{provider}. It is the precision leg of admission: no
// more than the effective RPM may cluster in any trailing horizon even when
// the bucket would momentarily allow a burst.
type Window struct {
	store    kv.Store
	clock    clock.Clock
	throttle *Throttle
}

// NewWindow creates the sliding window admission check.
func NewWindow(store kv.Store, clk clock.Clock, throttle *Throttle) *Window {
	return &Window{
		store:    store,
		clock:    clk,
		throttle: throttle,
	}
}

// CheckAndAdd trims expired entries, counts the remainder, and records this
// request only when the count is under the effective RPM. Trim, count and
// add happen atomically in the store.
func (w *Window) CheckAndAdd(ctx context.Context, provider string) (bool, error) {
	limit, err := w.throttle.EffectiveRPM(ctx, provider)
	if err != nil {
		return false, err
	}

	score := nowScore(w.clock.Now())
	added, _, err := w.store.ZAddIfCountBelow(ctx,
		windowKeyPrefix+provider,
		score-horizon.Seconds(),
		int64(limit),
		score,
		clock.NewRequestID(),
	)
	if err != nil {
		return false, fmt.Errorf("window add: %w", err)
	}
	return added, nil
}

// Occupancy reports how many requests sit inside the trailing horizon.
func (w *Window) Occupancy(ctx context.Context, provider string) (int64, error) {
	score := nowScore(w.clock.Now())
	return w.store.ZCount(ctx, windowKeyPrefix+provider, score-horizon.Seconds(), score+1)
}
