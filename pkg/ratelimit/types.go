// Package ratelimit implements per-provider admission control: a token
// bucket for sustained rate, a sliding window for burst precision, an
// adaptive throttle that reacts to upstream 429 spikes, and a process-wide
// concurrency gate. The composite RateGate serializes all of them.
package ratelimit

import (
	"strconv"
	"time"
)

// Key patterns in the KV store.
const (
	bucketKeyPrefix    = "bucket:"
	windowKeyPrefix    = "window:"
	tokensKeyPrefix    = "tokens:"
	spikeKeyPrefix     = "spike:"
	effectiveKeyPrefix = "effective_rpm:"
	throttleKeyPrefix  = "throttle:"
)

// horizon is the trailing interval both the window and the spike detector
// observe.
const horizon = 60 * time.Second

// scoreFloor is a score below every timestamp this system will ever write,
// used as the lower bound for trim ranges.
const scoreFloor = float64(-1 << 53)

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func nowScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ProviderStatus is the introspection snapshot for one provider.
type ProviderStatus struct {
	Name             string `json:"name"`
	ConfiguredRPM    int    `json:"configured_rpm"`
	EffectiveRPM     int    `json:"effective_rpm"`
	BucketTokens     int    `json:"bucket_tokens"`
	WindowOccupancy  int64  `json:"window_occupancy"`
	TokensPerMinute  int    `json:"tokens_per_minute"`
	TokensLastMinute int64  `json:"tokens_last_minute"`
	Recent429Count   int64  `json:"recent_429_count"`
}

// ThrottleListener observes adaptive throttle transitions.
type ThrottleListener interface {
	ThrottleChanged(provider string, fromRPM, toRPM int, spiking bool)
}
