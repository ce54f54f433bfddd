package ratelimit

import (
	"context"
	"fmt"
	"sort"
)

// Status snapshots every configured provider's rate state for the status
// endpoint.
func (rg *RateGate) Status(ctx context.Context) ([]ProviderStatus, error) {
	names := make([]string, 0, len(rg.throttle.limits))
	for name := range rg.throttle.limits {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		status, err := rg.ProviderStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// ProviderStatus snapshots one provider's rate state.
func (rg *RateGate) ProviderStatus(ctx context.Context, provider string) (ProviderStatus, error) {
	rl, ok := rg.throttle.limits[provider]
	if !ok {
		return ProviderStatus{}, fmt.Errorf("no rate limits configured for provider %q", provider)
	}

	effective, err := rg.throttle.EffectiveRPM(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	tokens, err := rg.bucket.Tokens(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	occupancy, err := rg.window.Occupancy(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	spent, err := rg.budget.Spent(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	recent429, err := rg.throttle.Recent429Count(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}

	return ProviderStatus{
		Name:             provider,
		ConfiguredRPM:    rl.RPM,
		EffectiveRPM:     effective,
		BucketTokens:     tokens,
		WindowOccupancy:  occupancy,
		TokensPerMinute:  rl.TokensPerMinute,
		TokensLastMinute: spent,
		Recent429Count:   recent429,
	}, nil
}
