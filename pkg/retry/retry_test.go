package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/llms"
)

// immediatePolicy removes all waiting so retry sequencing can be asserted
// without a clock.
func immediatePolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

func rateLimited(after time.Duration) *llms.ProviderError {
	return &llms.ProviderError{Provider: "p", Kind: llms.FailureRateLimited, Status: 429, RetryAfter: after}
}

func TestDoSucceedsAfterRetryableFailures(t *testing.T) {
	engine := NewEngine(immediatePolicy(5))

	calls := 0
	resp, err := engine.Do(context.Background(), "p", func(ctx context.Context) (*llms.Response, error) {
		calls++
		if calls < 3 {
			return nil, &llms.ProviderError{Provider: "p", Kind: llms.FailureServerError, Status: 500}
		}
		return &llms.Response{Content: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	engine := NewEngine(immediatePolicy(5))

	calls := 0
	_, err := engine.Do(context.Background(), "p", func(ctx context.Context) (*llms.Response, error) {
		calls++
		return nil, &llms.ProviderError{Provider: "p", Kind: llms.FailureBadRequest, Status: 400}
	})
	if llms.KindOf(err) != llms.FailureBadRequest {
		t.Fatalf("kind = %s", llms.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	engine := NewEngine(immediatePolicy(5))

	calls := 0
	_, err := engine.Do(context.Background(), "p", func(ctx context.Context) (*llms.Response, error) {
		calls++
		return nil, &llms.ProviderError{Provider: "p", Kind: llms.FailureTimeout}
	})
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if llms.KindOf(err) != llms.FailureTimeout {
		t.Errorf("kind = %s", llms.KindOf(err))
	}
}

func TestDoHonorsRetryAfterExactly(t *testing.T) {
	manual := clock.NewManual(time.Unix(1700000000, 0))
	engine := NewEngine(
		Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		WithClock(manual),
	)

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := engine.Do(context.Background(), "p", func(ctx context.Context) (*llms.Response, error) {
			calls++
			if calls == 1 {
				return nil, rateLimited(5 * time.Second)
			}
			return &llms.Response{Content: "ok"}, nil
		})
		done <- err
	}()

	waitForWaiter(t, manual)

	// Just under the server wait: the retry must not run yet.
	manual.Advance(4 * time.Second)
	select {
	case <-done:
		t.Fatal("retry ran before Retry-After elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	manual.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoBackoffGrowsAndCaps(t *testing.T) {
	engine := NewEngine(Policy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	})

	pe := &llms.ProviderError{Kind: llms.FailureServerError}
	wants := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range wants {
		if got := engine.delayFor(pe, i+1); got != want {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, want)
		}
	}
}

func TestDoJitterStaysInBand(t *testing.T) {
	engine := NewEngine(Policy{
		MaxAttempts: 2,
		BaseDelay:   10 * time.Second,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.2,
	}, WithSeed(1))

	pe := &llms.ProviderError{Kind: llms.FailureNetwork}
	for i := 0; i < 100; i++ {
		d := engine.delayFor(pe, 1)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %v outside [8s, 12s]", d)
		}
	}
}

func TestDoReportsRateLimits(t *testing.T) {
	reporter := &captureReporter{}
	engine := NewEngine(immediatePolicy(3), WithReporter(reporter))

	_, _ = engine.Do(context.Background(), "primary", func(ctx context.Context) (*llms.Response, error) {
		return nil, rateLimited(2 * time.Second)
	})

	reports := reporter.snapshot()
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	if reports[0].provider != "primary" || reports[0].retryAfter != 2*time.Second {
		t.Errorf("report = %+v", reports[0])
	}
}

func TestDoCancelDuringBackoff(t *testing.T) {
	manual := clock.NewManual(time.Unix(1700000000, 0))
	engine := NewEngine(
		Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second},
		WithClock(manual),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Do(ctx, "p", func(ctx context.Context) (*llms.Response, error) {
			return nil, &llms.ProviderError{Kind: llms.FailureNetwork}
		})
		done <- err
	}()

	waitForWaiter(t, manual)
	cancel()

	err := <-done
	if llms.KindOf(err) != llms.FailureCancelled {
		t.Fatalf("kind = %s, want cancelled", llms.KindOf(err))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func waitForWaiter(t *testing.T, m *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.WaiterCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no timer registered")
		}
		time.Sleep(time.Millisecond)
	}
}

type captureReporter struct {
	mu      sync.Mutex
	reports []rateReport
}

type rateReport struct {
	provider   string
	retryAfter time.Duration
}

func (r *captureReporter) ReportRateLimited(ctx context.Context, provider string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rateReport{provider: provider, retryAfter: retryAfter})
}

func (r *captureReporter) snapshot() []rateReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rateReport, len(r.reports))
	copy(out, r.reports)
	return out
}
