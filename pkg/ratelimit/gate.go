package ratelimit

import (
	"context"

	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/observability"
)

// Gate is the process-wide concurrency ceiling on outbound LLM calls.
// Blocked acquirers are served in call order; cancellation never leaks a
// permit.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate with the given capacity.
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a permit is free or the context is cancelled.
// Blocked senders on a channel are queued in order, which gives the FIFO
// guarantee.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		observability.GateInUse.Inc()
		return nil
	case <-ctx.Done():
		return &llms.ProviderError{
			Kind:   llms.FailureCancelled,
			Reason: "cancelled waiting for concurrency permit",
			Err:    ctx.Err(),
		}
	}
}

// Release returns a permit.
func (g *Gate) Release() {
	select {
	case <-g.slots:
		observability.GateInUse.Dec()
	default:
	}
}

// InUse reports held permits.
func (g *Gate) InUse() int {
	return len(g.slots)
}

// Capacity reports the configured ceiling.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
