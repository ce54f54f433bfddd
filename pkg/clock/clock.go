// Package clock provides the time and identifier sources used by the rest of
// the system. Rate limiting math depends on a single consistent clock, so
// components take a Clock rather than calling time.Now directly.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall time and timer sleeps so rate-limit and retry logic
// can be driven by a manual clock in tests.
type Clock interface {
	Now() time.Time

	// After behaves like time.After against this clock.
	After(d time.Duration) <-chan time.Time
}

// System is a Clock backed by the runtime clock.
type System struct{}

// NewSystem creates a system clock.
func NewSystem() *System {
	return &System{}
}

func (s *System) Now() time.Time {
	return time.Now().UTC()
}

func (s *System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Manual is a Clock whose time only moves when Advance is called. Timers
// created via After fire once the clock passes their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual creates a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires any timers that came due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			w.ch <- m.now
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
}

// WaiterCount reports how many timers have not fired yet. Tests use it to
// synchronize with code blocked on After before advancing.
func (m *Manual) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// NewRequestID returns a unique identifier for a single orchestrator request.
func NewRequestID() string {
	return uuid.NewString()
}
