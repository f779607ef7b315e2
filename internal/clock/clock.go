// Package clock supplies wall-clock time to the core.
//
// Every timestamp written to the store comes from a Clock so tests and
// scenario replays can pin time. Ordering never depends on the clock:
// thread order is the sequence number, not created_at.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the production clock. Times are UTC with microsecond precision
// so they survive a round trip through the store unchanged.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Manual is a clock that only moves when told to.
//
// Thread-safety: all methods are safe for concurrent use.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
}

// NewManual creates a manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), start: start.UTC()}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Reset returns the clock to its start time, for test reuse.
func (m *Manual) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.start
}
