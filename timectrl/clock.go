package timectrl

import (
	"sync"
	"time"
)

// Clock supplies wall-clock samples to the frame controller. The controller
// only ever subtracts two samples from the same clock, so implementations
// should return readings that carry Go's monotonic clock component.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SystemClock reads the operating system clock, including the monotonic
// reading that time.Now attaches.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and offline replay. It never
// advances on its own.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock constructs a manual clock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to an absolute instant.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
