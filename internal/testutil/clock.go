package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first instant a SteppingClock reports.
var DefaultEpoch = time.UnixMilli(1_700_000_000_000)

// SteppingClock is a deterministic wall clock for tests.
//
// Every call to Now advances the clock by a fixed step, so change times are
// distinct and reproducible across runs. Implements changelog.Clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewSteppingClock creates a clock at DefaultEpoch that advances by step.
// A zero step yields a frozen clock.
func NewSteppingClock(step time.Duration) *SteppingClock {
	return &SteppingClock{start: DefaultEpoch, now: DefaultEpoch, step: step}
}

// Now returns the current instant and then advances by step.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *SteppingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SteppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its starting instant.
func (c *SteppingClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
