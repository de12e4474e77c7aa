package kernel

import (
	"sync"
	"time"
)

// Clock is the single ledger-wide time source every component reads.
type Clock interface {
	Now() time.Time
}

// LedgerClock wraps wall time and never moves backwards.
type LedgerClock struct {
	mu     sync.Mutex
	last   time.Time
	source func() time.Time
}

// NewLedgerClock returns a clock backed by time.Now.
func NewLedgerClock() *LedgerClock {
	return &LedgerClock{source: time.Now}
}

// Now returns the current ledger time in UTC.
func (c *LedgerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source().UTC()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// ManualClock is a clock moved explicitly, used by tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a manual clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
}
