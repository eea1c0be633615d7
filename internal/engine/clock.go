package engine

import "sync/atomic"

// Clock is the logical tick counter shared by every scene.
//
// Each global tick is stamped with a strictly increasing number from this
// clock. Scene hosts record the last tick they completed against it, so a
// host that falls behind is detectable without consulting wall time.
//
// Thread-safety: Clock is safe for concurrent use. Only the engine's tick
// loop calls Next.
type Clock struct {
	tick atomic.Uint64
}

// NewClock creates a clock starting at 0. The first tick is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after tick start.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.tick.Store(start)
	return c
}

// Next advances the clock and returns the new tick number.
func (c *Clock) Next() uint64 {
	return c.tick.Add(1)
}

// Current returns the last tick handed out.
func (c *Clock) Current() uint64 {
	return c.tick.Load()
}
