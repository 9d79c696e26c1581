// Package clock implements the free-running 32-bit tick counter shared by
// the reactor and the frame layers' idle-timeout logic. Every comparison
// between two timestamps goes through signed 32-bit subtraction so that a
// single counter wraparound never produces a spurious "expired" or
// "not yet due" result.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is a monotonically increasing, wraparound-safe tick counter. The
// zero value is ready to use and starts at tick 0; call Run in a
// goroutine to have it advance on its own, or call Advance manually in
// tests that want deterministic control over time.
type Clock struct {
	ticks    atomic.Uint32
	tickRate time.Duration
}

// New returns a Clock that advances by one tick every tickRate when Run is
// called. A tickRate of zero disables Run (Advance must be used instead,
// as in tests).
func New(tickRate time.Duration) *Clock {
	return &Clock{tickRate: tickRate}
}

// Now returns the current tick count.
func (c *Clock) Now() uint32 {
	return c.ticks.Load()
}

// Advance moves the clock forward by n ticks and returns the new value.
// Intended for tests and for platforms where the tick source is driven
// externally (e.g. a hardware timer ISR bumping the counter directly).
func (c *Clock) Advance(n uint32) uint32 {
	return c.ticks.Add(n)
}

// Diff returns a-b interpreted as a signed 32-bit difference, correct for
// all distances under 2^31 ticks, matching isn_clock's two's-complement
// arithmetic macros.
func Diff(a, b uint32) int32 {
	return int32(a - b)
}

// Since returns Now()-t as a signed difference: positive if t is in the
// past, negative if t is still in the future.
func (c *Clock) Since(t uint32) int32 {
	return Diff(c.Now(), t)
}

// Elapsed reports whether at least d ticks have passed since t.
func (c *Clock) Elapsed(t uint32, d uint32) bool {
	return c.Since(t) >= int32(d)
}

// Remains returns how many ticks remain until t, 0 or negative if t has
// already passed.
func (c *Clock) Remains(t uint32) int32 {
	return -c.Since(t)
}

// Run advances the clock by one tick every tickRate until ctx is
// cancelled. This is the hosted, goroutine-based analogue of the
// bare-metal free-running hardware counter: a real device increments
// ticks from a timer ISR, a hosted process increments it from a ticker.
func (c *Clock) Run(ctx context.Context) {
	if c.tickRate <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ticks.Add(1)
		}
	}
}

// WaitUntil blocks until Now() has reached until or ctx is cancelled,
// whichever comes first. It returns true if it actually waited (until
// was still in the future), false if until had already passed, and
// ctx.Err() if cancelled before the deadline. With a zero tick rate it
// returns true at once for a future until, without blocking. This is the hosted
// replacement for wfi()/foreign_wakeup(): ctx cancellation plays the
// role of the cross-core wakeup signal.
func (c *Clock) WaitUntil(ctx context.Context, until uint32) (bool, error) {
	if c.Remains(until) <= 0 {
		return false, nil
	}
	if c.tickRate <= 0 {
		return true, nil
	}
	remaining := time.Duration(c.Remains(until)) * c.tickRate
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
