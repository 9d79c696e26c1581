package reactor

import "github.com/sensornet/isn/internal/ring"

// callerInvoke is what crosses a Channel: enough to run a caller
// continuation on the far side without re-executing the tasklet itself.
type callerInvoke struct {
	caller Caller
	arg    any
	retval any
}

// Channel is the cross-core coupling primitive: a bounded FIFO plus an
// optional Wakeup hook, standing in for the real hardware's
// inter-processor interrupt. One Reactor's CallAt posts into a Channel
// with Push-through-Wakeup; the other Reactor drains it from RunAll.
type Channel struct {
	q      *ring.Ring
	Wakeup func()
}

// NewChannel returns a Channel able to hold capacity pending calls;
// once full, push silently discards further calls.
func NewChannel(capacity int) *Channel {
	return &Channel{q: ring.New(capacity)}
}

func (c *Channel) push(inv callerInvoke) {
	if !c.q.Push(inv) {
		return
	}
	// Wake the far side only on the empty -> non-empty transition.
	if c.Wakeup != nil && c.q.Len() == 1 {
		c.Wakeup()
	}
}

func (c *Channel) pop() (callerInvoke, bool) {
	v, ok := c.q.Pop()
	if !ok {
		return callerInvoke{}, false
	}
	return v.(callerInvoke), true
}

// Pending reports how many continuations are queued, waiting for the
// far side to call RunAll.
func (c *Channel) Pending() int {
	return c.q.Len()
}
