// Package testlayer provides an in-memory Layer pair used across the
// stack's test suites, generalizing the teacher's TCP-backed virtual CAN
// bus (pkg/can/virtual) into a zero-dependency loopback: no socket, just
// two goroutine-free structs wired directly together in test code.
package testlayer

import "github.com/sensornet/isn"

// Root is the wire-adjacent end of a layer chain under test: it stands
// in for an adapter, recording every Send and handing out a fixed
// scratch buffer from GetSendBuf.
type Root struct {
	Sent      [][]byte
	scratch   [8256]byte
	bufLocked bool

	// AvailOverride, if non-negative, is returned by AvailSendBuf
	// instead of the scratch capacity, letting tests simulate a
	// constrained downstream link.
	AvailOverride int

	// ShrinkTo, if non-zero, caps the slice GetSendBuf actually returns,
	// exercising the "parent grants less than requested" path.
	ShrinkTo int
}

// NewRoot returns a Root with no artificial constraints.
func NewRoot() *Root {
	return &Root{AvailOverride: -1}
}

func (r *Root) Recv(src []byte, caller isn.Layer) (int, error) {
	return len(src), nil
}

func (r *Root) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if r.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	n := requested
	if n > len(r.scratch) {
		n = len(r.scratch)
	}
	if r.ShrinkTo > 0 && r.ShrinkTo < n {
		n = r.ShrinkTo
	}
	r.bufLocked = true
	return r.scratch[:n], nil
}

func (r *Root) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if r.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if r.AvailOverride >= 0 {
		return r.AvailOverride, nil
	}
	if requested > len(r.scratch) {
		return len(r.scratch), nil
	}
	return requested, nil
}

func (r *Root) Send(payload []byte) (int, error) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.Sent = append(r.Sent, cp)
	r.bufLocked = false
	return len(payload), nil
}

func (r *Root) Free(ptr []byte) {
	r.bufLocked = false
}

// Capture is an isn.Receiver that records every delivery. Consume, if
// non-negative, overrides how many bytes Recv reports consuming, for
// exercising partial-acceptance/retry paths; the default (-1) consumes
// everything offered.
type Capture struct {
	Calls    [][]byte
	Callers  []isn.Layer
	Consume  int
	failWith error
}

func NewCapture() *Capture {
	return &Capture{Consume: -1}
}

func (c *Capture) Recv(src []byte, caller isn.Layer) (int, error) {
	cp := make([]byte, len(src))
	copy(cp, src)
	c.Calls = append(c.Calls, cp)
	c.Callers = append(c.Callers, caller)
	if c.failWith != nil {
		return 0, c.failWith
	}
	if c.Consume >= 0 && c.Consume < len(src) {
		return c.Consume, nil
	}
	return len(src), nil
}

// FailNext makes the next Recv call (and all subsequent ones until
// cleared) return err instead of succeeding.
func (c *Capture) FailNext(err error) {
	c.failWith = err
}
