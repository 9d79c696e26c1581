// Package message implements the typed slot table exposed over the
// MSG protocol tag: up to 128 slots, each backed by a handler, a
// human-readable descriptor, and a priority that drives a round-robin
// send scheduler. Grounded on the object dictionary's Entry/extension
// split (a slot's Handler plays the role of an od.Entry's Streamer) and
// on the PDO layer's event/inhibit timer scheduling for sched's
// round-robin priority pick.
package message

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"
	"github.com/sensornet/isn"
)

// Priority constants, higher runs first. Zero (Clear) is never sent.
const (
	Clear          = 0
	Low            = 1
	Normal         = 4
	High           = 8
	Highest        = 15
	UpdateArgs     = 25
	QueryWait      = 26
	QueryArgs      = 27
	UnlockArgs     = 29
	DescriptionLow = 30
	Description    = 31
)

const (
	maxSlots   = 128
	broadcast  = 127
	flagDbit   = 0x80
	slotMask   = 0x7F
	headerSize = 2 // tag + flags
)

// Handler answers a slot's current value (arg is the incoming payload,
// nil for a bare query) and returns the bytes to send back, or false to
// emit nothing.
type Handler func(arg []byte) (reply []byte, ok bool)

// Slot is one entry of the message table.
type Slot struct {
	Descriptor string
	Handler    Handler
	Size       int // expected argument payload size in bytes, for sizing sends

	priority   int
	correlator xid.ID // rotated on every post; not read or logged anywhere
}

// Table is the MSG layer: up to 128 Slots exchanged with one peer over
// isn.ProtoMsg.
type Table struct {
	Parent isn.Layer
	Now    func() uint32
	Logger *slog.Logger

	ResendTimeout uint32
	SingleQuery   bool // when true, emitting QUERY_ARGS also takes the lock; otherwise only UPDATE_ARGS does

	// Backoff, if set, replaces ResendQueries' fixed threshold with a
	// capped exponential schedule: each round that still has an
	// outstanding QueryWait/UpdateArgs slot pushes the next resend
	// further out, and a round with nothing pending resets it.
	Backoff *backoff.ExponentialBackOff
	// TickRate converts Backoff's time.Duration into Now's tick units.
	// Zero defaults to one tick per second.
	TickRate time.Duration

	mu           sync.Mutex
	slots        [maxSlots]Slot
	msgnum       int
	locked       bool
	lock         int
	incoming     []byte
	incomingSlot int
	busyMutexSet bool
	lastResend   uint32
	everResent   bool
	lastBackoff  time.Duration
	backoffArmed bool

	currentArg  []byte
	currentSlot int

	// pendingRequest[i] is set whenever slot i is posted at Highest, even
	// while its priority is already above Highest (i.e. a descriptor send
	// is in flight), since the priority field itself has no room to record
	// both states at once. Only the descriptor emit path clears it.
	pendingRequest [maxSlots]bool

	// Dup mirrors every post with priority<=Highest to a second table,
	// for trace/cross-update use cases.
	Dup *Table

	lockFn func(held bool)

	TxDrops uint32
}

// NewTable wires a Table to parent, driven by now for resend timing.
func NewTable(parent isn.Layer, now func() uint32, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{Parent: parent, Now: now, Logger: logger.With("service", "[MSG]")}
}

// Configure installs slot i (0-indexed, < 127; 127 is reserved for the
// broadcast/fast-load trigger).
func (t *Table) Configure(i int, s Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[i] = s
}

func (t *Table) clockNow() uint32 {
	if t.Now != nil {
		return t.Now()
	}
	return 0
}

// IsQuery reports, from inside a handler, whether the in-flight post was
// an external request (priority == Highest while the handler runs).
func (t *Table) IsQuery() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[t.currentSlot].priority == Highest
}

// IsReply reports whether the in-flight post is an answer to our own
// outstanding query (QueryWait or QueryArgs).
func (t *Table) IsReply() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.slots[t.currentSlot].priority
	return p == QueryWait || p == QueryArgs
}

// IsInputValid reports whether arg is the current incoming-data pointer
// for the in-flight handler call, disambiguating multi-source
// callbacks that share one Handler function across slots.
func (t *Table) IsInputValid(arg []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(arg) != len(t.currentArg) {
		return false
	}
	return len(arg) == 0 || &arg[0] == &t.currentArg[0]
}

// Send raises slot i's priority if p is higher than its current value
// (Clear forces it to zero regardless).
func (t *Table) Send(i int, p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postLocked(i, p)
}

func (t *Table) postLocked(i int, p int) {
	if p == Highest {
		// Recorded even when the priority field can't take the raise
		// right now (a descriptor send is in flight), so the emit path
		// still knows a request arrived in the meantime.
		t.pendingRequest[i] = true
	}
	if p == Clear {
		t.slots[i].priority = Clear
	} else if p > t.slots[i].priority {
		t.slots[i].priority = p
	}
	t.slots[i].correlator = xid.New()
	if t.Dup != nil && p <= Highest {
		t.Dup.mu.Lock()
		t.Dup.postLocked(i, p)
		t.Dup.mu.Unlock()
	}
}

// SendQBy finds the slot whose Handler pointer matches fn, starting the
// search at startIdx, posts it at priority p, and returns the found
// index for the caller to cache.
func (t *Table) SendQBy(fn Handler, p int, startIdx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < maxSlots; i++ {
		idx := (startIdx + i) % maxSlots
		if sameFunc(t.slots[idx].Handler, fn) {
			t.postLocked(idx, p)
			return idx
		}
	}
	return -1
}

// Recv implements isn.Receiver for the MSG tag. caller is unused by the
// table itself but is part of the shared contract.
func (t *Table) Recv(src []byte, caller isn.Layer) (int, error) {
	if len(src) < headerSize || src[0] != isn.ProtoMsg {
		return 0, isn.ErrUnknownProtocol
	}
	flags := src[1]
	payload := src[headerSize:]
	descriptor := flags&flagDbit != 0
	slot := int(flags & slotMask)

	t.mu.Lock()
	defer t.mu.Unlock()

	if slot == broadcast {
		for i := 0; i < maxSlots-1; i++ {
			if t.slots[i].Handler == nil && t.slots[i].Descriptor == "" {
				continue
			}
			if descriptor {
				t.postLocked(i, DescriptionLow)
			} else {
				t.postLocked(i, Low)
			}
		}
		return len(src), nil
	}
	if slot >= maxSlots-1 {
		return len(src), nil
	}

	if len(payload) > 0 {
		if t.busyMutexSet && t.incomingSlot != slot {
			t.Logger.Debug("staging buffer busy, deferring", "slot", slot, "holder", t.incomingSlot)
			return 0, nil // single staging buffer occupied by another slot, retry later
		}
		t.incoming = append(t.incoming[:0], payload...)
		t.incomingSlot = slot
		t.busyMutexSet = true
		t.setBusyMutex(true)
	}

	if descriptor {
		t.postLocked(slot, Description)
	} else {
		t.postLocked(slot, Highest)
	}
	return len(src), nil
}

// setBusyMutex is overridden by WithReactorMutex to actually lock/unlock
// a reactor.Mutex; the default is a no-op for tables that don't need
// cross-tasklet suspension (e.g. in tests).
func (t *Table) setBusyMutex(held bool) {
	if t.lockFn != nil {
		t.lockFn(held)
	}
}

// WithReactorMutex installs lock/unlock callbacks invoked whenever the
// incoming staging buffer becomes occupied/free, letting the caller
// hold a reactor.Mutex for the duration (see reactor.Reactor.Lock).
func (t *Table) WithReactorMutex(lockFn func(held bool)) *Table {
	t.lockFn = lockFn
	return t
}

// Sched runs one round-robin scheduling step: advance msgnum to the
// next slot whose priority is non-zero and eligible, and emit it. It
// returns true if a slot was sent.
func (t *Table) Sched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.pickLocked()
	if !ok {
		return false
	}
	t.msgnum = (idx + 1) % (maxSlots - 1)
	return t.emitLocked(idx)
}

func (t *Table) pickLocked() (int, bool) {
	for i := 0; i < maxSlots-1; i++ {
		idx := (t.msgnum + i) % (maxSlots - 1)
		s := &t.slots[idx]
		if s.priority == Clear {
			continue
		}
		if s.priority == QueryWait {
			dataArrived := t.busyMutexSet && t.incomingSlot == idx
			if !dataArrived {
				continue
			}
			if t.SingleQuery && idx != t.lockHolder() {
				continue
			}
			return idx, true
		}
		if t.locked && idx != t.lockHolder() {
			continue
		}
		return idx, true
	}
	return 0, false
}

func (t *Table) lockHolder() int {
	if !t.locked {
		return -1
	}
	return t.lock
}

func (t *Table) sizeFor(idx int) int {
	s := &t.slots[idx]
	switch s.priority {
	case Description, DescriptionLow:
		return len(s.Descriptor) + headerSize
	case QueryArgs, QueryWait:
		return headerSize
	default:
		return s.Size + headerSize
	}
}

func (t *Table) emitLocked(idx int) bool {
	s := &t.slots[idx]
	size := t.sizeFor(idx)

	buf, err := t.reserve(size)
	if err != nil {
		t.TxDrops++
		t.Logger.Warn("send buffer unavailable, dropping post", "slot", idx, "err", err)
		return false
	}

	// Lock management: clear our own lock once the matching slot is
	// about to be sent; otherwise take the lock when emitting
	// UpdateArgs or (single-query mode) QueryArgs.
	if t.locked && idx == t.lock {
		t.locked = false
	} else if s.priority == UpdateArgs || (t.SingleQuery && s.priority == QueryArgs) {
		t.locked = true
		t.lock = idx
		t.lastResend = t.clockNow()
	}

	buf[0] = isn.ProtoMsg

	switch s.priority {
	case Description, DescriptionLow:
		buf[1] = flagDbit | byte(idx)
		copy(buf[headerSize:], s.Descriptor)
		t.finishSend(buf)
		if t.pendingRequest[idx] {
			t.pendingRequest[idx] = false
			s.priority = Highest
		} else {
			s.priority = Low
		}
		return true

	case QueryArgs:
		buf[1] = byte(idx)
		t.finishSend(buf[:headerSize])
		s.priority = QueryWait
		return true
	}

	if s.Handler == nil && s.Size == 0 {
		t.cancelSend(buf)
		s.priority = Clear
		return true
	}

	var arg []byte
	hadIncoming := t.incomingSlot == idx && t.busyMutexSet
	if hadIncoming {
		arg = t.incoming
	}
	t.currentSlot = idx
	t.currentArg = arg

	var reply []byte
	emit := true
	if s.Handler != nil {
		var ok bool
		// The table lock is released while the handler runs so that the
		// handler can call IsQuery, IsReply, IsInputValid or Send.
		t.mu.Unlock()
		reply, ok = s.Handler(arg)
		t.mu.Lock()
		emit = ok
	}
	if hadIncoming {
		t.busyMutexSet = false
		t.setBusyMutex(false)
	}

	echoesBack := s.priority == QueryWait || s.priority == UpdateArgs
	if emit && !echoesBack {
		buf[1] = byte(idx)
		n := copy(buf[headerSize:], reply)
		t.finishSend(buf[:headerSize+n])
	} else {
		t.cancelSend(buf)
	}
	s.priority = Clear
	return true
}

func (t *Table) reserve(size int) ([]byte, error) {
	buf, err := t.Parent.GetSendBuf(size, nil)
	if err != nil {
		return nil, err
	}
	if len(buf) < size {
		t.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	return buf, nil
}

func (t *Table) finishSend(payload []byte) {
	t.Parent.Send(payload)
}

func (t *Table) cancelSend(buf []byte) {
	t.Parent.Free(buf)
}

// ResendQueries is called by the application on a slow tick (1-3s). If
// the resend timer exceeds timeout (or, with Backoff set, the current
// backoff interval), it promotes QueryWait back to QueryArgs and
// re-arms pending UpdateArgs, returning the count marked for
// retransmission.
func (t *Table) ResendQueries(timeout uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	effective := timeout
	if t.Backoff != nil && t.backoffArmed {
		effective = t.ticksFor(t.lastBackoff)
	}

	now := t.clockNow()
	if t.everResent && int32(now-t.lastResend) < int32(effective) {
		return 0
	}
	t.lastResend = now
	t.everResent = true

	n := 0
	for i := 0; i < maxSlots-1; i++ {
		switch t.slots[i].priority {
		case QueryWait:
			t.slots[i].priority = QueryArgs
			n++
		case UpdateArgs:
			n++
		}
	}

	if n > 0 {
		t.Logger.Debug("resending outstanding queries", "count", n)
	}
	if t.Backoff != nil {
		if n > 0 {
			if !t.backoffArmed {
				t.Backoff.Reset()
			}
			t.lastBackoff = t.Backoff.NextBackOff()
			t.backoffArmed = true
		} else {
			t.Backoff.Reset()
			t.backoffArmed = false
		}
	}
	return n
}

func (t *Table) ticksFor(d time.Duration) uint32 {
	rate := t.TickRate
	if rate <= 0 {
		rate = time.Second
	}
	ticks := d / rate
	if ticks < 1 {
		ticks = 1
	}
	return uint32(ticks)
}
