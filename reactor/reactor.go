// Package reactor implements the cooperative, single-threaded-per-CPU
// scheduler that binds the rest of the stack into a tick-less
// event-driven device: timed tasklets, per-tasklet mutex bits, and
// cross-core FIFO channels coupling a second Reactor instance.
package reactor

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sensornet/isn/clock"
	"github.com/sensornet/isn/metrics"
)

// Tasklet is a non-blocking function invoked by the reactor. result is
// passed on to a caller continuation, if any was registered with CallAt.
// self reports whether the tasklet wants to be immediately re-queued
// at its (possibly just-updated, via ChangeTimedSelf) scheduled time --
// the Go-idiomatic replacement for the C source's "returns a pointer
// equal to itself" self-reschedule convention, which doesn't translate
// since Go function values aren't comparable.
type Tasklet func(arg any) (result any, self bool)

// Caller is the continuation scheduled with the tasklet's return value
// once a CallAt'd tasklet completes without self-rescheduling.
type Caller func(arg any, retval any)

// Mutex is a set of mutex bits obtained from GetMutex. A tasklet queued
// with non-zero mutex bits is skipped by Step while any of those bits
// are held in the locked mask.
type Mutex uint32

type entry struct {
	tasklet Tasklet
	caller  Caller
	channel *Channel // foreign queue to post the caller continuation to, if any
	arg     any
	time    uint32
	mutex   Mutex
	used    bool
}

// Reactor is a fixed-capacity cooperative scheduler. The zero value is
// not usable; construct with New.
type Reactor struct {
	mu        sync.Mutex
	clock     *clock.Clock
	logger    *slog.Logger
	entries   []entry
	order     []int // indices into entries, in FIFO insertion order
	nextMutex      Mutex
	mutexExhausted bool
	locked         Mutex
	active         int // index of the entry currently executing inside Step, -1 otherwise

	// Name labels this reactor's queue-depth gauge, letting a process
	// running more than one Reactor (e.g. one per core) tell them apart
	// on a dashboard.
	Name string
}

// New builds a Reactor with room for capacity outstanding tasklets,
// driven by clk for all absolute timestamps.
func New(clk *clock.Clock, capacity int, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		clock:   clk,
		logger:  logger.With("service", "[REACTOR]"),
		entries: make([]entry, 0, capacity),
		active:  -1,
		Name:    "default",
	}
}

// WithName sets the label used to report this reactor's queue depth and
// returns the receiver, for chaining onto New.
func (r *Reactor) WithName(name string) *Reactor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Name = name
	return r
}

func (r *Reactor) reportDepthLocked() {
	metrics.ReactorQueueDepth.WithLabelValues(r.Name).Set(float64(len(r.order)))
}

func (r *Reactor) capacity() int { return cap(r.entries) }

// enqueue appends a new active entry, returning its index, or -1 if the
// queue is at capacity.
func (r *Reactor) enqueue(e entry) int {
	e.used = true
	if len(r.entries) < r.capacity() {
		r.entries = append(r.entries, e)
		idx := len(r.entries) - 1
		r.order = append(r.order, idx)
		r.reportDepthLocked()
		return idx
	}
	for i := range r.entries {
		if !r.entries[i].used {
			r.entries[i] = e
			r.order = append(r.order, i)
			r.reportDepthLocked()
			return i
		}
	}
	return -1
}

// CallAt queues a timed tasklet and, once it returns without
// self-rescheduling, schedules caller(retval) -- locally, or into
// foreignQueue if it is non-nil, coupling this call to another core's
// Reactor via its Channel.
func (r *Reactor) CallAt(tasklet Tasklet, caller Caller, foreignQueue *Channel, arg any, at uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueue(entry{tasklet: tasklet, caller: caller, channel: foreignQueue, arg: arg, time: at})
}

// Call queues tasklet to run as soon as possible, then calls caller with
// its return value.
func (r *Reactor) Call(tasklet Tasklet, caller Caller, arg any) int {
	return r.CallAt(tasklet, caller, nil, arg, r.clock.Now())
}

// Queue runs tasklet as soon as possible, with no follow-up call.
func (r *Reactor) Queue(tasklet Tasklet, arg any) int {
	return r.CallAt(tasklet, nil, nil, arg, r.clock.Now())
}

// QueueAt runs tasklet when the clock reaches t.
func (r *Reactor) QueueAt(tasklet Tasklet, arg any, t uint32) int {
	return r.CallAt(tasklet, nil, nil, arg, t)
}

// MutexQueue queues tasklet, held until all of bits are clear.
func (r *Reactor) MutexQueue(tasklet Tasklet, arg any, bits Mutex) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueue(entry{tasklet: tasklet, arg: arg, time: r.clock.Now(), mutex: bits})
}

// Pass is called from inside an executing tasklet to perform a tail
// call: the current tasklet's pending caller continuation (if any) is
// transferred to a newly queued successor, which will receive it once
// IT completes.
func (r *Reactor) Pass(tasklet Tasklet, arg any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active < 0 {
		return -1
	}
	caller := r.entries[r.active].caller
	channel := r.entries[r.active].channel
	r.entries[r.active].caller = nil
	r.entries[r.active].channel = nil
	return r.enqueue(entry{tasklet: tasklet, caller: caller, channel: channel, arg: arg, time: r.clock.Now()})
}

// GetMutex hands out the next free mutex bit. Returns 0 once all 32 bits
// in the Mutex word have been handed out.
func (r *Reactor) GetMutex() Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutexExhausted {
		return 0
	}
	var bit Mutex = 1
	if r.nextMutex != 0 {
		bit = r.nextMutex
	}
	r.nextMutex = bit << 1
	if r.nextMutex == 0 {
		r.mutexExhausted = true
	}
	return bit
}

// Lock sets the given mutex bits in the locked mask. Idempotent: locking
// an already-locked bit is a no-op beyond reporting it was already set.
func (r *Reactor) Lock(bits Mutex) (alreadyLocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alreadyLocked = r.locked&bits != 0
	r.locked |= bits
	return alreadyLocked
}

// Unlock clears the given mutex bits. Step rescans the whole queue on
// every call, so entries skipped while locked become eligible on the next
// Step. Idempotent.
func (r *Reactor) Unlock(bits Mutex) (wasLocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasLocked = r.locked&bits != 0
	r.locked &^= bits
	return wasLocked
}

// IsLocked reports whether any of bits is currently locked.
func (r *Reactor) IsLocked(bits Mutex) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked&bits != 0
}

// IsValid reports whether index still refers to a queued entry matching
// the given arg (tasklet identity can't be compared in Go the way the C
// source compares function pointers, so callers disambiguate via arg,
// e.g. a pointer to their own state).
func (r *Reactor) IsValid(index int, arg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isValidLocked(index, arg)
}

func (r *Reactor) isValidLocked(index int, arg any) bool {
	if index < 0 || index >= len(r.entries) {
		return false
	}
	e := &r.entries[index]
	return e.used && e.arg == arg
}

// ChangeTimed updates the scheduled time of a still-queued entry,
// validated by (index, arg) to reject a stale handle whose slot was
// reused for something else.
func (r *Reactor) ChangeTimed(index int, arg any, newTime uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isValidLocked(index, arg) {
		return false
	}
	r.entries[index].time = newTime
	return true
}

// ChangeTimedSelf updates the scheduled time of the entry currently
// executing inside Step. It only has an effect if the tasklet goes on to
// request self-reschedule.
func (r *Reactor) ChangeTimedSelf(newTime uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active < 0 {
		return false
	}
	r.entries[r.active].time = newTime
	return true
}

// Drop cancels a queued tasklet. A stale (index, arg) pair -- a reused
// slot holding a different entry -- makes this a no-op. Dropping the
// currently executing entry's own index is refused.
func (r *Reactor) Drop(index int, arg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index == r.active {
		return false
	}
	if !r.isValidLocked(index, arg) {
		return false
	}
	r.removeLocked(index)
	return true
}

// DropAll cancels every queued entry whose arg matches, returning the
// count removed.
func (r *Reactor) DropAll(arg any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, idx := range append([]int(nil), r.order...) {
		if idx == r.active {
			continue
		}
		if r.entries[idx].used && r.entries[idx].arg == arg {
			r.removeLocked(idx)
			n++
		}
	}
	return n
}

func (r *Reactor) removeLocked(index int) {
	r.entries[index] = entry{}
	for i, idx := range r.order {
		if idx == index {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.reportDepthLocked()
}

// IsLast returns the count of remaining same-or-higher-priority entries
// still queued at or before now -- in this implementation, every queued
// entry (the executing one included) whose time is not after now, letting a long-running
// tasklet (e.g. a multi-step computation) check whether it should yield
// back to the reactor rather than run to completion in one shot.
func (r *Reactor) IsLast() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	n := 0
	for _, idx := range r.order {
		if r.entries[idx].used && clock.Diff(r.entries[idx].time, now) <= 0 {
			n++
		}
	}
	return n
}

// Step executes at most one ready tasklet and reports whether one ran.
func (r *Reactor) Step() bool {
	r.mu.Lock()
	now := r.clock.Now()
	var runIdx = -1
	for _, idx := range r.order {
		e := &r.entries[idx]
		if !e.used {
			continue
		}
		if e.mutex != 0 && r.locked&e.mutex != 0 {
			continue
		}
		if clock.Diff(e.time, now) > 0 {
			continue
		}
		runIdx = idx
		break
	}
	if runIdx < 0 {
		r.mu.Unlock()
		return false
	}
	e := r.entries[runIdx]
	r.active = runIdx
	r.mu.Unlock()

	result, self := r.runTasklet(e.tasklet, e.arg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = -1
	if self {
		// Entry may have been retargeted in place via ChangeTimedSelf;
		// a time still in the past is bumped by one tick so a
		// runaway self-reschedule can't starve the rest of the queue.
		if clock.Diff(r.entries[runIdx].time, now) <= 0 {
			r.entries[runIdx].time = now + 1
		}
		return true
	}
	r.removeLocked(runIdx)
	if e.caller != nil {
		if e.channel != nil {
			e.channel.push(callerInvoke{caller: e.caller, arg: e.arg, retval: result})
		} else {
			e.caller(e.arg, result)
		}
	}
	return true
}

func (r *Reactor) runTasklet(t Tasklet, arg any) (result any, self bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tasklet panicked, dropping it", "panic", rec)
			result, self = nil, false
		}
	}()
	return t(arg)
}

// Run steps the reactor until no tasklet is ready, and returns the
// absolute timestamp of the next scheduled entry (0 if the queue is
// empty), so a caller can sleep until then via clock.WaitUntil.
func (r *Reactor) Run() uint32 {
	for r.Step() {
	}
	return r.nextDeadline()
}

func (r *Reactor) nextDeadline() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := uint32(0)
	found := false
	for _, idx := range r.order {
		e := &r.entries[idx]
		if !e.used {
			continue
		}
		if !found || clock.Diff(e.time, next) < 0 {
			next = e.time
			found = true
		}
	}
	return next
}

// RunAll drains each foreign channel's FIFO into the local queue (as a
// locally-scheduled caller continuation for every entry it carried),
// then runs the reactor to completion. This is what the waking core of
// a dual-core build calls after an interrupt signals new cross-core
// work.
func (r *Reactor) RunAll(channels ...*Channel) uint32 {
	var g errgroup.Group
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			for {
				inv, ok := ch.pop()
				if !ok {
					return nil
				}
				r.Queue(func(a any) (any, bool) {
					inv.caller(inv.arg, inv.retval)
					return nil, false
				}, nil)
			}
		})
	}
	// Queue locks r.mu per call, so concurrently draining each channel's
	// own FIFO is safe; only the single-threaded Run pass below actually
	// executes tasklets.
	g.Wait()
	return r.Run()
}

// SelfTest exercises a plain queue and a mutex-held queue round trip,
// mirroring isn_reactor_selftest from the original C reactor: useful as
// a boot-time smoke check that queuing, stepping and mutex gating all
// still agree with each other.
func (r *Reactor) SelfTest() error {
	done := make(chan struct{}, 1)
	r.Queue(func(any) (any, bool) {
		done <- struct{}{}
		return nil, false
	}, nil)
	if !r.Step() {
		return errSelfTest("plain tasklet did not run")
	}
	select {
	case <-done:
	default:
		return errSelfTest("plain tasklet ran but did not signal completion")
	}

	bit := r.GetMutex()
	r.Lock(bit)
	ran := false
	r.MutexQueue(func(any) (any, bool) {
		ran = true
		return nil, false
	}, nil, bit)
	r.Step()
	if ran {
		return errSelfTest("mutex-held tasklet ran while locked")
	}
	r.Unlock(bit)
	if !r.Step() {
		return errSelfTest("mutex tasklet did not run after unlock")
	}
	if !ran {
		return errSelfTest("mutex tasklet reported as run but did not execute")
	}
	return nil
}

type selfTestError string

func (e selfTestError) Error() string { return "reactor self-test failed: " + string(e) }
func errSelfTest(msg string) error    { return selfTestError(msg) }
