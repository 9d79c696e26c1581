package reactor

import (
	"testing"
	"time"

	"github.com/sensornet/isn/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReactor(capacity int) (*Reactor, *clock.Clock) {
	clk := clock.New(0)
	return New(clk, capacity, nil), clk
}

func TestQueueRunsOnce(t *testing.T) {
	r, _ := newTestReactor(4)
	ran := 0
	r.Queue(func(any) (any, bool) {
		ran++
		return nil, false
	}, nil)
	require.True(t, r.Step())
	assert.Equal(t, 1, ran)
	assert.False(t, r.Step())
}

func TestSelfRescheduleAdvancesByFixedDelay(t *testing.T) {
	r, clk := newTestReactor(4)
	const delay = uint32(10)
	var last uint32
	count := 0
	r.Queue(func(any) (any, bool) {
		last = clk.Now()
		count++
		r.ChangeTimedSelf(clk.Now() + delay)
		return nil, true
	}, nil)

	for i := 0; i < 5; i++ {
		clk.Advance(delay)
		require.True(t, r.Step())
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, clk.Now(), last)
}

func TestMutexBlocksUntilUnlocked(t *testing.T) {
	r, _ := newTestReactor(4)
	bit := r.GetMutex()
	require.NotZero(t, bit)
	require.False(t, r.Lock(bit))
	require.True(t, r.Lock(bit)) // already locked

	ran := false
	r.MutexQueue(func(any) (any, bool) {
		ran = true
		return nil, false
	}, nil, bit)

	assert.False(t, r.Step(), "step should find nothing ready while locked")
	assert.False(t, ran)

	r.Unlock(bit)
	assert.True(t, r.Step())
	assert.True(t, ran)
}

func TestQueueAtCapacityReturnsError(t *testing.T) {
	r, _ := newTestReactor(2)
	idx1 := r.Queue(func(any) (any, bool) { return nil, false }, nil)
	idx2 := r.Queue(func(any) (any, bool) { return nil, false }, nil)
	assert.GreaterOrEqual(t, idx1, 0)
	assert.GreaterOrEqual(t, idx2, 0)

	idx3 := r.Queue(func(any) (any, bool) { return nil, false }, nil)
	assert.Equal(t, -1, idx3)

	require.True(t, r.Step())
	idx4 := r.Queue(func(any) (any, bool) { return nil, false }, nil)
	assert.GreaterOrEqual(t, idx4, 0)
}

func TestCallInvokesCallerWithResult(t *testing.T) {
	r, _ := newTestReactor(4)
	var got any
	r.Call(func(arg any) (any, bool) {
		return arg.(int) * 2, false
	}, func(arg any, retval any) {
		got = retval
	}, 21)
	require.True(t, r.Step())
	assert.Equal(t, 42, got)
}

func TestDropCancelsQueuedTasklet(t *testing.T) {
	r, _ := newTestReactor(4)
	ran := false
	marker := new(int)
	idx := r.QueueAt(func(any) (any, bool) {
		ran = true
		return nil, false
	}, marker, 1000)

	require.True(t, r.Drop(idx, marker))
	assert.False(t, r.Drop(idx, marker), "dropping twice should be a no-op")

	for i := 0; i < 1500; i++ {
		r.Step()
	}
	assert.False(t, ran)
}

func TestPassTransfersCallerToSuccessor(t *testing.T) {
	r, _ := newTestReactor(4)
	var got any
	r.Call(func(any) (any, bool) {
		return r.Pass(func(any) (any, bool) {
			return "final", false
		}, nil), true // self=true is irrelevant once Pass re-homed the caller
	}, func(arg any, retval any) {
		got = retval
	}, nil)

	require.True(t, r.Step()) // runs first tasklet, which calls Pass
	require.True(t, r.Step()) // runs the passed-to successor
	assert.Equal(t, "final", got)
}

func TestRunAllDrainsForeignChannel(t *testing.T) {
	producer, _ := newTestReactor(4)
	consumer, _ := newTestReactor(4)
	ch := NewChannel(4)

	var got any
	producer.CallAt(func(any) (any, bool) {
		return "crossed", false
	}, func(arg any, retval any) {
		got = retval
	}, ch, nil, 0)

	require.True(t, producer.Step())
	require.Equal(t, 1, ch.Pending())

	consumer.RunAll(ch)
	assert.Equal(t, "crossed", got)
	assert.Equal(t, 0, ch.Pending())
}

func TestWithNameSetsLabelAndReturnsReceiver(t *testing.T) {
	r, _ := newTestReactor(4)
	got := r.WithName("core-1")
	assert.Same(t, r, got)
	assert.Equal(t, "core-1", r.Name)
}

func TestRunAllDrainsMultipleChannelsConcurrently(t *testing.T) {
	consumer, _ := newTestReactor(8)
	producerA, _ := newTestReactor(4)
	producerB, _ := newTestReactor(4)
	chA := NewChannel(4)
	chB := NewChannel(4)

	var got []any
	record := func(arg any, retval any) { got = append(got, retval) }

	producerA.CallAt(func(any) (any, bool) { return "a", false }, record, chA, nil, 0)
	producerB.CallAt(func(any) (any, bool) { return "b", false }, record, chB, nil, 0)
	require.True(t, producerA.Step())
	require.True(t, producerB.Step())
	require.Equal(t, 1, chA.Pending())
	require.Equal(t, 1, chB.Pending())

	consumer.RunAll(chA, chB)
	assert.ElementsMatch(t, []any{"a", "b"}, got)
	assert.Equal(t, 0, chA.Pending())
	assert.Equal(t, 0, chB.Pending())
}

func TestSelfTestPasses(t *testing.T) {
	r, _ := newTestReactor(8)
	assert.NoError(t, r.SelfTest())
}

func TestPanickingTaskletIsRecovered(t *testing.T) {
	r, _ := newTestReactor(4)
	r.Queue(func(any) (any, bool) {
		panic("boom")
	}, nil)
	assert.NotPanics(t, func() {
		require.True(t, r.Step())
	})
	assert.False(t, r.Step())
}

func TestIsLastCountsDueEntries(t *testing.T) {
	r, clk := newTestReactor(4)
	r.QueueAt(func(any) (any, bool) { return nil, false }, nil, clk.Now())
	r.QueueAt(func(any) (any, bool) { return nil, false }, nil, clk.Now()+100)
	assert.Equal(t, 1, r.IsLast())
}

func TestRunReturnsNextDeadline(t *testing.T) {
	clk := clock.New(time.Millisecond)
	r := New(clk, 4, nil)
	r.QueueAt(func(any) (any, bool) { return nil, false }, nil, clk.Now()+5)
	next := r.Run()
	assert.NotZero(t, next)
}
