package fanout

import (
	"testing"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/internal/testlayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesByTag(t *testing.T) {
	msg := testlayer.NewCapture()
	ping := testlayer.NewCapture()
	other := testlayer.NewCapture()

	d := NewDispatch(other,
		Binding{Tag: isn.ProtoMsg, Mask: 0xFF, Child: msg},
		Binding{Tag: isn.ProtoPing, Mask: 0xFF, Child: ping},
	)

	n, err := d.Recv([]byte{isn.ProtoMsg, 0x00, 0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, msg.Calls, 1)
	assert.Equal(t, []byte{isn.ProtoMsg, 0x00, 0x01}, msg.Calls[0])
	assert.Len(t, ping.Calls, 0)
	assert.Len(t, other.Calls, 0)
}

func TestDispatchFallsBackToOther(t *testing.T) {
	msg := testlayer.NewCapture()
	other := testlayer.NewCapture()
	d := NewDispatch(other, Binding{Tag: isn.ProtoMsg, Mask: 0xFF, Child: msg})

	n, err := d.Recv([]byte{0x05, 0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, msg.Calls, 0)
	require.Len(t, other.Calls, 1)
}

func TestDispatchNoMatchNoOtherAcksAndDiscards(t *testing.T) {
	d := NewDispatch(nil)
	n, err := d.Recv([]byte{0x05, 0x01, 0x02}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDispatchRoutesByPatternViaDescriptorOf(t *testing.T) {
	temp := testlayer.NewCapture()
	other := testlayer.NewCapture()
	d := NewDispatch(other,
		Binding{Pattern: "sensor.temp.*", Child: temp},
	)
	d.DescriptorOf = func(src []byte) string { return "sensor.temp.outside" }

	n, err := d.Recv([]byte{0x01, 0x02}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, temp.Calls, 1)
	assert.Len(t, other.Calls, 0)
}

func TestDispatchPatternMissesFallsBackToOther(t *testing.T) {
	temp := testlayer.NewCapture()
	other := testlayer.NewCapture()
	d := NewDispatch(other,
		Binding{Pattern: "sensor.temp.*", Child: temp},
	)
	d.DescriptorOf = func(src []byte) string { return "sensor.humidity.inside" }

	n, err := d.Recv([]byte{0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, temp.Calls, 0)
	require.Len(t, other.Calls, 1)
}

func TestDispatchPatternWithoutDescriptorOfSkipsBinding(t *testing.T) {
	temp := testlayer.NewCapture()
	other := testlayer.NewCapture()
	d := NewDispatch(other,
		Binding{Pattern: "sensor.temp.*", Child: temp},
	)

	n, err := d.Recv([]byte{0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, temp.Calls, 0)
	require.Len(t, other.Calls, 1)
}

func TestNewDispatchInvalidPatternPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewDispatch(nil, Binding{Pattern: "[", Child: testlayer.NewCapture()})
	})
}

func TestDupDeliversToBoth(t *testing.T) {
	a := testlayer.NewCapture()
	b := testlayer.NewCapture()
	d := NewDup(a, b)

	n, err := d.Recv([]byte{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, a.Calls[0])
	assert.Equal(t, []byte{1, 2, 3}, b.Calls[0])
	assert.EqualValues(t, 0, d.DupErrors)
}

func TestDupCountsDivergence(t *testing.T) {
	a := testlayer.NewCapture()
	a.Consume = 1
	b := testlayer.NewCapture()
	d := NewDup(a, b)

	n, err := d.Recv([]byte{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // max(1, 3)
	assert.EqualValues(t, 1, d.DupErrors)
}

func TestRedirectForwardsToTarget(t *testing.T) {
	root := testlayer.NewRoot()
	r := NewRedirect(root, false)

	n, err := r.Recv([]byte{0xAA, 0xBB}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, root.Sent, 1)
	assert.Equal(t, []byte{0xAA, 0xBB}, root.Sent[0])
}

func TestRedirectDropsOnShortBufWithoutFragment(t *testing.T) {
	root := testlayer.NewRoot()
	root.ShrinkTo = 1
	r := NewRedirect(root, false)

	n, err := r.Recv([]byte{0xAA, 0xBB, 0xCC}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 1, r.RetryCount)
	assert.Len(t, root.Sent, 0)
}

func TestRedirectFragmentsWhenAllowed(t *testing.T) {
	root := testlayer.NewRoot()
	root.ShrinkTo = 1
	r := NewRedirect(root, true)

	n, err := r.Recv([]byte{0xAA, 0xBB, 0xCC}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, root.Sent, 1)
	assert.Equal(t, []byte{0xAA}, root.Sent[0])
}

func TestLoopbackBouncesToCaller(t *testing.T) {
	root := testlayer.NewRoot()
	lb := NewLoopback(false)

	n, err := lb.Recv([]byte{1, 2, 3}, root)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, root.Sent, 1)
	assert.Equal(t, []byte{1, 2, 3}, root.Sent[0])
}
