package frame

import (
	"testing"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/internal/crc"
	"github.com/sensornet/isn/internal/testlayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crc8Of(bytes ...byte) byte {
	var c crc.CRC8
	c.Bytes(bytes)
	return byte(c)
}

func TestCompactFramePing(t *testing.T) {
	child := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, child, nil, func() uint32 { return 0 }, 0, nil)

	trailer := crc8Of(0xC0, 0x00)
	n, err := f.Recv([]byte{0xC0, 0x00, trailer}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, child.Calls, 1)
	assert.Equal(t, []byte{0x00}, child.Calls[0])
	assert.EqualValues(t, 1, f.Stats.RxPackets)
	assert.EqualValues(t, 0, f.Stats.RxErrors)
}

func TestCompactFrameCRCError(t *testing.T) {
	child := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, child, nil, func() uint32 { return 0 }, 0, nil)

	n, err := f.Recv([]byte{0xC0, 0x00, 0x00}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, child.Calls, 0)
	assert.EqualValues(t, 1, f.Stats.RxErrors)
}

func TestShortFrameNoCRC(t *testing.T) {
	child := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, child, nil, func() uint32 { return 0 }, 0, nil)

	n, err := f.Recv([]byte{0x80, 0xAB}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, child.Calls, 1)
	assert.Equal(t, []byte{0xAB}, child.Calls[0])
}

func TestOutOfFramePassthrough(t *testing.T) {
	child := testlayer.NewCapture()
	other := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, child, other, func() uint32 { return 0 }, 0, nil)

	n, err := f.Recv([]byte{0x01, 0x02, 0x03}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, other.Calls, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, other.Calls[0])
	assert.Len(t, child.Calls, 0)
}

func TestSendRoundTripCompact(t *testing.T) {
	root := testlayer.NewRoot()
	f := NewCompact(root, nil, nil, func() uint32 { return 0 }, 0, nil)

	buf, err := f.GetSendBuf(3, nil)
	require.NoError(t, err)
	copy(buf, []byte{0x11, 0x22, 0x33})
	n, err := f.Send(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, root.Sent, 1)
	sent := root.Sent[0]
	require.Len(t, sent, 5) // header + 3 payload + crc trailer
	assert.Equal(t, byte(0xC2), sent[0])
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, sent[1:4])
	assert.Equal(t, crc8Of(sent[:4]...), sent[4])
}

func TestSendRoundTripPlainShort(t *testing.T) {
	root := testlayer.NewRoot()
	f := NewShort(root, nil, nil, func() uint32 { return 0 }, 0, nil)

	buf, err := f.GetSendBuf(5, nil)
	require.NoError(t, err)
	copy(buf, []byte{1, 2, 3, 4, 5})
	n, err := f.Send(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, root.Sent, 1)
	assert.Equal(t, byte(0x84), root.Sent[0][0])
}

func TestGetSendBufBusyUntilSendOrFree(t *testing.T) {
	root := testlayer.NewRoot()
	f := NewShort(root, nil, nil, func() uint32 { return 0 }, 0, nil)

	buf, err := f.GetSendBuf(4, nil)
	require.NoError(t, err)
	_, err = f.GetSendBuf(4, nil)
	assert.ErrorIs(t, err, isn.ErrBufferBusy)

	f.Free(buf)
	_, err = f.GetSendBuf(4, nil)
	assert.NoError(t, err)
}

func TestOversizedPayloadRejected(t *testing.T) {
	root := testlayer.NewRoot()
	f := NewShort(root, nil, nil, func() uint32 { return 0 }, 0, nil)
	_, err := f.GetSendBuf(65, nil)
	assert.Error(t, err)
}

func TestFrameTimeoutDropsMidFrame(t *testing.T) {
	child := testlayer.NewCapture()
	root := testlayer.NewRoot()
	now := uint32(0)
	f := NewShort(root, child, nil, func() uint32 { return now }, 10, nil)

	_, err := f.Recv([]byte{0x80}, nil) // header only, len=1 expected -- wait for payload
	require.NoError(t, err)

	now = 10 // timeout elapsed (>= FrameTimeout)
	_, err = f.Recv([]byte{0xAB}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.Stats.RxDropped)
	assert.Len(t, child.Calls, 0)
}

func TestPostFrameNullsAreInertPadding(t *testing.T) {
	child := testlayer.NewCapture()
	other := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, child, other, func() uint32 { return 0 }, 0, nil)

	n, err := f.Recv([]byte{0x80, 0xAB, 0x00, 0x00}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, child.Calls, 1)
	assert.Equal(t, []byte{0xAB}, child.Calls[0])
	assert.Len(t, other.Calls, 0, "padding must not be forwarded as a ping")
}

func TestNullPingStillWorksBetweenFrames(t *testing.T) {
	other := testlayer.NewCapture()
	root := testlayer.NewRoot()
	f := NewShort(root, nil, other, func() uint32 { return 0 }, 0, nil)

	// a standalone 0x00 with no frame just completed is a ping, not padding.
	n, err := f.Recv([]byte{0x00}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, other.Calls, 1)
	assert.Equal(t, []byte{0x00}, other.Calls[0])
}

func TestSendPaddedAppendsTrailingZeros(t *testing.T) {
	root := testlayer.NewRoot()
	f := NewShort(root, nil, nil, func() uint32 { return 0 }, 0, nil)

	buf, err := f.GetSendBuf(2, nil)
	require.NoError(t, err)
	copy(buf, []byte{0x11, 0x22})
	n, err := f.SendPadded(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, root.Sent, 1)
	sent := root.Sent[0]
	require.Len(t, sent, 3+3) // header + 2 payload + 3 pad
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, sent[3:])
}

func TestRetryOnPartialChildConsumption(t *testing.T) {
	child := testlayer.NewCapture()
	child.Consume = 1
	root := testlayer.NewRoot()
	f := NewShort(root, child, nil, func() uint32 { return 0 }, 0, nil)

	n, err := f.Recv([]byte{0x81, 0xAA, 0xBB}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 1, f.Stats.RxRetries)

	// second call with empty src lets Forwarding resume and finish.
	child.Consume = -1
	_, err = f.Recv(nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.Stats.RxPackets)
}
