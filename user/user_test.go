package user

import (
	"testing"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/internal/testlayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvStripsTagAndForwards(t *testing.T) {
	child := testlayer.NewCapture()
	l := New(testlayer.NewRoot(), child, isn.ProtoUser1+2)

	n, err := l.Recv([]byte{isn.ProtoUser1 + 2, 0xAA, 0xBB}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, child.Calls, 1)
	assert.Equal(t, []byte{0xAA, 0xBB}, child.Calls[0])
}

func TestRecvWrongTagErrors(t *testing.T) {
	l := New(testlayer.NewRoot(), testlayer.NewCapture(), isn.ProtoUser1)
	_, err := l.Recv([]byte{isn.ProtoUser1 + 1, 0x00}, nil)
	assert.ErrorIs(t, err, isn.ErrUnknownProtocol)
}

func TestSendRoundTrip(t *testing.T) {
	root := testlayer.NewRoot()
	l := New(root, nil, isn.ProtoUser1+5)

	buf, err := l.GetSendBuf(2, nil)
	require.NoError(t, err)
	copy(buf, []byte{1, 2})
	n, err := l.Send(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, root.Sent, 1)
	assert.Equal(t, []byte{isn.ProtoUser1 + 5, 1, 2}, root.Sent[0])
}

func TestNewRejectsTagOutOfRange(t *testing.T) {
	assert.Panics(t, func() {
		New(testlayer.NewRoot(), nil, 0x10)
	})
}
