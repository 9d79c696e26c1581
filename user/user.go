// Package user implements the USER1..USER15 layer: a single tag byte
// prepended/stripped so an application can multiplex several raw
// sub-streams over one physical link, with no framing or addressing of
// its own. It exists to show the layer contract costs nothing extra for
// a layer this thin -- no per-layer allocation beyond the one reserved
// byte.
package user

import "github.com/sensornet/isn"

// Layer wraps one USER1..USER15 tag byte (isn.ProtoUser1..isn.ProtoUser1+14).
type Layer struct {
	Parent isn.Layer
	Child  isn.Receiver
	Tag    byte

	bufLocked bool
	sendBuf   []byte
}

// New constructs a user sub-stream layer for the given tag, which must
// fall in 0x01..0x0F (USER1..USER15).
func New(parent isn.Layer, child isn.Receiver, tag byte) *Layer {
	if tag < isn.ProtoUser1 || tag > isn.ProtoUser1+14 {
		panic("user: tag out of USER1..USER15 range")
	}
	return &Layer{Parent: parent, Child: child, Tag: tag}
}

// Recv implements isn.Receiver.
func (l *Layer) Recv(src []byte, caller isn.Layer) (int, error) {
	if len(src) < 1 || src[0] != l.Tag {
		return 0, isn.ErrUnknownProtocol
	}
	if l.Child == nil {
		return len(src), nil
	}
	n, err := l.Child.Recv(src[1:], caller)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// GetSendBuf reserves payload+1 bytes from the parent.
func (l *Layer) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if l.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	buf, err := l.Parent.GetSendBuf(requested+1, l)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		l.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	l.sendBuf = buf
	l.bufLocked = true
	return buf[1:], nil
}

// AvailSendBuf reports the usable payload size without reserving.
func (l *Layer) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if l.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	n, err := l.Parent.AvailSendBuf(requested+1, l)
	if err != nil {
		return 0, err
	}
	if n <= 1 {
		return 0, nil
	}
	return n - 1, nil
}

// Send writes the tag byte and forwards to the parent.
func (l *Layer) Send(payload []byte) (int, error) {
	if !l.bufLocked {
		return 0, isn.ErrNoParent
	}
	l.sendBuf[0] = l.Tag
	out := l.sendBuf[:1+len(payload)]
	l.bufLocked = false
	sent, err := l.Parent.Send(out)
	if err != nil {
		return 0, err
	}
	if sent < len(payload)+1 {
		return 0, nil
	}
	return len(payload), nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (l *Layer) Free(ptr []byte) {
	if !l.bufLocked {
		return
	}
	l.Parent.Free(l.sendBuf)
	l.bufLocked = false
}
