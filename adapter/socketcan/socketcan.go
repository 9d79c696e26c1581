// Package socketcan adapts a Linux SocketCAN interface into an isn.Layer,
// a concrete instance of the transport-adapter contract described for
// the stack's wire-adjacent end: one CAN frame in, one CAN frame out,
// nothing in between buffered across calls. Grounded on the teacher's
// own brutella/can wrapper (cmd/canopen/driver.go).
package socketcan

import (
	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/sensornet/isn"
)

const maxPayload = 8 // CAN 2.0 data length, classic (non-FD) frames only

// Bus wraps a brutella/can.Bus as the wire-adjacent Layer at the bottom
// of a stack. Every Send/GetSendBuf round trip maps to exactly one CAN
// frame; a payload longer than 8 bytes belongs to a framing layer above
// this one, not here.
type Bus struct {
	bus   *can.Bus
	ID    uint32 // CAN identifier this adapter sends and filters on
	Child isn.Receiver

	sendBuf   [maxPayload]byte
	sendLen   int
	bufLocked bool
}

// Open binds to the named SocketCAN interface (e.g. "can0", "vcan0") and
// subscribes to frames with identifier id; once Run is called, their
// payload is delivered to child.
func Open(name string, id uint32, child isn.Receiver) (*Bus, error) {
	raw, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	b := &Bus{bus: raw, ID: id, Child: child}
	raw.Subscribe(b)
	log.WithField("interface", name).Info("socketcan: interface opened")
	return b, nil
}

// Run starts the bus's receive loop. It blocks; callers typically invoke
// it in its own goroutine, as the teacher's driver does.
func (b *Bus) Run() error {
	return b.bus.ConnectAndPublish()
}

// Handle implements brutella/can's frame subscriber interface.
func (b *Bus) Handle(frame can.Frame) {
	if frame.ID != b.ID || b.Child == nil {
		return
	}
	n := int(frame.Length)
	if n > maxPayload {
		n = maxPayload
	}
	if _, err := b.Child.Recv(frame.Data[:n], b); err != nil {
		log.WithError(err).Warn("socketcan: child rejected received frame")
	}
}

// Recv implements isn.Layer for symmetry with the rest of the stack, but
// SocketCAN delivers asynchronously via Handle; nothing above this
// adapter calls Recv directly.
func (b *Bus) Recv(src []byte, caller isn.Layer) (int, error) {
	return 0, isn.ErrUnknownProtocol
}

// GetSendBuf reserves up to 8 bytes for one outgoing CAN frame.
func (b *Bus) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if b.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	n := requested
	if n > maxPayload {
		n = maxPayload
	}
	b.bufLocked = true
	return b.sendBuf[:n], nil
}

// AvailSendBuf reports the usable size without reserving.
func (b *Bus) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if b.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if requested > maxPayload {
		return maxPayload, nil
	}
	return requested, nil
}

// Send publishes payload as a single classic CAN frame on b.ID.
func (b *Bus) Send(payload []byte) (int, error) {
	if !b.bufLocked {
		return 0, isn.ErrNoParent
	}
	b.bufLocked = false
	if len(payload) > maxPayload {
		return 0, isn.ErrFrameTooLarge
	}
	var data [8]byte
	copy(data[:], payload)
	err := b.bus.Publish(can.Frame{ID: b.ID, Length: uint8(len(payload)), Data: data})
	if err != nil {
		log.WithError(err).Warn("socketcan: publish failed")
		return 0, err
	}
	return len(payload), nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (b *Bus) Free(ptr []byte) {
	b.bufLocked = false
}
