// Package isn implements a composable, zero-copy, layered protocol stack
// for sensor-network devices. A concrete wire protocol is assembled by
// chaining Layer instances vertically: each layer has at most one parent
// (toward the wire) and at most one child (toward the application).
package isn

// Protocol tag bytes, the top-level demux applied after any transport
// header has been stripped.
const (
	ProtoPing  byte = 0x00
	ProtoUser1 byte = 0x01
	ProtoTranL byte = 0x7D
	ProtoTranS byte = 0x7E
	ProtoMsg   byte = 0x7F

	// Short frame headers occupy 0x80..0xBF (no CRC) and 0xC0..0xFF (CRC-8).
	ProtoFrameShortMin    byte = 0x80
	ProtoFrameCompactMin  byte = 0xC0
	ProtoFrameCompactMask byte = 0x40
)

// Layer is the four-method polymorphic capability every protocol object
// in the stack implements. Implementations are synchronous: none may
// block except briefly on a hardware FIFO, and that discipline is the
// adapter's responsibility, not the core's.
type Layer interface {
	// Recv delivers src, a read-only slice supplied by caller, and
	// returns the number of bytes consumed. A return less than
	// len(src) means the caller must resubmit the remaining suffix on
	// its next call. A return of 0 means "not ready, retry".
	Recv(src []byte, caller Layer) (int, error)

	// GetSendBuf walks to the wire-adjacent parent, reserving up to
	// requested usable bytes and returning a slice positioned at this
	// layer's payload offset. If requested cannot be satisfied in
	// full, the returned slice may be shorter; the caller then either
	// shrinks its write or calls Free. ErrBufferBusy is returned
	// immediately if this layer already has an outstanding buffer.
	GetSendBuf(requested int, caller Layer) ([]byte, error)

	// AvailSendBuf is the non-committing counterpart of GetSendBuf: it
	// reports the usable size that a GetSendBuf call would currently
	// obtain without reserving anything.
	AvailSendBuf(requested int, caller Layer) (int, error)

	// Send consumes payload (which must be a slice returned by a prior
	// GetSendBuf on this layer), restoring this layer's own header
	// prefix and optional trailer before forwarding to its parent.
	// Returns the user-visible byte count delivered, not counting any
	// header/trailer this layer itself added.
	Send(payload []byte) (int, error)

	// Free releases a buffer obtained via GetSendBuf but never sent.
	Free(ptr []byte)
}

// Receiver is the reduced capability exposed by pure fan-out/fan-in
// objects (Dispatch, Dup, Loopback) that never originate or forward a
// send of their own.
type Receiver interface {
	Recv(src []byte, caller Layer) (int, error)
}

