// Package transport implements the two port-multiplexing layers that
// sit above framing: Short (TRANS, 6-bit port + 2-bit sequence) and
// Long (TRANL, 8-bit port + 16-bit little-endian sequence). Grounded on
// the teacher's NMT/heartbeat consumer pairing, where a small dispatch
// table indexed by node-id plays the same role a port index plays here.
package transport

import (
	"log/slog"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/metrics"
)

const shortPorts = 64

// ShortStats holds the counters attributed to the short transport: total
// received/sent packets, packets dropped for an unbound port, and
// reorders/drops detected via the 2-bit sequence.
type ShortStats struct {
	RxPackets   uint32
	TxPackets   uint32
	RxDropped   uint32
	RxReordered uint32
}

// Short is the TRANS layer: a static table of up to 64 ports, each
// routing to one child receiver drivers. The 2-bit counter lets a
// receiver flag reorder/drop across a handful of recent packets; there
// is no retransmit, only detection (the sender is responsible for any
// reliability above this).
type Short struct {
	Parent isn.Layer
	Logger *slog.Logger

	Stats ShortStats

	ports   [shortPorts]isn.Layer
	txCount [shortPorts]uint8
	rxCount [shortPorts]uint8
	rxSeen  [shortPorts]bool

	bufLocked bool
	sendBuf   []byte
	sendPort  int
}

// NewShort constructs a Short transport layer forwarding to parent.
func NewShort(parent isn.Layer, logger *slog.Logger) *Short {
	if logger == nil {
		logger = slog.Default()
	}
	return &Short{Parent: parent, Logger: logger.With("service", "[TRANS]")}
}

// Bind wires child as the receiver for port, which must be registered
// before the first packet referencing it arrives. Binding is a
// construction-time operation; an out-of-range port is a programmer
// error.
func (s *Short) Bind(port int, child isn.Layer) {
	if port < 0 || port >= shortPorts {
		panic("transport: short port out of range")
	}
	s.ports[port] = child
}

func (s *Short) portOf(caller isn.Layer) (int, bool) {
	if caller == nil {
		return 0, false
	}
	for i, c := range s.ports {
		if c != nil && c == caller {
			return i, true
		}
	}
	return 0, false
}

// Recv implements isn.Receiver. src must be exactly one already-framed
// packet (tag + port/count byte + inner bytes); the inner bytes are
// handed to the bound port's child in a single call.
func (s *Short) Recv(src []byte, caller isn.Layer) (int, error) {
	if len(src) < 2 || src[0] != isn.ProtoTranS {
		return 0, isn.ErrUnknownProtocol
	}
	second := src[1]
	port := int(second >> 2)
	count := second & 0x03
	payload := src[2:]

	child := s.ports[port]
	if child == nil {
		s.Stats.RxDropped++
		metrics.RxDropped.WithLabelValues("transport-short").Inc()
		return len(src), nil
	}

	if s.rxSeen[port] {
		expected := (s.rxCount[port] + 1) & 0x03
		if count != expected {
			s.Stats.RxReordered++
			metrics.RxErrors.WithLabelValues("transport-short").Inc()
		}
	}
	s.rxCount[port] = count
	s.rxSeen[port] = true
	s.Stats.RxPackets++

	child.Recv(payload, caller)
	return len(src), nil
}

// GetSendBuf reserves payload+2 bytes from the parent. The port is
// derived from caller's identity, which must already be bound via Bind.
func (s *Short) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if s.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	port, ok := s.portOf(caller)
	if !ok {
		return nil, isn.ErrUnknownProtocol
	}
	buf, err := s.Parent.GetSendBuf(requested+2, s)
	if err != nil {
		return nil, err
	}
	if len(buf) < 2 {
		s.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	avail := len(buf) - 2
	if avail > requested {
		avail = requested
	}
	s.sendBuf = buf
	s.sendPort = port
	s.bufLocked = true
	return buf[2 : 2+avail], nil
}

// AvailSendBuf reports the usable payload size without reserving.
func (s *Short) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if s.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if _, ok := s.portOf(caller); !ok {
		return 0, isn.ErrUnknownProtocol
	}
	n, err := s.Parent.AvailSendBuf(requested+2, s)
	if err != nil {
		return 0, err
	}
	if n <= 2 {
		return 0, nil
	}
	return n - 2, nil
}

// Send writes the port/sequence header and forwards to the parent.
func (s *Short) Send(payload []byte) (int, error) {
	if !s.bufLocked {
		return 0, isn.ErrNoParent
	}
	port := s.sendPort
	s.sendBuf[0] = isn.ProtoTranS
	s.sendBuf[1] = byte(port<<2) | (s.txCount[port] & 0x03)
	out := s.sendBuf[:2+len(payload)]
	s.txCount[port] = (s.txCount[port] + 1) & 0x03
	s.bufLocked = false
	s.Stats.TxPackets++

	sent, err := s.Parent.Send(out)
	if err != nil {
		return 0, err
	}
	if sent < len(payload)+2 {
		return 0, nil
	}
	return len(payload), nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (s *Short) Free(ptr []byte) {
	if !s.bufLocked {
		return
	}
	s.Parent.Free(s.sendBuf)
	s.bufLocked = false
}
