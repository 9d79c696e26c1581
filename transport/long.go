package transport

import (
	"encoding/binary"
	"log/slog"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/metrics"
)

const longPorts = 256

// LongStats holds the counters attributed to the long transport.
type LongStats struct {
	RxPackets   uint32
	TxPackets   uint32
	RxDropped   uint32
	RxReordered uint32
}

// Long is the TRANL layer: a full-byte port (256 entries) paired with a
// 16-bit little-endian sequence, sized for host-side reordering of
// high-throughput unidirectional streams rather than interactive
// request/reply traffic (that's Short's job).
type Long struct {
	Parent isn.Layer
	Logger *slog.Logger

	Stats LongStats

	ports   [longPorts]isn.Layer
	txCount [longPorts]uint16
	rxCount [longPorts]uint16
	rxSeen  [longPorts]bool

	bufLocked bool
	sendBuf   []byte
	sendPort  int
}

// NewLong constructs a Long transport layer forwarding to parent.
func NewLong(parent isn.Layer, logger *slog.Logger) *Long {
	if logger == nil {
		logger = slog.Default()
	}
	return &Long{Parent: parent, Logger: logger.With("service", "[TRANL]")}
}

// Bind wires child as the receiver for port.
func (l *Long) Bind(port int, child isn.Layer) {
	if port < 0 || port >= longPorts {
		panic("transport: long port out of range")
	}
	l.ports[port] = child
}

func (l *Long) portOf(caller isn.Layer) (int, bool) {
	if caller == nil {
		return 0, false
	}
	for i, c := range l.ports {
		if c != nil && c == caller {
			return i, true
		}
	}
	return 0, false
}

// Recv implements isn.Receiver. src must be exactly one already-framed
// packet (tag + port + 16-bit LE sequence + inner bytes).
func (l *Long) Recv(src []byte, caller isn.Layer) (int, error) {
	if len(src) < 4 || src[0] != isn.ProtoTranL {
		return 0, isn.ErrUnknownProtocol
	}
	port := int(src[1])
	seq := binary.LittleEndian.Uint16(src[2:4])
	payload := src[4:]

	child := l.ports[port]
	if child == nil {
		l.Stats.RxDropped++
		metrics.RxDropped.WithLabelValues("transport-long").Inc()
		return len(src), nil
	}

	if l.rxSeen[port] {
		expected := l.rxCount[port] + 1
		if seq != expected {
			l.Stats.RxReordered++
			metrics.RxErrors.WithLabelValues("transport-long").Inc()
		}
	}
	l.rxCount[port] = seq
	l.rxSeen[port] = true
	l.Stats.RxPackets++

	child.Recv(payload, caller)
	return len(src), nil
}

// GetSendBuf reserves payload+4 bytes from the parent.
func (l *Long) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if l.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	port, ok := l.portOf(caller)
	if !ok {
		return nil, isn.ErrUnknownProtocol
	}
	buf, err := l.Parent.GetSendBuf(requested+4, l)
	if err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		l.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	avail := len(buf) - 4
	if avail > requested {
		avail = requested
	}
	l.sendBuf = buf
	l.sendPort = port
	l.bufLocked = true
	return buf[4 : 4+avail], nil
}

// AvailSendBuf reports the usable payload size without reserving.
func (l *Long) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if l.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if _, ok := l.portOf(caller); !ok {
		return 0, isn.ErrUnknownProtocol
	}
	n, err := l.Parent.AvailSendBuf(requested+4, l)
	if err != nil {
		return 0, err
	}
	if n <= 4 {
		return 0, nil
	}
	return n - 4, nil
}

// Send writes the port/sequence header and forwards to the parent.
func (l *Long) Send(payload []byte) (int, error) {
	if !l.bufLocked {
		return 0, isn.ErrNoParent
	}
	port := l.sendPort
	l.sendBuf[0] = isn.ProtoTranL
	l.sendBuf[1] = byte(port)
	binary.LittleEndian.PutUint16(l.sendBuf[2:4], l.txCount[port])
	out := l.sendBuf[:4+len(payload)]
	l.txCount[port]++
	l.bufLocked = false
	l.Stats.TxPackets++

	sent, err := l.Parent.Send(out)
	if err != nil {
		return 0, err
	}
	if sent < len(payload)+4 {
		return 0, nil
	}
	return len(payload), nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (l *Long) Free(ptr []byte) {
	if !l.bufLocked {
		return
	}
	l.Parent.Free(l.sendBuf)
	l.bufLocked = false
}
