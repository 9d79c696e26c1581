package frame

import (
	"log/slog"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/internal/crc"
	"github.com/sensornet/isn/metrics"
)

// crcEngine abstracts over the trailer width (CRC-16 for Long, CRC-32
// for Jumbo) so the Long frame state machine below is written once.
type crcEngine interface {
	single(b byte)
	trailerBytes() []byte
}

type crc16Engine struct{ v crc.CRC16 }

func (e *crc16Engine) single(b byte) { e.v.Single(b) }
func (e *crc16Engine) trailerBytes() []byte {
	return []byte{byte(e.v >> 8), byte(e.v)}
}

type crc32Engine struct{ v crc.CRC32 }

func (e *crc32Engine) single(b byte) { e.v.Single(b) }
func (e *crc32Engine) trailerBytes() []byte {
	return []byte{byte(e.v >> 24), byte(e.v >> 16), byte(e.v >> 8), byte(e.v)}
}

// variant fixes the header/trailer shape distinguishing Long from Jumbo.
type variant struct {
	tagPattern   byte
	highBitsMask byte // bits of the first header byte available for length
	lengthBits   int
	maxPayload   int
	trailerSize  int
	newEngine    func() crcEngine
}

var longVariant = variant{
	tagPattern:   0xD0,
	highBitsMask: 0x0F,
	lengthBits:   12,
	maxPayload:   4096,
	trailerSize:  2,
	// CRC-16-CCITT-False, seeded to 0xFFFF per spec (and the original
	// C source's CRC16_CCITT_INITVALUE), not the zero-init CCITT variant.
	newEngine: func() crcEngine { return &crc16Engine{v: 0xFFFF} },
}

var jumboVariant = variant{
	tagPattern:   0xE0,
	highBitsMask: 0x1F,
	lengthBits:   13,
	maxPayload:   8192,
	trailerSize:  4,
	newEngine:    func() crcEngine { return &crc32Engine{} },
}

func (v variant) tagMask() byte { return 0xFF &^ v.highBitsMask }

func (v variant) metricLabel() string {
	if v.trailerSize == 4 {
		return "frame-jumbo"
	}
	return "frame-long"
}

type longRxState int

const (
	longIdle longRxState = iota
	longHeader2
	longInMessage
	longAwaitingCRC
	longForwarding
)

// LongStats mirrors ShortStats for the 2-byte-header frame variants.
type LongStats struct {
	RxPackets uint32
	RxErrors  uint32
	RxDropped uint32
	RxRetries uint32
}

// Long is the shared Long/Jumbo frame layer, selected by variant at
// construction. Use NewLong or NewJumbo rather than this type directly.
type Long struct {
	v            variant
	Parent       isn.Layer
	Other        isn.Receiver
	Child        isn.Receiver
	Now          func() uint32
	FrameTimeout uint32
	Logger       *slog.Logger

	Stats LongStats

	state      longRxState
	lastTS     uint32
	haveTS     bool
	highBits   byte
	expected   int
	engine     crcEngine
	buf        []byte
	filled     int
	forwardPos int
	trailer    []byte
	trailerPos int
	oof        []byte
	padOK      bool // true right after a completed frame: next 0x00 bytes are padding, not ping

	sendBuf   []byte
	bufLocked bool
}

func newLong(v variant, parent isn.Layer, child, other isn.Receiver, now func() uint32, frameTimeout uint32, logger *slog.Logger) *Long {
	if logger == nil {
		logger = slog.Default()
	}
	return &Long{
		v:            v,
		Parent:       parent,
		Child:        child,
		Other:        other,
		Now:          now,
		FrameTimeout: frameTimeout,
		Logger:       logger.With("service", "[FRAME-L]"),
		buf:          make([]byte, v.maxPayload),
		trailer:      make([]byte, v.trailerSize),
	}
}

// NewLong constructs the 12-bit-length, CRC-16 frame variant.
func NewLong(parent isn.Layer, child, other isn.Receiver, now func() uint32, frameTimeout uint32, logger *slog.Logger) *Long {
	return newLong(longVariant, parent, child, other, now, frameTimeout, logger)
}

// NewJumbo constructs the 13-bit-length, CRC-32 frame variant.
func NewJumbo(parent isn.Layer, child, other isn.Receiver, now func() uint32, frameTimeout uint32, logger *slog.Logger) *Long {
	return newLong(jumboVariant, parent, child, other, now, frameTimeout, logger)
}

func (l *Long) resetToIdle() {
	l.state = longIdle
	l.filled = 0
	l.expected = 0
	l.forwardPos = 0
	l.trailerPos = 0
}

func (l *Long) flushOOF(caller isn.Layer) {
	if len(l.oof) == 0 {
		return
	}
	if l.Other != nil {
		l.Other.Recv(l.oof, caller)
	}
	l.oof = l.oof[:0]
}

// Recv implements isn.Receiver.
func (l *Long) Recv(src []byte, caller isn.Layer) (int, error) {
	now := uint32(0)
	if l.Now != nil {
		now = l.Now()
	}
	if l.haveTS && l.FrameTimeout > 0 && l.state != longIdle {
		if int32(now-l.lastTS) >= int32(l.FrameTimeout) {
			l.Stats.RxDropped++
			metrics.RxDropped.WithLabelValues(l.v.metricLabel()).Inc()
			l.Logger.Debug("frame idle timeout, resyncing")
			l.resetToIdle()
		}
	}
	l.lastTS = now
	l.haveTS = true

	consumed := 0
	for {
		if l.state == longForwarding {
			n := 0
			var err error
			if l.Child != nil {
				n, err = l.Child.Recv(l.buf[l.forwardPos:l.filled], caller)
			} else {
				n = l.filled - l.forwardPos
			}
			if err != nil {
				l.resetToIdle()
				return consumed, err
			}
			l.forwardPos += n
			if l.forwardPos < l.filled {
				l.Stats.RxRetries++
				l.flushOOF(caller)
				return consumed, nil
			}
			l.Stats.RxPackets++
			l.resetToIdle()
			l.padOK = true
			continue
		}
		if consumed >= len(src) {
			break
		}
		b := src[consumed]

		switch l.state {
		case longIdle:
			if b == 0x00 && l.padOK {
				consumed++
				continue
			}
			l.padOK = false
			if b&l.v.tagMask() != l.v.tagPattern {
				l.oof = append(l.oof, b)
				consumed++
				continue
			}
			l.flushOOF(caller)
			l.highBits = b & l.v.highBitsMask
			l.state = longHeader2
			consumed++

		case longHeader2:
			lengthMinus1 := int(l.highBits)<<8 | int(b)
			l.expected = lengthMinus1 + 1
			l.filled = 0
			l.engine = l.v.newEngine()
			l.engine.single((l.v.tagPattern | l.highBits))
			l.engine.single(b)
			l.state = longInMessage
			consumed++

		case longInMessage:
			l.buf[l.filled] = b
			l.filled++
			l.engine.single(b)
			consumed++
			if l.filled < l.expected {
				continue
			}
			l.state = longAwaitingCRC
			l.trailerPos = 0

		case longAwaitingCRC:
			l.trailer[l.trailerPos] = b
			l.trailerPos++
			consumed++
			if l.trailerPos < l.v.trailerSize {
				continue
			}
			want := l.engine.trailerBytes()
			match := true
			for i := range want {
				if want[i] != l.trailer[i] {
					match = false
					break
				}
			}
			if !match {
				l.Stats.RxErrors++
				metrics.RxErrors.WithLabelValues(l.v.metricLabel()).Inc()
				l.Logger.Warn("crc trailer mismatch, dropping frame")
				l.resetToIdle()
				continue
			}
			l.state = longForwarding
			l.forwardPos = 0
		}
	}
	l.flushOOF(caller)
	return consumed, nil
}

// GetSendBuf reserves payload+2(header)+trailerSize bytes from the
// parent.
func (l *Long) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if l.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	if requested < 1 || requested > l.v.maxPayload {
		return nil, isn.ErrFrameTooLarge
	}
	overhead := 2 + l.v.trailerSize
	buf, err := l.Parent.GetSendBuf(requested+overhead, l)
	if err != nil {
		return nil, err
	}
	if len(buf) < requested+overhead {
		l.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	l.sendBuf = buf
	l.bufLocked = true
	return buf[2 : 2+requested], nil
}

// AvailSendBuf reports the usable payload size without reserving.
func (l *Long) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if l.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	overhead := 2 + l.v.trailerSize
	n, err := l.Parent.AvailSendBuf(requested+overhead, l)
	if err != nil {
		return 0, err
	}
	if n <= overhead {
		return 0, nil
	}
	if n-overhead > l.v.maxPayload {
		return l.v.maxPayload, nil
	}
	return n - overhead, nil
}

// Send finalizes a payload obtained from GetSendBuf.
func (l *Long) Send(payload []byte) (int, error) {
	return l.SendPadded(payload, 0)
}

// SendPadded is Send plus pad trailing 0x00 bytes appended after the
// trailer. A decoder that has just finished this frame treats them as
// inert padding rather than a ping or a new frame, which lets a sender
// round a transfer up to a bulk-transfer friendly size.
func (l *Long) SendPadded(payload []byte, pad int) (int, error) {
	if !l.bufLocked {
		return 0, isn.ErrNoParent
	}
	n := len(payload)
	if n < 1 || n > l.v.maxPayload {
		l.Free(payload)
		return 0, isn.ErrFrameTooLarge
	}
	lengthMinus1 := n - 1
	firstByte := l.v.tagPattern | byte((lengthMinus1>>8)&int(l.v.highBitsMask))
	secondByte := byte(lengthMinus1 & 0xFF)
	l.sendBuf[0] = firstByte
	l.sendBuf[1] = secondByte

	out := l.sendBuf[:2+n]
	eng := l.v.newEngine()
	eng.single(firstByte)
	eng.single(secondByte)
	for _, b := range out[2:] {
		eng.single(b)
	}
	out = append(out, eng.trailerBytes()...)
	if pad > 0 {
		out = append(out, make([]byte, pad)...)
	}

	l.bufLocked = false
	sent, err := l.Parent.Send(out)
	if err != nil {
		return 0, err
	}
	if sent < n {
		return 0, nil
	}
	return n, nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (l *Long) Free(ptr []byte) {
	if !l.bufLocked {
		return
	}
	l.Parent.Free(l.sendBuf)
	l.bufLocked = false
}
