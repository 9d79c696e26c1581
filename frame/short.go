// Package frame implements the length-prefixed, optionally CRC-protected
// framing layers: Short/Compact (1-byte header, CRC-8) and Long/Jumbo
// (2-byte header, CRC-16/CRC-32). All four share one receive state
// machine shape, grounded on the fifo/crc coupling used throughout the
// teacher's SDO segmented-transfer code.
package frame

import (
	"log/slog"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/internal/crc"
	"github.com/sensornet/isn/metrics"
)

const (
	shortHeaderMin  = 0x80
	shortCRCMask    = 0x40
	shortLengthMask = 0x3F
	shortMaxPayload = 64
)

type rxState int

const (
	stateIdle rxState = iota
	stateInMessage
	stateAwaitingCRC
	stateForwarding
)

// ShortStats holds the counters the spec attributes to the Short/Compact
// decoder: rx_packets, rx_errors (CRC mismatch or overflow), rx_dropped
// (idle-timeout abandon) and rx_retries (partial child consumption).
type ShortStats struct {
	RxPackets uint32
	RxErrors  uint32
	RxDropped uint32
	RxRetries uint32
}

// Short is the Short/Compact frame layer. A zero FrameTimeout disables
// idle-timeout resync (useful for tests driving the clock manually).
type Short struct {
	Parent       isn.Layer
	Other        isn.Receiver // out-of-frame passthrough target
	Child        isn.Receiver
	Now          func() uint32
	FrameTimeout uint32
	Logger       *slog.Logger

	Stats ShortStats

	state      rxState
	lastTS     uint32
	haveTS     bool
	crcMode    bool
	expected   int
	rxCRC      crc.CRC8
	buf        [shortMaxPayload]byte
	filled     int
	forwardPos int
	oof        []byte // out-of-frame scratch, flushed at end of Recv

	padOK bool // true right after a completed frame: next 0x00 bytes are padding, not ping

	forceCRC  bool
	sendBuf   []byte
	sendOff   int
	sendCRC   bool
	bufLocked bool
}

// NewShort constructs a Short/Compact layer forwarding framed payloads to
// child and out-of-frame bytes to other.
func NewShort(parent isn.Layer, child isn.Receiver, other isn.Receiver, now func() uint32, frameTimeout uint32, logger *slog.Logger) *Short {
	if logger == nil {
		logger = slog.Default()
	}
	return &Short{
		Parent:       parent,
		Child:        child,
		Other:        other,
		Now:          now,
		FrameTimeout: frameTimeout,
		Logger:       logger.With("service", "[FRAME-S]"),
	}
}

func (s *Short) resetToIdle() {
	s.state = stateIdle
	s.filled = 0
	s.expected = 0
	s.forwardPos = 0
	s.crcMode = false
	s.rxCRC = 0
}

func (s *Short) flushOOF(caller isn.Layer) {
	if len(s.oof) == 0 {
		return
	}
	if s.Other != nil {
		s.Other.Recv(s.oof, caller)
	}
	s.oof = s.oof[:0]
}

// Recv implements isn.Receiver. caller is threaded through to the child
// so multi-hop echo scenarios can identify the originating layer.
func (s *Short) Recv(src []byte, caller isn.Layer) (int, error) {
	now := uint32(0)
	if s.Now != nil {
		now = s.Now()
	}
	if s.haveTS && s.FrameTimeout > 0 && s.state != stateIdle {
		if int32(now-s.lastTS) >= int32(s.FrameTimeout) {
			s.Stats.RxDropped++
			metrics.RxDropped.WithLabelValues(s.metricLabel()).Inc()
			s.Logger.Debug("frame idle timeout, resyncing")
			s.resetToIdle()
		}
	}
	s.lastTS = now
	s.haveTS = true

	consumed := 0
	for {
		// Forwarding needs no further input bytes to make progress, so
		// it is checked before the "any bytes left?" exit.
		if s.state == stateForwarding {
			n := 0
			var err error
			if s.Child != nil {
				n, err = s.Child.Recv(s.buf[s.forwardPos:s.filled], caller)
			} else {
				n = s.filled - s.forwardPos
			}
			if err != nil {
				s.resetToIdle()
				return consumed, err
			}
			s.forwardPos += n
			if s.forwardPos < s.filled {
				s.Stats.RxRetries++
				s.flushOOF(caller)
				return consumed, nil
			}
			s.Stats.RxPackets++
			s.resetToIdle()
			s.padOK = true
			continue
		}
		if consumed >= len(src) {
			break
		}
		b := src[consumed]

		switch s.state {
		case stateIdle:
			if b == 0x00 && s.padOK {
				consumed++
				continue
			}
			s.padOK = false
			if b < shortHeaderMin {
				s.oof = append(s.oof, b)
				consumed++
				continue
			}
			s.flushOOF(caller)
			s.crcMode = b&shortCRCMask != 0
			s.expected = int(b&shortLengthMask) + 1
			s.filled = 0
			s.rxCRC = 0
			if s.crcMode {
				s.rxCRC.Single(b)
			}
			s.state = stateInMessage
			consumed++

		case stateInMessage:
			s.buf[s.filled] = b
			s.filled++
			if s.crcMode {
				s.rxCRC.Single(b)
			}
			consumed++
			if s.filled < s.expected {
				continue
			}
			if s.crcMode {
				s.state = stateAwaitingCRC
			} else {
				s.state = stateForwarding
				s.forwardPos = 0
			}

		case stateAwaitingCRC:
			consumed++
			if b != byte(s.rxCRC) {
				s.Stats.RxErrors++
				metrics.RxErrors.WithLabelValues(s.metricLabel()).Inc()
				s.Logger.Warn("crc-8 mismatch, dropping frame")
				s.resetToIdle()
				continue
			}
			s.state = stateForwarding
			s.forwardPos = 0
		}
	}
	s.flushOOF(caller)
	return consumed, nil
}

func (s *Short) metricLabel() string {
	if s.forceCRC {
		return "frame-compact"
	}
	return "frame-short"
}

// overheadFor returns the header+trailer byte count for this layer's
// current CRC mode: 1 for plain Short, 2 for Compact (header + CRC-8).
func (s *Short) overheadFor() int {
	if s.forceCRC {
		return 2
	}
	return 1
}

// GetSendBuf reserves payload+1 (Short) or payload+2 (Compact) bytes
// from the parent and returns a slice positioned at the payload offset.
func (s *Short) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if s.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	if requested < 1 || requested > shortMaxPayload {
		return nil, isn.ErrFrameTooLarge
	}
	overhead := s.overheadFor()
	buf, err := s.Parent.GetSendBuf(requested+overhead, s)
	if err != nil {
		return nil, err
	}
	if len(buf) < requested+overhead {
		s.Parent.Free(buf)
		return nil, isn.ErrBufferShort
	}
	s.sendBuf = buf
	s.sendOff = 1
	s.sendCRC = s.forceCRC
	s.bufLocked = true
	return buf[1 : 1+requested], nil
}

// AvailSendBuf reports the usable payload size without reserving.
func (s *Short) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if s.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	overhead := s.overheadFor()
	n, err := s.Parent.AvailSendBuf(requested+overhead, s)
	if err != nil {
		return 0, err
	}
	if n <= overhead {
		return 0, nil
	}
	if n-overhead > shortMaxPayload {
		return shortMaxPayload, nil
	}
	return n - overhead, nil
}

// Send finalizes a payload obtained from GetSendBuf: writes the header
// (and, in CRC mode, the CRC-8 trailer over header+payload) and
// forwards to the parent.
func (s *Short) Send(payload []byte) (int, error) {
	return s.SendPadded(payload, 0)
}

// SendPadded is Send plus pad trailing 0x00 bytes appended after the frame
// (after the CRC-8 trailer, in CRC mode). A decoder that has just finished
// this frame treats them as inert padding rather than a ping or a new
// frame, which lets a sender round a transfer up to a bulk-transfer
// friendly size.
func (s *Short) SendPadded(payload []byte, pad int) (int, error) {
	if !s.bufLocked {
		return 0, isn.ErrNoParent
	}
	n := len(payload)
	if n < 1 || n > shortMaxPayload {
		s.Free(payload)
		return 0, isn.ErrFrameTooLarge
	}
	header := byte(shortHeaderMin) | byte(n-1)
	if s.sendCRC {
		header |= shortCRCMask
	}
	s.sendBuf[0] = header
	out := s.sendBuf[:s.sendOff+n]
	if s.sendCRC {
		var c crc.CRC8
		c.Bytes(out)
		out = append(out, byte(c))
	}
	if pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	s.bufLocked = false
	sent, err := s.Parent.Send(out)
	if err != nil {
		return 0, err
	}
	if sent < n {
		return 0, nil
	}
	return n, nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (s *Short) Free(ptr []byte) {
	if !s.bufLocked {
		return
	}
	s.Parent.Free(s.sendBuf)
	s.bufLocked = false
}

// NewCompact is NewShort with CRC-8 mode forced on every send; receive
// auto-detects CRC mode per-packet from the header bit, same as Short.
func NewCompact(parent isn.Layer, child isn.Receiver, other isn.Receiver, now func() uint32, frameTimeout uint32, logger *slog.Logger) *Short {
	f := NewShort(parent, child, other, now, frameTimeout, logger)
	f.forceCRC = true
	return f
}
