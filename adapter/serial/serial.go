// Package serial adapts a termios-configured serial line into an
// isn.Layer. Illustrative, one file, matching spec.md §6's "transport
// adapters, specified only through the interface contract." Grounded on
// the teacher's socketcan adapter for overall shape; the termios setup
// itself mirrors golang.org/x/sys/unix's raw ioctl style already used
// there for CAN_SFF_MASK.
package serial

import (
	"os"

	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"

	"github.com/sensornet/isn"
)

const maxPayload = 256

// Port wraps a termios-configured file descriptor as the wire-adjacent
// Layer at the bottom of a stack.
type Port struct {
	f     *os.File
	Child isn.Receiver

	sendBuf   [maxPayload]byte
	bufLocked bool
}

// Open configures path (e.g. "/dev/ttyUSB0") for raw, 8N1 operation at
// baud; once Run is called, read bytes are delivered to child.
func Open(path string, baud uint32, child isn.Receiver) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	if err := setRaw(f, baud); err != nil {
		f.Close()
		return nil, err
	}
	log.WithField("path", path).Info("serial: port opened")
	return &Port{f: f, Child: child}, nil
}

func setRaw(f *os.File, baud uint32) error {
	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := setBaud(t, baud); err != nil {
		return err
	}
	return unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t)
}

func setBaud(t *unix.Termios, baud uint32) error {
	rate, ok := map[uint32]uint32{
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
	}[baud]
	if !ok {
		return isn.ErrUnknownProtocol
	}
	t.Ispeed = rate
	t.Ospeed = rate
	return nil
}

// Run reads the port until it is closed or an unrecoverable read error
// occurs, delivering each chunk to Child. Callers typically invoke it
// in its own goroutine.
func (p *Port) Run() error {
	buf := make([]byte, maxPayload)
	for {
		n, err := p.f.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 || p.Child == nil {
			continue
		}
		if _, err := p.Child.Recv(buf[:n], nil); err != nil {
			log.WithError(err).Warn("serial: child rejected received bytes")
		}
	}
}

// Recv implements isn.Layer for interface symmetry; bytes arrive
// asynchronously via Run, not through direct calls to Recv.
func (p *Port) Recv(src []byte, caller isn.Layer) (int, error) {
	return 0, isn.ErrUnknownProtocol
}

// GetSendBuf reserves up to maxPayload bytes.
func (p *Port) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if p.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	n := requested
	if n > maxPayload {
		n = maxPayload
	}
	p.bufLocked = true
	return p.sendBuf[:n], nil
}

// AvailSendBuf reports the usable size without reserving.
func (p *Port) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if p.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if requested > maxPayload {
		return maxPayload, nil
	}
	return requested, nil
}

// Send writes payload to the port.
func (p *Port) Send(payload []byte) (int, error) {
	if !p.bufLocked {
		return 0, isn.ErrNoParent
	}
	p.bufLocked = false
	n, err := p.f.Write(payload)
	if err != nil {
		log.WithError(err).Warn("serial: write failed")
		return 0, err
	}
	return n, nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (p *Port) Free(ptr []byte) {
	p.bufLocked = false
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	return p.f.Close()
}
