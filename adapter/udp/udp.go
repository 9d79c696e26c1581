// Package udp adapts a single UDP socket into an isn.Layer: each
// datagram received becomes one Recv call on Child, each Send writes one
// datagram back to the last peer heard from (or to a fixed remote
// address, for a client-side adapter). Illustrative, one file, matching
// spec.md §6's "transport adapters, specified only through the
// interface contract."
package udp

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/sensornet/isn"
)

const maxDatagram = 2048

// Conn wraps a net.UDPConn as the wire-adjacent Layer at the bottom of a
// stack.
type Conn struct {
	conn  *net.UDPConn
	Child isn.Receiver

	remote    *net.UDPAddr // nil on the server side until a peer is heard from
	sendBuf   [maxDatagram]byte
	sendLen   int
	bufLocked bool
}

// Listen opens a UDP socket bound to addr (e.g. ":9000") and delivers
// each datagram's payload to child.
func Listen(addr string, child isn.Receiver) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	log.WithField("addr", addr).Info("udp: listening")
	return &Conn{conn: c, Child: child}, nil
}

// Dial opens a UDP socket pinned to a fixed remote address, the
// client-side counterpart of Listen.
func Dial(addr string, child isn.Receiver) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	log.WithField("addr", addr).Info("udp: dialed")
	return &Conn{conn: c, Child: child, remote: raddr}, nil
}

// Run reads datagrams until the socket is closed or an unrecoverable
// read error occurs, delivering each one to Child. Callers typically
// invoke it in its own goroutine.
func (c *Conn) Run() error {
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		c.remote = peer
		if c.Child == nil {
			continue
		}
		if _, err := c.Child.Recv(buf[:n], nil); err != nil {
			log.WithError(err).Warn("udp: child rejected received datagram")
		}
	}
}

// Recv implements isn.Layer for interface symmetry; datagrams arrive
// asynchronously via Run, not through direct calls to Recv.
func (c *Conn) Recv(src []byte, caller isn.Layer) (int, error) {
	return 0, isn.ErrUnknownProtocol
}

// GetSendBuf reserves up to one datagram's worth of space.
func (c *Conn) GetSendBuf(requested int, caller isn.Layer) ([]byte, error) {
	if c.bufLocked {
		return nil, isn.ErrBufferBusy
	}
	n := requested
	if n > maxDatagram {
		n = maxDatagram
	}
	c.bufLocked = true
	return c.sendBuf[:n], nil
}

// AvailSendBuf reports the usable size without reserving.
func (c *Conn) AvailSendBuf(requested int, caller isn.Layer) (int, error) {
	if c.bufLocked {
		return 0, isn.ErrBufferBusy
	}
	if requested > maxDatagram {
		return maxDatagram, nil
	}
	return requested, nil
}

// Send writes payload as one datagram to the last known peer.
func (c *Conn) Send(payload []byte) (int, error) {
	if !c.bufLocked {
		return 0, isn.ErrNoParent
	}
	c.bufLocked = false
	var (
		n   int
		err error
	)
	if c.remote != nil && c.conn.RemoteAddr() == nil {
		n, err = c.conn.WriteToUDP(payload, c.remote)
	} else {
		n, err = c.conn.Write(payload)
	}
	if err != nil {
		log.WithError(err).Warn("udp: write failed")
		return 0, err
	}
	return n, nil
}

// Free releases a reservation made via GetSendBuf but never sent.
func (c *Conn) Free(ptr []byte) {
	c.bufLocked = false
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
