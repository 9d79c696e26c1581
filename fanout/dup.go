package fanout

import (
	"github.com/sensornet/isn"
	"github.com/sensornet/isn/metrics"
)

// Dup delivers every Recv to both A and B, with no buffering to align
// them if they consume different amounts.
type Dup struct {
	A, B isn.Receiver

	DupErrors uint32
}

// NewDup wires a and b as the two mirrored recipients.
func NewDup(a, b isn.Receiver) *Dup {
	return &Dup{A: a, B: b}
}

// Recv implements isn.Receiver, returning max(consumedA, consumedB).
func (d *Dup) Recv(src []byte, caller isn.Layer) (int, error) {
	var na, nb int
	var erra, errb error
	if d.A != nil {
		na, erra = d.A.Recv(src, caller)
	}
	if d.B != nil {
		nb, errb = d.B.Recv(src, caller)
	}
	if na != nb {
		d.DupErrors++
		metrics.DupErrors.WithLabelValues("fanout-dup").Inc()
	}
	if erra != nil {
		return na, erra
	}
	if errb != nil {
		return nb, errb
	}
	if na > nb {
		return na, nil
	}
	return nb, nil
}
