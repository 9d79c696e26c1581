package fanout

import (
	"github.com/sensornet/isn"
	"github.com/sensornet/isn/metrics"
)

// Redirect bridges a Recv into a getsendbuf/send round trip against
// Target. With Target nil, every Recv redirects into caller instead --
// this is how Loopback is built, without a separate implementation.
type Redirect struct {
	Target isn.Layer

	// EnFragment allows forwarding a partial GetSendBuf grant (sending
	// less than was received) instead of dropping the packet outright.
	EnFragment bool

	RetryCount uint32
}

// NewRedirect builds a Redirect bouncing received bytes into target.
func NewRedirect(target isn.Layer, enFragment bool) *Redirect {
	return &Redirect{Target: target, EnFragment: enFragment}
}

// NewLoopback builds a Redirect with no fixed target: every Recv is
// bounced back to its own caller.
func NewLoopback(enFragment bool) *Redirect {
	return &Redirect{EnFragment: enFragment}
}

// Recv implements isn.Receiver.
func (r *Redirect) Recv(src []byte, caller isn.Layer) (int, error) {
	target := r.Target
	if target == nil {
		target = caller
	}
	if target == nil || len(src) == 0 {
		return 0, nil
	}

	buf, err := target.GetSendBuf(len(src), r)
	if err != nil {
		return 0, nil
	}
	if len(buf) < len(src) && !r.EnFragment {
		target.Free(buf)
		r.RetryCount++
		metrics.TxRetries.WithLabelValues("fanout-redirect").Inc()
		return 0, nil
	}
	n := len(buf)
	if n > len(src) {
		n = len(src)
	}
	copy(buf[:n], src[:n])
	sent, err := target.Send(buf[:n])
	if err != nil {
		return 0, err
	}
	return sent, nil
}
