package isn

import "errors"

// Sentinel errors returned across layer boundaries. Per the error
// handling model, nothing here propagates as a panic: every layer
// reports failure to its caller by return value, reserving panics for
// programmer errors caught at wiring time (see user.New,
// fanout.NewDispatch and the transport Bind methods).
var (
	ErrBufferBusy      = errors.New("isn: a send buffer is already outstanding on this layer")
	ErrBufferShort     = errors.New("isn: requested size is not available")
	ErrShortRead       = errors.New("isn: source buffer shorter than expected by this layer")
	ErrCRCMismatch     = errors.New("isn: crc trailer does not match payload")
	ErrFrameTimeout    = errors.New("isn: frame abandoned after idle timeout")
	ErrFrameTooLarge   = errors.New("isn: payload exceeds this frame variant's maximum size")
	ErrQueueFull       = errors.New("isn: reactor queue is at capacity")
	ErrUnknownProtocol = errors.New("isn: unrecognized protocol tag")
	ErrSlotNotFound    = errors.New("isn: no matching slot in message table")
	ErrNoParent        = errors.New("isn: layer has no parent to forward to")
)
