// Package fanout implements the receive-side fan-out/fan-in primitives
// that route a demultiplexed byte stream to one of several children:
// Dispatch (tag-based routing table), Dup (mirrored delivery), Redirect
// (receive-to-send bridge), and Loopback (Redirect back to the caller).
package fanout

import (
	"github.com/gobwas/glob"

	"github.com/sensornet/isn"
)

// Binding pairs a protocol tag with the child that handles it. Mask
// lets a binding match a family of tags at once (e.g. the whole
// Short/Compact frame range), the same way the top-level demux treats
// 0x80..0xFF as one family before the frame layer inspects the rest of
// the header.
//
// Pattern is an alternative to Tag/Mask for bindings authored as text
// (a gateway's routing table loaded from config) rather than a literal
// byte: when set, it is matched via Dispatch's DescriptorOf against a
// human-readable name derived from src instead of against src[0].
type Binding struct {
	Tag     byte
	Mask    byte // 0xFF for an exact match; narrower to match a tag family
	Pattern string
	Child   isn.Receiver

	compiled glob.Glob
}

// Dispatch inspects the first byte of every Recv call and forwards to
// the first Binding whose (tag & mask) matches, or to Other if none do.
// DescriptorOf, if set, is consulted for any Binding with a non-empty
// Pattern, letting a caller route by descriptor name instead of by raw
// tag byte.
type Dispatch struct {
	Bindings     []Binding
	Other        isn.Receiver
	DescriptorOf func(src []byte) string
}

// NewDispatch builds a Dispatch over bindings, falling back to other
// for anything unmatched. A Binding.Pattern that fails to compile as a
// glob is a programmer error and panics, same as an out-of-range
// transport port passed to Bind.
func NewDispatch(other isn.Receiver, bindings ...Binding) *Dispatch {
	for i, b := range bindings {
		if b.Pattern == "" {
			continue
		}
		g, err := glob.Compile(b.Pattern)
		if err != nil {
			panic("fanout: invalid dispatch pattern " + b.Pattern + ": " + err.Error())
		}
		bindings[i].compiled = g
	}
	return &Dispatch{Bindings: bindings, Other: other}
}

// Recv implements isn.Receiver. An empty src matches nothing and is
// handed whole to Other, if any.
func (d *Dispatch) Recv(src []byte, caller isn.Layer) (int, error) {
	if len(src) == 0 {
		if d.Other != nil {
			return d.Other.Recv(src, caller)
		}
		return 0, nil
	}
	tag := src[0]
	var name string
	haveName := false
	for _, b := range d.Bindings {
		if b.Child == nil {
			continue
		}
		if b.compiled != nil {
			if d.DescriptorOf == nil {
				continue
			}
			if !haveName {
				name = d.DescriptorOf(src)
				haveName = true
			}
			if b.compiled.Match(name) {
				return b.Child.Recv(src, caller)
			}
			continue
		}
		if tag&b.Mask == b.Tag&b.Mask {
			return b.Child.Recv(src, caller)
		}
	}
	if d.Other != nil {
		return d.Other.Recv(src, caller)
	}
	// No match and nothing to fall back to: ack-and-discard per the
	// adopted Dispatch behaviour (newer source revision), rather than
	// holding the bytes for a retry that will never resolve.
	return len(src), nil
}
