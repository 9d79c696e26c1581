package main

import (
	"fmt"
	"log/slog"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sensornet/isn"
	"github.com/sensornet/isn/adapter/serial"
	"github.com/sensornet/isn/adapter/socketcan"
	"github.com/sensornet/isn/adapter/udp"
	"github.com/sensornet/isn/clock"
	"github.com/sensornet/isn/config"
	"github.com/sensornet/isn/frame"
	"github.com/sensornet/isn/message"
	"github.com/sensornet/isn/transport"
)

// stack bundles the layers a subcommand needs: the message table to
// post queries/updates against, and the clock/ticker driving resends.
type stack struct {
	clock *clock.Clock
	tbl   *message.Table
	close func() error
}

// runner abstracts the three adapters behind the single method host.go
// needs: start delivering bytes to recv in the background.
type runner interface {
	isn.Layer
	Run() error
}

func openAdapter(iface, target string, recv isn.Receiver) (runner, error) {
	switch iface {
	case "can":
		bus, err := socketcan.Open(target, 0x100, recv)
		if err != nil {
			return nil, err
		}
		bus.Child = recv
		return bus, nil
	case "udp":
		conn, err := udp.Listen(target, recv)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "serial":
		port, err := serial.Open(target, 115200, recv)
		if err != nil {
			return nil, err
		}
		return port, nil
	default:
		return nil, fmt.Errorf("unknown interface %q (want can, udp or serial)", iface)
	}
}

// buildStack wires adapter -> frame -> transport -> message for one
// peer, per cfg. port 0 on the Short transport is reserved for the
// message table; additional slots may bind other ports for raw USER
// traffic, but isn-host only exercises the message path.
func buildStack(cfg *config.DeviceConfig, iface, target string) (*stack, error) {
	clk := clock.New(time.Second)
	logger := slog.Default()

	tbl := message.NewTable(nil, clk.Now, logger)
	tbl.ResendTimeout = cfg.ResendEvery
	tbl.Backoff = nil // a fixed ResendTimeout is enough for the reference host

	for _, s := range cfg.Slots {
		idx := s.Index
		size := s.Size
		tbl.Configure(idx, message.Slot{
			Descriptor: s.Descriptor,
			Size:       size,
			Handler: func(arg []byte) ([]byte, bool) {
				log.WithFields(log.Fields{"slot": idx, "bytes": len(arg)}).Debug("isn-host: slot handler invoked")
				return nil, false
			},
		})
		// a configured Priority schedules an initial send at that
		// priority; Clear (the zero value) is a no-op, so unconfigured
		// slots are unaffected.
		tbl.Send(idx, s.Priority)
	}

	trans := transport.NewShort(nil, logger)

	var fr isn.Layer
	if cfg.CRC {
		fr = frame.NewCompact(nil, trans, nil, clk.Now, cfg.Timeout, logger)
	} else {
		fr = frame.NewShort(nil, trans, nil, clk.Now, cfg.Timeout, logger)
	}

	a, err := openAdapter(iface, target, fr)
	if err != nil {
		return nil, err
	}
	setParent(fr, a)
	trans.Parent = fr
	trans.Bind(0, tbl)
	tbl.Parent = trans

	go func() {
		if err := a.Run(); err != nil {
			log.WithError(err).Error("isn-host: adapter stopped")
		}
	}()

	closeFn := func() error { return nil }
	if c, ok := a.(interface{ Close() error }); ok {
		closeFn = c.Close
	}

	return &stack{clock: clk, tbl: tbl, close: closeFn}, nil
}

// setParent rewires fr's Parent field to a now that the adapter exists;
// frame.Short and frame.Long both expose an exported Parent field, so a
// type switch here keeps buildStack from needing two near-identical
// copies of the wiring above.
func setParent(fr isn.Layer, parent isn.Layer) {
	switch v := fr.(type) {
	case *frame.Short:
		v.Parent = parent
	case *frame.Long:
		v.Parent = parent
	}
}
