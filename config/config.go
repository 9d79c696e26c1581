// Package config loads a device's message-table wiring from an .ini
// file, grounded on the teacher's EDS-over-ini object dictionary parser
// (od_parser.go): one section per slot, keyed by a 2-hex-digit slot
// index, with well-known keys inside. The message-descriptor string
// itself is never interpreted here -- it is an opaque blob the host
// application hands to its own handler.
package config

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

var slotSectionName = regexp.MustCompile(`^[0-9A-Fa-f]{2}$`)

// SlotConfig is one [xx] section of the device file: a message-table
// slot's static wiring, independent of its runtime Handler.
type SlotConfig struct {
	Index      int
	Descriptor string
	Priority   int
	Size       int
	FrameMode  string // "short", "compact", "long" or "jumbo"
	CRC        bool
	Timeout    uint32
}

// DeviceConfig is a parsed device descriptor file: one SlotConfig per
// configured slot plus the top-level [device] section.
type DeviceConfig struct {
	Name        string
	FrameMode   string
	CRC         bool
	Timeout     uint32
	ResendEvery uint32

	Slots []SlotConfig
}

// Load parses path (or, per ini.Load's own contract, any of the sources
// it accepts -- filename, []byte, io.Reader) into a DeviceConfig.
func Load(source any) (*DeviceConfig, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	dc := &DeviceConfig{FrameMode: "short"}
	if dev, err := f.GetSection("device"); err == nil {
		dc.Name = dev.Key("Name").String()
		if v := dev.Key("FrameMode").String(); v != "" {
			dc.FrameMode = v
		}
		dc.CRC = dev.Key("CRC").MustBool(false)
		dc.Timeout = uint32(dev.Key("Timeout").MustUint(0))
		dc.ResendEvery = uint32(dev.Key("ResendEvery").MustUint(0))
	}

	for _, section := range f.Sections() {
		name := section.Name()
		if !slotSectionName.MatchString(name) {
			continue
		}
		idx, err := strconv.ParseUint(name, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("config: slot section %q: %w", name, err)
		}
		sc := SlotConfig{
			Index:      int(idx),
			Descriptor: section.Key("Descriptor").String(),
			Priority:   section.Key("Priority").MustInt(0),
			Size:       section.Key("Size").MustInt(0),
			FrameMode:  section.Key("FrameMode").MustString(dc.FrameMode),
			CRC:        section.Key("CRC").MustBool(dc.CRC),
			Timeout:    uint32(section.Key("Timeout").MustUint(uint(dc.Timeout))),
		}
		dc.Slots = append(dc.Slots, sc)
	}
	return dc, nil
}
