package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sensornet/isn/config"
	"github.com/sensornet/isn/message"
)

var sendArgs struct {
	configPath string
	iface      string
	target     string
	slot       int
	hexPayload string
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Push one slot's value to the peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend()
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendArgs.configPath, "config", "c", "", "device .ini config path (required)")
	sendCmd.Flags().StringVar(&sendArgs.iface, "iface", "udp", "adapter kind: can, udp or serial")
	sendCmd.Flags().StringVar(&sendArgs.target, "target", ":9000", "adapter target (interface name, addr, or device path)")
	sendCmd.Flags().IntVar(&sendArgs.slot, "slot", -1, "slot index to update (required)")
	sendCmd.Flags().StringVar(&sendArgs.hexPayload, "data", "", "payload as hex, e.g. deadbeef")
	sendCmd.MarkFlagRequired("config")
	sendCmd.MarkFlagRequired("slot")
}

func runSend() error {
	payload, err := hex.DecodeString(sendArgs.hexPayload)
	if err != nil {
		return fmt.Errorf("decoding --data: %w", err)
	}

	f, err := os.Open(sendArgs.configPath)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	cfg, err := config.Load(f)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var descriptor string
	found := false
	for _, s := range cfg.Slots {
		if s.Index == sendArgs.slot {
			descriptor = s.Descriptor
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("slot %d is not present in %s", sendArgs.slot, sendArgs.configPath)
	}

	st, err := buildStack(cfg, sendArgs.iface, sendArgs.target)
	if err != nil {
		return fmt.Errorf("building stack: %w", err)
	}

	sent := false
	st.tbl.Configure(sendArgs.slot, message.Slot{
		Descriptor: descriptor,
		Size:       len(payload),
		Handler: func(arg []byte) ([]byte, bool) {
			if sent {
				return nil, false
			}
			sent = true
			return payload, true
		},
	})
	st.tbl.Send(sendArgs.slot, message.Highest)

	log.WithFields(log.Fields{"slot": sendArgs.slot, "descriptor": descriptor, "bytes": len(payload)}).Info("isn-host: sending update")

	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !sent && time.Now().Before(deadline) {
		<-ticker.C
		st.clock.Advance(1)
		st.tbl.Sched()
	}
	if !sent {
		return fmt.Errorf("timed out before slot %d could be sent", sendArgs.slot)
	}
	fmt.Println("sent")
	return st.close()
}
