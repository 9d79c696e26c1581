package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sensornet/isn/config"
)

var serveArgs struct {
	configPath string
	iface      string
	target     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host process against one peer until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveArgs.configPath, "config", "c", "", "device .ini config path (required)")
	serveCmd.Flags().StringVar(&serveArgs.iface, "iface", "udp", "adapter kind: can, udp or serial")
	serveCmd.Flags().StringVar(&serveArgs.target, "target", ":9000", "adapter target (interface name, addr, or device path)")
	serveCmd.MarkFlagRequired("config")
}

func runServe() error {
	f, err := os.Open(serveArgs.configPath)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	cfg, err := config.Load(f)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := buildStack(cfg, serveArgs.iface, serveArgs.target)
	if err != nil {
		return fmt.Errorf("building stack: %w", err)
	}

	log.WithFields(log.Fields{
		"device": cfg.Name,
		"iface":  serveArgs.iface,
		"target": serveArgs.target,
		"slots":  len(cfg.Slots),
	}).Info("isn-host: serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			log.Info("isn-host: shutting down")
			return st.close()
		case <-ticker.C:
			st.clock.Advance(1)
			st.tbl.Sched()
			st.tbl.ResendQueries(st.tbl.ResendTimeout)
		}
	}
}
