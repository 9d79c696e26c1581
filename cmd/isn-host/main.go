// Command isn-host is an example host-side process wiring the network,
// frame, transport and message layers together over a chosen physical
// adapter. It exists to exercise the stack end to end, the way the
// teacher's cmd/canopen ties together BusManager, Node and a socketcan
// driver behind a handful of flags.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootArgs struct {
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "isn-host",
	Short: "Reference host process for the ISN layered protocol stack",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := log.ParseLevel(rootArgs.logLevel)
		if err != nil {
			level = log.InfoLevel
		}
		log.SetLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
