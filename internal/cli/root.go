// Package cli implements coordinatord's command-line interface: starting
// the coordinator daemon and querying a running session over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "coordinator.toml", "path to the coordinator's TOML config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8780", "coordinator API base URL, for session subcommands")
}

var (
	configPath string
	apiAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "coordinatord",
	Short: "Distributed training coordinator",
	Long: `coordinatord runs the round-based coordinator for data-parallel
SGD across a dynamic pool of worker nodes: node registry, network quality
monitoring, adaptive batch sizing, node selection, gradient aggregation,
and reward distribution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
