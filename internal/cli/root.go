// Package cli defines the provsight-agent command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "provsight-agent",
	Short: "ProvSight provisioning telemetry agent",
	Long: `provsight-agent watches a machine-provisioning session on this host,
correlates log, event-log, progress-state and resource signals into one
enrollment timeline, and ships it reliably to the ProvSight collector.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/provsight/config.yaml)")
}
