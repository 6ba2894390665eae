package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provsight-systems/provsight-agent/internal/agent"
	"github.com/provsight-systems/provsight-agent/internal/config"
	"github.com/provsight-systems/provsight-agent/internal/logging"
)

var (
	logLevel string
	runOnce  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring the provisioning session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		log := logging.New(logging.ParseLevel(level), cfg.Logging.Format)

		a, err := agent.New(cfg, log)
		if err != nil {
			return fmt.Errorf("initialize agent: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runOnce {
			return a.Once(ctx)
		}
		return a.Run(ctx)
	},
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single collection pass and upload cycle, then exit")
	rootCmd.AddCommand(runCmd)
}
