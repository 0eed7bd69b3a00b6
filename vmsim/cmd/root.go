// Package cmd provides the command-line interface of vmsim.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/vmsim/config"
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "vmsim",
		Short: "vmsim simulates demand-paged virtual memory with an " +
			"inverted page table, a software TLB and swap.",
		Long: `vmsim simulates demand-paged virtual memory with an ` +
			`inverted page table, a software TLB and swap. It builds ` +
			`executables, runs workloads on a simulated machine, and ` +
			`compares runs with different amounts of memory.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "",
		"Machine configuration file (TOML)")

	rootCmd.AddCommand(newMkImageCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSweepCmd())

	return rootCmd
}

// Execute runs the command line. Recorders registered with atexit are
// flushed before the process exits with an error.
func Execute() {
	err := newRootCmd().Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadConfig reads the configuration named by the --config flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}

	return config.Load(path)
}

// newLogger creates the logger of a run at the configured level.
func newLogger(cfg config.Config) (*logrus.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})

	return logger, nil
}
