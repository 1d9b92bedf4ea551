package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/backtesting-org/channel-settlement/internal/config"
)

// NewRootCmd creates the settler command tree
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "settler",
		Short:         "Payment channel client and trade settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	load := func() (*config.Config, error) {
		return config.LoadConfig(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newBalancesCmd(load),
		newSessionsCmd(load),
		newKeygenCmd(),
	)
	return rootCmd
}

// Execute runs the CLI and exits non-zero on error
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
