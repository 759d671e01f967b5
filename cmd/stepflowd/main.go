// Command stepflowd runs the stepflow workflow engine: the Control API,
// the DWP worker endpoint, the in-process worker pool and the cron
// scheduler, over the configured store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "stepflowd",
		Short:         "Durable workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("STEPFLOW_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newValidateCmd(),
		newMigrateCmd(flags),
	)
	return root
}
