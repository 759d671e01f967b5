package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/stepflow"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)
			ctx := cmd.Context()

			st, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("%w: %w", stepflow.ErrMigrationFailed, err)
			}
			logger.Info("migrations applied", slog.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(flags *globalFlags) (stepflow.Config, error) {
	cfg, err := stepflow.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}
