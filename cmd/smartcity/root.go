package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/smartcity-telemetry/internal/config"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

type appKeyType string

const appKey appKeyType = "app"

// loadConfig and newLogger are variables so tests can run commands without config files or
// production logging.
var (
	loadConfig = config.Load
	newLogger  = observability.NewLogger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smartcity",
		Short: "Smart-city environmental telemetry pipeline",
		Long: `smartcity ingests weather and air-quality telemetry for one city into a keyed
store and blob snapshots, and serves the recent history to the dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand. The app is built here so each subcommand starts from the
		// same config and logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cmd.Name())
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			a := newApp(cfg, logger)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.AddCommand(newServeCmd(), newIngestCmd(), newImportCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// closeApp releases backends and flushes the logger. Subcommands defer it because cobra skips
// post-run hooks when RunE fails.
func closeApp(a *app) {
	a.Close()
	_ = observability.Flush(a.logger)
}
