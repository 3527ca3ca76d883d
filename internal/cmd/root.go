package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/config"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for pychatcat
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pychatcat",
		Short: "Local-first learning telemetry for the Python learning assistant",
		Long: `Pychatcat records what a learner does in the Python learning assistant
(editing, running, asking the AI tutor, fixing errors) into a local sqlite
store and optionally mirrors it to a remote collector.

These commands inspect, export and follow the locally recorded telemetry.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("db-path", "", "Path to the telemetry database (default: $PYCHATCAT_HOME/learning_analytics.db)")

	cmd.AddCommand(newSessionsCommand())
	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newDemoCommand())

	return cmd
}

// resolveDBPath returns the --db-path override, or the configured database.
func resolveDBPath(cmd *cobra.Command) (string, error) {
	override, _ := cmd.Flags().GetString("db-path")
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.DBPath, nil
}

// openStore opens the telemetry database selected by --db-path.
func openStore(cmd *cobra.Command, opts ...analytics.Option) (*analytics.Store, error) {
	dbPath, err := resolveDBPath(cmd)
	if err != nil {
		return nil, err
	}
	store, err := analytics.NewStore(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry store: %w", err)
	}
	return store, nil
}
