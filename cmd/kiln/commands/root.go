package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/kiln/pkg/config"
	"github.com/openfroyo/kiln/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln - disposable test environment orchestrator",
		Long: `Kiln runs configuration recipes against disposable container and VM
environments, validates that they are idempotent, and collects diagnostic
artifacts from failures.

Features:
  - Concurrent environments with exclusive slots, ports, and work dirs
  - Crash-safe provisioning with checksum-based environment reuse
  - Multi-dimensional health checks with readiness gating
  - Double-apply idempotency validation
  - Age- and quota-based cleanup that survives crashed runs`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kiln.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newArtifactsCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// loadConfig reads the config file and installs the configured logger.
// The --verbose flag overrides the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger.InstallGlobal()

	return cfg, nil
}
