package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kiln/pkg/cleanup"
	"github.com/openfroyo/kiln/pkg/harness"
)

func newCleanupCommand() *cobra.Command {
	var (
		all       bool
		emergency bool
		olderThan time.Duration
		envName   string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up test environments and their on-disk state",
		Long: `Discover environments from the filesystem and runtime, independent of
any running harness, and tear them down. Without flags only resources
older than the configured maximum age are removed.`,
		Example: `  # Remove stale resources only
  kiln cleanup

  # Remove everything
  kiln cleanup --all

  # Remove resources older than two hours
  kiln cleanup --older-than 2h

  # One environment's resources
  kiln cleanup --env debian-12

  # Host is out of disk
  kiln cleanup --emergency`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			mgr, err := harness.NewManager(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close(ctx) }()
			cleaner := mgr.Cleanup()

			var report *cleanup.Report
			switch {
			case emergency:
				report = cleaner.EmergencyCleanup(ctx)
			case all:
				report = cleaner.CleanupAll(ctx)
			case envName != "":
				report = cleaner.CleanupEnvironment(ctx, envName)
			case olderThan > 0:
				report = cleaner.CleanupOlderThan(ctx, olderThan)
			default:
				report = cleaner.CleanupStale(ctx)
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every discovered resource")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "aggressive cleanup for a full disk")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove resources older than this")
	cmd.Flags().StringVar(&envName, "env", "", "remove one environment's resources")

	return cmd
}

func printReport(report *cleanup.Report) {
	fmt.Printf("removed %d resource(s), freed %s\n",
		len(report.Removed), humanize.IBytes(uint64(report.BytesFreed)))
	for _, err := range report.Errors {
		fmt.Printf("  error: %v\n", err)
	}
}
