package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kiln/pkg/harness"
	"github.com/openfroyo/kiln/pkg/stores"
)

func newArtifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect and manage collected artifacts",
	}

	cmd.AddCommand(newArtifactsListCommand())
	cmd.AddCommand(newArtifactsCompareCommand())
	cmd.AddCommand(newArtifactsGCCommand())

	return cmd
}

func newArtifactsListCommand() *cobra.Command {
	var (
		envName   string
		sessionID string
		failed    bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collected artifact sets",
		Example: `  # Recent collections
  kiln artifacts list

  # Failures from one environment
  kiln artifacts list --env debian-12 --failed`,
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

			filter := stores.CollectionFilter{
				Environment: envName,
				SessionID:   sessionID,
				Limit:       limit,
			}
			if failed {
				f := false
				filter.Success = &f
			}

			cols, err := mgr.Artifacts().Search(ctx, filter)
			if err != nil {
				return err
			}

			for _, col := range cols {
				status := "pass"
				if !col.Success {
					status = "fail"
				}
				fmt.Printf("%s  %-20s %-4s %8s  %s\n",
					col.CreatedAt.Format(time.RFC3339), col.Environment, status,
					humanize.IBytes(uint64(col.SizeBytes)), col.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "filter by environment")
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session")
	cmd.Flags().BoolVar(&failed, "failed", false, "failures only")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")

	return cmd
}

func newArtifactsCompareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <id1> <id2>",
		Short: "Compare two artifact collections",
		Args:  cobra.ExactArgs(2),
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

			diff, err := mgr.Artifacts().Compare(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Printf("duration delta: %s\n", diff.DurationDelta)
			fmt.Printf("size delta:     %+d bytes\n", diff.SizeDelta)
			fmt.Printf("success flip:   %t\n", diff.SuccessChanged)
			if len(diff.OnlyInFirst) > 0 {
				fmt.Printf("only in first:  %v\n", diff.OnlyInFirst)
			}
			if len(diff.OnlyInSecond) > 0 {
				fmt.Printf("only in second: %v\n", diff.OnlyInSecond)
			}
			return nil
		},
	}
	return cmd
}

func newArtifactsGCCommand() *cobra.Command {
	var limitBytes int64

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Enforce the artifact storage limit",
		Long: `Delete the oldest artifact collections until the repository is back
under the storage limit. Stops at the boundary; a collection that would
bring usage under the limit is the last one removed.`,
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

			limit := limitBytes
			if limit == 0 {
				limit = cfg.Artifacts.MaxTotalBytes
			}
			if limit == 0 {
				return fmt.Errorf("no storage limit configured; pass --limit-bytes")
			}

			removed, freed, err := mgr.Artifacts().EnforceStorageLimit(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d collection(s), freed %s\n", removed, humanize.IBytes(uint64(freed)))
			return nil
		},
	}

	cmd.Flags().Int64Var(&limitBytes, "limit-bytes", 0, "override the configured storage limit")

	return cmd
}
