package commands

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kiln/pkg/config"
	"github.com/openfroyo/kiln/pkg/harness"
)

func newDevCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch recipes and re-run the session on changes",
		Long: `Run the test session, then watch the recipes directory and re-run it
whenever a recipe changes. Environments whose recipes are unchanged are
reused from their provisioned state; a changed recipe flips the reuse
checksum and forces that environment to rebuild.`,
		Example: `  # Watch with the default half-second debounce
  kiln dev

  # Calmer loop for editors that save in bursts
  kiln dev --debounce 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RecipesDir == "" {
				return fmt.Errorf("dev mode requires recipes_dir in the config")
			}

			ctx := cmd.Context()
			mgr, err := harness.NewManager(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Shutdown(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown reported errors")
				}
			}()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()
			if err := watchTree(watcher, cfg.RecipesDir); err != nil {
				return err
			}

			runSession(ctx, mgr, cfg)

			var timer *time.Timer
			trigger := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					// New subdirectories need their own watch.
					if event.Op&fsnotify.Create != 0 {
						_ = watchTree(watcher, event.Name)
					}
					log.Info().Str("path", event.Name).Msg("Recipe change detected")
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case trigger <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn().Err(err).Msg("Watcher error")
				case <-trigger:
					runSession(ctx, mgr, cfg)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before re-running")

	return cmd
}

// watchTree adds watches for root and every directory under it.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // watch what exists
		}
		return watcher.Add(path)
	})
}

func runSession(ctx context.Context, mgr *harness.Manager, cfg *config.Config) {
	session := mgr.NewSession(cfg.Environments)
	results := session.Run(ctx)
	for _, r := range results {
		status := "PASS"
		if !r.Success {
			status = "FAIL"
		}
		fmt.Printf("%-6s %s (%s)\n", status, r.Environment, r.Duration.Round(time.Millisecond))
	}
}
