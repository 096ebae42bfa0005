package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kiln/pkg/config"
	"github.com/openfroyo/kiln/pkg/harness"
)

func newTestCommand() *cobra.Command {
	var envFilter []string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a test session over the configured environments",
		Long: `Run every configured environment through the full pipeline: acquire
resources, build the fixture, provision (reusing a matching environment
when possible), gate on health, validate each recipe for idempotency,
and collect artifacts.

Environments run concurrently up to the configured slot limit. The exit
code is non-zero when any environment fails.`,
		Example: `  # Run all environments from kiln.yaml
  kiln test

  # Run a subset
  kiln test --env debian-12 --env rocky-9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			environments := cfg.Environments
			if len(envFilter) > 0 {
				environments = filterEnvironments(environments, envFilter)
			}
			if len(environments) == 0 {
				return fmt.Errorf("no environments to run")
			}

			ctx := cmd.Context()
			mgr, err := harness.NewManager(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown reported errors")
				}
			}()

			mgr.Metrics().StartServer()

			session := mgr.NewSession(environments)
			results := session.Run(ctx)

			failed := 0
			for _, r := range results {
				status := "PASS"
				if !r.Success {
					status = "FAIL"
					failed++
				}
				fmt.Printf("%-6s %-20s instance=%s validations=%d duration=%s\n",
					status, r.Environment, r.InstanceName, len(r.Validations), r.Duration.Round(time.Millisecond))
				if r.Err != nil {
					fmt.Printf("       error: %v\n", r.Err)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d environments failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&envFilter, "env", nil, "run only these environments (repeatable)")

	return cmd
}

func filterEnvironments(all []config.EnvironmentConfig, names []string) []config.EnvironmentConfig {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []config.EnvironmentConfig
	for _, env := range all {
		if wanted[env.Name] {
			out = append(out, env)
		}
	}
	return out
}
