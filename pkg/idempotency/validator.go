package idempotency

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
)

// Config controls which state dimensions validation tracks.
type Config struct {
	// TrackPackages enables installed-package capture.
	TrackPackages bool `yaml:"track_packages"`

	// Services lists services whose active-state is tracked.
	Services []string `yaml:"services"`

	// TrackFiles lists paths whose attributes and content are tracked.
	TrackFiles []string `yaml:"track_files"`

	// TrackProcesses enables the process-histogram capture. A histogram
	// that moves across the second apply fails validation; disable this
	// on images with background churn.
	TrackProcesses bool `yaml:"track_processes"`

	// SkipDryRun disables the final dry-run probe.
	SkipDryRun bool `yaml:"skip_dry_run"`

	// EngineCommand, when set, builds a ShellEngine around this apply
	// command for harnesses with no in-process recipe engine.
	EngineCommand string `yaml:"engine_command"`
}

// DefaultConfig enables the capture dimensions that work on any image.
func DefaultConfig() Config {
	return Config{
		TrackPackages:  true,
		TrackProcesses: true,
	}
}

// Result accumulates the findings of one validation run.
type Result struct {
	// Recipe is the validated recipe path.
	Recipe string

	// Environment names where validation ran.
	Environment string

	// Errors are hard failures. Any entry fails the validation.
	Errors []string

	// Warnings are advisory findings from the dry-run probe.
	Warnings []string

	// FirstApply, SecondApply, and DryRun hold the engine reports for
	// each protocol step that ran.
	FirstApply  *ApplyReport
	SecondApply *ApplyReport
	DryRun      *ApplyReport

	// StateDiff is the structural comparison around the second apply.
	StateDiff *StateDiff
}

// Success reports whether validation passed.
func (r *Result) Success() bool {
	return len(r.Errors) == 0
}

// fail records a hard failure.
func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// warn records an advisory finding.
func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator runs the double-apply protocol against an environment.
type Validator struct {
	config Config
	engine RecipeEngine
}

// NewValidator creates a validator using the given recipe engine.
func NewValidator(config Config, engine RecipeEngine) (*Validator, error) {
	if engine == nil {
		return nil, fmt.Errorf("recipe engine is required")
	}
	return &Validator{config: config, engine: engine}, nil
}

// Validate runs the full protocol: apply, capture, re-apply, capture and
// diff, dry-run probe. A failed first apply aborts the run; later findings
// accumulate on the result. The returned error covers only mechanical
// failures of the engine itself.
func (v *Validator) Validate(ctx context.Context, env fixture.Environment, recipePath string, attrs map[string]string) (*Result, error) {
	result := &Result{Recipe: recipePath, Environment: env.Name()}
	logger := log.With().Str("environment", env.Name()).Str("recipe", recipePath).Logger()

	logger.Info().Msg("idempotency validation: first apply")
	first, err := v.engine.Apply(ctx, env, recipePath, attrs, false)
	if err != nil {
		return nil, fmt.Errorf("first apply failed to run: %w", err)
	}
	result.FirstApply = first
	if first.ExitCode != 0 {
		result.fail("first apply exited with code %d", first.ExitCode)
		return result, nil
	}

	before := v.captureState(ctx, env)

	logger.Info().Msg("idempotency validation: second apply")
	second, err := v.engine.Apply(ctx, env, recipePath, attrs, false)
	if err != nil {
		return nil, fmt.Errorf("second apply failed to run: %w", err)
	}
	result.SecondApply = second
	if second.ExitCode != 0 {
		result.fail("second apply exited with code %d", second.ExitCode)
	}
	for _, change := range reportedChanges(second) {
		result.fail("second apply reported change: %s", changeText(change))
	}

	after := v.captureState(ctx, env)
	diff := diffState(before, after)
	result.StateDiff = diff
	for _, change := range diff.PackageChanges {
		result.fail("state changed across second apply: %s", change)
	}
	for _, change := range diff.ServiceChanges {
		result.fail("state changed across second apply: %s", change)
	}
	for _, change := range diff.FileChanges {
		result.fail("state changed across second apply: %s", change)
	}
	for _, change := range diff.ProcessChanges {
		result.fail("state changed across second apply: %s", change)
	}

	if !v.config.SkipDryRun {
		logger.Info().Msg("idempotency validation: dry-run probe")
		dry, err := v.engine.Apply(ctx, env, recipePath, attrs, true)
		if err != nil {
			return nil, fmt.Errorf("dry-run probe failed to run: %w", err)
		}
		result.DryRun = dry
		for _, change := range reportedChanges(dry) {
			result.warn("dry run would change: %s", changeText(change))
		}
	}

	logger.Info().
		Bool("success", result.Success()).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Msg("idempotency validation finished")
	return result, nil
}

// changeText renders a change record for a finding message.
func changeText(change ChangeRecord) string {
	switch {
	case change.Resource != "" && change.Detail != "":
		return fmt.Sprintf("%s %s (%s)", change.Action, change.Resource, change.Detail)
	case change.Resource != "":
		return fmt.Sprintf("%s %s", change.Action, change.Resource)
	default:
		return fmt.Sprintf("%s: %s", change.Action, change.Detail)
	}
}
