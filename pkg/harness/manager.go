package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/artifacts"
	"github.com/openfroyo/kiln/pkg/cleanup"
	"github.com/openfroyo/kiln/pkg/config"
	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/health"
	"github.com/openfroyo/kiln/pkg/idempotency"
	"github.com/openfroyo/kiln/pkg/isolation"
	"github.com/openfroyo/kiln/pkg/provision"
	"github.com/openfroyo/kiln/pkg/stores"
	"github.com/openfroyo/kiln/pkg/telemetry"
	"github.com/openfroyo/kiln/pkg/volumes"
)

// Version is stamped into traces; overridden at build time.
var Version = "dev"

// Manager wires the harness components together and runs environments.
type Manager struct {
	cfg *config.Config

	isolation *isolation.Manager
	cleanup   *cleanup.Manager
	artifacts *artifacts.Manager
	store     *stores.SQLiteStore
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	runtime   fixture.ContainerRuntime
	engine    idempotency.RecipeEngine
}

// NewManager builds a harness from configuration. The recipe engine may be
// nil when no environment lists recipes.
func NewManager(ctx context.Context, cfg *config.Config, engine idempotency.RecipeEngine) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	if engine == nil && cfg.Idempotency.EngineCommand != "" {
		shellEngine, err := idempotency.NewShellEngine(cfg.Idempotency.EngineCommand)
		if err != nil {
			return nil, err
		}
		engine = shellEngine
	}

	metrics := telemetry.NewMetrics(cfg.Metrics)
	tracer, err := telemetry.NewTracer(cfg.Tracing, Version)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	iso, err := isolation.NewManager(cfg.Isolation, metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	runtime := fixture.NewDockerCLIRuntime()
	art, err := artifacts.NewManager(cfg.Artifacts, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cleanupCfg := cfg.Cleanup
	if cleanupCfg.BaseDir == "" {
		cleanupCfg.BaseDir = cfg.Isolation.BaseDir
	}

	return &Manager{
		cfg:       cfg,
		isolation: iso,
		cleanup:   cleanup.NewManager(cleanupCfg, runtime, store, metrics),
		artifacts: art,
		store:     store,
		metrics:   metrics,
		tracer:    tracer,
		runtime:   runtime,
		engine:    engine,
	}, nil
}

// Metrics exposes the harness metrics registry.
func (m *Manager) Metrics() *telemetry.Metrics { return m.metrics }

// Cleanup exposes the cleanup manager for out-of-band sweeps.
func (m *Manager) Cleanup() *cleanup.Manager { return m.cleanup }

// Artifacts exposes the artifact manager.
func (m *Manager) Artifacts() *artifacts.Manager { return m.artifacts }

// RunEnvironment runs one environment end to end: acquire, build, provision,
// gate on health, validate each recipe, collect artifacts, release. The
// returned result is never nil.
func (m *Manager) RunEnvironment(ctx context.Context, sessionID string, envCfg config.EnvironmentConfig) *RunResult {
	start := time.Now()
	result := &RunResult{Environment: envCfg.Name}
	defer func() { result.Duration = time.Since(start) }()

	handle, err := m.isolation.Acquire(ctx, m.baseOptions(envCfg))
	if err != nil {
		result.Err = err
		return result
	}
	result.InstanceName = handle.InstanceName
	defer func() {
		if err := m.isolation.Release(envCfg.Name); err != nil {
			log.Warn().Err(err).Str("environment", envCfg.Name).Msg("release failed")
		}
	}()

	logger := log.With().
		Str("environment", envCfg.Name).
		Str("instance", handle.InstanceName).
		Str("session", sessionID).
		Logger()

	stateDir := filepath.Join(handle.WorkDir, "state")
	vols := volumes.NewManager(envCfg.Name, handle.WorkDir, stateDir)
	if err := vols.AddStandardSet(m.cfg.RecipesDir); err != nil {
		result.Err = err
		return result
	}

	opts := handle.Options
	opts.Volumes = vols.Volumes()

	env, err := m.buildEnvironment(envCfg, opts)
	if err != nil {
		result.Err = err
		return result
	}
	m.metrics.RecordFixtureCreated(string(envCfg.Kind))
	defer func() {
		// Teardown uses a fresh context so a cancelled run still cleans up.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := env.Teardown(tctx); err != nil {
			logger.Warn().Err(err).Msg("teardown failed")
		}
		m.metrics.RecordFixtureDestroyed(string(envCfg.Kind))
	}()

	checker := health.NewChecker(env, m.cfg.Health).WithMetrics(m.metrics)
	prov, err := provision.NewProvisioner(m.provisionConfig(stateDir), env, checker, vols, m.metrics)
	if err != nil {
		result.Err = err
		return result
	}

	pctx, span := m.tracer.StartEnvironmentSpan(ctx, "provision", envCfg.Name, handle.InstanceName)
	err = prov.ProvisionWithFiles(pctx, envCfg.Recipes)
	telemetry.RecordError(span, err)
	span.End()
	if err != nil {
		result.Err = err
		m.collect(ctx, env, sessionID, result, start)
		return result
	}

	hctx, span := m.tracer.StartEnvironmentSpan(ctx, "health", envCfg.Name, handle.InstanceName)
	result.Health = checker.PerformHealthCheck(hctx)
	span.End()
	if !result.Health.Healthy() {
		result.Err = fixture.NewHealthError(
			fmt.Sprintf("environment unhealthy after provisioning: %s", result.Health.Overall), nil).
			WithEnvironment(envCfg.Name)
		m.collect(ctx, env, sessionID, result, start)
		return result
	}

	if err := m.validate(ctx, env, envCfg, handle, result); err != nil {
		result.Err = err
		m.collect(ctx, env, sessionID, result, start)
		return result
	}

	result.Success = result.FailedValidations() == 0
	m.collect(ctx, env, sessionID, result, start)
	logger.Info().
		Bool("success", result.Success).
		Int("validations", len(result.Validations)).
		Msg("environment run finished")
	return result
}

// validate runs the idempotency protocol for each recipe.
func (m *Manager) validate(ctx context.Context, env fixture.Environment, envCfg config.EnvironmentConfig, handle *isolation.Handle, result *RunResult) error {
	if len(envCfg.Recipes) == 0 {
		return nil
	}
	if m.engine == nil {
		return fixture.NewValidationError("recipes configured but no recipe engine wired", nil).
			WithEnvironment(envCfg.Name)
	}

	validator, err := idempotency.NewValidator(m.cfg.Idempotency, m.engine)
	if err != nil {
		return err
	}

	vctx, span := m.tracer.StartEnvironmentSpan(ctx, "validate", envCfg.Name, handle.InstanceName)
	defer span.End()

	for _, recipe := range envCfg.Recipes {
		vres, err := validator.Validate(vctx, env, recipe, envCfg.Attributes)
		if err != nil {
			telemetry.RecordError(span, err)
			return fixture.NewValidationError("validation did not run", err).
				WithEnvironment(envCfg.Name)
		}
		result.Validations = append(result.Validations, vres)
	}
	telemetry.RecordSuccess(span)
	return nil
}

// collect captures artifacts for the run. Capture failure is logged, not
// fatal; the run's outcome is already decided.
func (m *Manager) collect(ctx context.Context, env fixture.Environment, sessionID string, result *RunResult, start time.Time) {
	cctx, span := m.tracer.StartEnvironmentSpan(ctx, "collect", result.Environment, result.InstanceName)
	defer span.End()

	testResult := &artifacts.TestResult{
		SessionID: sessionID,
		Success:   result.Success,
		Duration:  time.Since(start),
		Output:    m.summarize(result),
	}
	col, err := m.artifacts.Collect(cctx, env, testResult)
	if err != nil {
		telemetry.RecordError(span, err)
		log.Warn().Err(err).Str("environment", result.Environment).Msg("artifact collection failed")
		return
	}
	result.Collection = col
}

// summarize renders the run for the test_output artifact.
func (m *Manager) summarize(result *RunResult) string {
	out := fmt.Sprintf("environment: %s\ninstance: %s\nsuccess: %t\n",
		result.Environment, result.InstanceName, result.Success)
	if result.Err != nil {
		out += fmt.Sprintf("error: %v\n", result.Err)
	}
	for _, v := range result.Validations {
		out += fmt.Sprintf("recipe %s: success=%t errors=%d warnings=%d\n",
			v.Recipe, v.Success(), len(v.Errors), len(v.Warnings))
		for _, e := range v.Errors {
			out += "  error: " + e + "\n"
		}
		for _, w := range v.Warnings {
			out += "  warning: " + w + "\n"
		}
	}
	return out
}

// baseOptions converts an environment config into fixture options for
// acquisition. Slot-specific fields are stamped by the isolation manager.
func (m *Manager) baseOptions(envCfg config.EnvironmentConfig) fixture.Options {
	return fixture.Options{
		Name:         envCfg.Name,
		Kind:         envCfg.Kind,
		Distribution: envCfg.Distribution,
		Image:        envCfg.Image,
		Env:          envCfg.Env,
		SetupTimeout: envCfg.SetupTimeout,
	}
}

// buildEnvironment constructs the fixture for the stamped options.
func (m *Manager) buildEnvironment(envCfg config.EnvironmentConfig, opts fixture.Options) (fixture.Environment, error) {
	switch envCfg.Kind {
	case fixture.KindContainer:
		return fixture.NewContainerEnvironment(opts, m.runtime)
	case fixture.KindVM:
		return fixture.NewVMEnvironment(fixture.VMOptions{
			Options:    opts,
			SSH:        envCfg.VM.SSH,
			SeedDir:    envCfg.VM.SeedDir,
			MemoryMB:   envCfg.VM.MemoryMB,
			CPUs:       envCfg.VM.CPUs,
			QEMUBinary: envCfg.VM.QEMUBinary,
		})
	default:
		return nil, fmt.Errorf("unsupported environment kind %q", envCfg.Kind)
	}
}

// provisionConfig derives the per-environment provisioner config.
func (m *Manager) provisionConfig(stateDir string) provision.Config {
	cfg := m.cfg.Provision
	cfg.StateDir = stateDir
	return cfg
}

// Shutdown tears the harness down after a test session: clean every
// discovered resource, then release the infrastructure via Close.
func (m *Manager) Shutdown(ctx context.Context) error {
	report := m.cleanup.CleanupAll(ctx)
	for _, err := range report.Errors {
		log.Warn().Err(err).Msg("shutdown cleanup error")
	}
	return m.Close(ctx)
}

// Close releases the harness infrastructure without touching environments:
// stop the orphan sweep, close the store, flush traces. Maintenance
// commands that must not clean up anything beyond what they were asked to
// use this instead of Shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.isolation.Shutdown()

	var firstErr error
	if err := m.store.Close(); err != nil {
		firstErr = err
	}
	if err := m.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
