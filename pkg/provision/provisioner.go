// Package provision drives an environment through setup, decides whether an
// existing environment can be reused (checksum match plus a live health
// check) or must be rebuilt, and manages point-in-time snapshots. All
// cross-process coordination happens through the state directory: a file
// lock with staleness override and an overwritten latest-state record.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/health"
	"github.com/openfroyo/kiln/pkg/telemetry"
	"github.com/openfroyo/kiln/pkg/volumes"
)

// Config configures a Provisioner.
type Config struct {
	// StateDir holds the lock, state record, and volume record for one
	// environment.
	StateDir string `yaml:"state_dir" validate:"required"`

	// Freshness is how long a persisted state record stays valid. State
	// older than this is always treated as invalid and forces a rebuild.
	Freshness time.Duration `yaml:"freshness"`

	// LockStaleness is the abandoned-lock override window.
	LockStaleness time.Duration `yaml:"lock_staleness"`

	// ReadyWait bounds the post-setup readiness wait.
	ReadyWait time.Duration `yaml:"ready_wait"`

	// ReadyInterval is the readiness polling interval.
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// DefaultConfig returns provisioning defaults.
func DefaultConfig() Config {
	return Config{
		Freshness:     24 * time.Hour,
		LockStaleness: DefaultLockStaleness,
		ReadyWait:     5 * time.Minute,
		ReadyInterval: 3 * time.Second,
	}
}

// Provisioner provisions one environment.
type Provisioner struct {
	config  Config
	env     fixture.Environment
	checker *health.Checker
	vols    *volumes.Manager
	metrics *telemetry.Metrics
	lock    *StateLock
}

// NewProvisioner creates a provisioner for the environment. The volume
// manager may be nil when the environment's mounts are fully described by
// its options.
func NewProvisioner(cfg Config, env fixture.Environment, checker *health.Checker, vols *volumes.Manager, metrics *telemetry.Metrics) (*Provisioner, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("provisioner requires a state directory")
	}
	if env == nil {
		return nil, fmt.Errorf("provisioner requires an environment")
	}
	if checker == nil {
		return nil, fmt.Errorf("provisioner requires a health checker")
	}
	if cfg.Freshness == 0 {
		cfg.Freshness = DefaultConfig().Freshness
	}
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = DefaultConfig().ReadyWait
	}
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = DefaultConfig().ReadyInterval
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}

	return &Provisioner{
		config:  cfg,
		env:     env,
		checker: checker,
		vols:    vols,
		metrics: metrics,
		lock:    NewStateLock(cfg.StateDir, cfg.LockStaleness),
	}, nil
}

// Provision brings the environment to a configured, ready state without
// recipe files contributing to the reuse decision.
func (p *Provisioner) Provision(ctx context.Context) error {
	return p.provision(ctx, nil)
}

// ProvisionWithFiles additionally hashes each recipe file's content into the
// reuse checksum, so a changed recipe always forces a rebuild even when all
// other options are unchanged.
func (p *Provisioner) ProvisionWithFiles(ctx context.Context, recipePaths []string) error {
	return p.provision(ctx, recipePaths)
}

// provision is the shared implementation: lock, reuse decision, then either
// the cheap restore path or a full rebuild. A failure here is fatal to this
// attempt; retry policy belongs to the caller, which must build a fresh
// environment instance.
func (p *Provisioner) provision(ctx context.Context, recipePaths []string) error {
	start := time.Now()

	if err := p.lock.Acquire(ctx); err != nil {
		return fixture.NewSetupError("provision lock not acquired", err).
			WithEnvironment(p.env.Name())
	}
	defer p.lock.Release()

	persisted, err := loadState(p.config.StateDir)
	if err != nil {
		// A corrupt record is not fatal; treat it as no state and rebuild.
		log.Warn().Err(err).Msg("discarding unreadable provision state")
		persisted = nil
	}

	checksum, err := checksumInputs(string(p.env.Kind()), p.envOptions(), p.config, recipePaths)
	if err != nil {
		return fixture.NewSetupError("failed to compute reuse checksum", err).
			WithEnvironment(p.env.Name())
	}

	if p.canReuse(ctx, persisted, checksum) {
		if err := p.restore(ctx); err != nil {
			return err
		}
		p.metrics.RecordProvision("reused", time.Since(start))
		log.Info().
			Str("environment", p.env.Name()).
			Str("checksum", checksum[:12]).
			Msg("reusing provisioned environment")
		return nil
	}

	if err := p.rebuild(ctx); err != nil {
		p.metrics.RecordProvision("failed", time.Since(start))
		return err
	}

	if err := saveState(p.config.StateDir, &State{
		Checksum:      checksum,
		ProvisionedAt: time.Now().UTC(),
	}); err != nil {
		return fixture.NewSetupError("provisioned but state not persisted", err).
			WithEnvironment(p.env.Name())
	}

	p.metrics.RecordProvision("rebuilt", time.Since(start))
	return nil
}

// envOptions describes the environment for checksum purposes.
func (p *Provisioner) envOptions() map[string]any {
	opts := map[string]any{
		"name":         p.env.Name(),
		"kind":         string(p.env.Kind()),
		"distribution": p.env.Distribution(),
	}
	if p.vols != nil {
		opts["volumes"] = p.vols.Volumes()
	}
	return opts
}

// canReuse decides whether the existing environment can serve this run: the
// persisted checksum must match, the record must be fresh, and the
// environment must still report ready and pass a health check.
func (p *Provisioner) canReuse(ctx context.Context, persisted *State, checksum string) bool {
	if persisted == nil || persisted.Checksum != checksum {
		return false
	}
	if time.Since(persisted.ProvisionedAt) > p.config.Freshness {
		log.Debug().
			Str("environment", p.env.Name()).
			Time("provisioned_at", persisted.ProvisionedAt).
			Msg("provision state exceeded freshness window")
		return false
	}
	if !p.env.IsReady() {
		return false
	}
	result := p.checker.PerformHealthCheck(ctx)
	return result.Healthy()
}

// restore is the cheap reuse path: reload volume state so managed mounts are
// reconciled; the fixture itself is untouched.
func (p *Provisioner) restore(ctx context.Context) error {
	if p.vols != nil {
		if err := p.vols.Load(); err != nil {
			return fixture.NewSetupError("failed to restore volume state", err).
				WithEnvironment(p.env.Name())
		}
	}
	return nil
}

// rebuild tears down any existing fixture, clears snapshots, re-applies the
// configuration, runs setup, and gates success on readiness plus a passing
// health check.
func (p *Provisioner) rebuild(ctx context.Context) error {
	if err := p.env.Teardown(ctx); err != nil {
		log.Warn().
			Str("environment", p.env.Name()).
			Err(err).
			Msg("teardown of stale environment failed, continuing rebuild")
	}
	if err := fixture.SnapshotterFor(p.env).ClearSnapshots(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear snapshots before rebuild")
	}

	if p.vols != nil {
		if err := p.vols.Save(); err != nil {
			return fixture.NewSetupError("failed to persist volume state", err).
				WithEnvironment(p.env.Name())
		}
	}

	if err := p.env.Setup(ctx); err != nil {
		return fixture.NewSetupError("environment setup failed", err).
			WithEnvironment(p.env.Name())
	}

	if !p.checker.WaitForReady(ctx, p.config.ReadyWait, p.config.ReadyInterval) {
		return fixture.NewSetupError(
			fmt.Sprintf("environment not ready within %s", p.config.ReadyWait), nil).
			WithEnvironment(p.env.Name())
	}

	result := p.checker.PerformHealthCheck(ctx)
	if !result.Healthy() {
		return fixture.NewHealthError(
			fmt.Sprintf("post-setup health check reported %s", result.Overall), nil).
			WithEnvironment(p.env.Name())
	}

	log.Info().Str("environment", p.env.Name()).Msg("environment rebuilt and healthy")
	return nil
}

// Cleanup tears the environment down and removes the provisioning state so
// the next provision starts from scratch.
func (p *Provisioner) Cleanup(ctx context.Context) error {
	var firstErr error
	if err := p.env.Teardown(ctx); err != nil {
		firstErr = err
	}
	if p.vols != nil {
		if err := p.vols.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := removeState(p.config.StateDir); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fixture.NewCleanupError("provision cleanup incomplete", firstErr).
			WithEnvironment(p.env.Name())
	}
	return nil
}

// CreateSnapshot records a named point-in-time snapshot and indexes it in
// the state record. Environments without snapshot support succeed as no-ops.
func (p *Provisioner) CreateSnapshot(ctx context.Context, name string) error {
	if err := fixture.SnapshotterFor(p.env).CreateSnapshot(ctx, name); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", name, err)
	}

	persisted, err := loadState(p.config.StateDir)
	if err != nil || persisted == nil {
		persisted = &State{}
	}
	for _, existing := range persisted.Snapshots {
		if existing == name {
			return nil
		}
	}
	persisted.Snapshots = append(persisted.Snapshots, name)
	return saveState(p.config.StateDir, persisted)
}

// RestoreSnapshot rolls the environment back to a named snapshot.
func (p *Provisioner) RestoreSnapshot(ctx context.Context, name string) error {
	persisted, err := loadState(p.config.StateDir)
	if err != nil {
		return err
	}
	known := false
	if persisted != nil {
		for _, s := range persisted.Snapshots {
			if s == name {
				known = true
				break
			}
		}
	}
	if !known {
		return fmt.Errorf("unknown snapshot %q", name)
	}
	return fixture.SnapshotterFor(p.env).RestoreSnapshot(ctx, name)
}
