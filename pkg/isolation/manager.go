package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/telemetry"
)

// WorkDirPrefix is the naming convention for environment work directories.
// The cleanup manager discovers orphans by this prefix, so it must stay in
// sync with cleanup discovery.
const WorkDirPrefix = "kiln-"

// Config configures an isolation Manager.
type Config struct {
	// MaxConcurrent bounds how many environments run at once.
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1"`

	// PortRangeStart/End define the shared free-port pool, inclusive.
	PortRangeStart int `yaml:"port_range_start" validate:"min=1024,max=65535"`
	PortRangeEnd   int `yaml:"port_range_end" validate:"min=1024,max=65535"`

	// PortsPerEnvironment is how many ports each acquisition draws.
	PortsPerEnvironment int `yaml:"ports_per_environment" validate:"min=1"`

	// BaseDir is where per-environment work directories are created.
	BaseDir string `yaml:"base_dir" validate:"required"`

	// AcquireTimeout bounds how long Acquire blocks for a free slot.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// EnableNetns creates a network namespace per slot (Linux, root only).
	EnableNetns bool `yaml:"enable_netns"`

	// SweepInterval is how often the orphan sweep runs. Zero disables it.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns a config for a typical workstation.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       4,
		PortRangeStart:      42000,
		PortRangeEnd:        42199,
		PortsPerEnvironment: 3,
		BaseDir:             filepath.Join(os.TempDir(), "kiln"),
		AcquireTimeout:      5 * time.Minute,
		SweepInterval:       10 * time.Minute,
	}
}

// Handle is the bundle of resources owned by one acquired environment.
type Handle struct {
	// Name is the logical environment name used as the registry key.
	Name string

	// InstanceName is the globally unique name for this acquisition.
	InstanceName string

	// Slot is the exclusive concurrency ticket in [1, MaxConcurrent].
	Slot int

	// Ports are the host ports drawn from the shared pool.
	Ports []int

	// WorkDir is the dedicated work directory.
	WorkDir string

	// NetnsName is the network namespace, when namespaces are enabled.
	NetnsName string

	// Options are the environment options stamped with the slot-specific
	// instance name, ports, and work directory.
	Options fixture.Options

	// AcquiredAt is when the acquisition completed.
	AcquiredAt time.Time
}

// Manager owns the slot table and free-port pool. All bookkeeping happens
// under one mutex so slot and port state can never race.
type Manager struct {
	config  Config
	metrics *telemetry.Metrics

	mu   sync.Mutex
	cond *sync.Cond

	// slots maps slot ID to the owning environment name.
	slots map[int]string

	// handles maps environment name to its resource bundle.
	handles map[string]*Handle

	// freePorts is the pool of unallocated ports, kept sorted.
	freePorts []int

	closed    bool
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates an isolation manager and fills the port pool.
func NewManager(cfg Config, metrics *telemetry.Metrics) (*Manager, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be at least 1")
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		return nil, fmt.Errorf("port range end %d before start %d", cfg.PortRangeEnd, cfg.PortRangeStart)
	}
	poolSize := cfg.PortRangeEnd - cfg.PortRangeStart + 1
	if poolSize < cfg.PortsPerEnvironment {
		return nil, fmt.Errorf("port pool of %d cannot satisfy %d ports per environment",
			poolSize, cfg.PortsPerEnvironment)
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}

	m := &Manager{
		config:  cfg,
		metrics: metrics,
		slots:   make(map[int]string),
		handles: make(map[string]*Handle),
	}
	m.cond = sync.NewCond(&m.mu)

	for p := cfg.PortRangeStart; p <= cfg.PortRangeEnd; p++ {
		m.freePorts = append(m.freePorts, p)
	}
	metrics.SetFreePorts(len(m.freePorts))

	if cfg.SweepInterval > 0 {
		m.sweepStop = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweepLoop()
	}
	return m, nil
}

// Acquire blocks until a slot is free (bounded by AcquireTimeout), then
// atomically allocates the lowest free slot, PortsPerEnvironment ports, and
// a work directory, returning options stamped with all three. If the port
// pool cannot satisfy the request the whole acquisition fails with nothing
// allocated.
func (m *Manager) Acquire(ctx context.Context, opts fixture.Options) (*Handle, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("acquisition requires an environment name")
	}

	waitStart := time.Now()
	deadline := waitStart.Add(m.config.AcquireTimeout)

	// Wake waiters when either the context dies or the deadline passes.
	timer := time.AfterFunc(time.Until(deadline), func() { m.cond.Broadcast() })
	defer timer.Stop()
	stopWatch := context.AfterFunc(ctx, func() { m.cond.Broadcast() })
	defer stopWatch()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.closed {
			return nil, fixture.NewResourceError("isolation manager is shut down", nil)
		}
		if _, exists := m.handles[opts.Name]; exists {
			return nil, fmt.Errorf("environment %s already holds resources", opts.Name)
		}
		if len(m.handles) < m.config.MaxConcurrent {
			break
		}
		if ctx.Err() != nil {
			return nil, fixture.NewResourceError("acquisition cancelled", ctx.Err()).
				WithEnvironment(opts.Name)
		}
		if time.Now().After(deadline) {
			return nil, fixture.NewResourceError(
				fmt.Sprintf("no free slot within %s", m.config.AcquireTimeout), nil).
				WithEnvironment(opts.Name).WithOperation("acquire")
		}
		m.cond.Wait()
	}
	m.metrics.RecordSlotWait(time.Since(waitStart))

	// Lowest free slot ID.
	slot := 0
	for s := 1; s <= m.config.MaxConcurrent; s++ {
		if _, taken := m.slots[s]; !taken {
			slot = s
			break
		}
	}
	if slot == 0 {
		// Unreachable while handles < MaxConcurrent, but fail loudly.
		return nil, fixture.NewResourceError("slot table inconsistent", nil)
	}

	if len(m.freePorts) < m.config.PortsPerEnvironment {
		return nil, fixture.NewResourceError(
			fmt.Sprintf("port pool exhausted: %d free, %d required",
				len(m.freePorts), m.config.PortsPerEnvironment), nil).
			WithEnvironment(opts.Name).WithOperation("acquire")
	}
	ports := make([]int, m.config.PortsPerEnvironment)
	copy(ports, m.freePorts[:m.config.PortsPerEnvironment])
	m.freePorts = m.freePorts[m.config.PortsPerEnvironment:]

	workDir := filepath.Join(m.config.BaseDir, fmt.Sprintf("%s%s-%d", WorkDirPrefix, opts.Name, slot))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		// Roll back the port draw; nothing else was allocated yet.
		m.freePorts = append(m.freePorts, ports...)
		sort.Ints(m.freePorts)
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	instanceName := fmt.Sprintf("%s%s-%d-%s", WorkDirPrefix, opts.Name, slot, uuid.NewString()[:8])

	handle := &Handle{
		Name:         opts.Name,
		InstanceName: instanceName,
		Slot:         slot,
		Ports:        ports,
		WorkDir:      workDir,
		AcquiredAt:   time.Now(),
	}

	if m.config.EnableNetns {
		nsName, err := createNamespace(instanceName)
		if err != nil {
			// Full rollback: ports and work directory.
			m.freePorts = append(m.freePorts, ports...)
			sort.Ints(m.freePorts)
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("failed to create network namespace: %w", err)
		}
		handle.NetnsName = nsName
	}

	stamped := opts
	stamped.InstanceName = instanceName
	stamped.Ports = ports
	stamped.WorkDir = workDir
	handle.Options = stamped

	m.slots[slot] = opts.Name
	m.handles[opts.Name] = handle
	m.metrics.SetFreePorts(len(m.freePorts))

	log.Info().
		Str("environment", opts.Name).
		Str("instance", instanceName).
		Int("slot", slot).
		Ints("ports", ports).
		Msg("acquired isolation resources")
	return handle, nil
}

// Release returns an environment's resources to the pool: ports re-sorted
// into the free set, work directory deleted, network namespace destroyed,
// slot forgotten. Idempotent: releasing an unknown or already-released name
// is a no-op, and ports are never freed twice.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, ok := m.handles[name]
	if !ok {
		return nil
	}

	var firstErr error
	if handle.NetnsName != "" {
		if err := deleteNamespace(handle.NetnsName); err != nil {
			log.Warn().Str("netns", handle.NetnsName).Err(err).Msg("failed to delete network namespace")
			firstErr = err
		}
	}
	if err := os.RemoveAll(handle.WorkDir); err != nil {
		log.Warn().Str("work_dir", handle.WorkDir).Err(err).Msg("failed to remove work directory")
		if firstErr == nil {
			firstErr = err
		}
	}

	m.freePorts = append(m.freePorts, handle.Ports...)
	sort.Ints(m.freePorts)
	delete(m.slots, handle.Slot)
	delete(m.handles, name)
	m.metrics.SetFreePorts(len(m.freePorts))

	// Wake one blocked acquirer.
	m.cond.Broadcast()

	log.Info().
		Str("environment", name).
		Int("slot", handle.Slot).
		Msg("released isolation resources")
	return firstErr
}

// Active returns the handles of all currently-held environments.
func (m *Manager) Active() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// FreePorts reports the current free-port pool size.
func (m *Manager) FreePorts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freePorts)
}

// Shutdown releases every held environment and stops the orphan sweep.
// Blocked acquirers fail with a resource error.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, name := range names {
		_ = m.Release(name)
	}

	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
	}
}

// isTracked reports whether a work directory or namespace name belongs to a
// live handle. Caller must hold m.mu.
func (m *Manager) isTracked(resourceName string) bool {
	for _, h := range m.handles {
		if filepath.Base(h.WorkDir) == resourceName || h.NetnsName == resourceName {
			return true
		}
	}
	return false
}

// sweepLoop periodically reconciles on-disk and OS-level resources against
// the in-memory registry.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.SweepOrphans()
		}
	}
}

// SweepOrphans reclaims work directories and network namespaces that match
// the Kiln naming convention but are not tracked by this manager. Resources
// left behind by crashed prior runs are removed; errors are logged and
// swallowed, as the sweep is best-effort.
func (m *Manager) SweepOrphans() {
	entries, err := os.ReadDir(m.config.BaseDir)
	if err != nil {
		log.Warn().Err(err).Msg("orphan sweep could not read base directory")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), WorkDirPrefix) {
			continue
		}
		if m.isTracked(entry.Name()) {
			continue
		}
		path := filepath.Join(m.config.BaseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("orphan sweep failed to remove directory")
			continue
		}
		log.Info().Str("path", path).Msg("orphan sweep reclaimed work directory")
	}

	if m.config.EnableNetns {
		names, err := listNamespaces()
		if err != nil {
			log.Warn().Err(err).Msg("orphan sweep could not list network namespaces")
			return
		}
		for _, ns := range names {
			if !strings.HasPrefix(ns, WorkDirPrefix) || m.isTracked(ns) {
				continue
			}
			if err := deleteNamespace(ns); err != nil {
				log.Warn().Str("netns", ns).Err(err).Msg("orphan sweep failed to delete namespace")
				continue
			}
			log.Info().Str("netns", ns).Msg("orphan sweep reclaimed network namespace")
		}
	}
}
