package cleanup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/isolation"
	"github.com/openfroyo/kiln/pkg/stores"
	"github.com/openfroyo/kiln/pkg/telemetry"
)

// Config controls cleanup policy.
type Config struct {
	// BaseDir is the root under which environment work directories live.
	BaseDir string `yaml:"base_dir" validate:"required"`

	// MaxAge is the age past which a resource is considered stale.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxDiskBytes caps the total on-disk footprint of work directories.
	// Zero disables the quota.
	MaxDiskBytes int64 `yaml:"max_disk_bytes"`

	// MaxFixtures caps the number of concurrent work directories. Zero
	// disables the cap.
	MaxFixtures int `yaml:"max_fixtures"`

	// OperationLogSize bounds the persisted cleanup log.
	OperationLogSize int `yaml:"operation_log_size"`
}

// DefaultConfig returns conservative cleanup defaults.
func DefaultConfig() Config {
	return Config{
		BaseDir:          "/tmp/kiln",
		MaxAge:           24 * time.Hour,
		OperationLogSize: 500,
	}
}

// Report summarizes one cleanup pass.
type Report struct {
	// Removed lists resources that were cleaned up.
	Removed []*Resource

	// BytesFreed is the disk space reclaimed.
	BytesFreed int64

	// Errors holds per-resource failures. Cleanup continues past them.
	Errors []error
}

// Manager performs discovery-based cleanup of environments and their
// on-disk state.
type Manager struct {
	config  Config
	runtime fixture.ContainerRuntime
	store   *stores.SQLiteStore
	metrics *telemetry.Metrics
}

// NewManager creates a cleanup manager. The runtime, store, and metrics
// are all optional; nil values disable the corresponding behavior.
func NewManager(config Config, runtime fixture.ContainerRuntime, store *stores.SQLiteStore, metrics *telemetry.Metrics) *Manager {
	if config.OperationLogSize <= 0 {
		config.OperationLogSize = DefaultConfig().OperationLogSize
	}
	return &Manager{
		config:  config,
		runtime: runtime,
		store:   store,
		metrics: metrics,
	}
}

// CleanupEnvironment removes every resource belonging to the named
// environment: its containers, VM processes, and work directories.
func (m *Manager) CleanupEnvironment(ctx context.Context, name string) *Report {
	report := &Report{}
	prefix := isolation.WorkDirPrefix + name + "-"
	for _, res := range m.Discover(ctx) {
		if !strings.HasPrefix(res.Name, prefix) {
			continue
		}
		m.remove(ctx, res, report)
	}
	m.record(ctx, "environment", name, report)
	return report
}

// CleanupAll removes every discovered resource regardless of age.
func (m *Manager) CleanupAll(ctx context.Context) *Report {
	report := &Report{}
	for _, res := range m.Discover(ctx) {
		m.remove(ctx, res, report)
	}
	m.record(ctx, "all", "", report)
	return report
}

// CleanupOlderThan removes resources whose age exceeds the given duration.
func (m *Manager) CleanupOlderThan(ctx context.Context, age time.Duration) *Report {
	report := &Report{}
	for _, res := range m.Discover(ctx) {
		if res.Age() <= age {
			continue
		}
		m.remove(ctx, res, report)
	}
	m.record(ctx, "older_than", "", report)
	return report
}

// CleanupStale removes resources older than the configured maximum age.
func (m *Manager) CleanupStale(ctx context.Context) *Report {
	age := m.config.MaxAge
	if age <= 0 {
		age = DefaultConfig().MaxAge
	}
	return m.CleanupOlderThan(ctx, age)
}

// EnforceResourceLimits brings work-directory usage back under the
// configured disk quota and fixture count. Disk enforcement removes the
// largest directories first; count enforcement removes the oldest first.
func (m *Manager) EnforceResourceLimits(ctx context.Context) *Report {
	report := &Report{}

	var workdirs []*Resource
	for _, res := range m.Discover(ctx) {
		if res.Type == ResourceWorkDir {
			workdirs = append(workdirs, res)
		}
	}

	if m.config.MaxDiskBytes > 0 {
		m.enforceDisk(ctx, workdirs, report)
		workdirs = m.remaining(workdirs, report)
	}

	if m.config.MaxFixtures > 0 && len(workdirs) > m.config.MaxFixtures {
		sort.Slice(workdirs, func(i, j int) bool {
			return workdirs[i].CreatedAt.Before(workdirs[j].CreatedAt)
		})
		excess := len(workdirs) - m.config.MaxFixtures
		for _, res := range workdirs[:excess] {
			m.remove(ctx, res, report)
		}
	}

	m.record(ctx, "enforce_limits", "", report)
	return report
}

// EmergencyCleanup tears everything down when the host is critically low
// on disk. After the per-resource pass it wipes the entire base directory
// and recreates it empty, so debris outside the naming convention goes too.
func (m *Manager) EmergencyCleanup(ctx context.Context) *Report {
	free, total, err := DiskUsage(m.config.BaseDir)
	if err == nil {
		log.Warn().
			Str("free", humanize.IBytes(free)).
			Str("total", humanize.IBytes(total)).
			Msg("emergency cleanup triggered")
	}

	report := &Report{}
	for _, res := range m.Discover(ctx) {
		m.remove(ctx, res, report)
	}

	if leftover := dirSize(m.config.BaseDir); leftover > 0 {
		log.Warn().
			Str("base_dir", m.config.BaseDir).
			Str("leftover", humanize.IBytes(uint64(leftover))).
			Msg("wiping base directory")
		if err := os.RemoveAll(m.config.BaseDir); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("wipe of base directory %s: %w", m.config.BaseDir, err))
		} else {
			report.BytesFreed += leftover
		}
	}
	if err := os.MkdirAll(m.config.BaseDir, 0o755); err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("recreate base directory %s: %w", m.config.BaseDir, err))
	}

	m.record(ctx, "emergency", "", report)
	return report
}

// enforceDisk removes the largest work directories until total usage is
// back under the quota. Only removals that actually succeeded count toward
// the running total, so a failed removal never masks space still in use.
func (m *Manager) enforceDisk(ctx context.Context, workdirs []*Resource, report *Report) {
	var total int64
	for _, res := range workdirs {
		total += res.SizeBytes
	}
	if total <= m.config.MaxDiskBytes {
		return
	}

	sort.Slice(workdirs, func(i, j int) bool {
		return workdirs[i].SizeBytes > workdirs[j].SizeBytes
	})
	for _, res := range workdirs {
		if total <= m.config.MaxDiskBytes {
			break
		}
		removed := len(report.Removed)
		m.remove(ctx, res, report)
		if len(report.Removed) > removed {
			total -= res.SizeBytes
		}
	}
}

// remove tears down one resource and accounts for it in the report.
func (m *Manager) remove(ctx context.Context, res *Resource, report *Report) {
	var err error
	switch res.Type {
	case ResourceWorkDir:
		err = os.RemoveAll(res.Path)
	case ResourceContainer:
		err = m.removeContainer(ctx, res)
	case ResourceVM:
		err = m.removeVM(res)
	}

	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("cleanup of %s %s: %w", res.Type, res.Name, err))
		log.Warn().Err(err).
			Str("type", string(res.Type)).
			Str("name", res.Name).
			Msg("cleanup of resource failed")
		return
	}

	report.Removed = append(report.Removed, res)
	report.BytesFreed += res.SizeBytes
	log.Info().
		Str("type", string(res.Type)).
		Str("name", res.Name).
		Str("freed", humanize.IBytes(uint64(res.SizeBytes))).
		Msg("cleaned up resource")
}

// removeContainer stops and removes a container handle.
func (m *Manager) removeContainer(ctx context.Context, res *Resource) error {
	if m.runtime == nil {
		return fmt.Errorf("no container runtime configured")
	}
	if err := m.runtime.Stop(ctx, res.Handle, 10*time.Second); err != nil {
		log.Debug().Err(err).Str("handle", res.Handle).Msg("container stop failed, removing anyway")
	}
	return m.runtime.Remove(ctx, res.Handle)
}

// removeVM kills a VM process identified by its PID file and removes the
// file. A dead process is not an error; the stale file still goes.
func (m *Manager) removeVM(res *Resource) error {
	if pidAlive(res.PID) {
		if err := syscall.Kill(res.PID, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill VM process %d: %w", res.PID, err)
		}
	}
	if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// remaining filters out resources already removed in this pass.
func (m *Manager) remaining(resources []*Resource, report *Report) []*Resource {
	removed := make(map[string]bool, len(report.Removed))
	for _, res := range report.Removed {
		removed[res.Name] = true
	}
	var out []*Resource
	for _, res := range resources {
		if !removed[res.Name] {
			out = append(out, res)
		}
	}
	return out
}

// record persists the pass to the operation log and metrics.
func (m *Manager) record(ctx context.Context, opType, environment string, report *Report) {
	success := len(report.Errors) == 0
	if m.metrics != nil {
		m.metrics.RecordCleanup(opType, success, report.BytesFreed)
	}
	if m.store == nil {
		return
	}

	var errText string
	if !success {
		parts := make([]string, 0, len(report.Errors))
		for _, err := range report.Errors {
			parts = append(parts, err.Error())
		}
		errText = strings.Join(parts, "; ")
	}

	rec := &stores.CleanupRecord{
		OpType:      opType,
		Environment: environment,
		Success:     success,
		BytesFreed:  report.BytesFreed,
		Error:       errText,
	}
	if err := m.store.AppendCleanupOperation(ctx, rec, m.config.OperationLogSize); err != nil {
		log.Warn().Err(err).Msg("failed to append cleanup operation record")
	}
}

// DiskUsage returns free and total bytes for the filesystem holding path.
func DiskUsage(path string) (free, total uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(stat.Bsize)
	return stat.Bavail * bsize, stat.Blocks * bsize, nil
}
