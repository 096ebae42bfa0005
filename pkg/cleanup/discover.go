package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/isolation"
)

// ResourceType classifies a discovered resource.
type ResourceType string

const (
	// ResourceWorkDir is an on-disk environment work directory.
	ResourceWorkDir ResourceType = "workdir"

	// ResourceContainer is a live container-runtime handle.
	ResourceContainer ResourceType = "container"

	// ResourceVM is a VM identified by its PID file.
	ResourceVM ResourceType = "vm"
)

// Resource is one discovered cleanup candidate.
type Resource struct {
	// Type classifies the resource.
	Type ResourceType

	// Name is the work directory basename or container/instance name.
	Name string

	// Path is the on-disk location for workdir and vm resources.
	Path string

	// Handle is the container-runtime handle for container resources.
	Handle string

	// PID is the hypervisor process for vm resources.
	PID int

	// CreatedAt approximates when the resource came into existence.
	CreatedAt time.Time

	// SizeBytes is the on-disk footprint, where measurable.
	SizeBytes int64
}

// Age returns how old the resource is.
func (r *Resource) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// Discover enumerates all three resource classes independently of any
// in-process registry: work directories matching the naming convention,
// live containers labeled by the runtime, and VM PID files.
func (m *Manager) Discover(ctx context.Context) []*Resource {
	var resources []*Resource
	resources = append(resources, m.discoverWorkDirs()...)
	resources = append(resources, m.discoverContainers(ctx)...)
	resources = append(resources, m.discoverVMs()...)
	return resources
}

// discoverWorkDirs scans the base directory for the work-dir naming
// convention.
func (m *Manager) discoverWorkDirs() []*Resource {
	entries, err := os.ReadDir(m.config.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("cleanup discovery could not read base directory")
		}
		return nil
	}

	var out []*Resource
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), isolation.WorkDirPrefix) {
			continue
		}
		path := filepath.Join(m.config.BaseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, &Resource{
			Type:      ResourceWorkDir,
			Name:      entry.Name(),
			Path:      path,
			CreatedAt: info.ModTime(),
			SizeBytes: dirSize(path),
		})
	}
	return out
}

// discoverContainers asks the runtime for live containers with the Kiln
// name prefix.
func (m *Manager) discoverContainers(ctx context.Context) []*Resource {
	if m.runtime == nil {
		return nil
	}

	handles, err := m.runtime.List(ctx, isolation.WorkDirPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("cleanup discovery could not list containers")
		return nil
	}

	var out []*Resource
	for _, handle := range handles {
		res := &Resource{
			Type:      ResourceContainer,
			Name:      handle,
			Handle:    handle,
			CreatedAt: time.Now(),
		}
		if state, err := m.runtime.Inspect(ctx, handle); err == nil && !state.StartedAt.IsZero() {
			res.CreatedAt = state.StartedAt
		}
		out = append(out, res)
	}
	return out
}

// discoverVMs finds VM PID files under the base tree and checks process
// liveness with a null signal.
func (m *Manager) discoverVMs() []*Resource {
	var out []*Resource
	_ = filepath.WalkDir(m.config.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != fixture.PIDFileName {
			return nil //nolint:nilerr // discovery is best-effort
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		pid := readPID(path)
		out = append(out, &Resource{
			Type:      ResourceVM,
			Name:      filepath.Base(filepath.Dir(path)),
			Path:      path,
			PID:       pid,
			CreatedAt: info.ModTime(),
		})
		return nil
	})
	return out
}

// readPID parses a PID file, returning zero on any problem.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid := 0
	for _, c := range strings.TrimSpace(string(data)) {
		if c < '0' || c > '9' {
			return 0
		}
		pid = pid*10 + int(c-'0')
	}
	return pid
}

// pidAlive reports whether the PID refers to a live process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// dirSize walks a directory tree and sums regular file sizes.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // size is advisory
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
