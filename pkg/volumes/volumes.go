package volumes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Volume describes a single host-to-guest directory mapping.
type Volume struct {
	// HostPath is the absolute path on the controller host.
	HostPath string `yaml:"host_path" json:"host_path"`

	// GuestPath is the mount point inside the fixture.
	GuestPath string `yaml:"guest_path" json:"guest_path"`

	// ReadOnly mounts the volume read-only inside the fixture.
	ReadOnly bool `yaml:"read_only" json:"read_only"`
}

// String renders the volume in runtime mount syntax (host:guest[:ro]).
func (v Volume) String() string {
	s := v.HostPath + ":" + v.GuestPath
	if v.ReadOnly {
		s += ":ro"
	}
	return s
}

// Well-known guest mount points for the standard volume set.
const (
	GuestRecipesPath   = "/kiln/recipes"
	GuestArtifactsPath = "/kiln/artifacts"
	GuestLogsPath      = "/kiln/logs"
	GuestCachePath     = "/kiln/cache"
)

// stateFileName is the volume-state record written under the environment
// state directory so mounts can be reconciled across controller restarts.
const stateFileName = "volumes.yaml"

// Manager owns the volume set of one environment.
type Manager struct {
	mu sync.Mutex

	// envName is the environment the managed volumes belong to.
	envName string

	// workDir is the environment's work directory. Host paths beneath it
	// are managed (created and deleted) by this manager.
	workDir string

	// stateDir is where the volume-state record is persisted.
	stateDir string

	volumes []Volume
}

// persistedState is the on-disk shape of the volume-state record.
type persistedState struct {
	Environment string    `yaml:"environment"`
	SavedAt     time.Time `yaml:"saved_at"`
	Volumes     []Volume  `yaml:"volumes"`
}

// NewManager creates a volume manager for the named environment.
func NewManager(envName, workDir, stateDir string) *Manager {
	return &Manager{
		envName:  envName,
		workDir:  workDir,
		stateDir: stateDir,
	}
}

// Add registers a volume. Managed host paths (under the work directory) are
// created on demand so the runtime never sees a missing mount source.
func (m *Manager) Add(v Volume) error {
	if v.HostPath == "" || v.GuestPath == "" {
		return fmt.Errorf("volume requires both host and guest paths")
	}
	if !filepath.IsAbs(v.HostPath) {
		return fmt.Errorf("host path must be absolute: %s", v.HostPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.volumes {
		if existing.GuestPath == v.GuestPath {
			return fmt.Errorf("guest path %s already mounted from %s", v.GuestPath, existing.HostPath)
		}
	}

	if m.isManaged(v.HostPath) {
		if err := os.MkdirAll(v.HostPath, 0o755); err != nil {
			return fmt.Errorf("failed to create managed volume path: %w", err)
		}
	} else if _, err := os.Stat(v.HostPath); err != nil {
		return fmt.Errorf("host path does not exist: %w", err)
	}

	m.volumes = append(m.volumes, v)
	return nil
}

// AddStandardSet registers the default recipe/artifact/log/cache mounts.
// The recipes directory is an external (caller-owned) path mounted read-only;
// the other three live under the work directory and are managed.
func (m *Manager) AddStandardSet(recipesDir string) error {
	set := []Volume{
		{HostPath: recipesDir, GuestPath: GuestRecipesPath, ReadOnly: true},
		{HostPath: filepath.Join(m.workDir, "artifacts"), GuestPath: GuestArtifactsPath},
		{HostPath: filepath.Join(m.workDir, "logs"), GuestPath: GuestLogsPath},
		{HostPath: filepath.Join(m.workDir, "cache"), GuestPath: GuestCachePath},
	}
	for _, v := range set {
		if err := m.Add(v); err != nil {
			return err
		}
	}
	return nil
}

// Volumes returns a copy of the current volume set, sorted by guest path so
// callers see a stable order.
func (m *Manager) Volumes() []Volume {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Volume, len(m.volumes))
	copy(out, m.volumes)
	sort.Slice(out, func(i, j int) bool { return out[i].GuestPath < out[j].GuestPath })
	return out
}

// HostPathFor returns the host path mounted at the given guest path.
func (m *Manager) HostPathFor(guestPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.volumes {
		if v.GuestPath == guestPath {
			return v.HostPath, true
		}
	}
	return "", false
}

// Remove forgets the volume mounted at guestPath. The host path of a managed
// volume is deleted; foreign host paths are left in place.
func (m *Manager) Remove(guestPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, v := range m.volumes {
		if v.GuestPath != guestPath {
			continue
		}
		m.volumes = append(m.volumes[:i], m.volumes[i+1:]...)
		if m.isManaged(v.HostPath) {
			if err := os.RemoveAll(v.HostPath); err != nil {
				return fmt.Errorf("failed to remove managed volume path: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("no volume mounted at %s", guestPath)
}

// Cleanup deletes every managed host path and forgets all volumes. Errors are
// collected and logged; cleanup is best-effort and returns the first error
// only after attempting every volume.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, v := range m.volumes {
		if !m.isManaged(v.HostPath) {
			continue
		}
		if err := os.RemoveAll(v.HostPath); err != nil {
			log.Warn().
				Str("environment", m.envName).
				Str("host_path", v.HostPath).
				Err(err).
				Msg("failed to remove managed volume")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.volumes = nil

	statePath := filepath.Join(m.stateDir, stateFileName)
	if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Save persists the volume-state record under the state directory.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := persistedState{
		Environment: m.envName,
		SavedAt:     time.Now().UTC(),
		Volumes:     m.volumes,
	}
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to marshal volume state: %w", err)
	}

	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.stateDir, stateFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write volume state: %w", err)
	}
	return nil
}

// Load restores a previously saved volume set. A missing record is not an
// error; the manager simply starts empty.
func (m *Manager) Load() error {
	data, err := os.ReadFile(filepath.Join(m.stateDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read volume state: %w", err)
	}

	var state persistedState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse volume state: %w", err)
	}
	if state.Environment != "" && state.Environment != m.envName {
		return fmt.Errorf("volume state belongs to environment %s, not %s", state.Environment, m.envName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes = state.Volumes
	return nil
}

// isManaged reports whether hostPath lives under the work directory.
func (m *Manager) isManaged(hostPath string) bool {
	if m.workDir == "" {
		return false
	}
	rel, err := filepath.Rel(m.workDir, hostPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
