package fixture

import (
	"time"

	"github.com/openfroyo/kiln/pkg/volumes"
)

// Kind identifies the fixture implementation backing an environment.
type Kind string

const (
	// KindContainer is a container-runtime backed fixture.
	KindContainer Kind = "container"

	// KindVM is a hypervisor-backed virtual machine fixture.
	KindVM Kind = "vm"
)

// Valid reports whether the kind is one of the supported fixture kinds.
func (k Kind) Valid() bool {
	return k == KindContainer || k == KindVM
}

// Options configures a single environment instance. The isolation manager
// stamps the slot-specific fields (InstanceName, Ports, WorkDir) at
// acquisition time; callers provide the rest.
type Options struct {
	// Name is the logical environment name from the suite configuration.
	Name string `yaml:"name" json:"name"`

	// InstanceName is the unique per-acquisition name. Never reused.
	InstanceName string `yaml:"instance_name" json:"instance_name"`

	// Kind selects the fixture implementation.
	Kind Kind `yaml:"kind" json:"kind"`

	// Distribution tags the OS flavor under test (e.g. "debian-12").
	Distribution string `yaml:"distribution" json:"distribution"`

	// Image is the container image or VM disk image to boot.
	Image string `yaml:"image" json:"image"`

	// Ports are the host ports allocated to this instance.
	Ports []int `yaml:"ports" json:"ports"`

	// WorkDir is the instance's dedicated host work directory.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Env holds environment variables exported inside the fixture.
	Env map[string]string `yaml:"env" json:"env"`

	// Volumes are the host-to-guest mounts applied at setup.
	Volumes []volumes.Volume `yaml:"volumes" json:"volumes"`

	// SetupTimeout bounds how long Setup may take before failing.
	SetupTimeout time.Duration `yaml:"setup_timeout" json:"setup_timeout"`
}

// ExecOptions controls a single command execution inside a fixture.
type ExecOptions struct {
	// User runs the command as this user. Empty means the runtime default.
	User string

	// Timeout bounds the command. Zero means no per-command bound.
	Timeout time.Duration

	// WorkDir is the working directory inside the fixture.
	WorkDir string

	// Env holds extra environment variables for this command only.
	Env map[string]string
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// State is a point-in-time inspection snapshot of a fixture.
type State struct {
	// Running reports whether the underlying container/VM process is alive.
	Running bool

	// IPAddress is the fixture's reachable address, when known.
	IPAddress string

	// Handle is the runtime-specific identifier (container ID or PID string).
	Handle string

	// PID is the host process ID for VM fixtures; zero for containers.
	PID int

	// StartedAt is when the fixture was started, when the runtime reports it.
	StartedAt time.Time
}
