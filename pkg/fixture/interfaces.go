package fixture

import (
	"context"
	"time"
)

// Environment is the uniform fixture contract the rest of the harness
// programs against. Implementations are ContainerEnvironment and
// VMEnvironment; tests substitute their own fakes.
type Environment interface {
	// Name returns the logical environment name.
	Name() string

	// InstanceName returns the unique per-acquisition instance name.
	InstanceName() string

	// Kind returns the fixture kind.
	Kind() Kind

	// Distribution returns the OS distribution tag.
	Distribution() string

	// IsReady reports whether Setup completed successfully and the fixture
	// has not been torn down since.
	IsReady() bool

	// Setup brings the fixture up: creates and starts the container or
	// boots the VM, applying the configured volumes, env, and ports.
	Setup(ctx context.Context) error

	// Teardown stops and removes the fixture. It is idempotent: calling it
	// on an already-destroyed fixture returns nil.
	Teardown(ctx context.Context) error

	// Execute runs a command inside the fixture and blocks until it exits.
	Execute(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// CopyTo transfers a host file or directory into the fixture.
	CopyTo(ctx context.Context, hostPath, guestPath string) error

	// CopyFrom transfers a guest file or directory out to the host.
	CopyFrom(ctx context.Context, guestPath, hostPath string) error

	// InspectState returns a point-in-time view of the fixture's process
	// and network state.
	InspectState(ctx context.Context) (*State, error)
}

// Snapshotter is the optional point-in-time snapshot capability. VM fixtures
// implement it natively; container fixtures get NoopSnapshotter.
type Snapshotter interface {
	// CreateSnapshot records the fixture's current disk state under name.
	CreateSnapshot(ctx context.Context, name string) error

	// RestoreSnapshot rolls the fixture back to a named snapshot.
	RestoreSnapshot(ctx context.Context, name string) error

	// ClearSnapshots removes all snapshots for this fixture.
	ClearSnapshots(ctx context.Context) error
}

// SnapshotterFor returns the environment's snapshot capability, or a no-op
// implementation when the fixture kind does not support snapshots.
func SnapshotterFor(env Environment) Snapshotter {
	if s, ok := env.(Snapshotter); ok {
		return s
	}
	return NoopSnapshotter{}
}

// NoopSnapshotter is the default snapshot capability for fixtures without
// native snapshot support. All operations succeed without doing anything.
type NoopSnapshotter struct{}

// CreateSnapshot implements Snapshotter.
func (NoopSnapshotter) CreateSnapshot(ctx context.Context, name string) error { return nil }

// RestoreSnapshot implements Snapshotter.
func (NoopSnapshotter) RestoreSnapshot(ctx context.Context, name string) error { return nil }

// ClearSnapshots implements Snapshotter.
func (NoopSnapshotter) ClearSnapshots(ctx context.Context) error { return nil }

// ContainerRuntime is the narrow contract Kiln requires from a container
// runtime. Only these primitives are used; no runtime wire protocol leaks
// into the harness.
type ContainerRuntime interface {
	// Create creates a container with the given name, image, and mounts,
	// returning the runtime handle.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, handle string) error

	// Stop stops a running container within the timeout.
	Stop(ctx context.Context, handle string, timeout time.Duration) error

	// Remove deletes a stopped container.
	Remove(ctx context.Context, handle string) error

	// Exec runs a command inside the container as the given user.
	Exec(ctx context.Context, handle, cmd string, opts ExecOptions) (*ExecResult, error)

	// CopyTo copies a host path into the container.
	CopyTo(ctx context.Context, handle, hostPath, guestPath string) error

	// CopyFrom copies a container path out to the host.
	CopyFrom(ctx context.Context, handle, guestPath, hostPath string) error

	// Inspect returns the container's current state.
	Inspect(ctx context.Context, handle string) (*State, error)

	// List returns handles of live containers whose names match the prefix.
	// Used by the cleanup manager to discover orphans across restarts.
	List(ctx context.Context, namePrefix string) ([]string, error)
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   []int
	Volumes []string
	Labels  map[string]string
}
