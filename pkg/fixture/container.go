package fixture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultStopTimeout is how long a container gets to stop gracefully before
// the runtime kills it during teardown.
const defaultStopTimeout = 10 * time.Second

// ContainerEnvironment is a container-runtime backed fixture.
type ContainerEnvironment struct {
	opts    Options
	runtime ContainerRuntime

	mu     sync.Mutex
	handle string
	ready  bool
}

// NewContainerEnvironment creates a container fixture driven by the given
// runtime. The fixture is not started until Setup is called.
func NewContainerEnvironment(opts Options, runtime ContainerRuntime) (*ContainerEnvironment, error) {
	if opts.InstanceName == "" {
		return nil, fmt.Errorf("container environment requires an instance name")
	}
	if opts.Image == "" {
		return nil, fmt.Errorf("container environment requires an image")
	}
	if runtime == nil {
		return nil, fmt.Errorf("container environment requires a runtime")
	}
	return &ContainerEnvironment{opts: opts, runtime: runtime}, nil
}

// Name implements Environment.
func (c *ContainerEnvironment) Name() string { return c.opts.Name }

// InstanceName implements Environment.
func (c *ContainerEnvironment) InstanceName() string { return c.opts.InstanceName }

// Kind implements Environment.
func (c *ContainerEnvironment) Kind() Kind { return KindContainer }

// Distribution implements Environment.
func (c *ContainerEnvironment) Distribution() string { return c.opts.Distribution }

// IsReady implements Environment.
func (c *ContainerEnvironment) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Handle returns the runtime handle, or "" before Setup.
func (c *ContainerEnvironment) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Setup creates and starts the container with the configured mounts, env,
// and ports. On any failure the partially-created container is removed so a
// retry starts from a clean slate.
func (c *ContainerEnvironment) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return NewSetupError("environment already set up", nil).WithEnvironment(c.opts.Name)
	}

	if c.opts.SetupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SetupTimeout)
		defer cancel()
	}

	spec := ContainerSpec{
		Name:  c.opts.InstanceName,
		Image: c.opts.Image,
		Env:   c.opts.Env,
		Ports: c.opts.Ports,
		Labels: map[string]string{
			"kiln.environment": c.opts.Name,
			"kiln.managed":     "true",
		},
	}
	for _, v := range c.opts.Volumes {
		spec.Volumes = append(spec.Volumes, v.String())
	}

	handle, err := c.runtime.Create(ctx, spec)
	if err != nil {
		return NewSetupError("failed to create container", err).WithEnvironment(c.opts.Name)
	}
	c.handle = handle

	if err := c.runtime.Start(ctx, handle); err != nil {
		// Roll back the created container; a retry builds a new instance.
		if rmErr := c.runtime.Remove(context.WithoutCancel(ctx), handle); rmErr != nil {
			log.Warn().Str("handle", handle).Err(rmErr).Msg("failed to remove container after start failure")
		}
		c.handle = ""
		return NewSetupError("failed to start container", err).WithEnvironment(c.opts.Name)
	}

	c.ready = true
	log.Info().
		Str("environment", c.opts.Name).
		Str("instance", c.opts.InstanceName).
		Str("handle", handle).
		Msg("container fixture started")
	return nil
}

// Teardown stops and removes the container. Idempotent: a second call, or a
// call before Setup, returns nil.
func (c *ContainerEnvironment) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == "" {
		return nil
	}

	handle := c.handle
	if err := c.runtime.Stop(ctx, handle, defaultStopTimeout); err != nil {
		log.Warn().Str("handle", handle).Err(err).Msg("container stop failed, removing anyway")
	}
	if err := c.runtime.Remove(ctx, handle); err != nil {
		c.ready = false
		return NewCleanupError("failed to remove container", err).WithEnvironment(c.opts.Name)
	}

	c.handle = ""
	c.ready = false
	return nil
}

// Execute runs a command inside the container.
func (c *ContainerEnvironment) Execute(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	handle := c.Handle()
	if handle == "" {
		return nil, fmt.Errorf("container %s is not running", c.opts.InstanceName)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return c.runtime.Exec(ctx, handle, cmd, opts)
}

// CopyTo implements Environment.
func (c *ContainerEnvironment) CopyTo(ctx context.Context, hostPath, guestPath string) error {
	handle := c.Handle()
	if handle == "" {
		return fmt.Errorf("container %s is not running", c.opts.InstanceName)
	}
	return c.runtime.CopyTo(ctx, handle, hostPath, guestPath)
}

// CopyFrom implements Environment.
func (c *ContainerEnvironment) CopyFrom(ctx context.Context, guestPath, hostPath string) error {
	handle := c.Handle()
	if handle == "" {
		return fmt.Errorf("container %s is not running", c.opts.InstanceName)
	}
	return c.runtime.CopyFrom(ctx, handle, guestPath, hostPath)
}

// InspectState implements Environment.
func (c *ContainerEnvironment) InspectState(ctx context.Context) (*State, error) {
	handle := c.Handle()
	if handle == "" {
		return &State{Running: false}, nil
	}
	return c.runtime.Inspect(ctx, handle)
}
