package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DockerCLIRuntime implements ContainerRuntime by shelling out to the docker
// binary. Only the narrow primitive set Kiln requires is wrapped; everything
// else the CLI can do is deliberately unreachable.
type DockerCLIRuntime struct {
	// Binary is the docker executable, defaulting to "docker". Podman works
	// unchanged through its docker-compatible CLI.
	Binary string
}

// NewDockerCLIRuntime creates a runtime backed by the docker CLI.
func NewDockerCLIRuntime() *DockerCLIRuntime {
	return &DockerCLIRuntime{Binary: "docker"}
}

// run invokes the docker binary and returns trimmed stdout.
func (d *DockerCLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("binary", bin).Strs("args", args).Msg("invoking container runtime")

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Create implements ContainerRuntime. The container is created with a
// sleeping init so the harness can exec into it repeatedly.
func (d *DockerCLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p, p))
	}
	for _, vol := range spec.Volumes {
		args = append(args, "-v", vol)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image, "sleep", "infinity")

	return d.run(ctx, args...)
}

// Start implements ContainerRuntime.
func (d *DockerCLIRuntime) Start(ctx context.Context, handle string) error {
	_, err := d.run(ctx, "start", handle)
	return err
}

// Stop implements ContainerRuntime.
func (d *DockerCLIRuntime) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, err := d.run(ctx, "stop", "-t", fmt.Sprintf("%d", secs), handle)
	return err
}

// Remove implements ContainerRuntime.
func (d *DockerCLIRuntime) Remove(ctx context.Context, handle string) error {
	_, err := d.run(ctx, "rm", "-f", handle)
	return err
}

// Exec implements ContainerRuntime.
func (d *DockerCLIRuntime) Exec(ctx context.Context, handle, cmd string, opts ExecOptions) (*ExecResult, error) {
	args := []string{"exec"}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, handle, "/bin/sh", "-c", cmd)

	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, bin, args...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result, not a transport failure.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("exec in container %s failed: %w", handle, err)
	}
	return result, nil
}

// CopyTo implements ContainerRuntime.
func (d *DockerCLIRuntime) CopyTo(ctx context.Context, handle, hostPath, guestPath string) error {
	_, err := d.run(ctx, "cp", hostPath, handle+":"+guestPath)
	return err
}

// CopyFrom implements ContainerRuntime.
func (d *DockerCLIRuntime) CopyFrom(ctx context.Context, handle, guestPath, hostPath string) error {
	_, err := d.run(ctx, "cp", handle+":"+guestPath, hostPath)
	return err
}

// dockerInspect is the subset of `docker inspect` output Kiln reads.
type dockerInspect struct {
	State struct {
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
	} `json:"NetworkSettings"`
}

// Inspect implements ContainerRuntime.
func (d *DockerCLIRuntime) Inspect(ctx context.Context, handle string) (*State, error) {
	out, err := d.run(ctx, "inspect", handle)
	if err != nil {
		return nil, err
	}

	var parsed []dockerInspect
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse inspect output: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("container %s not found", handle)
	}

	state := &State{
		Running:   parsed[0].State.Running,
		IPAddress: parsed[0].NetworkSettings.IPAddress,
		Handle:    handle,
	}
	if t, err := time.Parse(time.RFC3339Nano, parsed[0].State.StartedAt); err == nil {
		state.StartedAt = t
	}
	return state, nil
}

// List implements ContainerRuntime.
func (d *DockerCLIRuntime) List(ctx context.Context, namePrefix string) ([]string, error) {
	out, err := d.run(ctx, "ps", "-a", "--filter", "name="+namePrefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
