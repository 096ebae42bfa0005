package fixture

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/transports/ssh"
)

// VMOptions extends Options with hypervisor-specific settings.
type VMOptions struct {
	Options

	// SSH is how the harness reaches the booted guest. Host/Port default to
	// 127.0.0.1 and the first allocated port.
	SSH ssh.Config `yaml:"ssh"`

	// SeedDir is a host directory injected as the first-boot configuration
	// drive (user accounts, SSH keys, network).
	SeedDir string `yaml:"seed_dir"`

	// MemoryMB is the guest memory size, defaulting to 1024.
	MemoryMB int `yaml:"memory_mb"`

	// CPUs is the guest vCPU count, defaulting to 1.
	CPUs int `yaml:"cpus"`

	// DisplayPort, when non-zero, exposes a VNC display on this port.
	DisplayPort int `yaml:"display_port"`

	// QEMUBinary overrides the hypervisor binary (default qemu-system-x86_64).
	QEMUBinary string `yaml:"qemu_binary"`
}

// VMEnvironment is a QEMU-backed virtual machine fixture. The guest is booted
// from a disk image with a seeded first-boot configuration, reached over SSH,
// and controlled out-of-band through the QEMU monitor socket. Snapshots use
// the hypervisor's savevm/loadvm support.
type VMEnvironment struct {
	opts VMOptions

	mu        sync.Mutex
	pid       int
	ready     bool
	sshClient *ssh.Client
}

// PIDFileName is the per-instance PID file written under the work directory.
// The cleanup manager uses these files to discover VMs across restarts.
const PIDFileName = "vm.pid"

// monitorSocketName is the QEMU monitor unix socket under the work directory.
const monitorSocketName = "monitor.sock"

// NewVMEnvironment creates a VM fixture. The guest is not booted until Setup.
func NewVMEnvironment(opts VMOptions) (*VMEnvironment, error) {
	if opts.InstanceName == "" {
		return nil, fmt.Errorf("vm environment requires an instance name")
	}
	if opts.Image == "" {
		return nil, fmt.Errorf("vm environment requires a disk image")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("vm environment requires a work directory")
	}
	if opts.SSH.Host == "" {
		opts.SSH.Host = "127.0.0.1"
	}
	if opts.SSH.Port == 0 && len(opts.Ports) > 0 {
		opts.SSH.Port = opts.Ports[0]
	}
	if opts.MemoryMB == 0 {
		opts.MemoryMB = 1024
	}
	if opts.CPUs == 0 {
		opts.CPUs = 1
	}
	if opts.QEMUBinary == "" {
		opts.QEMUBinary = "qemu-system-x86_64"
	}

	client, err := ssh.NewClient(opts.SSH)
	if err != nil {
		return nil, fmt.Errorf("invalid vm ssh config: %w", err)
	}
	return &VMEnvironment{opts: opts, sshClient: client}, nil
}

// Name implements Environment.
func (v *VMEnvironment) Name() string { return v.opts.Name }

// InstanceName implements Environment.
func (v *VMEnvironment) InstanceName() string { return v.opts.InstanceName }

// Kind implements Environment.
func (v *VMEnvironment) Kind() Kind { return KindVM }

// Distribution implements Environment.
func (v *VMEnvironment) Distribution() string { return v.opts.Distribution }

// IsReady implements Environment.
func (v *VMEnvironment) IsReady() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// PID returns the hypervisor process ID, or zero before Setup.
func (v *VMEnvironment) PID() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pid
}

// pidFilePath returns the PID file location under the work directory.
func (v *VMEnvironment) pidFilePath() string {
	return filepath.Join(v.opts.WorkDir, PIDFileName)
}

// monitorSocketPath returns the monitor socket location.
func (v *VMEnvironment) monitorSocketPath() string {
	return filepath.Join(v.opts.WorkDir, monitorSocketName)
}

// Setup boots the guest and blocks until SSH answers. The hypervisor process
// is detached from the controller so a controller crash leaves a discoverable
// VM (PID file) rather than a zombie.
func (v *VMEnvironment) Setup(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ready {
		return NewSetupError("environment already set up", nil).WithEnvironment(v.opts.Name)
	}

	if v.opts.SetupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.SetupTimeout)
		defer cancel()
	}

	if err := os.MkdirAll(v.opts.WorkDir, 0o755); err != nil {
		return NewSetupError("failed to create work directory", err).WithEnvironment(v.opts.Name)
	}

	args := []string{
		"-name", v.opts.InstanceName,
		"-m", strconv.Itoa(v.opts.MemoryMB),
		"-smp", strconv.Itoa(v.opts.CPUs),
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", v.opts.Image),
		"-monitor", fmt.Sprintf("unix:%s,server,nowait", v.monitorSocketPath()),
		"-daemonize",
		"-pidfile", v.pidFilePath(),
	}

	// Forward the allocated ports into the guest. The first port always
	// carries SSH (guest 22).
	hostfwd := make([]string, 0, len(v.opts.Ports))
	for i, p := range v.opts.Ports {
		guestPort := p
		if i == 0 {
			guestPort = 22
		}
		hostfwd = append(hostfwd, fmt.Sprintf(",hostfwd=tcp:127.0.0.1:%d-:%d", p, guestPort))
	}
	args = append(args, "-netdev", "user,id=net0"+strings.Join(hostfwd, ""),
		"-device", "virtio-net-pci,netdev=net0")

	if v.opts.SeedDir != "" {
		args = append(args, "-drive",
			fmt.Sprintf("file=fat:rw:%s,format=raw,if=virtio", v.opts.SeedDir))
	}
	if v.opts.DisplayPort > 0 {
		args = append(args, "-vnc", fmt.Sprintf(":%d", v.opts.DisplayPort-5900))
	} else {
		args = append(args, "-display", "none")
	}

	log.Info().
		Str("environment", v.opts.Name).
		Str("instance", v.opts.InstanceName).
		Str("image", v.opts.Image).
		Msg("booting vm fixture")

	cmd := exec.CommandContext(ctx, v.opts.QEMUBinary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return NewSetupError(fmt.Sprintf("qemu failed: %s", strings.TrimSpace(string(out))), err).
			WithEnvironment(v.opts.Name)
	}

	pid, err := v.readPIDFile()
	if err != nil {
		return NewSetupError("qemu started but pid file unreadable", err).WithEnvironment(v.opts.Name)
	}
	v.pid = pid

	// The guest needs time to boot before sshd answers.
	if err := v.sshClient.WaitForConnection(ctx, 5*time.Minute, 5*time.Second); err != nil {
		return NewSetupError("vm booted but ssh never became reachable", err).WithEnvironment(v.opts.Name)
	}

	v.ready = true
	log.Info().Str("instance", v.opts.InstanceName).Int("pid", pid).Msg("vm fixture ready")
	return nil
}

// readPIDFile parses the QEMU-written PID file.
func (v *VMEnvironment) readPIDFile() (int, error) {
	data, err := os.ReadFile(v.pidFilePath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// Teardown kills the hypervisor by PID and removes the PID file. Idempotent.
func (v *VMEnvironment) Teardown(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pid == 0 {
		return nil
	}

	_ = v.sshClient.Close()

	// Ask the monitor for a clean shutdown first, then fall back to SIGKILL.
	if err := v.monitorCommandLocked(ctx, "system_powerdown"); err == nil {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if !processAlive(v.pid) {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
	}
	if processAlive(v.pid) {
		if err := syscall.Kill(v.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return NewCleanupError("failed to kill vm process", err).WithEnvironment(v.opts.Name)
		}
	}

	if err := os.Remove(v.pidFilePath()); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("path", v.pidFilePath()).Err(err).Msg("failed to remove vm pid file")
	}

	v.pid = 0
	v.ready = false
	return nil
}

// processAlive reports whether a PID refers to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Execute runs a command in the guest over SSH.
func (v *VMEnvironment) Execute(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	if !v.IsReady() {
		return nil, fmt.Errorf("vm %s is not ready", v.opts.InstanceName)
	}

	full := cmd
	if opts.WorkDir != "" {
		full = fmt.Sprintf("cd %s && %s", opts.WorkDir, full)
	}
	for k, val := range opts.Env {
		full = fmt.Sprintf("%s=%q %s", k, val, full)
	}
	if opts.User != "" && opts.User != v.opts.SSH.User {
		full = fmt.Sprintf("sudo -u %s sh -c %q", opts.User, full)
	}

	res, err := v.sshClient.ExecuteWithTimeout(ctx, full, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// CopyTo implements Environment via SFTP.
func (v *VMEnvironment) CopyTo(ctx context.Context, hostPath, guestPath string) error {
	return v.sshClient.Upload(ctx, hostPath, guestPath)
}

// CopyFrom implements Environment via SFTP.
func (v *VMEnvironment) CopyFrom(ctx context.Context, guestPath, hostPath string) error {
	return v.sshClient.Download(ctx, guestPath, hostPath)
}

// InspectState implements Environment using the PID file and a liveness
// signal, so it works even when SSH is down.
func (v *VMEnvironment) InspectState(ctx context.Context) (*State, error) {
	v.mu.Lock()
	pid := v.pid
	v.mu.Unlock()

	if pid == 0 {
		if filePID, err := v.readPIDFile(); err == nil {
			pid = filePID
		}
	}

	return &State{
		Running:   processAlive(pid),
		IPAddress: v.opts.SSH.Host,
		Handle:    strconv.Itoa(pid),
		PID:       pid,
	}, nil
}

// monitorCommand sends one human-monitor command to the QEMU monitor socket
// and returns its output.
func (v *VMEnvironment) monitorCommand(ctx context.Context, command string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", v.monitorSocketPath())
	if err != nil {
		return "", fmt.Errorf("failed to connect to vm monitor: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	// Drain the monitor banner before issuing the command.
	reader := bufio.NewReader(conn)
	_, _ = reader.ReadString('\n')

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("failed to send monitor command: %w", err)
	}

	var out strings.Builder
	for {
		line, err := reader.ReadString('\n')
		out.WriteString(line)
		if err != nil {
			break
		}
	}
	return out.String(), nil
}

// monitorCommandLocked is monitorCommand for callers already holding v.mu.
func (v *VMEnvironment) monitorCommandLocked(ctx context.Context, command string) error {
	_, err := v.monitorCommand(ctx, command)
	return err
}

// Screenshot captures the guest display to a PPM file via the monitor.
func (v *VMEnvironment) Screenshot(ctx context.Context, hostPath string) error {
	_, err := v.monitorCommand(ctx, fmt.Sprintf("screendump %s", hostPath))
	return err
}

// CreateSnapshot implements Snapshotter via the hypervisor's savevm.
func (v *VMEnvironment) CreateSnapshot(ctx context.Context, name string) error {
	if _, err := v.monitorCommand(ctx, fmt.Sprintf("savevm %s", name)); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", name, err)
	}
	return nil
}

// RestoreSnapshot implements Snapshotter via loadvm.
func (v *VMEnvironment) RestoreSnapshot(ctx context.Context, name string) error {
	if _, err := v.monitorCommand(ctx, fmt.Sprintf("loadvm %s", name)); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", name, err)
	}
	return nil
}

// ClearSnapshots implements Snapshotter by listing and deleting every
// snapshot known to the hypervisor.
func (v *VMEnvironment) ClearSnapshots(ctx context.Context) error {
	out, err := v.monitorCommand(ctx, "info snapshots")
	if err != nil {
		return err
	}
	for _, name := range parseSnapshotNames(out) {
		if _, err := v.monitorCommand(ctx, fmt.Sprintf("delvm %s", name)); err != nil {
			return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
		}
	}
	return nil
}

// parseSnapshotNames extracts snapshot tags from `info snapshots` output.
// The table starts after a header line beginning with "ID"; the tag is the
// second column.
func parseSnapshotNames(monitorOutput string) []string {
	var names []string
	inTable := false
	for _, line := range strings.Split(monitorOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "ID" {
			inTable = true
			continue
		}
		if !inTable || len(fields) < 2 {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}
