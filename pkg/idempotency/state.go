package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
)

// FileState is the tracked attribute set of one file.
type FileState struct {
	Mode     string
	Owner    string
	Group    string
	Size     int64
	Checksum string
}

// SystemState is a point-in-time capture of the dimensions validation
// tracks. Dimensions disabled in the config stay nil and are skipped when
// diffing.
type SystemState struct {
	// Packages maps installed package name to version.
	Packages map[string]string

	// Services maps service name to its active-state.
	Services map[string]string

	// Files maps tracked path to its attributes.
	Files map[string]FileState

	// Processes is a histogram of process command names.
	Processes map[string]int
}

// StateDiff lists the differences between two captures.
type StateDiff struct {
	// PackageChanges covers installs, removals, and version moves.
	PackageChanges []string

	// ServiceChanges covers active-state transitions.
	ServiceChanges []string

	// FileChanges covers per-attribute differences on tracked files.
	FileChanges []string

	// ProcessChanges covers process-histogram movement.
	ProcessChanges []string
}

// Empty reports whether no tracked dimension changed.
func (d *StateDiff) Empty() bool {
	return len(d.PackageChanges) == 0 &&
		len(d.ServiceChanges) == 0 &&
		len(d.FileChanges) == 0 &&
		len(d.ProcessChanges) == 0
}

// captureTimeout bounds each state-capture command.
const captureTimeout = 30 * time.Second

// captureState collects the enabled state dimensions from the
// environment. Individual capture failures are logged and leave the
// dimension nil; a nil dimension on either side is skipped by diffState.
func (v *Validator) captureState(ctx context.Context, env fixture.Environment) *SystemState {
	state := &SystemState{}

	if v.config.TrackPackages {
		state.Packages = capturePackages(ctx, env)
	}
	if len(v.config.Services) > 0 {
		state.Services = captureServices(ctx, env, v.config.Services)
	}
	if len(v.config.TrackFiles) > 0 {
		state.Files = captureFiles(ctx, env, v.config.TrackFiles)
	}
	if v.config.TrackProcesses {
		state.Processes = captureProcesses(ctx, env)
	}
	return state
}

// capturePackages reads the installed-package list via whichever package
// database the image carries.
func capturePackages(ctx context.Context, env fixture.Environment) map[string]string {
	const cmd = `dpkg-query -W -f '${Package} ${Version}\n' 2>/dev/null || rpm -qa --qf '%{NAME} %{VERSION}-%{RELEASE}\n' 2>/dev/null || true`
	res, err := env.Execute(ctx, cmd, fixture.ExecOptions{Timeout: captureTimeout})
	if err != nil {
		log.Debug().Err(err).Str("environment", env.Name()).Msg("package capture failed")
		return nil
	}

	packages := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			packages[fields[0]] = fields[1]
		}
	}
	return packages
}

// captureServices queries the active-state of each named service.
func captureServices(ctx context.Context, env fixture.Environment, names []string) map[string]string {
	services := make(map[string]string, len(names))
	for _, name := range names {
		cmd := fmt.Sprintf("systemctl is-active %s 2>/dev/null || echo unknown", name)
		res, err := env.Execute(ctx, cmd, fixture.ExecOptions{Timeout: captureTimeout})
		if err != nil {
			services[name] = "unknown"
			continue
		}
		services[name] = strings.TrimSpace(res.Stdout)
	}
	return services
}

// captureFiles stats each tracked path and checksums its content. Missing
// files are recorded with an "absent" checksum so appearance/disappearance
// shows up in the diff.
func captureFiles(ctx context.Context, env fixture.Environment, paths []string) map[string]FileState {
	files := make(map[string]FileState, len(paths))
	for _, path := range paths {
		cmd := fmt.Sprintf(`if [ -e %q ]; then stat -c '%%a %%U %%G %%s' %q && sha256sum %q | awk '{print $1}'; else echo absent; fi`, path, path, path)
		res, err := env.Execute(ctx, cmd, fixture.ExecOptions{Timeout: captureTimeout})
		if err != nil {
			continue
		}

		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		if len(lines) == 1 && strings.TrimSpace(lines[0]) == "absent" {
			files[path] = FileState{Checksum: "absent"}
			continue
		}
		if len(lines) < 2 {
			continue
		}

		fields := strings.Fields(lines[0])
		if len(fields) < 4 {
			continue
		}
		size, _ := strconv.ParseInt(fields[3], 10, 64)
		files[path] = FileState{
			Mode:     fields[0],
			Owner:    fields[1],
			Group:    fields[2],
			Size:     size,
			Checksum: strings.TrimSpace(lines[1]),
		}
	}
	return files
}

// captureProcesses builds a histogram of process command names.
func captureProcesses(ctx context.Context, env fixture.Environment) map[string]int {
	res, err := env.Execute(ctx, "ps -eo comm=", fixture.ExecOptions{Timeout: captureTimeout})
	if err != nil {
		log.Debug().Err(err).Str("environment", env.Name()).Msg("process capture failed")
		return nil
	}

	histogram := make(map[string]int)
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name != "" {
			histogram[name]++
		}
	}
	return histogram
}

// diffState compares two captures dimension by dimension. Dimensions that
// are nil on either side were not captured and are skipped.
func diffState(before, after *SystemState) *StateDiff {
	diff := &StateDiff{}

	if before.Packages != nil && after.Packages != nil {
		for name, version := range after.Packages {
			prev, ok := before.Packages[name]
			switch {
			case !ok:
				diff.PackageChanges = append(diff.PackageChanges, fmt.Sprintf("package %s installed (%s)", name, version))
			case prev != version:
				diff.PackageChanges = append(diff.PackageChanges, fmt.Sprintf("package %s version %s -> %s", name, prev, version))
			}
		}
		for name := range before.Packages {
			if _, ok := after.Packages[name]; !ok {
				diff.PackageChanges = append(diff.PackageChanges, fmt.Sprintf("package %s removed", name))
			}
		}
	}

	if before.Services != nil && after.Services != nil {
		for name, state := range after.Services {
			if prev, ok := before.Services[name]; ok && prev != state {
				diff.ServiceChanges = append(diff.ServiceChanges, fmt.Sprintf("service %s %s -> %s", name, prev, state))
			}
		}
	}

	if before.Files != nil && after.Files != nil {
		for path, cur := range after.Files {
			prev, ok := before.Files[path]
			if !ok {
				continue
			}
			if prev.Mode != cur.Mode {
				diff.FileChanges = append(diff.FileChanges, fmt.Sprintf("file %s mode %s -> %s", path, prev.Mode, cur.Mode))
			}
			if prev.Owner != cur.Owner || prev.Group != cur.Group {
				diff.FileChanges = append(diff.FileChanges, fmt.Sprintf("file %s ownership %s:%s -> %s:%s", path, prev.Owner, prev.Group, cur.Owner, cur.Group))
			}
			if prev.Size != cur.Size {
				diff.FileChanges = append(diff.FileChanges, fmt.Sprintf("file %s size %d -> %d", path, prev.Size, cur.Size))
			}
			if prev.Checksum != cur.Checksum {
				diff.FileChanges = append(diff.FileChanges, fmt.Sprintf("file %s content changed", path))
			}
		}
	}

	if before.Processes != nil && after.Processes != nil {
		for name, count := range after.Processes {
			if prev := before.Processes[name]; prev != count {
				diff.ProcessChanges = append(diff.ProcessChanges, fmt.Sprintf("process %s count %d -> %d", name, prev, count))
			}
		}
		for name, prev := range before.Processes {
			if _, ok := after.Processes[name]; !ok {
				diff.ProcessChanges = append(diff.ProcessChanges, fmt.Sprintf("process %s count %d -> 0", name, prev))
			}
		}
	}

	return diff
}
