package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/kiln/pkg/fixture"
)

// ShellEngine applies recipes by invoking a configuration-management
// binary inside the environment. It reports no structural change list,
// so validation falls back to scanning the raw output.
type ShellEngine struct {
	// Command is the apply command, invoked as "<command> <recipe>".
	Command string

	// DryRunFlag is appended for dry-run applies. Defaults to --dry-run.
	DryRunFlag string

	// Timeout bounds one apply. Zero means one hour.
	Timeout time.Duration
}

// NewShellEngine creates an engine around the given apply command.
func NewShellEngine(command string) (*ShellEngine, error) {
	if command == "" {
		return nil, fmt.Errorf("apply command is required")
	}
	return &ShellEngine{Command: command, DryRunFlag: "--dry-run", Timeout: time.Hour}, nil
}

// Apply runs the command against the recipe, passing attributes as
// environment variables.
func (e *ShellEngine) Apply(ctx context.Context, env fixture.Environment, recipePath string, attrs map[string]string, dryRun bool) (*ApplyReport, error) {
	cmd := e.Command
	if dryRun {
		flag := e.DryRunFlag
		if flag == "" {
			flag = "--dry-run"
		}
		cmd += " " + flag
	}
	cmd += " " + recipePath

	timeout := e.Timeout
	if timeout == 0 {
		timeout = time.Hour
	}

	res, err := env.Execute(ctx, cmd, fixture.ExecOptions{Timeout: timeout, Env: attrs})
	if err != nil {
		return nil, fmt.Errorf("apply command failed to run: %w", err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}
	return &ApplyReport{ExitCode: res.ExitCode, Output: output}, nil
}
