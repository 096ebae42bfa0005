package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of one remote command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Execute runs a command on the VM and blocks until it exits or the context
// is done. A non-zero exit code is reported in the Result, not as an error;
// errors are reserved for transport failures.
func (c *Client) Execute(ctx context.Context, cmd string) (*Result, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead connection surfaces here; drop it so the next call redials.
		c.dropConnection()
		return nil, fmt.Errorf("failed to create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("ssh command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("ssh command failed: %w", runErr)
	}
	return result, nil
}

// ExecuteWithTimeout runs a command bounded by its own timeout.
func (c *Client) ExecuteWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Execute(ctx, cmd)
}
