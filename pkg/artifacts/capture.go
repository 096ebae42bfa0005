package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
)

// captureSpec maps an artifact type to the command that produces it.
type captureSpec struct {
	artifactType Type
	filename     string
	command      string
	failureOnly  bool
}

// captureSpecs is the full capture set. Failure-only entries are skipped
// for successful runs.
var captureSpecs = []captureSpec{
	{TypeSystemState, "system-state.txt", "uname -a; uptime; free -m 2>/dev/null || true", false},
	{TypeProcessList, "processes.txt", "ps aux", true},
	{TypeServiceLogs, "journal.txt", "journalctl -n 200 --no-pager 2>/dev/null || tail -n 200 /var/log/syslog 2>/dev/null || true", true},
	{TypeDiskUsage, "disk-usage.txt", "df -hP", true},
	{TypeNetworkState, "network.txt", "ip addr 2>/dev/null; ss -tlnp 2>/dev/null || netstat -tlnp 2>/dev/null || true", true},
}

// captureTimeout bounds each individual capture command.
const captureTimeout = 30 * time.Second

// capture runs the capture set against the environment, writing one file
// per artifact into dir. Individual capture failures are logged and
// skipped; a broken environment should not prevent collecting what can
// still be collected.
func capture(ctx context.Context, env fixture.Environment, result *TestResult, dir string) []Type {
	var captured []Type

	if result.Output != "" {
		path := filepath.Join(dir, "test-output.txt")
		if err := os.WriteFile(path, []byte(result.Output), 0o644); err == nil {
			captured = append(captured, TypeTestOutput)
		}
	}

	for _, spec := range captureSpecs {
		if spec.failureOnly && result.Success {
			continue
		}

		res, err := env.Execute(ctx, spec.command, fixture.ExecOptions{Timeout: captureTimeout})
		if err != nil {
			log.Debug().Err(err).
				Str("environment", env.Name()).
				Str("artifact", string(spec.artifactType)).
				Msg("artifact capture command failed")
			continue
		}

		content := res.Stdout
		if res.ExitCode != 0 && content == "" {
			content = fmt.Sprintf("exit %d\n%s", res.ExitCode, res.Stderr)
		}
		path := filepath.Join(dir, spec.filename)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			log.Debug().Err(err).Str("artifact", string(spec.artifactType)).Msg("failed to write artifact file")
			continue
		}
		captured = append(captured, spec.artifactType)
	}

	return captured
}
