package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/telemetry"
)

// Checker performs health and readiness checks against one environment.
type Checker struct {
	env     fixture.Environment
	config  Config
	metrics *telemetry.Metrics

	mu      sync.Mutex
	history []*Result
}

// NewChecker creates a checker for the environment.
func NewChecker(env fixture.Environment, cfg Config) *Checker {
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = DefaultConfig().BatchTimeout
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Checker{env: env, config: cfg}
}

// WithMetrics attaches a metrics collector for check and readiness
// observations. Returns the checker for chaining.
func (c *Checker) WithMetrics(m *telemetry.Metrics) *Checker {
	c.metrics = m
	return c
}

// PerformHealthCheck runs the given dimensions (all by default) and returns
// the aggregated result. The batch is bounded by BatchTimeout; dimensions
// that never got to run when the budget expires report StatusTimeout, and a
// fully timed-out batch aggregates to StatusTimeout, not StatusError.
func (c *Checker) PerformHealthCheck(ctx context.Context, dims ...Dimension) *Result {
	if len(dims) == 0 {
		dims = AllDimensions
	}

	batchCtx, cancel := context.WithTimeout(ctx, c.config.BatchTimeout)
	defer cancel()

	result := &Result{
		Overall:   StatusHealthy,
		CheckedAt: time.Now(),
	}

	for _, dim := range dims {
		if batchCtx.Err() != nil {
			result.Checks = append(result.Checks, CheckResult{
				Dimension: dim,
				Status:    StatusTimeout,
				Message:   "batch timeout exhausted before check ran",
			})
			result.Overall = Worse(result.Overall, StatusTimeout)
			c.recordCheck(dim, StatusTimeout)
			continue
		}
		check := c.runDimension(batchCtx, dim)
		result.Checks = append(result.Checks, check)
		result.Overall = Worse(result.Overall, check.Status)
		c.recordCheck(dim, check.Status)
	}

	result.Duration = time.Since(result.CheckedAt)
	c.appendHistory(result)

	log.Debug().
		Str("environment", c.env.Name()).
		Str("overall", string(result.Overall)).
		Dur("duration", result.Duration).
		Msg("health check completed")
	return result
}

// runDimension executes one dimension under its own timeout, converting
// panics and errors into statuses so the batch always continues.
func (c *Checker) runDimension(ctx context.Context, dim Dimension) (result CheckResult) {
	start := time.Now()
	result = CheckResult{Dimension: dim}

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusError
			result.Message = fmt.Sprintf("check panicked: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	checkCtx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	var status Status
	var msg string
	var err error

	switch dim {
	case DimConnectivity:
		status, msg, err = c.checkConnectivity(checkCtx)
	case DimProcess:
		status, msg, err = c.checkProcess(checkCtx)
	case DimFilesystem:
		status, msg, err = c.checkFilesystem(checkCtx)
	case DimService:
		status, msg, err = c.checkServices(checkCtx)
	case DimDNS:
		status, msg, err = c.checkDNS(checkCtx)
	case DimPort:
		status, msg, err = c.checkPorts(checkCtx)
	case DimResources:
		status, msg, err = c.checkResources(checkCtx)
	default:
		status, msg = StatusError, fmt.Sprintf("unknown dimension %q", dim)
	}

	if err != nil {
		if checkCtx.Err() != nil {
			result.Status = StatusTimeout
			result.Message = "check timed out"
			return result
		}
		result.Status = StatusError
		result.Message = err.Error()
		return result
	}

	result.Status = status
	result.Message = msg
	return result
}

// checkConnectivity verifies a command round-trip through the fixture.
func (c *Checker) checkConnectivity(ctx context.Context) (Status, string, error) {
	res, err := c.env.Execute(ctx, "echo kiln-ping", fixture.ExecOptions{})
	if err != nil {
		return StatusUnhealthy, "", err
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "kiln-ping") {
		return StatusUnhealthy, fmt.Sprintf("echo round-trip failed (exit %d)", res.ExitCode), nil
	}
	return StatusHealthy, "", nil
}

// checkProcess verifies the container/VM handle is alive.
func (c *Checker) checkProcess(ctx context.Context) (Status, string, error) {
	state, err := c.env.InspectState(ctx)
	if err != nil {
		return StatusError, "", err
	}
	if !state.Running {
		return StatusUnhealthy, "fixture process is not running", nil
	}
	return StatusHealthy, "", nil
}

// checkFilesystem performs a write/read/delete round-trip in the guest.
func (c *Checker) checkFilesystem(ctx context.Context) (Status, string, error) {
	probe := fmt.Sprintf("/tmp/.kiln-health-%d", time.Now().UnixNano())
	cmd := fmt.Sprintf("echo probe > %s && cat %s && rm -f %s", probe, probe, probe)
	res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
	if err != nil {
		return StatusUnhealthy, "", err
	}
	if res.ExitCode != 0 {
		return StatusUnhealthy, fmt.Sprintf("filesystem round-trip failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	return StatusHealthy, "", nil
}

// checkServices verifies each configured daemon reports active.
func (c *Checker) checkServices(ctx context.Context) (Status, string, error) {
	if len(c.config.Services) == 0 {
		return StatusHealthy, "no services configured", nil
	}

	var inactive []string
	for _, svc := range c.config.Services {
		cmd := fmt.Sprintf("systemctl is-active %s 2>/dev/null || service %s status >/dev/null 2>&1 && echo active", svc, svc)
		res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
		if err != nil {
			return StatusError, "", err
		}
		if !strings.Contains(res.Stdout, "active") {
			inactive = append(inactive, svc)
		}
	}
	if len(inactive) > 0 {
		return StatusUnhealthy, fmt.Sprintf("inactive services: %s", strings.Join(inactive, ", ")), nil
	}
	return StatusHealthy, "", nil
}

// checkDNS resolves each configured name inside the fixture.
func (c *Checker) checkDNS(ctx context.Context) (Status, string, error) {
	if len(c.config.DNSNames) == 0 {
		return StatusHealthy, "no dns names configured", nil
	}

	var failed []string
	for _, name := range c.config.DNSNames {
		res, err := c.env.Execute(ctx, fmt.Sprintf("getent hosts %s", name), fixture.ExecOptions{})
		if err != nil {
			return StatusError, "", err
		}
		if res.ExitCode != 0 {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return StatusUnhealthy, fmt.Sprintf("unresolvable names: %s", strings.Join(failed, ", ")), nil
	}
	return StatusHealthy, "", nil
}

// checkPorts verifies each configured port accepts connections inside the
// fixture.
func (c *Checker) checkPorts(ctx context.Context) (Status, string, error) {
	if len(c.config.Ports) == 0 {
		return StatusHealthy, "no ports configured", nil
	}

	var unreachable []string
	for _, port := range c.config.Ports {
		cmd := fmt.Sprintf("nc -z 127.0.0.1 %d", port)
		res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
		if err != nil {
			return StatusError, "", err
		}
		if res.ExitCode != 0 {
			unreachable = append(unreachable, strconv.Itoa(port))
		}
	}
	if len(unreachable) > 0 {
		return StatusUnhealthy, fmt.Sprintf("unreachable ports: %s", strings.Join(unreachable, ", ")), nil
	}
	return StatusHealthy, "", nil
}

// checkResources samples memory, disk, and load inside the fixture and
// compares them against the configured warning and critical thresholds.
func (c *Checker) checkResources(ctx context.Context) (Status, string, error) {
	th := c.config.Thresholds
	status := StatusHealthy
	var notes []string

	memPct, err := c.sampleMemoryPct(ctx)
	if err == nil {
		switch {
		case th.MemoryCriticalPct > 0 && memPct >= th.MemoryCriticalPct:
			status = Worse(status, StatusUnhealthy)
			notes = append(notes, fmt.Sprintf("memory %.0f%% over critical", memPct))
		case th.MemoryWarningPct > 0 && memPct >= th.MemoryWarningPct:
			status = Worse(status, StatusWarning)
			notes = append(notes, fmt.Sprintf("memory %.0f%% over warning", memPct))
		}
	}

	diskPct, err := c.sampleDiskPct(ctx)
	if err == nil {
		switch {
		case th.DiskCriticalPct > 0 && diskPct >= th.DiskCriticalPct:
			status = Worse(status, StatusUnhealthy)
			notes = append(notes, fmt.Sprintf("disk %.0f%% over critical", diskPct))
		case th.DiskWarningPct > 0 && diskPct >= th.DiskWarningPct:
			status = Worse(status, StatusWarning)
			notes = append(notes, fmt.Sprintf("disk %.0f%% over warning", diskPct))
		}
	}

	loadPerCPU, err := c.sampleLoadPerCPU(ctx)
	if err == nil {
		switch {
		case th.LoadCriticalPerCPU > 0 && loadPerCPU >= th.LoadCriticalPerCPU:
			status = Worse(status, StatusUnhealthy)
			notes = append(notes, fmt.Sprintf("load %.1f/cpu over critical", loadPerCPU))
		case th.LoadWarningPerCPU > 0 && loadPerCPU >= th.LoadWarningPerCPU:
			status = Worse(status, StatusWarning)
			notes = append(notes, fmt.Sprintf("load %.1f/cpu over warning", loadPerCPU))
		}
	}

	return status, strings.Join(notes, "; "), nil
}

// sampleMemoryPct reads used-memory percentage from /proc/meminfo.
func (c *Checker) sampleMemoryPct(ctx context.Context) (float64, error) {
	cmd := `awk '/MemTotal/{t=$2} /MemAvailable/{a=$2} END{if(t>0) printf "%.1f", (t-a)*100/t}' /proc/meminfo`
	res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		return 0, fmt.Errorf("meminfo sample failed")
	}
	return strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
}

// sampleDiskPct reads root filesystem usage percentage.
func (c *Checker) sampleDiskPct(ctx context.Context) (float64, error) {
	cmd := `df -P / | awk 'NR==2{gsub("%","",$5); print $5}'`
	res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		return 0, fmt.Errorf("disk sample failed")
	}
	return strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
}

// sampleLoadPerCPU reads 1-minute load average divided by CPU count.
func (c *Checker) sampleLoadPerCPU(ctx context.Context) (float64, error) {
	cmd := `awk -v n=$(nproc) '{printf "%.2f", $1/n}' /proc/loadavg`
	res, err := c.env.Execute(ctx, cmd, fixture.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		return 0, fmt.Errorf("load sample failed")
	}
	return strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
}

// PerformReadinessCheck runs the cheap readiness subset: process liveness and
// connectivity only.
func (c *Checker) PerformReadinessCheck(ctx context.Context) *ReadinessResult {
	result := &ReadinessResult{CheckedAt: time.Now()}

	if !c.env.IsReady() {
		result.Reason = "environment setup not complete"
		return result
	}

	check := c.runDimension(ctx, DimProcess)
	if check.Status != StatusHealthy {
		result.Reason = fmt.Sprintf("process: %s", check.Message)
		return result
	}

	check = c.runDimension(ctx, DimConnectivity)
	if check.Status != StatusHealthy {
		result.Reason = fmt.Sprintf("connectivity: %s", check.Message)
		return result
	}

	result.Ready = true
	return result
}

// WaitForReady polls PerformReadinessCheck on the given interval until the
// environment is ready or maxWait elapses. Timeout returns false, not an
// error, so callers decide whether to retry or fail the run.
func (c *Checker) WaitForReady(ctx context.Context, maxWait, interval time.Duration) bool {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	start := time.Now()
	deadline := start.Add(maxWait)

	for {
		if res := c.PerformReadinessCheck(ctx); res.Ready {
			c.recordReadinessWait("ready", time.Since(start))
			return true
		} else if time.Now().After(deadline) {
			log.Warn().
				Str("environment", c.env.Name()).
				Dur("max_wait", maxWait).
				Str("reason", res.Reason).
				Msg("readiness wait exhausted")
			c.recordReadinessWait("timeout", time.Since(start))
			return false
		}

		select {
		case <-ctx.Done():
			c.recordReadinessWait("timeout", time.Since(start))
			return false
		case <-time.After(interval):
		}
	}
}

// recordCheck publishes one dimension result when metrics are attached.
func (c *Checker) recordCheck(dim Dimension, status Status) {
	if c.metrics != nil {
		c.metrics.RecordHealthCheck(string(dim), string(status))
	}
}

// recordReadinessWait publishes one WaitForReady outcome when metrics are
// attached.
func (c *Checker) recordReadinessWait(outcome string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordReadinessWait(outcome, duration)
	}
}

// appendHistory records a result in the bounded rolling history.
func (c *Checker) appendHistory(r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, r)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize:]
	}
}

// History returns a copy of the rolling result history, oldest first.
func (c *Checker) History() []*Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Result, len(c.history))
	copy(out, c.history)
	return out
}
