// Package health polls test fixtures along configurable check dimensions and
// computes an aggregated readiness verdict. Every dimension runs
// independently and catches its own errors, so one failing dimension never
// aborts the batch; the batch itself runs under an overall timeout, and
// expiry is a distinct terminal status rather than a failure.
package health

import (
	"time"
)

// Status is the verdict of one check dimension or of a whole batch.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusTimeout   Status = "timeout"
	StatusWarning   Status = "warning"
	StatusError     Status = "error"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses for worst-of aggregation:
// unhealthy > error > warning > timeout > healthy.
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusTimeout:   1,
	StatusWarning:   2,
	StatusError:     3,
	StatusUnhealthy: 4,
}

// Worse returns the more severe of two statuses.
func Worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Dimension identifies one health check dimension.
type Dimension string

const (
	DimConnectivity Dimension = "connectivity"
	DimProcess      Dimension = "process"
	DimFilesystem   Dimension = "filesystem"
	DimService      Dimension = "service"
	DimDNS          Dimension = "dns"
	DimPort         Dimension = "port"
	DimResources    Dimension = "resources"
)

// AllDimensions is the default check set, in execution order.
var AllDimensions = []Dimension{
	DimConnectivity,
	DimProcess,
	DimFilesystem,
	DimService,
	DimDNS,
	DimPort,
	DimResources,
}

// CheckResult is the outcome of one dimension.
type CheckResult struct {
	Dimension Dimension     `json:"dimension"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is a point-in-time snapshot of a full health check batch.
type Result struct {
	// Overall is the worst status across all executed dimensions.
	Overall Status `json:"overall"`

	// Checks holds the per-dimension results.
	Checks []CheckResult `json:"checks"`

	// CheckedAt is when the batch started.
	CheckedAt time.Time `json:"checked_at"`

	// Duration is the wall time of the whole batch.
	Duration time.Duration `json:"duration"`
}

// Healthy reports whether the overall status permits use of the environment.
func (r *Result) Healthy() bool {
	return r.Overall == StatusHealthy || r.Overall == StatusWarning
}

// ReadinessResult is the outcome of a readiness probe: a cheap subset of the
// full health check used while waiting for an environment to come up.
type ReadinessResult struct {
	Ready     bool      `json:"ready"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ResourceThresholds configures the resource dimension. Crossing a warning
// threshold yields StatusWarning; crossing the critical threshold promotes
// the verdict to StatusUnhealthy.
type ResourceThresholds struct {
	MemoryWarningPct   float64 `yaml:"memory_warning_pct"`
	MemoryCriticalPct  float64 `yaml:"memory_critical_pct"`
	DiskWarningPct     float64 `yaml:"disk_warning_pct"`
	DiskCriticalPct    float64 `yaml:"disk_critical_pct"`
	LoadWarningPerCPU  float64 `yaml:"load_warning_per_cpu"`
	LoadCriticalPerCPU float64 `yaml:"load_critical_per_cpu"`
}

// DefaultResourceThresholds returns conservative defaults.
func DefaultResourceThresholds() ResourceThresholds {
	return ResourceThresholds{
		MemoryWarningPct:   85,
		MemoryCriticalPct:  95,
		DiskWarningPct:     85,
		DiskCriticalPct:    95,
		LoadWarningPerCPU:  2,
		LoadCriticalPerCPU: 5,
	}
}

// Config configures a Checker.
type Config struct {
	// BatchTimeout bounds one full health check batch.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// CheckTimeout bounds each individual dimension.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// Services are the daemons whose active state the service dimension
	// verifies. Empty skips the dimension.
	Services []string `yaml:"services"`

	// DNSNames are resolved by the dns dimension. Empty skips it.
	DNSNames []string `yaml:"dns_names"`

	// Ports are probed for reachability inside the fixture. Empty skips it.
	Ports []int `yaml:"ports"`

	// Thresholds drive the resources dimension.
	Thresholds ResourceThresholds `yaml:"thresholds"`

	// HistorySize bounds the rolling result history.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns a config suitable for most fixtures.
func DefaultConfig() Config {
	return Config{
		BatchTimeout: 60 * time.Second,
		CheckTimeout: 15 * time.Second,
		Thresholds:   DefaultResourceThresholds(),
		HistorySize:  20,
	}
}
