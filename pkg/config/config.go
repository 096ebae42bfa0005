package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/kiln/pkg/artifacts"
	"github.com/openfroyo/kiln/pkg/cleanup"
	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/health"
	"github.com/openfroyo/kiln/pkg/idempotency"
	"github.com/openfroyo/kiln/pkg/isolation"
	"github.com/openfroyo/kiln/pkg/provision"
	"github.com/openfroyo/kiln/pkg/telemetry"
	"github.com/openfroyo/kiln/pkg/transports/ssh"
)

// EnvironmentConfig declares one named test environment.
type EnvironmentConfig struct {
	// Name identifies the environment within the session.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the fixture type: container or vm.
	Kind fixture.Kind `yaml:"kind" validate:"required,oneof=container vm"`

	// Distribution is the OS distribution label, for logs and capture.
	Distribution string `yaml:"distribution"`

	// Image is the container image or VM disk image.
	Image string `yaml:"image" validate:"required"`

	// Recipes lists recipe files to provision and validate.
	Recipes []string `yaml:"recipes"`

	// Attributes are passed to the recipe engine on apply.
	Attributes map[string]string `yaml:"attributes"`

	// Env sets extra environment variables inside the fixture.
	Env map[string]string `yaml:"env"`

	// SetupTimeout bounds fixture creation.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// VM holds hypervisor settings for kind "vm" environments.
	VM VMSettings `yaml:"vm"`
}

// VMSettings configures the hypervisor side of a VM environment.
type VMSettings struct {
	// SSH is how the harness reaches the booted guest.
	SSH ssh.Config `yaml:"ssh"`

	// SeedDir is the first-boot configuration drive directory.
	SeedDir string `yaml:"seed_dir"`

	// MemoryMB and CPUs size the guest.
	MemoryMB int `yaml:"memory_mb"`
	CPUs     int `yaml:"cpus"`

	// QEMUBinary overrides the hypervisor binary.
	QEMUBinary string `yaml:"qemu_binary"`
}

// Config is the full harness configuration document.
type Config struct {
	// Environments lists the environments a session runs.
	Environments []EnvironmentConfig `yaml:"environments" validate:"dive"`

	// RecipesDir is the host directory mounted read-only into fixtures.
	RecipesDir string `yaml:"recipes_dir"`

	Isolation   isolation.Config   `yaml:"isolation"`
	Provision   provision.Config   `yaml:"provision"`
	Health      health.Config      `yaml:"health"`
	Cleanup     cleanup.Config     `yaml:"cleanup"`
	Artifacts   artifacts.Config   `yaml:"artifacts"`
	Idempotency idempotency.Config `yaml:"idempotency"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// DatabasePath is the SQLite file backing the artifact index and
	// cleanup log.
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig assembles the per-component defaults.
func DefaultConfig() *Config {
	return &Config{
		Isolation:    isolation.DefaultConfig(),
		Provision:    provision.DefaultConfig(),
		Health:       health.DefaultConfig(),
		Cleanup:      cleanup.DefaultConfig(),
		Artifacts:    artifacts.DefaultConfig(),
		Idempotency:  idempotency.DefaultConfig(),
		Logging:      telemetry.DefaultLoggingConfig(),
		Metrics:      telemetry.DefaultMetricsConfig(),
		Tracing:      telemetry.DefaultTracingConfig(),
		DatabasePath: "/tmp/kiln/kiln.db",
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document's struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Isolation.PortRangeEnd < c.Isolation.PortRangeStart {
		return fmt.Errorf("invalid configuration: port range end precedes start")
	}
	return nil
}
