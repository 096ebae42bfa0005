package telemetry

import "time"

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format is "json" or "console".
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`

	// Output is "stdout", "stderr", or a file path.
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is "otlp", "stdout", or "none".
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`

	// SamplingRate is the trace sampling ratio in [0,1].
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// ExportTimeout bounds one export batch.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// DefaultLoggingConfig returns console logging at info level on stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "console", Output: "stderr"}
}

// DefaultMetricsConfig returns a disabled metrics endpoint on :9464.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: false, ListenAddress: ":9464", Path: "/metrics"}
}

// DefaultTracingConfig returns disabled tracing with full sampling when on.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:       false,
		Exporter:      "stdout",
		SamplingRate:  1.0,
		ExportTimeout: 30 * time.Second,
	}
}
