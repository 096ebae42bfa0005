// Package telemetry wires structured logging (zerolog), Prometheus metrics,
// and OpenTelemetry tracing for the Kiln harness. Components receive child
// loggers tagged with their name; the harness records fixture lifecycle,
// provisioning, health, and cleanup metrics through one Metrics instance.
package telemetry
