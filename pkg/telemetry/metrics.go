package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics exposes the harness's Prometheus metrics. A disabled instance is a
// valid no-op so callers never need nil checks.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// Fixture lifecycle
	activeFixtures    *prometheus.GaugeVec
	fixturesCreated   *prometheus.CounterVec
	fixturesDestroyed *prometheus.CounterVec

	// Provisioning
	provisionDuration *prometheus.HistogramVec
	provisionReuses   prometheus.Counter

	// Health
	healthChecks *prometheus.CounterVec
	readinessWait *prometheus.HistogramVec

	// Cleanup
	cleanupOperations *prometheus.CounterVec
	cleanupBytesFreed prometheus.Counter

	// Isolation
	slotWaitDuration prometheus.Histogram
	portPoolFree     prometheus.Gauge
}

// NewMetrics creates a metrics collector. When disabled, all record methods
// are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		activeFixtures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kiln",
				Name:      "active_fixtures",
				Help:      "Current number of live fixtures",
			},
			[]string{"kind"},
		),
		fixturesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "fixtures_created_total",
				Help:      "Total number of fixtures created",
			},
			[]string{"kind"},
		),
		fixturesDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "fixtures_destroyed_total",
				Help:      "Total number of fixtures destroyed",
			},
			[]string{"kind"},
		),
		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kiln",
				Name:      "provision_duration_seconds",
				Help:      "Duration of provision attempts in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		provisionReuses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "provision_reuses_total",
				Help:      "Provision calls that short-circuited to the reuse path",
			},
		),
		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "health_checks_total",
				Help:      "Health check results by dimension and status",
			},
			[]string{"dimension", "status"},
		),
		readinessWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kiln",
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting for environment readiness",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		cleanupOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "cleanup_operations_total",
				Help:      "Cleanup operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		cleanupBytesFreed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kiln",
				Name:      "cleanup_bytes_freed_total",
				Help:      "Total bytes reclaimed by cleanup operations",
			},
		),
		slotWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "kiln",
				Name:      "slot_wait_seconds",
				Help:      "Time spent blocked waiting for an isolation slot",
				Buckets:   []float64{0.001, 0.1, 1, 5, 15, 60, 300},
			},
		),
		portPoolFree: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kiln",
				Name:      "port_pool_free",
				Help:      "Free ports remaining in the shared pool",
			},
		),
	}

	registry.MustRegister(
		m.activeFixtures,
		m.fixturesCreated,
		m.fixturesDestroyed,
		m.provisionDuration,
		m.provisionReuses,
		m.healthChecks,
		m.readinessWait,
		m.cleanupOperations,
		m.cleanupBytesFreed,
		m.slotWaitDuration,
		m.portPoolFree,
	)
	return m
}

// RecordFixtureCreated records a fixture coming up.
func (m *Metrics) RecordFixtureCreated(kind string) {
	if m.fixturesCreated == nil {
		return
	}
	m.fixturesCreated.WithLabelValues(kind).Inc()
	m.activeFixtures.WithLabelValues(kind).Inc()
}

// RecordFixtureDestroyed records a fixture going away.
func (m *Metrics) RecordFixtureDestroyed(kind string) {
	if m.fixturesDestroyed == nil {
		return
	}
	m.fixturesDestroyed.WithLabelValues(kind).Inc()
	m.activeFixtures.WithLabelValues(kind).Dec()
}

// RecordProvision records one provision attempt.
// Outcome is "reused", "rebuilt", or "failed".
func (m *Metrics) RecordProvision(outcome string, duration time.Duration) {
	if m.provisionDuration == nil {
		return
	}
	m.provisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == "reused" {
		m.provisionReuses.Inc()
	}
}

// RecordHealthCheck records one dimension result.
func (m *Metrics) RecordHealthCheck(dimension, status string) {
	if m.healthChecks == nil {
		return
	}
	m.healthChecks.WithLabelValues(dimension, status).Inc()
}

// RecordReadinessWait records one WaitForReady call.
// Outcome is "ready" or "timeout".
func (m *Metrics) RecordReadinessWait(outcome string, duration time.Duration) {
	if m.readinessWait == nil {
		return
	}
	m.readinessWait.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCleanup records one cleanup operation and its reclaimed bytes.
func (m *Metrics) RecordCleanup(opType string, success bool, bytesFreed int64) {
	if m.cleanupOperations == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.cleanupOperations.WithLabelValues(opType, outcome).Inc()
	if bytesFreed > 0 {
		m.cleanupBytesFreed.Add(float64(bytesFreed))
	}
}

// RecordSlotWait records how long an acquisition blocked on a slot.
func (m *Metrics) RecordSlotWait(duration time.Duration) {
	if m.slotWaitDuration == nil {
		return
	}
	m.slotWaitDuration.Observe(duration.Seconds())
}

// SetFreePorts publishes the free-port pool size.
func (m *Metrics) SetFreePorts(n int) {
	if m.portPoolFree == nil {
		return
	}
	m.portPoolFree.Set(float64(n))
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer exposes the metrics endpoint in a background goroutine.
func (m *Metrics) StartServer() {
	if !m.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
