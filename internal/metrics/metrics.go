// Package metrics holds the Prometheus collector bundle exposed at
// GET /metrics (spec.md §6), grounded on the teacher's escrow metrics
// bundle: one struct of pre-registered vectors, one field per concern,
// updated directly by the components that own each pipeline stage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway exposes.
type Metrics struct {
	SessionsOpened   *prometheus.CounterVec
	SessionsClosed   *prometheus.CounterVec
	AuthRejected     prometheus.Counter
	EnvelopesAccepted *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	CASILOutcomes    *prometheus.CounterVec
	CASILDuration    prometheus.Histogram
	RoutingDelivered *prometheus.CounterVec
	RoutingSkipped   *prometheus.CounterVec
	HistoryAppends   *prometheus.CounterVec
	HistoryReads     *prometheus.CounterVec
	StorageDegraded  prometheus.Gauge
	PolicyReloads    *prometheus.CounterVec
	TelemetryDropped prometheus.Counter
	OmegaEvents      *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
}

// New creates and registers all collectors against the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_sessions_opened_total",
			Help: "Total WebSocket sessions that completed handshake.",
		}, []string{"tenant_id", "client_type"}),

		SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_sessions_closed_total",
			Help: "Total sessions closed, by reason.",
		}, []string{"reason"}),

		AuthRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arqonbus_auth_rejected_total",
			Help: "Total handshakes rejected for missing/invalid auth.",
		}),

		EnvelopesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_envelopes_accepted_total",
			Help: "Total envelopes that passed validation and CASIL.",
		}, []string{"type"}),

		EnvelopesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_envelopes_rejected_total",
			Help: "Total envelopes rejected, by error code.",
		}, []string{"error_code"}),

		CASILOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_casil_outcomes_total",
			Help: "CASIL inspection outcomes.",
		}, []string{"outcome", "reason_code"}),

		CASILDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "arqonbus_casil_inspect_duration_seconds",
			Help:    "CASIL inspect() wall time.",
			Buckets: prometheus.DefBuckets,
		}),

		RoutingDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_routing_delivered_total",
			Help: "Fan-out deliveries, by room.",
		}, []string{"room"}),

		RoutingSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_routing_skipped_total",
			Help: "Fan-out recipients skipped, by reason.",
		}, []string{"reason"}),

		HistoryAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_history_appends_total",
			Help: "History ring appends, by room.",
		}, []string{"room"}),

		HistoryReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_history_reads_total",
			Help: "history.get/history.replay invocations.",
		}, []string{"op"}),

		StorageDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arqonbus_storage_degraded",
			Help: "1 if the storage backend is running in degraded mode, else 0.",
		}),

		PolicyReloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_policy_reloads_total",
			Help: "op.casil.reload attempts, by result.",
		}, []string{"result"}),

		TelemetryDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arqonbus_telemetry_dropped_total",
			Help: "Telemetry events dropped due to sink backpressure.",
		}),

		OmegaEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_tier_omega_events_total",
			Help: "Tier-Omega lane events emitted, by substrate.",
		}, []string{"substrate_id"}),

		CommandLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arqonbus_command_duration_seconds",
			Help:    "Command dispatcher execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
}
