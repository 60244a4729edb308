package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexmdm_devices_total",
			Help: "Total number of enrolled devices",
		},
	)

	// Heartbeat ingestion metrics
	HeartbeatsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_heartbeats_received_total",
			Help: "Total heartbeats received by outcome (created, deduped, error)",
		},
		[]string{"outcome"},
	)

	HeartbeatIngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexmdm_heartbeat_ingest_duration_seconds",
			Help:    "Time taken to ingest one heartbeat, including dual-write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_dispatches_total",
			Help: "Total command dispatches by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexmdm_dispatch_provider_latency_seconds",
			Help:    "Push-provider call latency as observed by the dispatcher",
			Buckets: prometheus.DefBuckets,
		},
	)

	IdempotencyHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_dispatch_idempotency_hits_total",
			Help: "Total dispatch calls short-circuited by an existing request_id",
		},
	)

	// Ack metrics
	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_acks_total",
			Help: "Total device action-result acks by outcome",
		},
		[]string{"outcome"},
	)

	// Alert evaluator metrics
	AlertTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_alert_ticks_total",
			Help: "Total alert evaluator ticks completed",
		},
	)

	AlertTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexmdm_alert_tick_duration_seconds",
			Help:    "Time taken for one batched alert evaluation tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_alert_transitions_total",
			Help: "Total alert state transitions by condition and direction (raise, recover)",
		},
		[]string{"condition", "direction"},
	)

	// Partition manager metrics
	PartitionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_partitions_created_total",
			Help: "Total heartbeat partitions created",
		},
	)

	PartitionsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_partitions_archived_total",
			Help: "Total heartbeat partitions archived",
		},
	)

	PartitionArchiveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_partition_archive_failures_total",
			Help: "Total partition archive attempts that ended in archive_failed",
		},
	)

	PartitionsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_partitions_dropped_total",
			Help: "Total heartbeat partitions dropped",
		},
	)

	// Registration gate metrics
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_registrations_total",
			Help: "Total registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	RegistrationActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexmdm_registrations_active",
			Help: "Registrations currently holding an admission slot",
		},
	)

	RegistrationQueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexmdm_registration_queue_wait_seconds",
			Help:    "Time spent waiting for an admission slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation job metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexmdm_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation run",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationRowsFixedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexmdm_reconciliation_rows_fixed_total",
			Help: "Total DeviceLastStatus rows repaired by the reconciliation job",
		},
	)

	// Advisory lock metrics
	AdvisoryLockSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_advisory_lock_skipped_total",
			Help: "Total runs skipped because an advisory lock was already held",
		},
		[]string{"lock"},
	)

	// Event broker metrics
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_events_dropped_total",
			Help: "Total events shed by the async event broker",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexmdm_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexmdm_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		DevicesTotal,
		HeartbeatsReceivedTotal,
		HeartbeatIngestDuration,
		DispatchesTotal,
		DispatchLatency,
		IdempotencyHitsTotal,
		AcksTotal,
		AlertTicksTotal,
		AlertTickDuration,
		AlertTransitionsTotal,
		PartitionsCreatedTotal,
		PartitionsArchivedTotal,
		PartitionArchiveFailuresTotal,
		PartitionsDroppedTotal,
		RegistrationsTotal,
		RegistrationActive,
		RegistrationQueueWait,
		ReconciliationDuration,
		ReconciliationRowsFixedTotal,
		AdvisoryLockSkippedTotal,
		EventsDroppedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler. pkg/api mounts it at
// GET /metrics behind admin auth; `nexmdm serve` also serves it, with
// no auth, on MetricsAddr when that differs from ListenAddr.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
