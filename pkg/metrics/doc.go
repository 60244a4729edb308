/*
Package metrics defines and registers the nexmdm Prometheus metrics,
exposed via GET /metrics for scraping.

# Metrics catalog

	nexmdm_devices_total                          gauge
	nexmdm_heartbeats_received_total{outcome}     counter
	nexmdm_heartbeat_ingest_duration_seconds      histogram
	nexmdm_dispatches_total{action,outcome}       counter
	nexmdm_dispatch_provider_latency_seconds      histogram
	nexmdm_dispatch_idempotency_hits_total        counter
	nexmdm_acks_total{outcome}                    counter
	nexmdm_alert_ticks_total                      counter
	nexmdm_alert_tick_duration_seconds            histogram
	nexmdm_alert_transitions_total{condition,direction} counter
	nexmdm_partitions_created_total               counter
	nexmdm_partitions_archived_total              counter
	nexmdm_partition_archive_failures_total       counter
	nexmdm_partitions_dropped_total                counter
	nexmdm_registrations_total{outcome}           counter
	nexmdm_registrations_active                   gauge
	nexmdm_registration_queue_wait_seconds        histogram
	nexmdm_reconciliation_duration_seconds        histogram
	nexmdm_reconciliation_rows_fixed_total        counter
	nexmdm_advisory_lock_skipped_total{lock}      counter
	nexmdm_events_dropped_total{reason}           counter
	nexmdm_api_requests_total{route,status}       counter
	nexmdm_api_request_duration_seconds{route}    histogram

# Usage

	metrics.HeartbeatsReceivedTotal.WithLabelValues("created").Inc()

	timer := metrics.NewTimer()
	// ... ingest heartbeat ...
	timer.ObserveDuration(metrics.HeartbeatIngestDuration)

	http.Handle("/metrics", metrics.Handler())

Collector separately polls storage.Store every 15s for gauges that
aren't naturally updated inline by a request path, such as
DevicesTotal.
*/
package metrics
