// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Total task lifecycle transitions",
		},
		[]string{"event", "service"},
	)

	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_queue_depth",
			Help: "Queued tasks per service",
		},
		[]string{"service"},
	)

	TaskRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_running",
			Help: "Running tasks per service",
		},
		[]string{"service"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall time from task start to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
		},
		[]string{"service", "status"},
	)

	// Service readiness metrics
	ServiceReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_ready",
			Help: "Readiness of a registered AI service (1 dispatchable, 0 not)",
		},
		[]string{"service", "state"},
	)

	// Interaction ingestion metrics
	IngestEventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_received_total",
			Help: "Total interaction events received in batches",
		},
	)

	IngestEventsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_persisted_total",
			Help: "Total interaction events written to storage",
		},
	)

	IngestEventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_deduplicated_total",
			Help: "Total interaction events skipped as duplicates",
		},
	)

	IngestEventErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_event_errors_total",
			Help: "Total per-event ingestion failures",
		},
	)

	IngestBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Duration of one interaction batch ingest",
			Buckets: prometheus.DefBuckets,
		},
	)

	SegmentsRecomputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_segments_recomputed_total",
			Help: "Total scene watch segment recomputations",
		},
	)

	SessionsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_sessions_merged_total",
			Help: "Total sessions aliased into a fingerprint-matched session",
		},
	)

	// AI results metrics
	AIRunsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_runs_stored_total",
			Help: "Total AI result runs persisted",
		},
		[]string{"service"},
	)

	AIDetectionsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_detections_stored_total",
			Help: "Total detection timespans persisted",
		},
	)

	// Plugin metrics
	PluginsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plugins_by_status",
			Help: "Plugins per lifecycle status",
		},
		[]string{"status"},
	)

	PluginReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugin_reloads_total",
			Help: "Total plugin reloads",
		},
		[]string{"result"},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	// System metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordTaskEvent records one task lifecycle transition.
func RecordTaskEvent(event, service string) {
	TaskTransitions.WithLabelValues(event, service).Inc()
}

// RecordTaskFinished records a terminal task with its wall time.
func RecordTaskFinished(service, status string, duration time.Duration) {
	TaskDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// UpdateQueueGauges replaces the per-service queue and running gauges from a
// manager snapshot.
func UpdateQueueGauges(queued, running map[string]int) {
	TaskQueueDepth.Reset()
	for service, depth := range queued {
		TaskQueueDepth.WithLabelValues(service).Set(float64(depth))
	}
	TaskRunning.Reset()
	for service, count := range running {
		TaskRunning.WithLabelValues(service).Set(float64(count))
	}
}

// RecordIngestBatch records the outcome of one interaction batch.
func RecordIngestBatch(received, persisted, deduplicated, errored int, duration time.Duration) {
	IngestEventsReceived.Add(float64(received))
	IngestEventsPersisted.Add(float64(persisted))
	IngestEventsDeduplicated.Add(float64(deduplicated))
	IngestEventErrors.Add(float64(errored))
	IngestBatchDuration.Observe(duration.Seconds())
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdatePluginStatuses replaces the plugin status gauge from a status count
// snapshot.
func UpdatePluginStatuses(counts map[string]int) {
	PluginsByStatus.Reset()
	for status, count := range counts {
		PluginsByStatus.WithLabelValues(status).Set(float64(count))
	}
}
