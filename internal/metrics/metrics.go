package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Firehose metrics
var (
	FirehoseMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_firehose_messages_total",
		Help: "Total number of firehose frames received",
	})

	FirehoseFilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_firehose_filtered_total",
		Help: "Total number of commits skipped because they carried no watched records",
	})

	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfmark_firehose_events_total",
		Help: "Total number of firehose record operations processed",
	}, []string{"collection", "operation"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_firehose_reconnects_total",
		Help: "Total number of firehose reconnect attempts",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})

	FirehoseCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_firehose_cursor",
		Help: "Last committed firehose sequence number",
	})

	IdentityEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_identity_events_total",
		Help: "Total number of identity events applied",
	})
)

// Component health metrics
var (
	ComponentHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shelfmark_component_heartbeat_timestamp_seconds",
		Help: "Unix time of each component's last heartbeat",
	}, []string{"component"})

	ComponentErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfmark_component_errors_total",
		Help: "Total number of errors reported per component",
	}, []string{"component"})

	ReportedMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shelfmark_reported_metric",
		Help: "Ad-hoc values reported by components through the monitor",
	}, []string{"name"})
)

// Write queue metrics
var (
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_write_queue_depth",
		Help: "Number of write requests waiting in the queue",
	})

	WriteQueueFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_write_queue_flushes_total",
		Help: "Total number of write queue batch flushes",
	})

	WriteQueueWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfmark_write_queue_writes_total",
		Help: "Total number of write requests applied",
	}, []string{"table", "operation"})

	WriteQueueRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_write_queue_retries_total",
		Help: "Total number of write retries after busy or locked errors",
	})

	WriteQueueFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfmark_write_queue_failures_total",
		Help: "Total number of write requests that failed permanently",
	})
)

// External metadata metrics
var (
	MetadataRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfmark_metadata_requests_total",
		Help: "Total number of book metadata lookups",
	}, []string{"method", "status"})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_metadata_breaker_state",
		Help: "Metadata circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
)

// Business metrics (gauges updated periodically by collector)
var (
	KnownUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_known_users_total",
		Help: "Total number of unique DIDs in the index",
	})

	IndexedRecordsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_indexed_records_total",
		Help: "Total number of indexed records",
	})

	IndexedRecordsByCollection = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shelfmark_indexed_records_by_collection",
		Help: "Number of indexed records by collection type",
	}, []string{"collection"})

	ActivityEntriesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfmark_activity_entries_total",
		Help: "Total number of activity feed entries",
	})
)
