package metrics

// Metric names emitted by the monitor.
const (
	MetricPoolSize             = "pool_size"
	MetricTransitions          = "pool_transitions"
	MetricFetchFailures        = "fetch_failures"
	MetricRefreshDuration      = "cache_refresh_duration"
	MetricRefreshContracts     = "cache_contracts"
	MetricNotificationFailures = "notification_failures"
	MetricNotificationsSent    = "notifications_sent"
	MetricTaskOutcomes         = "task_outcomes"
	MetricStaleRemoved         = "pool_stale_removed"
)
