package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collection metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsight_events_emitted_total",
			Help: "Events emitted into the spool, by type and source",
		},
		[]string{"type", "source"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provsight_events_dropped_total",
			Help: "Events dropped because the sink queue was full",
		},
	)

	CollectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsight_collector_errors_total",
			Help: "Collector tick failures, by collector",
		},
		[]string{"collector"},
	)

	// Spool metrics
	SpoolDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provsight_spool_depth",
			Help: "Events currently pending delivery",
		},
	)

	SpoolDiskErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provsight_spool_disk_errors_total",
			Help: "Journal write failures (spool degrades to memory-only)",
		},
	)

	// Upload metrics
	UploadBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsight_upload_batches_total",
			Help: "Upload cycles by outcome (delivered, failed, auth_rejected)",
		},
		[]string{"outcome"},
	)

	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provsight_upload_retries_total",
			Help: "In-cycle upload retry attempts",
		},
	)

	// Config metrics
	ConfigRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsight_config_refreshes_total",
			Help: "Remote config refresh attempts by outcome (applied, unchanged, failed)",
		},
		[]string{"outcome"},
	)

	// Tracker metrics
	CurrentPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provsight_enrollment_phase",
			Help: "Numeric value of the current enrollment phase",
		},
	)
)
