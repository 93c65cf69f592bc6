// Package metrics defines the Prometheus instruments exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_events_total",
			Help: "Total number of raw events submitted",
		},
		[]string{"source", "status"},
	)

	NormalizationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_normalization_errors_total",
			Help: "Total number of envelopes rejected by the normalizer",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsrelay_queue_depth",
			Help: "Current depth of the pipeline event queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsrelay_queue_capacity",
			Help: "Maximum capacity of the pipeline event queue",
		},
	)

	// Routing metrics
	RoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_routed_total",
			Help: "Total routing decisions by rule and strategy",
		},
		[]string{"rule", "strategy"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_deliveries_total",
			Help: "Total deliveries by target and status",
		},
		[]string{"target", "status"},
	)

	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_dead_letters_total",
			Help: "Total events written to the dead-letter queue",
		},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsrelay_routing_duration_seconds",
			Help:    "Duration of routing decisions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Correlation metrics
	ActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsrelay_correlation_active_groups",
			Help: "Number of open correlation groups",
		},
	)

	AggregatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_correlation_aggregates_total",
			Help: "Total aggregate notifications emitted",
		},
	)

	// Incident metrics
	IncidentsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_incidents_created_total",
			Help: "Total incidents created",
		},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_incident_transitions_total",
			Help: "Total incident transitions by target state",
		},
		[]string{"to"},
	)

	// Archive metrics
	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_archive_errors_total",
			Help: "Total archive write failures",
		},
	)
)
