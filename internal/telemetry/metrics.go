package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Saga metrics
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_received_total",
			Help: "Total number of events delivered to the saga manager",
		},
		[]string{"type"},
	)

	EventsIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_ignored_total",
			Help: "Total number of events that produced no transition",
		},
		[]string{"reason"}, // no_saga, ended, duplicate_start, no_transition
	)

	CommandsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_commands_dispatched_total",
			Help: "Total number of commands dispatched",
		},
		[]string{"type"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total number of state transitions",
		},
		[]string{"from", "to"},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Total number of sagas reaching a terminal state",
		},
		[]string{"outcome"}, // Completed, Failed
	)

	TimeoutChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timeout_checks_total",
			Help: "Total number of timeout checks handled",
		},
		[]string{"action"}, // logged, compensated
	)

	ActiveSagas = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active",
			Help: "Number of sagas started and not yet terminated by this process",
		},
	)

	HandleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_handle_duration_seconds",
			Help:    "Time to handle one event end to end",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Journal metrics
	JournalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_journal_write_duration_seconds",
			Help:    "Time to append events to the journal",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// Scheduler metrics
	ScheduledEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_scheduled_events_total",
			Help: "Total number of deferred events by lifecycle step",
		},
		[]string{"step"}, // scheduled, delivered, requeued
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	EventAcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_event_acks_total",
			Help: "Total number of consumed events by acknowledgement",
		},
		[]string{"ack"}, // ack, nak, term
	)
)
