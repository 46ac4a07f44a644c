package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_events_published_total",
			Help: "Outbox events written, by tenant and event name",
		},
		[]string{"tenant_id", "event_name"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_events_dispatched_total",
			Help: "Events handed to the worker pool, by tenant",
		},
		[]string{"tenant_id"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_events_processed_total",
			Help: "Processing outcomes, by event name and status",
		},
		[]string{"event_name", "status"},
	)

	EventRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_event_retries_total",
			Help: "Handler attempts beyond the first, by event name",
		},
		[]string{"event_name"},
	)

	PendingBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maintrail_pending_backlog",
			Help: "Pending outbox rows observed at dispatch time, by tenant",
		},
		[]string{"tenant_id"},
	)

	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintrail_process_duration_seconds",
			Help:    "Per-event processing duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_name"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_http_requests_total",
			Help: "Ops API requests, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	LedgerPostings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintrail_ledger_postings_total",
			Help: "Cost transactions created or skipped, by sub-ledger type",
		},
		[]string{"type", "outcome"},
	)
)
