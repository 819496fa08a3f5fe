package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Status machine metrics
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_status_transitions_total",
			Help: "Total number of case status changes",
		},
		[]string{"from", "to"},
	)

	Finalisations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_finalisations_total",
			Help: "Total number of finalisation attempts",
		},
		[]string{"result"},
	)

	// Routing metrics
	QueueMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_queue_movements_total",
			Help: "Total number of queues added to or removed from cases",
		},
		[]string{"direction"},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caseflow_routing_duration_seconds",
			Help:    "Duration of routing rule evaluation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Advice metrics
	AdviceAggregations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_advice_aggregations_total",
			Help: "Total number of aggregated advice rows written",
		},
		[]string{"level", "type"},
	)

	CountersignsInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseflow_countersigns_invalidated_total",
			Help: "Total number of countersignatures marked invalid",
		},
	)

	// SLA metrics
	SLARuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_sla_runs_total",
			Help: "Total number of SLA runs by outcome",
		},
		[]string{"outcome"},
	)

	SLACasesUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseflow_sla_cases_updated_total",
			Help: "Total number of cases whose SLA counters advanced",
		},
	)

	SLARunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caseflow_sla_run_duration_seconds",
			Help:    "Duration of SLA runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	ChasersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseflow_ecju_chasers_dispatched_total",
			Help: "Total number of information request chasers dispatched",
		},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_scheduled_runs_total",
			Help: "Total number of daily scheduler firings by lock result",
		},
		[]string{"lock"},
	)

	// Audit metrics
	AuditEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_audit_entries_total",
			Help: "Total number of audit entries written",
		},
		[]string{"verb"},
	)

	AuditPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caseflow_audit_publish_errors_total",
			Help: "Total number of audit events that failed to publish",
		},
	)

	// Outbound messaging metrics
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_notifications_published_total",
			Help: "Total number of notification requests published",
		},
		[]string{"subject", "status"},
	)

	LicenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseflow_licence_requests_total",
			Help: "Total number of licence lifecycle requests",
		},
		[]string{"action", "status"},
	)
)
