package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Work item metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_work_items_total",
			Help: "Total number of work items by cold state",
		},
		[]string{"cold_state"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_agents_total",
			Help: "Total number of registered agents by type and status",
		},
		[]string{"type", "status"},
	)

	LeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_leases_held",
			Help: "Current number of held file leases",
		},
	)

	// Coordination mode metrics
	CoordinationMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_coordination_mode",
			Help: "Whether the Hub is currently in the given coordination mode (1 = active)",
		},
		[]string{"mode"},
	)

	ModeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_mode_transitions_total",
			Help: "Total number of coordination mode transitions",
		},
		[]string{"from", "to"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_scheduling_latency_seconds",
			Help:    "Time taken to complete one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkItemsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_work_items_scheduled_total",
			Help: "Total number of (agent, work item) assignments made",
		},
	)

	WorkItemsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_work_items_skipped_total",
			Help: "Total number of eligible work items skipped in a scheduling pass, by reason",
		},
		[]string{"reason"},
	)

	// Lease metrics
	LeaseAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_lease_acquire_duration_seconds",
			Help:    "Time taken to acquire a set of file leases in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaseConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_lease_conflicts_total",
			Help: "Total number of lease acquisition attempts that hit a conflict",
		},
	)

	// Registry metrics
	AgentCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_agent_crashes_total",
			Help: "Total number of agents detected as crashed",
		},
	)

	// Bus metrics
	BusMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_bus_messages_published_total",
			Help: "Total number of messages published, by channel",
		},
		[]string{"channel"},
	)

	BusHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_bus_handler_errors_total",
			Help: "Total number of handler panics/errors, by channel",
		},
		[]string{"channel"},
	)

	BusMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_bus_messages_dropped_total",
			Help: "Total number of messages dropped from the transitioning queue",
		},
		[]string{"channel"},
	)

	// Sync metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_reconciliation_duration_seconds",
			Help:    "Time taken for a state-sync reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_reconciliation_conflicts_total",
			Help: "Total number of reconciliation conflicts detected, by class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkItemsTotal,
		AgentsTotal,
		LeasesHeld,
		CoordinationMode,
		ModeTransitionsTotal,
		SchedulingLatency,
		WorkItemsScheduled,
		WorkItemsSkipped,
		LeaseAcquireDuration,
		LeaseConflictsTotal,
		AgentCrashesTotal,
		BusMessagesPublished,
		BusHandlerErrorsTotal,
		BusMessagesDropped,
		ReconciliationDuration,
		ReconciliationConflictsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
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
