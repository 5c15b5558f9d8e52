package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics records connection and assignment activity. All
// methods are safe on a nil receiver so callers never gate on enabled
// metrics.
type CoordinatorMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	assignments         *prometheus.CounterVec
	resultsApplied      *prometheus.CounterVec
	resultsDropped      *prometheus.CounterVec
	jobPhase            prometheus.Gauge
}

// NewCoordinatorMetrics creates the coordinator metric set, or nil when
// metrics are disabled.
func NewCoordinatorMetrics() *CoordinatorMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &CoordinatorMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quern_connections_accepted_total",
			Help: "Total worker connections accepted",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quern_connections_closed_total",
			Help: "Total worker connections closed",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quern_active_connections",
			Help: "Currently connected workers",
		}),
		assignments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quern_assignments_total",
			Help: "Assignments dispatched to workers by verb",
		}, []string{"verb"}),
		resultsApplied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quern_results_applied_total",
			Help: "Worker results applied to job state by kind",
		}, []string{"kind"}),
		resultsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quern_results_dropped_total",
			Help: "Late or duplicate worker results dropped by kind",
		}, []string{"kind"}),
		jobPhase: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quern_job_phase",
			Help: "Current job phase (0=start 1=mapping 2=reducing 3=finished)",
		}),
	}
}

// RecordConnectionAccepted counts an accepted worker connection.
func (m *CoordinatorMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

// RecordConnectionClosed counts a closed worker connection.
func (m *CoordinatorMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

// SetActiveConnections updates the live connection gauge.
func (m *CoordinatorMetrics) SetActiveConnections(n int32) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

// RecordAssignment counts a dispatched assignment.
func (m *CoordinatorMetrics) RecordAssignment(verb string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(verb).Inc()
}

// RecordResult counts a worker result, applied or dropped.
func (m *CoordinatorMetrics) RecordResult(kind string, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.resultsApplied.WithLabelValues(kind).Inc()
	} else {
		m.resultsDropped.WithLabelValues(kind).Inc()
	}
}

// SetJobPhase updates the phase gauge.
func (m *CoordinatorMetrics) SetJobPhase(phase int) {
	if m == nil {
		return
	}
	m.jobPhase.Set(float64(phase))
}
