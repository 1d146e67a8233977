// Package observability holds the Prometheus metrics and OpenTelemetry
// helpers shared by the engine components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskforge"

// Metrics is the engine's metric set. A nil *Metrics is valid and records
// nothing, so components can run without a registry in tests.
type Metrics struct {
	AuditRecords       *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	HookRuns           *prometheus.CounterVec
	DispatchJobs       *prometheus.CounterVec
	DispatchAttempts   prometheus.Counter
	QueueDepth         prometheus.Gauge
	WorkerTicks        *prometheus.CounterVec
	WorkerTickDuration prometheus.Histogram
}

// NewMetrics creates the metric set and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Audit records appended, by event type.",
		}, []string{"event_type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Status transition attempts, by outcome.",
		}, []string{"from", "to", "outcome"}),
		HookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "hook_runs_total",
			Help:      "Hook and synchronous action executions.",
		}, []string{"phase", "result"}),
		DispatchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Dispatch jobs finished, by final status.",
		}, []string{"status"}),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch function invocations, including retries.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Jobs currently pending in the dispatch queue.",
		}),
		WorkerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Worker scheduler ticks, by result.",
		}, []string{"result"}),
		WorkerTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Duration of completed worker ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AuditRecords,
			m.Transitions,
			m.HookRuns,
			m.DispatchJobs,
			m.DispatchAttempts,
			m.QueueDepth,
			m.WorkerTicks,
			m.WorkerTickDuration,
		)
	}
	return m
}

// AuditRecorded counts one appended audit record.
func (m *Metrics) AuditRecorded(eventType string) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(eventType).Inc()
}

// Transition counts one transition attempt.
func (m *Metrics) Transition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, outcome).Inc()
}

// HookRun counts one hook or action execution.
func (m *Metrics) HookRun(phase, result string) {
	if m == nil {
		return
	}
	m.HookRuns.WithLabelValues(phase, result).Inc()
}

// DispatchAttempt counts one dispatch function call.
func (m *Metrics) DispatchAttempt() {
	if m == nil {
		return
	}
	m.DispatchAttempts.Inc()
}

// DispatchFinished counts a job reaching a final status.
func (m *Metrics) DispatchFinished(status string) {
	if m == nil {
		return
	}
	m.DispatchJobs.WithLabelValues(status).Inc()
}

// SetQueueDepth reports the pending job count.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// WorkerTick records a tick result and, for completed ticks, its duration.
func (m *Metrics) WorkerTick(result string, seconds float64) {
	if m == nil {
		return
	}
	m.WorkerTicks.WithLabelValues(result).Inc()
	if result == "completed" {
		m.WorkerTickDuration.Observe(seconds)
	}
}
