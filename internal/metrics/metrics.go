// Package metrics provides Prometheus metrics for the claps orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	ApprovalsTotal  *prometheus.CounterVec
	AgentRunsActive prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claps_tasks_total",
				Help: "Total number of tasks by source and final status.",
			},
			[]string{"source", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claps_task_duration_seconds",
				Help:    "Task processing duration by source.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"source"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claps_approvals_total",
				Help: "Tool approval decisions by tool and result.",
			},
			[]string{"tool", "result"},
		),
		AgentRunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "claps_agent_runs_active",
				Help: "Number of agent subprocesses currently running.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claps_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TasksTotal)
	reg.MustRegister(m.TaskDuration)
	reg.MustRegister(m.ApprovalsTotal)
	reg.MustRegister(m.AgentRunsActive)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTask increments the task counter.
func (m *Metrics) RecordTask(source, status string) {
	m.TasksTotal.WithLabelValues(source, status).Inc()
}

// ObserveTaskDuration records task processing duration.
func (m *Metrics) ObserveTaskDuration(source string, seconds float64) {
	m.TaskDuration.WithLabelValues(source).Observe(seconds)
}

// RecordApproval increments the approval counter.
func (m *Metrics) RecordApproval(tool, result string) {
	m.ApprovalsTotal.WithLabelValues(tool, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
