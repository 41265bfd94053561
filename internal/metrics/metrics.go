// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsroom"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TasksTotal         *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	BudgetDecisions    *prometheus.CounterVec
	BreakerEvents      *prometheus.CounterVec
	MonitorEntries     *prometheus.CounterVec
	GenerationCost     *prometheus.CounterVec
	TasksRequeuedTotal prometheus.Counter
}

// New creates and registers all collectors on reg (default registerer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Tasks finished by type and terminal status",
		}, []string{"type", "status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage handlers",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		BudgetDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Permission checks by enforcement action",
		}, []string{"service", "action"}),
		BreakerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "events_total",
			Help:      "Circuit breaker events (short_circuit, probe, failure, opened, closed)",
		}, []string{"event"}),
		MonitorEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "entries_total",
			Help:      "Feed entries seen by the monitor by outcome",
		}, []string{"outcome"}),
		GenerationCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "cost_total",
			Help:      "Recorded generative spend by service",
		}, []string{"service"}),
		TasksRequeuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_requeued_total",
			Help:      "Deferred tasks requeued by the sweep",
		}),
	}
}

// TaskFinished counts a terminal task outcome and its duration.
func (m *Metrics) TaskFinished(taskType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.StageDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

// BudgetDecision counts a permission check outcome.
func (m *Metrics) BudgetDecision(service, action string) {
	if m == nil {
		return
	}
	m.BudgetDecisions.WithLabelValues(service, action).Inc()
}

// BreakerEvent counts a circuit breaker event.
func (m *Metrics) BreakerEvent(event string) {
	if m == nil {
		return
	}
	m.BreakerEvents.WithLabelValues(event).Inc()
}

// MonitorEntry counts a feed entry outcome (enqueued, duplicate, discarded, invalid).
func (m *Metrics) MonitorEntry(outcome string) {
	if m == nil {
		return
	}
	m.MonitorEntries.WithLabelValues(outcome).Inc()
}

// Spend adds recorded generative cost.
func (m *Metrics) Spend(service string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.GenerationCost.WithLabelValues(service).Add(cost)
}

// Requeued counts deferred tasks spawned again.
func (m *Metrics) Requeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksRequeuedTotal.Add(float64(n))
}
