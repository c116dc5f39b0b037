// Package metrics exports the engine's Prometheus metrics (spec §9): task
// counts by terminal status, per-executor breaker state, budget consumption,
// and queue depth. Grounded on the teacher's ai/metrics prometheus exporter,
// trimmed to the counters this engine actually produces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the registry and every collector the engine updates.
type Exporter struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	budgetTokens  prometheus.Gauge
	budgetPercent prometheus.Gauge
	queueDepth    prometheus.Gauge
	reviewRounds  prometheus.Counter
}

// New builds an Exporter registered against a fresh registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Name:      "tasks_total",
			Help:      "Total tasks reaching a terminal status, by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time a task spent RUNNING per attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Name:      "executor_circuit_state",
			Help:      "Per-executor breaker state: 0=closed, 1=half_open, 2=open.",
		}, []string{"executor_id"}),
		budgetTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Name:      "budget_tokens_used",
			Help:      "Cumulative tokens consumed against the run's total_limit.",
		}),
		budgetPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Name:      "budget_percent_used",
			Help:      "Fraction (0-1) of total_limit consumed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Name:      "queue_depth",
			Help:      "Number of READY task ids currently queued for dispatch.",
		}),
		reviewRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Name:      "review_rounds_total",
			Help:      "Total planner review passes executed.",
		}),
	}

	registry.MustRegister(
		e.tasksTotal,
		e.taskDuration,
		e.breakerState,
		e.budgetTokens,
		e.budgetPercent,
		e.queueDepth,
		e.reviewRounds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return e
}

// BreakerStateValue maps a breaker.State string to the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// RecordTaskSettled records one task reaching a terminal status.
func (e *Exporter) RecordTaskSettled(status string, runDuration float64) {
	e.tasksTotal.WithLabelValues(status).Inc()
	e.taskDuration.WithLabelValues(status).Observe(runDuration)
}

// SetBreakerState updates one executor's breaker gauge.
func (e *Exporter) SetBreakerState(executorID string, state string) {
	e.breakerState.WithLabelValues(executorID).Set(BreakerStateValue(state))
}

// SetBudget updates the budget gauges from the governor's current totals.
func (e *Exporter) SetBudget(tokensUsed, totalLimit int64) {
	e.budgetTokens.Set(float64(tokensUsed))
	if totalLimit > 0 {
		e.budgetPercent.Set(float64(tokensUsed) / float64(totalLimit))
	}
}

// SetQueueDepth updates the dispatch-queue depth gauge.
func (e *Exporter) SetQueueDepth(n int) { e.queueDepth.Set(float64(n)) }

// IncReviewRound increments the review-pass counter.
func (e *Exporter) IncReviewRound() { e.reviewRounds.Inc() }

// Handler returns the HTTP handler the status server mounts at /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }
