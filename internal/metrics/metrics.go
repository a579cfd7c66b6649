// Package metrics collects and exposes Prometheus metrics for the task
// service: queue saturation, task outcomes, and LLM spend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service reports. Each Collector owns its
// registry so tests can create them independently.
type Collector struct {
	registry *prometheus.Registry

	// Task counters
	tasksSubmitted *prometheus.CounterVec
	tasksRejected  *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec

	// Performance
	taskDuration prometheus.Histogram

	// Queue state
	tasksQueued  prometheus.Gauge
	tasksRunning prometheus.Gauge

	// Pipeline
	stateTransitions *prometheus.CounterVec
	stateRetries     *prometheus.CounterVec

	// LLM spend
	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmCostUSD prometheus.Counter
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_tasks_submitted_total",
			Help: "Total number of tasks accepted into the queue",
		}, []string{"priority"}),
		tasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_tasks_rejected_total",
			Help: "Total number of task submissions rejected at admission",
		}, []string{"reason"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asa_task_duration_seconds",
			Help:    "Wall clock time from dequeue to terminal status",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asa_tasks_queued",
			Help: "Current number of tasks waiting in the queue",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asa_tasks_running",
			Help: "Current number of tasks being executed",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_state_transitions_total",
			Help: "Total number of pipeline state transitions",
		}, []string{"from", "to"}),
		stateRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_state_retries_total",
			Help: "Total number of in-state retries",
		}, []string{"state"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_llm_calls_total",
			Help: "Total number of LLM calls by purpose and model",
		}, []string{"purpose", "model"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asa_llm_tokens_total",
			Help: "Total tokens consumed by direction",
		}, []string{"direction"}),
		llmCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asa_llm_cost_usd_total",
			Help: "Total LLM spend in US dollars",
		}),
	}

	c.registry.MustRegister(
		c.tasksSubmitted,
		c.tasksRejected,
		c.tasksFinished,
		c.taskDuration,
		c.tasksQueued,
		c.tasksRunning,
		c.stateTransitions,
		c.stateRetries,
		c.llmCalls,
		c.llmTokens,
		c.llmCostUSD,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted records a task accepted into the queue.
func (c *Collector) RecordSubmitted(priority string) {
	c.tasksSubmitted.WithLabelValues(priority).Inc()
}

// RecordRejected records a submission bounced at admission.
func (c *Collector) RecordRejected(reason string) {
	c.tasksRejected.WithLabelValues(reason).Inc()
}

// RecordFinished records a task reaching a terminal status.
func (c *Collector) RecordFinished(status string, durationSeconds float64) {
	c.tasksFinished.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		c.taskDuration.Observe(durationSeconds)
	}
}

// UpdateQueueStats sets the queue depth gauges.
func (c *Collector) UpdateQueueStats(queued, running int) {
	c.tasksQueued.Set(float64(queued))
	c.tasksRunning.Set(float64(running))
}

// RecordTransition records one pipeline state transition.
func (c *Collector) RecordTransition(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStateRetry records an in-state retry.
func (c *Collector) RecordStateRetry(state string) {
	c.stateRetries.WithLabelValues(state).Inc()
}

// RecordLLMCall records one gateway call's usage.
func (c *Collector) RecordLLMCall(purpose, model string, promptTokens, completionTokens int, costUSD float64) {
	c.llmCalls.WithLabelValues(purpose, model).Inc()
	c.llmTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	c.llmTokens.WithLabelValues("completion").Add(float64(completionTokens))
	c.llmCostUSD.Add(costUSD)
}
