package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	taskTotal    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeStreams      prometheus.Gauge
	streamEventsTotal  *prometheus.CounterVec
	streamDroppedTotal prometheus.Counter

	registrySessions prometheus.Gauge
	registryEvicted  prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec

	agentRunTotal      *prometheus.CounterVec
	agentRunDuration   *prometheus.HistogramVec
	providerRetryTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "task_queue_size",
					Help: "Current queued task count by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_enqueue_total",
					Help: "Total task submissions by lane.",
				},
				[]string{"lane"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_total",
					Help: "Total finished tasks by lane and terminal status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeStreams: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_streams",
					Help: "Current open event stream count.",
				},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Total events published to streams by event type.",
				},
				[]string{"type"},
			),
			streamDroppedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stream_events_dropped_total",
					Help: "Total events dropped due to stream buffer overflow.",
				},
			),
			registrySessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "registry_sessions",
					Help: "Current session count tracked by the agent registry.",
				},
			),
			registryEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "registry_sessions_evicted_total",
					Help: "Total sessions evicted from the agent registry.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_retries_total",
					Help: "Total tool call retry attempts by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent loop runs by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent loop run duration in seconds by provider.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"provider"},
			),
			providerRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_retry_total",
					Help: "Total completion-service retries by provider.",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.activeStreams,
			m.streamEventsTotal,
			m.streamDroppedTotal,
			m.registrySessions,
			m.registryEvicted,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.providerRetryTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all module metrics with the default registry.
// It is safe to call from multiple packages.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordTaskEnqueue records a task submission and the resulting queue depth.
func RecordTaskEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordTaskCompletion records a task reaching a terminal status.
func RecordTaskCompletion(lane, status string, duration time.Duration, queueSize int) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetActiveStreams sets the open stream gauge.
func SetActiveStreams(n int) {
	getMetrics().activeStreams.Set(float64(n))
}

// RecordStreamEvent records an event published to a stream.
func RecordStreamEvent(eventType string) {
	getMetrics().streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordStreamDrop records an event dropped by the overflow policy.
func RecordStreamDrop() {
	getMetrics().streamDroppedTotal.Inc()
}

// SetRegistrySessions sets the tracked session gauge.
func SetRegistrySessions(n int) {
	getMetrics().registrySessions.Set(float64(n))
}

// RecordRegistryEviction records evicted sessions.
func RecordRegistryEviction(n int) {
	getMetrics().registryEvicted.Add(float64(n))
}

// RecordToolExecution records one tool call attempt outcome.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolRetry records a tool call retry attempt.
func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

// RecordAgentRun records a finished agent loop run.
func RecordAgentRun(provider, outcome string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, outcome).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderRetry records a completion-service retry.
func RecordProviderRetry(provider string) {
	getMetrics().providerRetryTotal.WithLabelValues(provider).Inc()
}
