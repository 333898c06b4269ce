// Package metrics provides the control plane's Prometheus instrumentation:
// task lifecycle counters, dispatch outcomes, waiter timeouts, and model
// adapter call latency/retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the control plane emits.
// Construct exactly once at startup with New and thread the pointer
// through Graph/Dispatcher/ModelAdapter construction.
type Metrics struct {
	// TasksCreated counts tasks created, by task kind.
	TasksCreated *prometheus.CounterVec

	// TasksCompleted counts task terminations, by terminal status
	// (completed|failed|cancelled).
	TasksCompleted *prometheus.CounterVec

	// ActiveTasks is a gauge of tasks not yet in a terminal status.
	ActiveTasks prometheus.Gauge

	// DispatchOutcomes counts Dispatcher.Dispatch results, by outcome
	// kind (done|waiting-for-command|waiting-for-user|error).
	DispatchOutcomes *prometheus.CounterVec

	// ToolCalls counts individual tool invocations, by tool name and
	// classification (local|remote|ask-user|cache-flush).
	ToolCalls *prometheus.CounterVec

	// WaiterOutcomes counts Correlator.Await results, by outcome
	// (resolved|remote-error|timeout|cancelled).
	WaiterOutcomes *prometheus.CounterVec

	// RemoteCallDuration measures the time between emitting a
	// command-call frame and its matching command-result, in seconds.
	RemoteCallDuration prometheus.Histogram

	// ModelAdapterDuration measures the latency of a whole Plan or Decide
	// call, including its retries, by role (planner|executor).
	ModelAdapterDuration *prometheus.HistogramVec

	// ModelAdapterRetries counts validation-retry attempts, by role.
	ModelAdapterRetries *prometheus.CounterVec

	// ChannelBackpressure counts Channel Registry sends rejected for a
	// full outbound queue.
	ChannelBackpressure prometheus.Counter
}

// New creates and registers every metric with Prometheus's default
// registry. Call once at application startup.
func New() *Metrics {
	return &Metrics{
		TasksCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_tasks_created_total",
				Help: "Total number of tasks created, by task kind.",
			},
			[]string{"task_kind"},
		),

		TasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_tasks_completed_total",
				Help: "Total number of tasks that reached a terminal status.",
			},
			[]string{"status"},
		),

		ActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskplane_active_tasks",
				Help: "Number of tasks not yet in a terminal status.",
			},
		),

		DispatchOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_dispatch_outcomes_total",
				Help: "Dispatcher.Dispatch outcomes, by outcome kind.",
			},
			[]string{"outcome"},
		),

		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_tool_calls_total",
				Help: "Tool invocations, by tool name and classification.",
			},
			[]string{"tool", "class"},
		),

		WaiterOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_waiter_outcomes_total",
				Help: "Correlator.Await outcomes, by outcome.",
			},
			[]string{"outcome"},
		),

		RemoteCallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskplane_remote_call_duration_seconds",
				Help:    "Time between a command-call frame and its matching command-result.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		ModelAdapterDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskplane_model_adapter_duration_seconds",
				Help:    "Plan/Decide call latency including retries, by role.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"role"},
		),

		ModelAdapterRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskplane_model_adapter_retries_total",
				Help: "Validation-retry attempts, by role.",
			},
			[]string{"role"},
		),

		ChannelBackpressure: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskplane_channel_backpressure_total",
				Help: "Sends rejected because a client's outbound queue was full.",
			},
		),
	}
}
