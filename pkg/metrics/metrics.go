// Package metrics exposes Prometheus instrumentation for the streaming
// substrate and the task queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	StreamsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostflow_streams_created_total",
			Help: "Total number of event streams created",
		},
	)

	StreamsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostflow_streams_finished_total",
			Help: "Total number of streams reaching a terminal status",
		},
		[]string{"status"},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostflow_streams_active",
			Help: "Number of streams currently pending or running",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostflow_events_emitted_total",
			Help: "Total number of events emitted to streams",
		},
		[]string{"type"},
	)

	// Client metrics
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostflow_clients_connected",
			Help: "Number of currently connected stream clients",
		},
	)

	ClientRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostflow_client_recoveries_total",
			Help: "Total number of client reconnects with offset resume",
		},
	)

	EmitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostflow_emit_failures_total",
			Help: "Total number of frames dropped because a client queue was full",
		},
	)

	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostflow_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostflow_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostflow_queue_depth",
			Help: "Number of queued, unclaimed task submissions",
		},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostflow_tasks_running",
			Help: "Number of tasks currently being processed",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ghostflow_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ghostflow_task_tokens_used",
			Help:    "Number of tokens used per task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostflow_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghostflow_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"tool"},
	)
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
