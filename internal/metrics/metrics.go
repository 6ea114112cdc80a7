package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_tasks_started_total",
			Help: "Total number of research tasks started",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_tasks_completed_total",
			Help: "Total number of research tasks finished, by final status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketscope_task_duration_seconds",
			Help:    "End-to-end research task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Stage metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_stage_executions_total",
			Help: "Total number of pipeline stage executions, by stage and outcome",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketscope_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_agent_executions_total",
			Help: "Total number of agent invocations, by agent and outcome",
		},
		[]string{"agent", "status"},
	)

	// Progress bus metrics
	ProgressEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_progress_events_published_total",
			Help: "Total number of progress events published to the bus",
		},
	)

	ProgressPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_progress_publish_errors_total",
			Help: "Total number of failed progress bus publishes",
		},
	)

	// Task store metrics
	StoreWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_store_writes_total",
			Help: "Total number of task store writes",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_store_errors_total",
			Help: "Total number of task store failures, by operation",
		},
		[]string{"op"},
	)

	// Observer fan-out metrics
	ObserversActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_observers_active",
			Help: "Number of live websocket observers",
		},
	)

	ObserverEventsRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_observer_events_relayed_total",
			Help: "Total number of bus events relayed to observers",
		},
	)

	// Archive metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_archive_writes_total",
			Help: "Total number of task archive writes, by outcome",
		},
		[]string{"status"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketscope_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_circuit_breaker_requests_total",
			Help: "Requests seen by each circuit breaker, by outcome",
		},
		[]string{"name", "outcome"},
	)
)
