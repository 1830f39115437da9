package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task execution metrics
	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_tasks_executed_total",
			Help: "Total number of task executions by handler type and final status",
		},
		[]string{"handler", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skein_task_duration_seconds",
			Help:    "Task execution duration in seconds by handler type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	TaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_task_retries_total",
			Help: "Total number of task retry attempts by handler type",
		},
		[]string{"handler"},
	)

	// Graph metrics
	GraphsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_graphs_executed_total",
			Help: "Total number of graph executions by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	GraphDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skein_graph_duration_seconds",
			Help:    "End-to-end graph execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ActiveGraphs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_graphs_active",
			Help: "Number of graphs currently executing",
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_events_published_total",
			Help: "Total number of events published by type prefix",
		},
		[]string{"type"},
	)

	EventsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_events_dead_lettered_total",
			Help: "Total number of events moved to the dead letter queue",
		},
	)

	EventDispatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_event_dispatch_errors_total",
			Help: "Total number of subscriber callback failures",
		},
	)

	// Queue metrics
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_queue_size",
			Help: "Current number of entries per queue",
		},
		[]string{"queue"},
	)

	// Worker metrics
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_workers_active",
			Help: "Number of running workers",
		},
	)

	// Billing metrics
	CreditsSpent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_credits_spent_total",
			Help: "Total credits debited by user",
		},
		[]string{"user"},
	)

	// Security metrics
	PermissionDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_permission_denials_total",
			Help: "Total permission denials by reason",
		},
		[]string{"reason"},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(GraphsExecuted)
	prometheus.MustRegister(GraphDuration)
	prometheus.MustRegister(ActiveGraphs)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDeadLettered)
	prometheus.MustRegister(EventDispatchErrors)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(CreditsSpent)
	prometheus.MustRegister(PermissionDenials)
	prometheus.MustRegister(RateLimitRejections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on the given address in a background goroutine
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
