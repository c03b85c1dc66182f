package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total number of model provider requests by operation",
		},
		[]string{"operation"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Model provider request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"platform"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"platform"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"platform"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks that exhausted their retry budget",
		},
		[]string{"platform"},
	)
	TasksRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_requeued_total",
			Help: "Total number of task requeues after a recoverable failure",
		},
		[]string{"platform"},
	)
	TasksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dropped_total",
			Help: "Total number of stale queue entries dropped without a detail hash",
		},
		[]string{"platform"},
	)

	DimensionResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dimension_results_total",
			Help: "Per-dimension tagging outcomes",
		},
		[]string{"dimension", "status"},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Total bytes of video downloaded",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksRequeuedTotal)
	prometheus.MustRegister(TasksDroppedTotal)
	prometheus.MustRegister(DimensionResultsTotal)
	prometheus.MustRegister(DownloadBytesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(platform string) {
	TasksEnqueuedTotal.WithLabelValues(platform).Inc()
}

func StartProcessingTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Inc()
}

func CompleteTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Dec()
	TasksCompletedTotal.WithLabelValues(platform).Inc()
}

func FailTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Dec()
	TasksFailedTotal.WithLabelValues(platform).Inc()
}

func RequeueTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Dec()
	TasksRequeuedTotal.WithLabelValues(platform).Inc()
}

// AbandonTask ends a processing pass that could not put the task back on the
// queue; the gauge still returns to its resting value.
func AbandonTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Dec()
}

// DropTask records a stale queue entry discarded because its detail hash no
// longer exists.
func DropTask(platform string) {
	TasksProcessing.WithLabelValues(platform).Dec()
	TasksDroppedTotal.WithLabelValues(platform).Inc()
}

// ObserveDimension records the outcome of a single dimension pass.
func ObserveDimension(dimension, status string) {
	DimensionResultsTotal.WithLabelValues(dimension, status).Inc()
}
