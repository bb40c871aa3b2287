// Package metrics exposes task lifecycle and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"bgtask/task"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	taskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgtask_task_transitions_total",
			Help: "Total number of task state transitions by target state.",
		},
		[]string{"state"},
	)

	tasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgtask_tasks_active",
			Help: "Number of tasks currently pending or running.",
		},
		[]string{"state"},
	)

	taskRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgtask_task_run_duration_seconds",
			Help:    "Time tasks spent running, by tool and terminal state.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "state"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgtask_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgtask_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(taskTransitionsTotal)
	prometheus.MustRegister(tasksActive)
	prometheus.MustRegister(taskRunDuration)
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// TaskSink records task transitions. It implements task.Sink.
type TaskSink struct{}

func (TaskSink) OnTransition(t task.Transition) {
	taskTransitionsTotal.WithLabelValues(string(t.To)).Inc()

	if t.From == task.StatePending || t.From == task.StateRunning {
		tasksActive.WithLabelValues(string(t.From)).Dec()
	}
	if !t.To.Terminal() {
		tasksActive.WithLabelValues(string(t.To)).Inc()
		return
	}
	if t.Duration > 0 {
		taskRunDuration.WithLabelValues(t.Name, string(t.To)).Observe(t.Duration.Seconds())
	}
}

// Middleware records request count and duration for every HTTP request.
// Uses the gin route pattern (not the raw path) to avoid unbounded cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := c.FullPath()
		if path == "" {
			path = unmatched
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
