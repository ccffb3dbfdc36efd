// Package metrics provides Prometheus metrics for the comment API.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skyportal_comments"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	CommentMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "mutations_total",
			Help:      "Comment create, update and delete operations by result",
		},
		[]string{"op", "result"},
	)

	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "Durable mention notifications committed",
		},
	)

	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Live push events by kind and delivery result",
		},
		[]string{"kind", "result"},
	)
)

// ObserveMutation records the outcome of a comment mutation.
func ObserveMutation(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CommentMutations.WithLabelValues(op, result).Inc()
}

// ObservePush records a push attempt. kind is "user" or "broadcast".
func ObservePush(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	PushEvents.WithLabelValues(kind, result).Inc()
}

// Middleware records request count, latency and concurrency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
