package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treescan",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treescan",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path"})

	// ScansTotal counts pipeline runs by outcome: ok, invalid, provider_error,
	// detection_error, internal_error.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treescan",
		Subsystem: "scan",
		Name:      "runs_total",
		Help:      "Total scan pipeline runs by outcome",
	}, []string{"outcome"})

	TreesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treescan",
		Subsystem: "scan",
		Name:      "trees_detected_total",
		Help:      "Total trees detected, by species label",
	}, []string{"label"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treescan",
		Subsystem: "scan",
		Name:      "stage_duration_seconds",
		Help:      "Duration of scan pipeline stages",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	LedgerWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "treescan",
		Subsystem: "ledger",
		Name:      "write_errors_total",
		Help:      "Inventory ledger appends that failed and were skipped",
	})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treescan",
		Subsystem: "capture",
		Name:      "saved_total",
		Help:      "Dataset captures saved, by storage outcome",
	}, []string{"storage"})
)

// Middleware records request count and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// ObserveStage records how long a pipeline stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
