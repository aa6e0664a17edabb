// Package monitoring provides Prometheus metrics for the causeway pipeline.
//
// Usage:
//
//  1. Setup the metrics endpoint in your main function:
//     router := gin.New()
//     monitoring.SetupPrometheusMetrics(router)
//
//  2. Add HTTP metrics middleware:
//     router.Use(monitoring.HTTPMetricsMiddleware())
//
//  3. Record pipeline metrics where work happens:
//     monitoring.RecordIngestedPoints(len(points))
//     monitoring.RecordAnomalyDetected(service, metric)
//     monitoring.RecordIncidentCreated()
//     monitoring.RecordRCARun("completed", time.Since(start))
//     monitoring.RecordStoreOperation("insert", "anomalies", time.Since(start), err == nil)
package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causeway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ingestedPointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "causeway_ingested_points_total",
			Help: "Total number of metric points accepted for ingestion",
		},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"service", "metric"},
	)

	incidentsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "causeway_incidents_created_total",
			Help: "Total number of incidents created by the grouper",
		},
	)

	rcaRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_rca_runs_total",
			Help: "Total number of RCA runs",
		},
		[]string{"status"}, // completed, failed
	)

	rcaRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "causeway_rca_run_duration_seconds",
			Help:    "End-to-end RCA run duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25, 50, 100},
		},
	)

	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "table", "status"},
	)

	storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "causeway_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "table"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// SetupPrometheusMetrics registers the pipeline metrics and exposes /metrics
func SetupPrometheusMetrics(router gin.IRoutes) {
	_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "causeway_build_info",
		Help: "Build information for causeway",
		ConstLabels: prometheus.Labels{
			"component":  "causeway",
			"go_version": "1.24",
		},
	}, func() float64 { return 1 }))

	// Ignore AlreadyRegistered so multiple callers are safe
	_ = prometheus.Register(httpRequestsTotal)
	_ = prometheus.Register(httpRequestDuration)
	_ = prometheus.Register(ingestedPointsTotal)
	_ = prometheus.Register(anomaliesDetectedTotal)
	_ = prometheus.Register(incidentsCreatedTotal)
	_ = prometheus.Register(rcaRunsTotal)
	_ = prometheus.Register(rcaRunDuration)
	_ = prometheus.Register(storeOperationsTotal)
	_ = prometheus.Register(storeOperationDuration)
	_ = prometheus.Register(errorsTotal)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetricsMiddleware collects HTTP request metrics
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		endpoint := normalizeEndpoint(c.Request.URL.Path)

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorsTotal.WithLabelValues("http", endpoint).Inc()
		}
	}
}

// RecordIngestedPoints counts accepted metric points
func RecordIngestedPoints(count int) {
	ingestedPointsTotal.Add(float64(count))
}

// RecordAnomalyDetected counts detector emissions
func RecordAnomalyDetected(service, metric string) {
	anomaliesDetectedTotal.WithLabelValues(service, metric).Inc()
}

// RecordIncidentCreated counts grouper incident creations
func RecordIncidentCreated() {
	incidentsCreatedTotal.Inc()
}

// RecordRCARun records the outcome and duration of an RCA run
func RecordRCARun(status string, duration time.Duration) {
	rcaRunsTotal.WithLabelValues(status).Inc()
	rcaRunDuration.Observe(duration.Seconds())
	if status == "failed" {
		errorsTotal.WithLabelValues("rca", "worker").Inc()
	}
}

// RecordStoreOperation records store operation metrics
func RecordStoreOperation(operation, table string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("store", table).Inc()
	}

	storeOperationsTotal.WithLabelValues(operation, table, status).Inc()
	storeOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// normalizeEndpoint collapses resource ids so metric cardinality stays bounded
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if looksLikeID(part) && i > 0 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// looksLikeID matches UUIDs and purely numeric path segments
func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
