package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job status labels
const (
	JobStatusSuccess = "success"
	JobStatusFailure = "failure"
	JobStatusSkipped = "skipped"
)

// BillingMetrics holds the Prometheus metrics of the billing engine
type BillingMetrics struct {
	// Dues metrics
	DuesCreatedTotal     *prometheus.CounterVec
	DuesTransitionsTotal *prometheus.CounterVec

	// Job metrics
	JobRunsTotal         *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	JobItemFailuresTotal *prometheus.CounterVec
	JobLastSuccess       *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewBillingMetrics creates and registers all billing metrics
func NewBillingMetrics(registry prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		DuesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhouse_dues_created_total",
				Help: "Total number of due records created",
			},
			[]string{"source"},
		),
		DuesTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhouse_dues_transitions_total",
				Help: "Total number of due record state transitions",
			},
			[]string{"to"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhouse_billing_job_runs_total",
				Help: "Total number of billing job runs",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clubhouse_billing_job_duration_seconds",
				Help:    "Billing job duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),
		JobItemFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhouse_billing_job_item_failures_total",
				Help: "Total number of members or records that failed inside a job run",
			},
			[]string{"job"},
		),
		JobLastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clubhouse_billing_job_last_success_timestamp_seconds",
				Help: "Unix time of the last successful job run",
			},
			[]string{"job"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clubhouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clubhouse_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clubhouse_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.DuesCreatedTotal,
		m.DuesTransitionsTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.JobItemFailuresTotal,
		m.JobLastSuccess,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDueCreated counts a created due record by source (backfill, monthly, manual)
func (m *BillingMetrics) RecordDueCreated(source string) {
	if m == nil {
		return
	}
	m.DuesCreatedTotal.WithLabelValues(source).Inc()
}

// RecordTransition counts a state transition into the given status
func (m *BillingMetrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.DuesTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordJob records a finished job run
func (m *BillingMetrics) RecordJob(job, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	if status == JobStatusSkipped {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if status == JobStatusSuccess {
		m.JobLastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
}

// RecordItemFailures adds n per-item failures for a job
func (m *BillingMetrics) RecordItemFailures(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobItemFailuresTotal.WithLabelValues(job).Add(float64(n))
}

// UpdateDBStats copies connection pool statistics into gauges
func (m *BillingMetrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeName maps a request to
// a low-cardinality route label.
func HTTPMetricsMiddleware(metrics *BillingMetrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
