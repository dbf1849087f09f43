package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for chiseld.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	endpointInstallsTotal *prometheus.CounterVec
	endpointVersion       *prometheus.GaugeVec

	compileDuration prometheus.Histogram

	rowsStreamedTotal *prometheus.CounterVec
	rowsSkippedTotal  *prometheus.CounterVec

	policyReloadsTotal *prometheus.CounterVec

	activeRequests prometheus.Gauge
	vmThreads      prometheus.Gauge
	uptime         prometheus.GaugeFunc

	breakerState *prometheus.GaugeVec
}

// Default histogram buckets for dispatch duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem. Before it
// is called every Record*/Set* free function below is a no-op, so tests
// and metric-disabled deployments need no special casing.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total endpoint dispatches",
			},
			[]string{"path", "status"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_milliseconds",
				Help:      "Duration of endpoint dispatches in milliseconds",
				Buckets:   buckets,
			},
			[]string{"path"},
		),

		endpointInstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_installs_total",
				Help:      "define_endpoint outcomes",
			},
			[]string{"result"},
		),

		endpointVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_version",
				Help:      "Latest installed version per endpoint path",
			},
			[]string{"path"},
		),

		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_milliseconds",
				Help:      "Duration of endpoint source compilation in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		rowsStreamedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_streamed_total",
				Help:      "Rows yielded through query_next",
			},
			[]string{"type"},
		),

		rowsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_skipped_total",
				Help:      "Rows dropped by match_login policy checks",
			},
			[]string{"type"},
		),

		policyReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy document load outcomes",
			},
			[]string{"result"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently in-flight dispatches",
			},
		),

		vmThreads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_threads",
				Help:      "Number of running VM threads",
			},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half_open)",
			},
			[]string{"backend"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.dispatchesTotal,
		pm.dispatchDuration,
		pm.endpointInstallsTotal,
		pm.endpointVersion,
		pm.compileDuration,
		pm.rowsStreamedTotal,
		pm.rowsSkippedTotal,
		pm.policyReloadsTotal,
		pm.activeRequests,
		pm.vmThreads,
		pm.uptime,
		pm.breakerState,
	)

	promMetrics = pm
}

// RecordPrometheusDispatch records one endpoint dispatch.
func RecordPrometheusDispatch(path string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.dispatchesTotal.WithLabelValues(path, status).Inc()
	promMetrics.dispatchDuration.WithLabelValues(path).Observe(float64(durationMs))
}

// RecordPrometheusEndpointInstall records a define_endpoint outcome and,
// on success, the new current version for the path.
func RecordPrometheusEndpointInstall(path string, version uint64, success bool) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	promMetrics.endpointInstallsTotal.WithLabelValues(result).Inc()
	if success {
		promMetrics.endpointVersion.WithLabelValues(path).Set(float64(version))
	}
}

// ObserveCompileDuration records how long one source compilation took.
func ObserveCompileDuration(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.compileDuration.Observe(float64(durationMs))
}

// RecordPrometheusRowStreamed records one row yielded through query_next.
func RecordPrometheusRowStreamed(typeName string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rowsStreamedTotal.WithLabelValues(typeName).Inc()
}

// RecordRowSkipped records a row dropped by a match_login check.
func RecordRowSkipped(typeName string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rowsSkippedTotal.WithLabelValues(typeName).Inc()
}

// RecordPrometheusPolicyReload records a policy document load outcome.
func RecordPrometheusPolicyReload(success bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.policyReloadsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// IncActiveRequests increments the in-flight dispatch gauge.
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight dispatch gauge.
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// SetVMThreads records how many VM threads the daemon is running.
func SetVMThreads(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmThreads.Set(float64(count))
}

// SetBreakerState records a circuit breaker's current state
// (0=closed, 1=open, 2=half_open).
func SetBreakerState(backend string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(backend).Set(float64(state))
}

// PrometheusHandler returns the scrape handler for the registry.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry for custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
