package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the daemon.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	evalsTotal     *prometheus.CounterVec
	dispatchTotal  *prometheus.CounterVec

	isolatesCreatedTotal  prometheus.Counter
	isolatesReusedTotal   prometheus.Counter
	isolatesEvictedTotal  prometheus.Counter

	evalDuration     prometheus.Histogram
	dispatchDuration prometheus.Histogram

	isolatesActive    prometheus.Gauge
	connectionsActive prometheus.Gauge

	streamChunksTotal prometheus.Counter

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for call duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		registry: registry,

		evalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evals_total",
			Help:      "Total number of eval calls, by outcome.",
		}, []string{"outcome"}),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of dispatchRequest calls, by outcome.",
		}, []string{"outcome"}),

		isolatesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolates_created_total",
			Help:      "Total number of isolates created fresh (not reused).",
		}),

		isolatesReusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolates_reused_total",
			Help:      "Total number of namespace reuse hits on createRuntime.",
		}),

		isolatesEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolates_evicted_total",
			Help:      "Total number of disposed namespace entries evicted under LRU pressure.",
		}),

		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eval_duration_ms",
			Help:      "Duration of eval calls in milliseconds.",
			Buckets:   buckets,
		}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_ms",
			Help:      "Duration of dispatchRequest calls in milliseconds.",
			Buckets:   buckets,
		}),

		isolatesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "isolates_active",
			Help:      "Number of isolates currently live in the namespace registry.",
		}),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of active bridge connections.",
		}),

		streamChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of chunks produced across all streams.",
		}),
	}

	startTime := time.Now()
	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the daemon started.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	registry.MustRegister(
		pm.evalsTotal,
		pm.dispatchTotal,
		pm.isolatesCreatedTotal,
		pm.isolatesReusedTotal,
		pm.isolatesEvictedTotal,
		pm.evalDuration,
		pm.dispatchDuration,
		pm.isolatesActive,
		pm.connectionsActive,
		pm.streamChunksTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusEval records an eval outcome in the Prometheus registry.
func RecordPrometheusEval(durationMs int64, success bool, errKind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.evalsTotal.WithLabelValues(outcomeLabel(success, errKind)).Inc()
	promMetrics.evalDuration.Observe(float64(durationMs))
}

// RecordPrometheusDispatch records a dispatchRequest outcome.
func RecordPrometheusDispatch(durationMs int64, success bool, errKind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchTotal.WithLabelValues(outcomeLabel(success, errKind)).Inc()
	promMetrics.dispatchDuration.Observe(float64(durationMs))
}

func outcomeLabel(success bool, errKind string) string {
	if success {
		return "success"
	}
	if errKind == "" {
		return "error"
	}
	return errKind
}

// RecordPrometheusIsolateCreated increments the fresh-isolate counter and gauge.
func RecordPrometheusIsolateCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.isolatesCreatedTotal.Inc()
	promMetrics.isolatesActive.Inc()
}

// RecordPrometheusIsolateReused increments the reuse-hit counter.
func RecordPrometheusIsolateReused() {
	if promMetrics == nil {
		return
	}
	promMetrics.isolatesReusedTotal.Inc()
}

// RecordPrometheusIsolateEvicted increments the eviction counter and decrements
// the active-isolate gauge.
func RecordPrometheusIsolateEvicted() {
	if promMetrics == nil {
		return
	}
	promMetrics.isolatesEvictedTotal.Inc()
	promMetrics.isolatesActive.Dec()
}

// RecordPrometheusStreamChunk increments the stream chunk counter.
func RecordPrometheusStreamChunk() {
	if promMetrics == nil {
		return
	}
	promMetrics.streamChunksTotal.Inc()
}

// RecordPrometheusActiveConnections sets the active-connections gauge.
func RecordPrometheusActiveConnections(n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsActive.Set(float64(n))
}

// PrometheusHandler returns the HTTP handler for the /metrics scrape endpoint.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, for tests that want to
// gather and assert on specific metric families.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
