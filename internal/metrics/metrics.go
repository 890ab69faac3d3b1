// Package metrics exposes the service's Prometheus instrumentation: HTTP
// request counts/latency, storage operation counts/latency, and janitor
// pass outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the registry and every metric this service publishes.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StorageOpsTotal   *prometheus.CounterVec
	StorageOpDuration *prometheus.HistogramVec
	StorageOpErrors   *prometheus.CounterVec

	JanitorPassesTotal     *prometheus.CounterVec
	JanitorPointsDropped   prometheus.Counter
	JanitorPointsCompacted prometheus.Counter

	HotSeriesScore *prometheus.GaugeVec
}

// New creates a Collector with a fresh registry and registers every metric
// against it.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kakoidb_http_requests_total",
			Help: "Total HTTP requests, by route, method, and status code.",
		}, []string{"route", "method", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kakoidb_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		StorageOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kakoidb_storage_ops_total",
			Help: "Total storage engine operations, by operation.",
		}, []string{"op"}),

		StorageOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kakoidb_storage_op_duration_seconds",
			Help:    "Storage engine operation latency in seconds, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		StorageOpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kakoidb_storage_op_errors_total",
			Help: "Total storage engine operation failures, by operation and error kind.",
		}, []string{"op", "kind"}),

		JanitorPassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kakoidb_janitor_passes_total",
			Help: "Total janitor passes, by outcome.",
		}, []string{"outcome"}),

		JanitorPointsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "kakoidb_janitor_points_dropped_total",
			Help: "Total points deleted by retention garbage collection.",
		}),

		JanitorPointsCompacted: f.NewCounter(prometheus.CounterOpts{
			Name: "kakoidb_janitor_points_compacted_total",
			Help: "Total raw points folded into compacted aggregates.",
		}),

		HotSeriesScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kakoidb_hot_series_score",
			Help: "Decayed access score of the hottest tracked series.",
		}, []string{"series"}),
	}
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
