// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for upstream latency. The upper end follows the
// default two-minute upstream timeout.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Attempt outcome label values.
const (
	OutcomeSuccess     = "success"
	OutcomeServerError = "server_error"
	OutcomeNetworkErr  = "network_error"
	OutcomeTimeout     = "timeout"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	Attempts   *prometheus.CounterVec
	Failovers  prometheus.Counter
	BothFailed prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "failover_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failover_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "failover_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_proxy_upstream_errors_total",
			Help: "Total upstream transport failures by method and kind.",
		}, []string{"method", "kind"}),

		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_proxy_attempts_total",
			Help: "Upstream attempts by role (primary, backup) and outcome.",
		}, []string{"role", "outcome"}),

		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_proxy_failovers_total",
			Help: "Requests that fell back from the primary to the backup upstream.",
		}),

		BothFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_proxy_both_failed_total",
			Help: "Requests for which neither upstream produced a response.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.Attempts,
		m.Failovers,
		m.BothFailed,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label. Echo reports the matched route
// pattern ("/*" for proxied traffic), never the raw path, so the label set is
// limited to registered routes.
func NormalizeRoute(route string) string {
	if route == "" {
		return "other"
	}
	return route
}
