// Package metrics exports request metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/apigw/internal/execution"
)

const namespace = "gateway"

// DefaultBuckets are histogram buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Reporter records the metrics of ended requests. A Reporter owns its
// registry so several gateways can live in one process.
type Reporter struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	endpointDuration *prometheus.HistogramVec
	failures         *prometheus.CounterVec
	endpoints        *prometheus.GaugeVec
}

func NewReporter() *Reporter {
	r := &Reporter{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served, by API, plan and status code.",
		}, []string{"api", "plan", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent in the gateway, excluding the backend call.",
			Buckets:   DefaultBuckets,
		}, []string{"api"}),
		endpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_duration_seconds",
			Help:      "Duration of backend calls.",
			Buckets:   DefaultBuckets,
		}, []string{"api"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Execution failures, by API and failure key.",
		}, []string{"api", "key"}),
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Endpoints of deployed APIs, by group and state.",
		}, []string{"api", "group", "state"}),
	}
	r.registry.MustRegister(
		r.requests, r.requestDuration, r.endpointDuration, r.failures, r.endpoints,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Report records m. It is called once per request when the response ended.
func (r *Reporter) Report(m *execution.Metrics) {
	if r == nil || m == nil {
		return
	}
	r.requests.WithLabelValues(m.APIID, m.Plan, strconv.Itoa(m.Status)).Inc()
	r.requestDuration.WithLabelValues(m.APIID).Observe(m.GatewayLatency.Seconds())
	if !m.EndpointStart.IsZero() {
		r.endpointDuration.WithLabelValues(m.APIID).Observe(m.EndpointLatency.Seconds())
	}
	if m.ErrorKey != "" {
		r.failures.WithLabelValues(m.APIID, m.ErrorKey).Inc()
	}
}

// SetEndpoints sets the number of endpoints of a group in a state
// (enabled or disabled).
func (r *Reporter) SetEndpoints(api, group, state string, n int) {
	if r == nil {
		return
	}
	r.endpoints.WithLabelValues(api, group, state).Set(float64(n))
}

// ForgetAPI drops the series of an undeployed API.
func (r *Reporter) ForgetAPI(api string) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"api": api}
	r.requests.DeletePartialMatch(labels)
	r.requestDuration.DeletePartialMatch(labels)
	r.endpointDuration.DeletePartialMatch(labels)
	r.failures.DeletePartialMatch(labels)
	r.endpoints.DeletePartialMatch(labels)
}

// Registry exposes the registry, mostly for tests.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus text format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
