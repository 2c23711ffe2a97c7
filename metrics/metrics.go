// Package metrics holds the Prometheus collectors of the storefront service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Metrics implements the observer interfaces of the upstream, auth, bridge and
// middleware packages. A nil *Metrics observes nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	flowsStarted     prometheus.Counter
	flowsFinished    *prometheus.CounterVec
	bridgeOutcomes   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	requestDuration  *prometheus.HistogramVec
}

// New registers the collectors with reg. When reg is nil a private registry is
// used, which keeps tests independent of the default registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		flowsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signin_started_total",
			Help:      "Sign-in flows started.",
		}),
		flowsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signin_finished_total",
			Help:      "Sign-in callbacks by result code.",
		}, []string{"code"}),
		bridgeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_total",
			Help:      "Identity bridge calls by outcome.",
		}, []string{"outcome"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Outbound call latency by operation and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FlowStarted() {
	if m == nil {
		return
	}
	m.flowsStarted.Inc()
}

func (m *Metrics) FlowFinished(code string) {
	if m == nil {
		return
	}
	m.flowsFinished.WithLabelValues(code).Inc()
}

func (m *Metrics) BridgeFinished(outcome string) {
	if m == nil {
		return
	}
	m.bridgeOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveUpstream records an outbound call. status 0 is recorded as "error".
func (m *Metrics) ObserveUpstream(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(op, statusLabel(status)).Observe(d.Seconds())
}

// ObserveRequest records an inbound request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, statusLabel(status)).Observe(d.Seconds())
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
