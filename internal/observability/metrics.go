package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the relay. It
// implements smtp.Metrics and engine.SenderMetrics directly so the same
// registry backs session outcomes, provenance checks, and outbound
// delivery attempts without an adapter layer.
type Metrics struct {
	SessionResultsTotal *prometheus.CounterVec
	ProvenanceTotal     *prometheus.CounterVec

	DeliveryAttemptsTotal  *prometheus.CounterVec
	DeliveryDuration       prometheus.Histogram

	DNSLookupsTotal *prometheus.CounterVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymx",
			Subsystem: "smtp",
			Name:      "session_results_total",
			Help:      "Total inbound SMTP sessions by final reply code.",
		}, []string{"reply_code"}),
		ProvenanceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymx",
			Subsystem: "smtp",
			Name:      "provenance_total",
			Help:      "Total DATA-phase provenance checks by SPF and DKIM outcome.",
		}, []string{"spf_result", "dkim_result"}),

		DeliveryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymx",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total outbound delivery attempts by destination MX host and result.",
		}, []string{"mx_host", "result"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymx",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time to deliver a message to a single destination MX host.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		DNSLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymx",
			Subsystem: "dns",
			Name:      "lookups_total",
			Help:      "Total DNS lookups by record type and result.",
		}, []string{"record_type", "result"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of ops HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaymx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymx",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of ops HTTP requests currently being processed.",
		}),
	}
}

// IncSessionResult implements smtp.Metrics.
func (m *Metrics) IncSessionResult(replyCode int) {
	m.SessionResultsTotal.WithLabelValues(strconv.Itoa(replyCode)).Inc()
}

// IncProvenance implements smtp.Metrics.
func (m *Metrics) IncProvenance(spfResult, dkimResult string) {
	m.ProvenanceTotal.WithLabelValues(spfResult, dkimResult).Inc()
}

// IncDeliveryAttempt implements engine.SenderMetrics.
func (m *Metrics) IncDeliveryAttempt(mxHost, result string) {
	m.DeliveryAttemptsTotal.WithLabelValues(mxHost, result).Inc()
}

// ObserveDeliveryDuration implements engine.SenderMetrics.
func (m *Metrics) ObserveDeliveryDuration(seconds float64) {
	m.DeliveryDuration.Observe(seconds)
}

// IncDNSLookup records a DNS lookup outcome, for resolvers that choose to
// report it.
func (m *Metrics) IncDNSLookup(recordType, result string) {
	m.DNSLookupsTotal.WithLabelValues(recordType, result).Inc()
}

// ObserveHTTPRequest implements server.HTTPMetrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// IncHTTPInFlight implements server.HTTPMetrics.
func (m *Metrics) IncHTTPInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPInFlight implements server.HTTPMetrics.
func (m *Metrics) DecHTTPInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
