/*
Package metrics instruments the request pipeline with Prometheus
counters and gauges. This package has no standing state to poll — a
client library's work happens inline on the caller's goroutine — so
metrics are incremented at the call site instead of collected
periodically.

A nil *Metrics is valid and every method on it is a no-op, so callers
that don't configure a registry pay no instrumentation cost.
*/
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the instruments registered for one Client. Construct
// with New, which registers them on reg (a private registry by
// default — see New's doc).
type Metrics struct {
	calls           *prometheus.CounterVec
	transportTries  *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	rateLimitBlocks prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	bucketLevel     *prometheus.GaugeVec
}

// New registers the client's instruments on reg. If reg is nil, a
// private prometheus.NewRegistry() is used instead of
// prometheus.DefaultRegisterer, so embedding an application doesn't
// collide with its own default registry just by constructing a
// client.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitrix24_calls_total",
			Help: "Total method calls by method and outcome.",
		}, []string{"method", "outcome"}),
		transportTries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitrix24_transport_attempts_total",
			Help: "Total HTTP attempts by status class.",
		}, []string{"status_class"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitrix24_refresh_total",
			Help: "Total OAuth refresh attempts by outcome.",
		}, []string{"outcome"}),
		rateLimitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitrix24_ratelimit_blocks_total",
			Help: "Total hard blocks imposed by the rate limiter.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bitrix24_ratelimit_queue_depth",
			Help: "Current admission queue depth per tenant domain.",
		}, []string{"domain"}),
		bucketLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bitrix24_ratelimit_bucket_level",
			Help: "Current leaky-bucket level per tenant domain.",
		}, []string{"domain"}),
	}
	reg.MustRegister(m.calls, m.transportTries, m.refreshes, m.rateLimitBlocks, m.queueDepth, m.bucketLevel)
	return m
}

func (m *Metrics) CallCompleted(method, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) TransportAttempt(statusClass string) {
	if m == nil {
		return
	}
	m.transportTries.WithLabelValues(statusClass).Inc()
}

func (m *Metrics) RefreshCompleted(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimitBlocked() {
	if m == nil {
		return
	}
	m.rateLimitBlocks.Inc()
}

func (m *Metrics) SetQueueDepth(domain string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(domain).Set(float64(depth))
}

func (m *Metrics) SetBucketLevel(domain string, level float64) {
	if m == nil {
		return
	}
	m.bucketLevel.WithLabelValues(domain).Set(level)
}
