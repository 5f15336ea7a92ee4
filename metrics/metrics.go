// Package metrics exposes the proxy statistics as prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ghettovoice/sipproxy/sip"
)

const namespace = "sipproxy"

// Direction of a message relative to the proxy.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Routing outcomes recorded by [Metrics.RoutingDone].
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
)

// Metrics holds all collectors of the proxy.
type Metrics struct {
	transactions      *prometheus.GaugeVec
	messages          *prometheus.CounterVec
	routingAttempts   *prometheus.CounterVec
	routingResults    *prometheus.CounterVec
	dnsQueries        *prometheus.CounterVec
	dnsQueryDuration  prometheus.Histogram
	targetCacheHits   *prometheus.CounterVec
	targetCacheSize   prometheus.Gauge
	blacklistHits     prometheus.Counter
	blacklistInserts  *prometheus.CounterVec
	blacklistSize     prometheus.Gauge
	connections       *prometheus.GaugeVec
	routingLogicPanic prometheus.Counter
}

// New creates the collectors and registers them in reg.
// If reg is nil, [prometheus.DefaultRegisterer] is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		transactions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Number of live transactions by type.",
		}, []string{"type"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Number of SIP messages by direction, transport and kind.",
		}, []string{"direction", "transport", "kind"}),
		routingAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "attempts_total",
			Help:      "Number of client transactions started by the routing core.",
		}, []string{"method"}),
		routingResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "results_total",
			Help:      "Number of finished routing procedures by outcome and code.",
		}, []string{"method", "outcome", "code"}),
		dnsQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dns",
			Name:      "queries_total",
			Help:      "Number of RFC 3263 resolutions by result.",
		}, []string{"result"}),
		dnsQueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dns",
			Name:      "query_duration_seconds",
			Help:      "Duration of asynchronous RFC 3263 resolutions.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		targetCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dns",
			Name:      "cache_lookups_total",
			Help:      "Number of target cache lookups by result.",
		}, []string{"result"}),
		targetCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dns",
			Name:      "cache_entries",
			Help:      "Number of entries in the target cache.",
		}),
		blacklistHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blacklist",
			Name:      "hits_total",
			Help:      "Number of targets skipped because they are blacklisted.",
		}),
		blacklistInserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blacklist",
			Name:      "inserts_total",
			Help:      "Number of blacklisted targets by failure code.",
		}, []string{"code"}),
		blacklistSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blacklist",
			Name:      "entries",
			Help:      "Number of blacklisted targets.",
		}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Number of open connections by transport.",
		}, []string{"transport"}),
		routingLogicPanic: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "logic_panics_total",
			Help:      "Number of routing logic invocations that panicked.",
		}),
	}
}

// TransactionsChanged is meant to be passed to [sip.NewTables] as onChange callback.
func (m *Metrics) TransactionsChanged(typ sip.TransactionType, n int) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(string(typ)).Set(float64(n))
}

// Message counts a sent or received message.
func (m *Metrics) Message(dir Direction, proto sip.TransportProto, msg sip.Message) {
	if m == nil {
		return
	}
	kind := "response"
	if _, ok := msg.(*sip.Request); ok {
		kind = "request"
	}
	m.messages.WithLabelValues(string(dir), proto.Param(), kind).Inc()
}

// RoutingAttempt counts a client transaction started for the request method.
func (m *Metrics) RoutingAttempt(method sip.RequestMethod) {
	if m == nil {
		return
	}
	m.routingAttempts.WithLabelValues(string(method)).Inc()
}

// RoutingDone counts a finished routing procedure. code is the failure code
// for errors or the final status for responses.
func (m *Metrics) RoutingDone(method sip.RequestMethod, outcome, code string) {
	if m == nil {
		return
	}
	m.routingResults.WithLabelValues(string(method), outcome, code).Inc()
}

// RoutingLogicPanic counts a recovered routing logic panic.
func (m *Metrics) RoutingLogicPanic() {
	if m == nil {
		return
	}
	m.routingLogicPanic.Inc()
}

// DNSQuery records a finished resolution. result is "ok" or the error symbol.
// Synchronous resolutions are passed with zero duration and not observed.
func (m *Metrics) DNSQuery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dnsQueries.WithLabelValues(result).Inc()
	if d > 0 {
		m.dnsQueryDuration.Observe(d.Seconds())
	}
}

// TargetCacheLookup counts a target cache lookup.
func (m *Metrics) TargetCacheLookup(hit bool) {
	if m == nil {
		return
	}
	res := "miss"
	if hit {
		res = "hit"
	}
	m.targetCacheHits.WithLabelValues(res).Inc()
}

// TargetCacheSize sets the number of cached destinations.
func (m *Metrics) TargetCacheSize(n int) {
	if m == nil {
		return
	}
	m.targetCacheSize.Set(float64(n))
}

// BlacklistHit counts a skipped target.
func (m *Metrics) BlacklistHit() {
	if m == nil {
		return
	}
	m.blacklistHits.Inc()
}

// BlacklistInsert counts a blacklisted target and sets the new list size.
func (m *Metrics) BlacklistInsert(code string, size int) {
	if m == nil {
		return
	}
	m.blacklistInserts.WithLabelValues(code).Inc()
	m.blacklistSize.Set(float64(size))
}

// BlacklistSize sets the number of blacklisted targets.
func (m *Metrics) BlacklistSize(n int) {
	if m == nil {
		return
	}
	m.blacklistSize.Set(float64(n))
}

// ConnectionOpened increments the open connections gauge.
func (m *Metrics) ConnectionOpened(proto sip.TransportProto) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(proto.Param()).Inc()
}

// ConnectionClosed decrements the open connections gauge.
func (m *Metrics) ConnectionClosed(proto sip.TransportProto) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(proto.Param()).Dec()
}
