// Package metrics exposes the node's Prometheus instrumentation: pool
// occupancy, election counts, current term, and log progress, grouped the
// way hashicorp-nomad and arcology-network-consensus-engine scope their
// subsystem metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the node exports. Components hold a
// possibly-nil *Registry and guard each use with a nil check (disabled
// metrics is a supported configuration, matching how nabbar-golib treats
// its optional instrumentation hooks).
type Registry struct {
	ConnPoolSize       *prometheus.GaugeVec
	TermPoolBusy       prometheus.Gauge
	TermPoolIdle       prometheus.Gauge
	ElectionsStarted   prometheus.Counter
	ElectionsWon       prometheus.Counter
	CurrentTermRound   prometheus.Gauge
	IsLeader           prometheus.Gauge
	LogChosenIndex     prometheus.Gauge
	LogAppliedIndex    prometheus.Gauge
	RequestsTotal      prometheus.Counter
	RequestsRetried    prometheus.Counter
}

// New registers a fresh set of metrics against reg (pass
// prometheus.NewRegistry() for tests, or prometheus.DefaultRegisterer in
// production).
func New(reg prometheus.Registerer, namespace string) *Registry {
	factory := promauto{reg: reg, namespace: namespace}
	return &Registry{
		ConnPoolSize: factory.gaugeVec("connpool_sockets", "Pooled outbound sockets per destination.", []string{"addr"}),
		TermPoolBusy: factory.gauge("termpool_busy_workers", "Currently busy inbound connection workers."),
		TermPoolIdle: factory.gauge("termpool_idle_sockets", "Currently idle inbound sockets."),
		ElectionsStarted: factory.counter("elections_started_total", "Elections this node has initiated."),
		ElectionsWon:     factory.counter("elections_won_total", "Elections this node has won."),
		CurrentTermRound: factory.gauge("term_round", "Current term's round number."),
		IsLeader:         factory.gauge("is_leader", "1 if this node currently believes it is leader."),
		LogChosenIndex:   factory.gauge("log_chosen_index", "Log index most recently marked chosen."),
		LogAppliedIndex:  factory.gauge("log_applied_index", "Highest log index applied."),
		RequestsTotal:    factory.counter("requests_total", "Client requests submitted."),
		RequestsRetried:  factory.counter("requests_retried_total", "Client requests that had to retry against a new leader."),
	}
}

type promauto struct {
	reg       prometheus.Registerer
	namespace string
}

func (p promauto) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: p.namespace, Name: name, Help: help})
	p.reg.MustRegister(g)
	return g
}

func (p promauto) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: p.namespace, Name: name, Help: help})
	p.reg.MustRegister(c)
	return c
}

func (p promauto) gaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: p.namespace, Name: name, Help: help}, labels)
	p.reg.MustRegister(v)
	return v
}
