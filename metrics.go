package replidb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters through a Prometheus registry. All
// methods are nil-safe so the engine can run without metrics wired.
type Metrics struct {
	reloads      prometheus.Counter
	editsApplied prometheus.Counter
	gets         prometheus.Counter
	getMisses    prometheus.Counter
	iterators    prometheus.Counter
}

// NewMetrics creates engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replidb",
			Name:      "reloads_total",
			Help:      "Number of manifest reload attempts.",
		}),
		editsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replidb",
			Name:      "edits_applied_total",
			Help:      "Number of version edits replayed from the manifest.",
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replidb",
			Name:      "gets_total",
			Help:      "Number of point lookups served.",
		}),
		getMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replidb",
			Name:      "get_misses_total",
			Help:      "Number of point lookups that found no live entry.",
		}),
		iterators: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replidb",
			Name:      "iterators_opened_total",
			Help:      "Number of database iterators opened.",
		}),
	}
	reg.MustRegister(m.reloads, m.editsApplied, m.gets, m.getMisses, m.iterators)
	return m
}

func (m *Metrics) reload() {
	if m != nil {
		m.reloads.Inc()
	}
}

func (m *Metrics) editApplied() {
	if m != nil {
		m.editsApplied.Inc()
	}
}

func (m *Metrics) get(hit bool) {
	if m == nil {
		return
	}
	m.gets.Inc()
	if !hit {
		m.getMisses.Inc()
	}
}

func (m *Metrics) iteratorOpened() {
	if m != nil {
		m.iterators.Inc()
	}
}
