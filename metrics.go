package homa

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the internal counters/gauges spec.md section 7 calls out
// ("increment a corresponding metric" on discard-and-meter) plus the grant
// engine's total_incoming gauge. Exporting these over HTTP is out of scope
// (spec.md section 1); Metrics only exposes a constructor taking a
// prometheus.Registerer so an embedder decides whether and how to scrape.
type Metrics struct {
	discards       *prometheus.CounterVec
	grantsEmitted  prometheus.Counter
	fifoGrants     prometheus.Counter
	totalIncoming  prometheus.Gauge
	grantableCount prometheus.Gauge
	handoffs       *prometheus.CounterVec
	reaped         prometheus.Counter
}

// NewMetrics registers the receive-side core's metrics against reg. Passing
// prometheus.NewRegistry() keeps them isolated for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homa",
			Subsystem: "recv",
			Name:      "discards_total",
			Help:      "Packets discarded by reason.",
		}, []string{"reason"}),
		grantsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Subsystem: "grant",
			Name:      "emitted_total",
			Help:      "GRANT control packets emitted.",
		}),
		fifoGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Subsystem: "grant",
			Name:      "fifo_total",
			Help:      "FIFO pity grants emitted.",
		}),
		totalIncoming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Subsystem: "grant",
			Name:      "total_incoming_bytes",
			Help:      "Bytes currently granted and not yet received.",
		}),
		grantableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Subsystem: "grant",
			Name:      "grantable_rpcs",
			Help:      "RPCs currently on the grantable list.",
		}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homa",
			Subsystem: "handoff",
			Name:      "total",
			Help:      "RPC handoffs by target kind.",
		}, []string{"target"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Subsystem: "recv",
			Name:      "reaped_total",
			Help:      "Dead RPCs reaped by the wait loop or the dispatcher.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.discards, m.grantsEmitted, m.fifoGrants,
			m.totalIncoming, m.grantableCount, m.handoffs, m.reaped)
	}
	return m
}

func (m *Metrics) discard(reason DiscardReason) {
	if m == nil {
		return
	}
	m.discards.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) grantEmitted() {
	if m == nil {
		return
	}
	m.grantsEmitted.Inc()
}

func (m *Metrics) fifoGrantEmitted() {
	if m == nil {
		return
	}
	m.fifoGrants.Inc()
}

func (m *Metrics) setTotalIncoming(v int64) {
	if m == nil {
		return
	}
	m.totalIncoming.Set(float64(v))
}

func (m *Metrics) setGrantableCount(v int) {
	if m == nil {
		return
	}
	m.grantableCount.Set(float64(v))
}

func (m *Metrics) handoff(target string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(target).Inc()
}

func (m *Metrics) reap() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}
