package cubby

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics wires the engine's operational counters into prometheus
// when Options.Registerer is set, following the optional-metrics pattern
// named in the ambient stack: instruments are always allocated, but only
// registered (and therefore only scraped) if a registerer was given.
type engineMetrics struct {
	writerQueueDepth prometheus.Gauge
	compactionsTotal prometheus.Counter
	dirtFactor       prometheus.Gauge
	commitDuration   prometheus.Histogram

	registered bool
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		writerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubby_writer_queue_depth",
			Help: "Number of write transactions waiting on the single writer slot.",
		}),
		compactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubby_compactions_total",
			Help: "Number of completed online compactions.",
		}),
		dirtFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubby_dirt_factor",
			Help: "Fraction of the live tree's footprint attributable to superseded writes.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cubby_commit_duration_seconds",
			Help:    "Wall-clock time spent committing a transaction's new root.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.writerQueueDepth, m.compactionsTotal, m.dirtFactor, m.commitDuration)
		m.registered = true
	}

	return m
}

func (m *engineMetrics) observeCommit(h *Header) {
	m.dirtFactor.Set(h.dirtFactor())
}

func (m *engineMetrics) observeCompaction() {
	m.compactionsTotal.Inc()
	m.dirtFactor.Set(0)
}

func (m *engineMetrics) observeQueueDepth(n int) {
	m.writerQueueDepth.Set(float64(n))
}

func (m *engineMetrics) timeCommit() func() {
	start := time.Now()
	return func() { m.commitDuration.Observe(time.Since(start).Seconds()) }
}
