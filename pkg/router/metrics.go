package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes router counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	lines         *prometheus.CounterVec
	records       *prometheus.CounterVec
	parseFailures *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	readersActive prometheus.Gauge
}

// NewMetrics creates router metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "router",
			Name:      "lines_total",
			Help:      "Total number of lines read from decoder streams",
		}, []string{"stream"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "router",
			Name:      "records_total",
			Help:      "Total number of lines decoded into records",
		}, []string{"stream"}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "router",
			Name:      "parse_failures_total",
			Help:      "Total number of lines discarded because they were not JSON objects",
		}, []string{"stream"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "router",
			Name:      "dispatched_total",
			Help:      "Total number of records enqueued into subscriptions",
		}, []string{"subscription"}),
		readersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "router",
			Name:      "readers_active",
			Help:      "Number of stream readers that have not reached end of stream",
		}),
	}

	for _, c := range []prometheus.Collector{m.lines, m.records, m.parseFailures, m.dispatched, m.readersActive} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordLine(stream string) {
	if m != nil {
		m.lines.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) recordRecord(stream string) {
	if m != nil {
		m.records.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) recordParseFailure(stream string) {
	if m != nil {
		m.parseFailures.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) recordDispatch(subscription string) {
	if m != nil {
		m.dispatched.WithLabelValues(subscription).Inc()
	}
}

func (m *Metrics) readerStarted() {
	if m != nil {
		m.readersActive.Inc()
	}
}

func (m *Metrics) readerStopped() {
	if m != nil {
		m.readersActive.Dec()
	}
}
