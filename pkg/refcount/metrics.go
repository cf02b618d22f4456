package refcount

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives cache lifecycle events. Implementations must be safe
// for concurrent use.
type Metrics interface {
	// Acquired is called on every Acquire; created reports whether the
	// call constructed a new instance (a cache miss).
	Acquired(created bool)
	// Released is called on every Release of a known key; freed reports
	// whether the entry reached refcount zero and was torn down.
	Released(freed bool)
	// SetLive reports the live entry count after a create or free.
	SetLive(n int)
}

type nopMetrics struct{}

func (nopMetrics) Acquired(bool) {}
func (nopMetrics) Released(bool) {}
func (nopMetrics) SetLive(int)   {}

// PrometheusMetrics exports cache counters to a Prometheus registry.
type PrometheusMetrics struct {
	acquires *prometheus.CounterVec
	releases *prometheus.CounterVec
	live     prometheus.Gauge
}

var _ Metrics = &PrometheusMetrics{}

// NewPrometheusMetrics creates cache metrics under the given subsystem
// name and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer, subsystem string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activeview",
			Subsystem: subsystem,
			Name:      "cache_acquires_total",
			Help:      "Number of cache acquires, partitioned by hit/miss.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activeview",
			Subsystem: subsystem,
			Name:      "cache_releases_total",
			Help:      "Number of cache releases, partitioned by whether the entry was freed.",
		}, []string{"outcome"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "activeview",
			Subsystem: subsystem,
			Name:      "cache_live_entries",
			Help:      "Number of live cache entries.",
		}),
	}

	for _, coll := range []prometheus.Collector{m.acquires, m.releases, m.live} {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *PrometheusMetrics) Acquired(created bool) {
	outcome := "hit"
	if created {
		outcome = "miss"
	}
	m.acquires.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) Released(freed bool) {
	outcome := "retained"
	if freed {
		outcome = "freed"
	}
	m.releases.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) SetLive(n int) {
	m.live.Set(float64(n))
}
