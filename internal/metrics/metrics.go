// Package metrics exposes the handful of Prometheus gauges/counters C11
// calls for: dispatcher queue depth, in-flight fetches, cache bytes. This
// is additive operator visibility, grounded on the client-go/Prometheus
// idiom visible across the retrieved pack's controller-style repos (kcp,
// contour), since the teacher itself ships no metrics exporter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the engine and coordinator update as
// they work; registering them with a prometheus.Registerer is left to the
// caller (cmd/nodeagent/main.go) so tests can use their own registry.
type Metrics struct {
	QueueDepth      prometheus.Gauge
	InFlightFetches prometheus.Gauge
	CacheBytes      prometheus.Gauge
	ContainersTotal *prometheus.CounterVec
	FetchesTotal    *prometheus.CounterVec
}

// New builds an unregistered Metrics bundle.
func New() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeagent",
			Name:      "dispatcher_queue_depth",
			Help:      "Number of entities with pending events awaiting a dispatcher worker.",
		}),
		InFlightFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeagent",
			Name:      "inflight_fetches",
			Help:      "Number of resource fetches currently in flight.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeagent",
			Name:      "localized_cache_bytes",
			Help:      "Total bytes occupied by LOCALIZED resources on disk.",
		}),
		ContainersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "containers_total",
			Help:      "Containers that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "fetches_total",
			Help:      "Resource fetches completed, by outcome.",
		}, []string{"outcome"}),
	}
}

// MustRegister registers every collector with reg, panicking on a
// duplicate-registration error the way prometheus.MustRegister always
// does — acceptable here since it only ever runs once at startup.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.QueueDepth, m.InFlightFetches, m.CacheBytes, m.ContainersTotal, m.FetchesTotal)
}
