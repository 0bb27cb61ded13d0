package store

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics wraps the counters exposed by one store instance. Grounded
// on cuemby-warren/pkg/metrics's NewCounterVec-with-ConstLabels pattern,
// specialized to per-store counters rather than a vec keyed at
// registration time, since each SaltedHashStore registers independently.
type storeMetrics struct {
	hits                prometheus.Counter
	misses              prometheus.Counter
	writes              prometheus.Counter
	bloomFalsePositives prometheus.Counter
	relocated           prometheus.Counter
	lost                prometheus.Counter

	registered bool
}

func newStoreMetrics(name string) *storeMetrics {
	labels := prometheus.Labels{"store": name}
	return &storeMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "hits_total",
			Help:        "Number of Fetch calls that returned a stored block.",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "misses_total",
			Help:        "Number of Fetch calls that found no matching block.",
			ConstLabels: labels,
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "writes_total",
			Help:        "Number of Put calls that acquired their slot locks.",
			ConstLabels: labels,
		}),
		bloomFalsePositives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "bloom_false_positives_total",
			Help:        "Number of times the bloom filter reported possible presence but the slot read missed.",
			ConstLabels: labels,
		}),
		relocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "relocated_total",
			Help:        "Number of entries successfully relocated during a resize.",
			ConstLabels: labels,
		}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "saltstore",
			Name:        "lost_total",
			Help:        "Number of entries dropped during a resize because no candidate slot was free.",
			ConstLabels: labels,
		}),
	}
}

// register idempotently registers every counter with reg. A nil registry is
// a valid no-metrics configuration.
func (m *storeMetrics) register(reg *prometheus.Registry) {
	if reg == nil || m.registered {
		return
	}
	reg.MustRegister(m.hits, m.misses, m.writes, m.bloomFalsePositives, m.relocated, m.lost)
	m.registered = true
}
