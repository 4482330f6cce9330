package readindex

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the read index counters. NewMetrics(nil) builds unregistered
// collectors so components never need a nil check.
type Metrics struct {
	HashCollisionExhaustions prometheus.Counter
	Commits                  prometheus.Counter
	IndexedEntries           prometheus.Counter
	RebuildRecords           prometheus.Counter
	CommitLatency            prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HashCollisionExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "hash_collision_exhaustions_total",
			Help:      "Lookups abandoned after reaching the hash collision read limit.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "commits_total",
			Help:      "Commit groups indexed by the committer.",
		}),
		IndexedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "indexed_entries_total",
			Help:      "Index entries added by the committer.",
		}),
		RebuildRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "rebuild_records_total",
			Help:      "Log records replayed while rebuilding the index.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "commit_duration_seconds",
			Help:      "Time spent indexing one commit group.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.HashCollisionExhaustions, m.Commits, m.IndexedEntries, m.RebuildRecords, m.CommitLatency)
	}
	return m
}

type hitMissCounter interface {
	Hits() int64
	Misses() int64
}

// RegisterCacheCollectors exposes hit and miss counts of the read index caches.
func RegisterCacheCollectors(reg prometheus.Registerer, ri *ReadIndex) {
	lastEventNumbers, metadata := ri.backend.Caches()
	caches := map[string]hitMissCounter{
		"last_event_number": lastEventNumbers,
		"stream_metadata":   metadata,
		"committed_events":  ri.writer.CommittedEvents(),
	}
	for name, c := range caches {
		c := c
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   "flostore",
				Subsystem:   "readindex",
				Name:        "cache_hits_total",
				Help:        "Read index cache hits.",
				ConstLabels: prometheus.Labels{"cache": name},
			}, func() float64 { return float64(c.Hits()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   "flostore",
				Subsystem:   "readindex",
				Name:        "cache_misses_total",
				Help:        "Read index cache misses.",
				ConstLabels: prometheus.Labels{"cache": name},
			}, func() float64 { return float64(c.Misses()) }),
		)
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "readers_leased",
			Help:      "Log readers currently borrowed from the pool.",
		}, func() float64 { return float64(ri.backend.ReadersLeased()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "flostore",
			Subsystem: "readindex",
			Name:      "last_indexed_position",
			Help:      "Commit position of the last indexed record.",
		}, func() float64 { return float64(ri.committer.LastIndexedPosition()) }),
	)
}
