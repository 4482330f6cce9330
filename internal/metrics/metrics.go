package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors. Components register their own collectors on it.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// StorageMetrics implements the Pebble wrapper's metrics hook.
type StorageMetrics struct {
	writeLatency  prometheus.Histogram
	readLatency   prometheus.Histogram
	commitLatency prometheus.Histogram
	writeBytes    prometheus.Counter
	readBytes     prometheus.Counter
	batchOps      prometheus.Counter
}

var storageBuckets = prometheus.ExponentialBuckets(0.00001, 2, 18)

// NewStorageMetrics builds the hook. reg may be nil.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "write_duration_seconds",
			Help: "Latency of single-key writes.", Buckets: storageBuckets,
		}),
		readLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "read_duration_seconds",
			Help: "Latency of point reads.", Buckets: storageBuckets,
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "batch_commit_duration_seconds",
			Help: "Latency of batch commits.", Buckets: storageBuckets,
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "written_bytes_total",
			Help: "Bytes written, including batch commits.",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "read_bytes_total",
			Help: "Bytes returned by point reads.",
		}),
		batchOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore", Subsystem: "storage", Name: "batch_ops_total",
			Help: "Operations committed through batches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writeLatency, m.readLatency, m.commitLatency, m.writeBytes, m.readBytes, m.batchOps)
	}
	return m
}

func (m *StorageMetrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.writeLatency.Observe(elapsed.Seconds())
	m.writeBytes.Add(float64(bytes))
}

func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.readLatency.Observe(elapsed.Seconds())
	m.readBytes.Add(float64(bytes))
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.commitLatency.Observe(elapsed.Seconds())
	m.batchOps.Add(float64(numOps))
	m.writeBytes.Add(float64(bytes))
}

// ScavengeMetrics implements the log's scavenge hook.
type ScavengeMetrics struct {
	deleted  prometheus.Counter
	lastHigh prometheus.Gauge
}

func NewScavengeMetrics(reg prometheus.Registerer) *ScavengeMetrics {
	m := &ScavengeMetrics{
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore", Subsystem: "eventlog", Name: "scavenged_records_total",
			Help: "Log records deleted by scavenging.",
		}),
		lastHigh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flostore", Subsystem: "eventlog", Name: "scavenged_high_position",
			Help: "Highest log position deleted by the last scavenge batch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.deleted, m.lastHigh)
	}
	return m
}

func (m *ScavengeMetrics) EmitScavengedRange(_, maxPos int64, count int) {
	m.deleted.Add(float64(count))
	m.lastHigh.Set(float64(maxPos))
}
