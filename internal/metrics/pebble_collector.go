package metrics

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports a subset of pebble.Metrics on every scrape.
type PebbleCollector struct {
	metrics func() *pebble.Metrics

	compactionCount      *prometheus.Desc
	compactionDebt       *prometheus.Desc
	compactionInProgress *prometheus.Desc
	memtableSize         *prometheus.Desc
	memtableCount        *prometheus.Desc
	walFiles             *prometheus.Desc
	walSize              *prometheus.Desc
	walBytesWritten      *prometheus.Desc
	diskSpaceUsage       *prometheus.Desc
}

// NewPebbleCollector reads metrics through fn, typically DB.Metrics.
func NewPebbleCollector(fn func() *pebble.Metrics) *PebbleCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("flostore_pebble_"+name, help, nil, nil)
	}
	return &PebbleCollector{
		metrics:              fn,
		compactionCount:      desc("compaction_count_total", "Total number of compactions performed."),
		compactionDebt:       desc("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state."),
		compactionInProgress: desc("compaction_in_progress", "Compactions currently running."),
		memtableSize:         desc("memtable_size_bytes", "Bytes allocated by memtables."),
		memtableCount:        desc("memtable_count", "Number of memtables."),
		walFiles:             desc("wal_files", "Number of live WAL files."),
		walSize:              desc("wal_size_bytes", "Size of the live WAL files."),
		walBytesWritten:      desc("wal_bytes_written_total", "Physical bytes written to the WAL."),
		diskSpaceUsage:       desc("disk_space_usage_bytes", "Total disk space used by the store."),
	}
}

func (c *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.compactionInProgress
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskSpaceUsage
}

func (c *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics()
	if m == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.compactionInProgress, prometheus.GaugeValue, float64(m.Compact.NumInProgress))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.diskSpaceUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
}
