package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine.
type Metrics struct {
	// Operation metrics
	PutsTotal     prometheus.Counter
	PutDuration   prometheus.Histogram
	PutBytes      prometheus.Histogram
	DeletesTotal  prometheus.Counter
	GetsTotal     prometheus.Counter
	GetDuration   prometheus.Histogram
	ScansTotal    prometheus.Counter
	ScanDuration  prometheus.Histogram
	WriteStallsTotal prometheus.Counter

	// Flush metrics
	FlushesTotal  prometheus.Counter
	FlushFailures prometheus.Counter
	FlushDuration prometheus.Histogram

	// Compaction metrics
	CompactionJobsTotal    prometheus.CounterVec
	CompactionDuration     prometheus.Histogram
	CompactionBytesRead    prometheus.Counter
	CompactionBytesWritten prometheus.Counter
	CompactionTablesInput  prometheus.Histogram

	// Per-stripe state gauges, refreshed by the stats collector
	StripeSSTableCount prometheus.GaugeVec
	StripeTotalBytes   prometheus.GaugeVec
	MemTableBytes      prometheus.Gauge

	// Truncation metrics
	TruncationsTotal prometheus.Counter

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		PutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "puts_total",
			Help:      "Total number of put operations",
		}),
		PutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "put_duration_seconds",
			Help:      "Histogram of put durations",
			Buckets:   prometheus.DefBuckets,
		}),
		PutBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "put_bytes",
			Help:      "Histogram of put payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10), // 256B to 128KB
		}),
		DeletesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "deletes_total",
			Help:      "Total number of delete operations",
		}),
		GetsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "gets_total",
			Help:      "Total number of get operations",
		}),
		GetDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "get_duration_seconds",
			Help:      "Histogram of get durations",
			Buckets:   prometheus.DefBuckets,
		}),
		ScansTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "scans_total",
			Help:      "Total number of range scans started",
		}),
		ScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "scan_duration_seconds",
			Help:      "Histogram of scan setup durations",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteStallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "write_stalls_total",
			Help:      "Total number of writes stalled behind a flush",
		}),

		FlushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "flush",
			Name:      "total",
			Help:      "Total number of completed memtable flushes",
		}),
		FlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "flush",
			Name:      "failures_total",
			Help:      "Total number of failed memtable flushes",
		}),
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Histogram of memtable flush durations",
			Buckets:   prometheus.DefBuckets,
		}),

		CompactionJobsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "compaction",
			Name:      "jobs_total",
			Help:      "Total number of compaction jobs by status",
		}, []string{"status"}),
		CompactionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "compaction",
			Name:      "job_duration_seconds",
			Help:      "Histogram of compaction job durations",
			Buckets:   prometheus.DefBuckets,
		}),
		CompactionBytesRead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "compaction",
			Name:      "bytes_read_total",
			Help:      "Total bytes read by compactions",
		}),
		CompactionBytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "compaction",
			Name:      "bytes_written_total",
			Help:      "Total bytes written by compactions",
		}),
		CompactionTablesInput: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stripedb",
			Subsystem: "compaction",
			Name:      "tables_input",
			Help:      "Histogram of input tables per compaction",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),

		StripeSSTableCount: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stripedb",
			Subsystem: "stripe",
			Name:      "sstable_count",
			Help:      "Number of live SSTables per stripe",
		}, []string{"stripe"}),
		StripeTotalBytes: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stripedb",
			Subsystem: "stripe",
			Name:      "total_bytes",
			Help:      "Total SSTable bytes per stripe",
		}, []string{"stripe"}),
		MemTableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "stripedb",
			Subsystem: "memtable",
			Name:      "size_bytes",
			Help:      "Total memtable bytes across all stripes",
		}),

		TruncationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "stripedb",
			Subsystem: "engine",
			Name:      "truncations_total",
			Help:      "Total number of point-in-time truncations",
		}),

		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "stripedb",
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space in bytes",
		}),
		DiskUsagePercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "stripedb",
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage",
		}),
	}
}

// RecordPut records metrics for a put operation.
func (m *Metrics) RecordPut(duration float64, bytes int) {
	if m == nil {
		return
	}
	m.PutsTotal.Inc()
	m.PutDuration.Observe(duration)
	m.PutBytes.Observe(float64(bytes))
}

// RecordDelete records metrics for a delete operation.
func (m *Metrics) RecordDelete(duration float64) {
	if m == nil {
		return
	}
	m.DeletesTotal.Inc()
	m.PutDuration.Observe(duration)
}

// RecordGet records metrics for a get operation.
func (m *Metrics) RecordGet(duration float64) {
	if m == nil {
		return
	}
	m.GetsTotal.Inc()
	m.GetDuration.Observe(duration)
}

// RecordScan records metrics for a scan operation.
func (m *Metrics) RecordScan(duration float64) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.ScanDuration.Observe(duration)
}

// RecordFlush records a completed memtable flush.
func (m *Metrics) RecordFlush(duration float64) {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
	m.FlushDuration.Observe(duration)
}

// RecordFlushFailure records a failed memtable flush.
func (m *Metrics) RecordFlushFailure() {
	if m == nil {
		return
	}
	m.FlushFailures.Inc()
}

// RecordCompactionJob records a finished compaction job.
func (m *Metrics) RecordCompactionJob(status string, duration float64, inputTables int, bytesRead, bytesWritten int64) {
	if m == nil {
		return
	}
	m.CompactionJobsTotal.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(duration)
	m.CompactionTablesInput.Observe(float64(inputTables))
	m.CompactionBytesRead.Add(float64(bytesRead))
	m.CompactionBytesWritten.Add(float64(bytesWritten))
}

// RecordTruncation records a point-in-time truncation.
func (m *Metrics) RecordTruncation() {
	if m == nil {
		return
	}
	m.TruncationsTotal.Inc()
}

// RecordWriteStall records a stalled write.
func (m *Metrics) RecordWriteStall() {
	if m == nil {
		return
	}
	m.WriteStallsTotal.Inc()
}

// UpdateStripeStats refreshes the per-stripe gauges.
func (m *Metrics) UpdateStripeStats(stripe string, sstableCount int, totalBytes int64) {
	if m == nil {
		return
	}
	m.StripeSSTableCount.WithLabelValues(stripe).Set(float64(sstableCount))
	m.StripeTotalBytes.WithLabelValues(stripe).Set(float64(totalBytes))
}

// UpdateMemTableBytes refreshes the aggregate memtable gauge.
func (m *Metrics) UpdateMemTableBytes(bytes int64) {
	if m == nil {
		return
	}
	m.MemTableBytes.Set(float64(bytes))
}

// UpdateDiskStats refreshes disk usage gauges.
func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
