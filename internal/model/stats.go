package model

import "time"

// StripeStats is the per-stripe surface exposed to external reporting
// layers. Write and space amplification are derivable from these without
// reaching into internal structures.
type StripeStats struct {
	Stripe                 StripeID          `json:"stripe"`
	SSTableCount           int               `json:"sstable_count"`
	TotalBytes             int64             `json:"total_bytes"` // bytes across all registered SSTables
	LiveBytes              int64             `json:"live_bytes"`  // bytes attributable to live records
	MemTableBytes          int64             `json:"memtable_bytes"`
	LastFlushedLSN         LSN               `json:"last_flushed_lsn"`
	LastCompaction         CompactionOutcome `json:"last_compaction"`
	CompactionBytesRead    uint64            `json:"compaction_bytes_read"`    // cumulative
	CompactionBytesWritten uint64            `json:"compaction_bytes_written"` // cumulative
	WritesLastMinute       uint64            `json:"writes_last_minute"`
}

// CompactionOutcome records how the most recent compaction of a stripe ended.
type CompactionOutcome struct {
	Status     CompactionStatus `json:"status"`
	FinishedAt time.Time        `json:"finished_at"`
	Error      string           `json:"error,omitempty"` // empty unless Status is failed
}

// HealthStatus represents the health state of the engine process.
type HealthStatus struct {
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of the engine.
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains coarse process health metrics.
type HealthMetrics struct {
	DiskUsage         float64
	Goroutines        int
	MemoryUsage       float64
	StripesOpen       int
	FailedCompactions uint64
}
