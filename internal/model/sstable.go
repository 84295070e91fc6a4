package model

import "time"

// SSTableMetadata describes one immutable on-disk table. It lives in the
// stripe's manifest; the manifest entry is the sole authorization for the
// table's existence and, once retired, for its deletion.
type SSTableMetadata struct {
	SSTableID string    `json:"sstable_id"`
	Stripe    StripeID  `json:"stripe"`
	Size      int64     `json:"size"`
	Entries   int       `json:"entries"`
	KeyRange  KeyRange  `json:"key_range"`
	MinLSN    LSN       `json:"min_lsn"`
	MaxLSN    LSN       `json:"max_lsn"`
	CreatedAt time.Time `json:"created_at"`
	FilePath  string    `json:"file_path"`
	IndexPath string    `json:"index_path"`
	BloomPath string    `json:"bloom_path"`
}

// KeyRange is the inclusive key span covered by an SSTable.
type KeyRange struct {
	StartKey string `json:"start_key"`
	EndKey   string `json:"end_key"`
}

// Contains reports whether key falls within the range.
func (kr KeyRange) Contains(key string) bool {
	return key >= kr.StartKey && key <= kr.EndKey
}

// CompactionJob represents one stripe-exclusive compaction task.
type CompactionJob struct {
	JobID       string
	Stripe      StripeID
	InputTables []*SSTableMetadata
	StartedAt   time.Time
	Status      CompactionStatus
}

// CompactionStatus indicates the state of a compaction job.
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
)
