// Package memtable provides the in-memory ordered buffer of recent
// mutations for a stripe. The active memtable is the authoritative source
// for the newest state; on flush it is frozen and atomically replaced.
package memtable

import (
	"sync"

	"github.com/stripedb/stripedb/internal/model"
)

// Config holds memtable flush thresholds.
type Config struct {
	// FlushBytes triggers a flush once the memtable's estimated footprint
	// exceeds this many bytes.
	FlushBytes int64

	// FlushRecords triggers a flush once this many keys are buffered.
	// Zero disables the count trigger.
	FlushRecords int
}

// MemTable is an ordered mapping from key to the most recent record for
// that key. Once frozen it is immutable and owned by the SST writer.
type MemTable struct {
	mu      sync.RWMutex
	data    *SkipList
	size    int64
	minLSN  model.LSN
	maxLSN  model.LSN
	frozen  bool
	config  Config
}

// New creates an empty memtable.
func New(cfg Config) *MemTable {
	return &MemTable{
		data:   NewSkipList(),
		config: cfg,
	}
}

// Put inserts or replaces the record for its key. Returns false without
// mutating anything if the memtable has been frozen.
func (mt *MemTable) Put(rec *model.Record) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.frozen {
		return false
	}

	key := string(rec.Key)
	if prev, found := mt.data.Search(key); found {
		mt.size -= prev.Size()
	}
	mt.data.Insert(key, rec)
	mt.size += rec.Size()

	if mt.minLSN == 0 || rec.Seq < mt.minLSN {
		mt.minLSN = rec.Seq
	}
	if rec.Seq > mt.maxLSN {
		mt.maxLSN = rec.Seq
	}
	return true
}

// Get retrieves the latest record for key. A tombstone is returned as-is;
// the caller distinguishes deletion from absence.
func (mt *MemTable) Get(key []byte) (*model.Record, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.data.Search(string(key))
}

// ShouldFlush reports whether a configured byte-size or record-count
// threshold has been exceeded.
func (mt *MemTable) ShouldFlush() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.config.FlushBytes > 0 && mt.size >= mt.config.FlushBytes {
		return true
	}
	if mt.config.FlushRecords > 0 && mt.data.Len() >= mt.config.FlushRecords {
		return true
	}
	return false
}

// Freeze marks the memtable immutable. Any Put racing the freeze either
// lands before it or is retried against the replacement table.
func (mt *MemTable) Freeze() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.frozen = true
}

// Size returns the estimated byte footprint.
func (mt *MemTable) Size() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// Count returns the number of buffered keys.
func (mt *MemTable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.data.Len()
}

// MinLSN returns the lowest LSN buffered, or 0 when empty.
func (mt *MemTable) MinLSN() model.LSN {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.minLSN
}

// MaxLSN returns the highest LSN buffered, or 0 when empty.
func (mt *MemTable) MaxLSN() model.LSN {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.maxLSN
}

// Iterator returns an iterator over the memtable in key order.
func (mt *MemTable) Iterator() *SkipListIterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.data.Iterator()
}

// Range returns the records with start <= key < end, in key order. The
// slice is a snapshot; concurrent writes after the call are not reflected.
// An empty end means no upper bound.
func (mt *MemTable) Range(start, end []byte) []*model.Record {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []*model.Record
	iter := mt.data.Seek(string(start))
	for iter.Next() {
		if len(end) > 0 && iter.Key() >= string(end) {
			break
		}
		out = append(out, iter.Record())
	}
	return out
}

// Seek returns an iterator positioned before the first key >= start.
func (mt *MemTable) Seek(start []byte) *SkipListIterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.data.Seek(string(start))
}
