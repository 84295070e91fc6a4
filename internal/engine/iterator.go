package engine

import (
	"container/heap"

	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/sstable"
)

// scanSource yields records in ascending key order, nil at exhaustion.
type scanSource interface {
	next() (*model.Record, error)
}

// sliceSource iterates a pre-collected, key-ordered record slice (memtable
// snapshots).
type sliceSource struct {
	records []*model.Record
	idx     int
}

func (s *sliceSource) next() (*model.Record, error) {
	if s.idx >= len(s.records) {
		return nil, nil
	}
	rec := s.records[s.idx]
	s.idx++
	return rec, nil
}

// tableSource adapts an SSTable range scan.
type tableSource struct {
	it *sstable.ScanIterator
}

func (s *tableSource) next() (*model.Record, error) {
	if s.it.Next() {
		return s.it.Record(), nil
	}
	return nil, s.it.Err()
}

// scanEntry is one source's current record in the merge heap.
type scanEntry struct {
	rec *model.Record
	src scanSource
}

// scanHeap orders entries by key ascending, then LSN descending, so the
// newest version of each key is popped first.
type scanHeap []*scanEntry

func (h scanHeap) Len() int { return len(h) }
func (h scanHeap) Less(i, j int) bool {
	ki, kj := string(h[i].rec.Key), string(h[j].rec.Key)
	if ki != kj {
		return ki < kj
	}
	return h[i].rec.Seq > h[j].rec.Seq
}
func (h scanHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scanHeap) Push(x interface{}) {
	*h = append(*h, x.(*scanEntry))
}

func (h *scanHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Iterator merges records from every stripe's memtables and SSTables into a
// single ascending key order, resolving each key to its newest version and
// hiding deleted keys. It pins the SSTables it reads; Close releases them.
type Iterator struct {
	heap    *scanHeap
	handles []*tableHandle

	current *model.Record
	lastKey string
	haveKey bool
	err     error
	closed  bool
}

func newIterator(sources []scanSource, handles []*tableHandle) (*Iterator, error) {
	it := &Iterator{
		heap:    &scanHeap{},
		handles: handles,
	}
	heap.Init(it.heap)
	for _, src := range sources {
		if err := it.push(src); err != nil {
			it.Close()
			return nil, err
		}
	}
	return it, nil
}

func (it *Iterator) push(src scanSource) error {
	rec, err := src.next()
	if err != nil {
		return err
	}
	if rec != nil {
		heap.Push(it.heap, &scanEntry{rec: rec, src: src})
	}
	return nil
}

// Next advances to the next live key. It returns false at the end of the
// range or on error; check Err after the loop.
func (it *Iterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for it.heap.Len() > 0 {
		entry := heap.Pop(it.heap).(*scanEntry)
		if err := it.push(entry.src); err != nil {
			it.err = err
			return false
		}

		key := string(entry.rec.Key)
		if it.haveKey && key == it.lastKey {
			// Older version of a key already resolved.
			continue
		}
		it.lastKey = key
		it.haveKey = true

		if entry.rec.IsTombstone() {
			continue
		}
		it.current = entry.rec
		return true
	}
	return false
}

// Key returns the current key. Valid only after Next returned true.
func (it *Iterator) Key() []byte { return it.current.Key }

// Value returns the current value. Valid only after Next returned true.
func (it *Iterator) Value() []byte { return it.current.Value }

// Err returns the first error the scan hit, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the pinned SSTables. Safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, h := range it.handles {
		h.release()
	}
	it.handles = nil
}
