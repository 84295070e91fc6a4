package engine

import (
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/sstable"
	"github.com/stripedb/stripedb/internal/util/workerpool"
)

// CompactionConfig holds compaction scheduling configuration.
type CompactionConfig struct {
	// Trigger qualifies a stripe for compaction once its SSTable count
	// exceeds this threshold.
	Trigger int

	// MaxConcurrent bounds compactions running across stripes. Compaction
	// for a single stripe is always exclusive.
	MaxConcurrent int

	// Interval is the scheduling pass period.
	Interval time.Duration

	// Priority weights for ranking qualifying stripes.
	SpaceAmpWeight  float64
	ReadAmpWeight   float64
	WriteRateWeight float64
}

// Scheduler periodically selects qualifying stripes and submits their
// compactions to a bounded worker pool. A failed compaction is abandoned
// without touching the manifest and retried on a later pass; it never
// blocks foreground reads or writes.
type Scheduler struct {
	config  CompactionConfig
	stripes []*Stripe
	pool    *workerpool.WorkerPool
	logger  *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	paused   atomic.Bool
}

// NewScheduler creates the scheduler and starts its pass loop.
func NewScheduler(cfg CompactionConfig, stripes []*Stripe, logger *zap.Logger) *Scheduler {
	if cfg.Trigger <= 0 {
		cfg.Trigger = 4
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SpaceAmpWeight == 0 && cfg.ReadAmpWeight == 0 && cfg.WriteRateWeight == 0 {
		cfg.SpaceAmpWeight = 1.0
		cfg.ReadAmpWeight = 1.0
		cfg.WriteRateWeight = 0.1
	}

	sch := &Scheduler{
		config:  cfg,
		stripes: stripes,
		logger:  logger,
		pool: workerpool.New(&workerpool.Config{
			Name:       "compaction",
			MaxWorkers: cfg.MaxConcurrent,
			QueueSize:  len(stripes),
			Logger:     logger,
		}),
		stopChan: make(chan struct{}),
	}

	sch.wg.Add(1)
	go sch.run()
	return sch
}

func (sch *Scheduler) run() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sch.Pass()
		case <-sch.stopChan:
			return
		}
	}
}

// Pass runs one scheduling pass: retry stuck flushes, then rank and submit
// qualifying stripes, highest score first.
func (sch *Scheduler) Pass() {
	if sch.paused.Load() {
		return
	}

	type candidate struct {
		stripe *Stripe
		score  float64
	}
	var candidates []candidate

	for _, s := range sch.stripes {
		// A flush that failed leaves its immutable memtable pending; give
		// it another chance each pass.
		s.viewMu.RLock()
		pendingFlush := s.immutable != nil
		tableCount := len(s.tables)
		s.viewMu.RUnlock()
		if pendingFlush {
			s.scheduleFlush()
		}

		if tableCount <= sch.config.Trigger || s.compacting.Load() {
			continue
		}
		candidates = append(candidates, candidate{stripe: s, score: sch.score(s)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, c := range candidates {
		s := c.stripe
		task := workerpool.Task{
			ID: fmt.Sprintf("compact-s%03d-%d", s.id, time.Now().UnixNano()),
			Fn: func(ctx context.Context) error {
				return s.compact(sch.logger)
			},
		}
		if !sch.pool.TrySubmit(task) {
			// Queue full; remaining candidates wait for the next pass.
			return
		}
	}
}

// score ranks a stripe by a weighted mix of space amplification, read
// amplification, and recent write rate.
func (sch *Scheduler) score(s *Stripe) float64 {
	st := s.stats()
	live := st.LiveBytes
	if live <= 0 {
		live = 1
	}
	spaceAmp := float64(st.TotalBytes) / float64(live)
	readAmp := float64(st.SSTableCount)
	return sch.config.SpaceAmpWeight*spaceAmp +
		sch.config.ReadAmpWeight*readAmp +
		sch.config.WriteRateWeight*s.writeRate()
}

// Pause stops submitting new compactions and waits for in-flight ones to
// drain. Used around point-in-time truncation.
func (sch *Scheduler) Pause() {
	sch.paused.Store(true)
	for {
		busy := false
		for _, s := range sch.stripes {
			if s.compacting.Load() {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Resume re-enables scheduling passes.
func (sch *Scheduler) Resume() {
	sch.paused.Store(false)
}

// Stop shuts the scheduler and its worker pool down.
func (sch *Scheduler) Stop() {
	sch.stopOnce.Do(func() {
		close(sch.stopChan)
		sch.wg.Wait()
		sch.pool.Stop(30 * time.Second)
	})
}

// compact merges all of the stripe's SSTables into one, retaining only the
// highest-LSN record per key and dropping tombstones (the merge covers the
// whole stripe, so no older table can still reference a deleted key). The
// manifest swap is the commit point; on any failure the manifest is left
// untouched and the pre-compaction tables keep serving reads.
func (s *Stripe) compact(logger *zap.Logger) error {
	if !s.compacting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.compacting.Store(false)

	start := time.Now()

	// Snapshot the current table set. Flushes may append newer tables while
	// the merge runs; those are preserved across the swap.
	s.viewMu.RLock()
	inputs := make([]*tableHandle, 0, len(s.tables))
	for _, h := range s.tables {
		if h.acquire() {
			inputs = append(inputs, h)
		}
	}
	s.viewMu.RUnlock()

	release := func() {
		for _, h := range inputs {
			h.release()
		}
	}

	if len(inputs) < 2 {
		release()
		return nil
	}

	var bytesRead int64
	for _, h := range inputs {
		bytesRead += h.meta.Size
	}
	if err := s.diskMgr.CheckBeforeWrite(uint64(bytesRead)); err != nil {
		release()
		s.recordCompaction(model.CompactionStatusFailed, err)
		return err
	}

	outMeta, err := s.mergeTables(inputs)
	if err != nil {
		release()
		s.recordCompaction(model.CompactionStatusFailed, err)
		return storageerrors.CompactionFailed(
			fmt.Sprintf("compaction of stripe %d abandoned", s.id), err)
	}

	var outHandle *tableHandle
	if outMeta != nil {
		outHandle, err = openTable(outMeta, s.transform, s.logger)
		if err != nil {
			release()
			s.recordCompaction(model.CompactionStatusFailed, err)
			return storageerrors.CompactionFailed("failed to open compaction output", err)
		}
	}

	// Atomically swap the output in place of the inputs. The inputs are a
	// prefix of the current table list: flushes only append and compaction
	// is exclusive per stripe.
	s.manifestMu.Lock()
	newState := s.man.Clone()
	var kept []*model.SSTableMetadata
	if outMeta != nil {
		kept = append(kept, outMeta)
	}
	kept = append(kept, newState.SSTables[len(inputs):]...)
	newState.SSTables = kept
	if err := newState.Save(s.dir); err != nil {
		s.manifestMu.Unlock()
		if outHandle != nil {
			outHandle.obsolete.Store(true)
			outHandle.release()
		}
		release()
		s.recordCompaction(model.CompactionStatusFailed, err)
		return storageerrors.CompactionFailed("failed to commit compaction manifest", err)
	}

	s.viewMu.Lock()
	var newTables []*tableHandle
	if outHandle != nil {
		newTables = append(newTables, outHandle)
	}
	newTables = append(newTables, s.tables[len(inputs):]...)
	s.tables = newTables
	s.man = newState
	s.viewMu.Unlock()
	s.manifestMu.Unlock()

	// Retire the superseded tables; their files go away once the last
	// concurrent reader releases them.
	for _, h := range inputs {
		h.retire()
	}
	release()

	var bytesWritten int64
	var liveEstimate int64
	if outMeta != nil {
		bytesWritten = outMeta.Size
		liveEstimate = outMeta.Size
	}
	s.viewMu.RLock()
	for _, h := range s.tables {
		if outMeta == nil || h.meta.SSTableID != outMeta.SSTableID {
			liveEstimate += h.meta.Size
		}
	}
	s.viewMu.RUnlock()
	s.liveBytes.Store(liveEstimate)
	s.compBytesRead.Add(uint64(bytesRead))
	s.compBytesWritten.Add(uint64(bytesWritten))
	s.recordCompaction(model.CompactionStatusCompleted, nil)
	s.metrics.RecordCompactionJob(string(model.CompactionStatusCompleted),
		time.Since(start).Seconds(), len(inputs), bytesRead, bytesWritten)

	logger.Info("Compaction completed",
		zap.Uint32("stripe", uint32(s.id)),
		zap.Int("input_tables", len(inputs)),
		zap.Int64("bytes_read", bytesRead),
		zap.Int64("bytes_written", bytesWritten),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// mergeTables k-way merges the inputs, keeping the highest-LSN record per
// key and dropping tombstones. Returns nil metadata when every record was
// dropped.
func (s *Stripe) mergeTables(inputs []*tableHandle) (*model.SSTableMetadata, error) {
	readers := make([]*sstable.Reader, len(inputs))
	for i, h := range inputs {
		readers[i] = h.reader
	}

	id := fmt.Sprintf("sstable-%d", time.Now().UnixNano())
	path := filepath.Join(s.dir, id+".sst")

	cfg := s.sstCfg
	cfg.ExpectedEntries = 0
	for _, h := range inputs {
		cfg.ExpectedEntries += h.meta.Entries
	}
	w, err := sstable.NewWriter(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create compaction writer: %w", err)
	}

	merger := newKWayMerger(readers)
	var bestRec *model.Record
	var lastKey string
	haveKey := false

	emit := func(rec *model.Record) error {
		if rec.IsTombstone() {
			return nil
		}
		return w.Write(rec)
	}

	for {
		rec, err := merger.next()
		if err != nil {
			w.Abort()
			return nil, err
		}
		if rec == nil {
			break
		}
		key := string(rec.Key)
		if haveKey && key == lastKey {
			// Superseded version; the winner carries the highest LSN.
			if rec.Seq > bestRec.Seq {
				bestRec = rec
			}
			continue
		}
		if haveKey {
			if err := emit(bestRec); err != nil {
				w.Abort()
				return nil, err
			}
		}
		lastKey = key
		bestRec = rec
		haveKey = true
	}
	if haveKey {
		if err := emit(bestRec); err != nil {
			w.Abort()
			return nil, err
		}
	}

	if w.Entries() == 0 {
		w.Abort()
		return nil, nil
	}
	if err := w.Finalize(); err != nil {
		return nil, fmt.Errorf("failed to finalize compaction output: %w", err)
	}
	return w.Metadata(id, s.id), nil
}

func (s *Stripe) recordCompaction(status model.CompactionStatus, err error) {
	s.outcomeMu.Lock()
	defer s.outcomeMu.Unlock()
	outcome := model.CompactionOutcome{Status: status, FinishedAt: time.Now()}
	if err != nil {
		outcome.Error = err.Error()
		s.metrics.RecordCompactionJob(string(status), 0, 0, 0, 0)
	}
	s.lastCompaction = outcome
}

// kWayMerger merges sorted SSTable readers using a min heap ordered by key,
// then by LSN descending so the newest version of a key surfaces first.
type kWayMerger struct {
	readers []*sstable.Reader
	heap    *mergeHeap
	keys    [][]string
	indices []int
	err     error
}

// mergeEntry represents an entry in the merge heap.
type mergeEntry struct {
	rec       *model.Record
	readerIdx int
}

// mergeHeap implements heap.Interface for the k-way merge.
type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := string(h[i].rec.Key), string(h[j].rec.Key)
	if ki != kj {
		return ki < kj
	}
	return h[i].rec.Seq > h[j].rec.Seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeEntry))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// newKWayMerger creates a merger primed with the first entry of each reader.
func newKWayMerger(readers []*sstable.Reader) *kWayMerger {
	m := &kWayMerger{
		readers: readers,
		heap:    &mergeHeap{},
		keys:    make([][]string, len(readers)),
		indices: make([]int, len(readers)),
	}
	for i, r := range readers {
		m.keys[i] = r.Keys()
	}
	heap.Init(m.heap)
	for i := range readers {
		m.advance(i)
	}
	return m
}

// next returns the next record in (key asc, LSN desc) order, or nil at the
// end of all inputs.
func (m *kWayMerger) next() (*model.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.heap.Len() == 0 {
		return nil, nil
	}
	min := heap.Pop(m.heap).(*mergeEntry)
	m.advance(min.readerIdx)
	if m.err != nil {
		return nil, m.err
	}
	return min.rec, nil
}

// advance pushes the reader's next entry onto the heap.
func (m *kWayMerger) advance(readerIdx int) {
	if m.indices[readerIdx] >= len(m.keys[readerIdx]) {
		return
	}
	key := m.keys[readerIdx][m.indices[readerIdx]]
	m.indices[readerIdx]++

	rec, err := m.readers[readerIdx].Get([]byte(key))
	if err != nil {
		m.err = err
		return
	}
	if rec == nil {
		return
	}
	heap.Push(m.heap, &mergeEntry{rec: rec, readerIdx: readerIdx})
}
