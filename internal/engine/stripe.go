package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/metrics"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/crypt"
	"github.com/stripedb/stripedb/internal/storage/diskmanager"
	"github.com/stripedb/stripedb/internal/storage/manifest"
	"github.com/stripedb/stripedb/internal/storage/memtable"
	"github.com/stripedb/stripedb/internal/storage/sstable"
	"github.com/stripedb/stripedb/internal/storage/wal"
)

// Stripe is one independently locked partition: one WAL, one active
// memtable, at most one immutable memtable being flushed, and an ordered
// list of SSTables (oldest first). Writers to the same stripe are
// serialized; writers to different stripes share nothing.
type Stripe struct {
	id        model.StripeID
	dir       string
	logger    *zap.Logger
	transform crypt.Transform
	diskMgr   *diskmanager.DiskManager

	memCfg memtable.Config
	sstCfg sstable.Config

	wal *wal.Log

	// writeMu covers WAL append + memtable apply as one critical section so
	// LSN assignment matches the serialization order of writers.
	writeMu sync.Mutex

	// viewMu guards the readable view: active/immutable memtables and the
	// table list. Readers see either the pre-flush or post-flush state,
	// never a partial mix.
	viewMu    sync.RWMutex
	active    *memtable.MemTable
	immutable *memtable.MemTable
	tables    []*tableHandle // oldest first
	man       *manifest.State
	flushDone chan struct{}

	// manifestMu serializes manifest writers (flush vs compaction).
	manifestMu sync.Mutex

	flushing   atomic.Bool
	compacting atomic.Bool

	liveBytes           atomic.Int64
	compBytesRead       atomic.Uint64
	compBytesWritten    atomic.Uint64
	writesInWindow      atomic.Uint64
	windowStart         atomic.Int64

	outcomeMu      sync.Mutex
	lastCompaction model.CompactionOutcome

	onFlushError func(stripe model.StripeID, err error)
	metrics      *metrics.Metrics
}

// openStripe opens the stripe's directory, loads its manifest and table
// handles, and replays the WAL from the record after the last flushed LSN
// into a fresh memtable. It returns the highest LSN observed so the caller
// can restore the global sequence counter.
func openStripe(
	dir string,
	id model.StripeID,
	walCfg wal.Config,
	memCfg memtable.Config,
	sstCfg sstable.Config,
	transform crypt.Transform,
	diskMgr *diskmanager.DiskManager,
	logger *zap.Logger,
) (*Stripe, model.LSN, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, fmt.Errorf("failed to create stripe directory: %w", err)
	}

	man, err := manifest.Load(dir, id)
	if err != nil {
		return nil, 0, err
	}

	s := &Stripe{
		id:        id,
		dir:       dir,
		logger:    logger,
		transform: transform,
		diskMgr:   diskMgr,
		memCfg:    memCfg,
		sstCfg:    sstCfg,
		active:    memtable.New(memCfg),
		man:       man,
		flushDone: closedChan(),
	}
	s.windowStart.Store(time.Now().UnixNano())

	for _, meta := range man.SSTables {
		h, err := openTable(meta, transform, logger)
		if err != nil {
			s.closeTables()
			return nil, 0, storageerrors.CorruptedData(
				fmt.Sprintf("failed to open sstable %s", meta.SSTableID), err)
		}
		s.tables = append(s.tables, h)
		s.liveBytes.Add(meta.Size)
	}

	w, err := wal.Open(filepath.Join(dir, "wal"), id, walCfg, transform, logger)
	if err != nil {
		s.closeTables()
		return nil, 0, err
	}
	s.wal = w

	maxLSN := man.LastFlushedLSN
	for _, meta := range man.SSTables {
		if meta.MaxLSN > maxLSN {
			maxLSN = meta.MaxLSN
		}
	}

	replayed := 0
	err = w.Replay(func(rec *model.Record) error {
		if rec.Seq > maxLSN {
			maxLSN = rec.Seq
		}
		if rec.Seq <= man.LastFlushedLSN {
			return nil
		}
		s.active.Put(rec)
		replayed++
		return nil
	})
	if err != nil {
		s.closeTables()
		w.Close()
		return nil, 0, err
	}
	if replayed > 0 {
		logger.Info("Replayed wal records",
			zap.Uint32("stripe", uint32(id)),
			zap.Int("records", replayed))
	}

	return s, maxLSN, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// apply runs one mutation: stall on backpressure, append to the WAL, then
// apply to the memtable. nextSeq is called inside the critical section so
// LSN order equals serialization order.
func (s *Stripe) apply(kind model.RecordKind, key, value []byte, nextSeq func() model.LSN) (model.LSN, error) {
	s.stallIfFlushBehind()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := &model.Record{
		Key:       key,
		Value:     value,
		Seq:       nextSeq(),
		Timestamp: time.Now().UnixNano(),
		Kind:      kind,
		Stripe:    s.id,
	}

	// Durable first: a WAL failure fails the write and must not touch the
	// memtable.
	if err := s.wal.Append(rec); err != nil {
		return 0, err
	}

	s.viewMu.RLock()
	mt := s.active
	s.viewMu.RUnlock()
	mt.Put(rec)

	s.writesInWindow.Add(1)

	if mt.ShouldFlush() {
		s.scheduleFlush()
	}
	return rec.Seq, nil
}

// stallIfFlushBehind blocks the writer while the previous memtable is still
// flushing and the active one has filled again.
func (s *Stripe) stallIfFlushBehind() {
	for {
		s.viewMu.RLock()
		stalled := s.immutable != nil && s.active.ShouldFlush()
		done := s.flushDone
		s.viewMu.RUnlock()
		if !stalled {
			return
		}
		s.metrics.RecordWriteStall()
		// Nudge the flusher in case the previous attempt failed and no
		// other writer retriggers it.
		s.scheduleFlush()
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// get resolves a key: active memtable, then the immutable one, then the
// SSTables newest-first. A tombstone record is returned as-is; the caller
// distinguishes "authoritatively deleted" from "never written".
func (s *Stripe) get(key []byte) (*model.Record, error) {
	s.viewMu.RLock()
	mt := s.active
	imm := s.immutable
	handles := make([]*tableHandle, 0, len(s.tables))
	for _, h := range s.tables {
		if h.acquire() {
			handles = append(handles, h)
		}
	}
	s.viewMu.RUnlock()
	defer func() {
		for _, h := range handles {
			h.release()
		}
	}()

	if rec, found := mt.Get(key); found {
		return rec, nil
	}
	if imm != nil {
		if rec, found := imm.Get(key); found {
			return rec, nil
		}
	}

	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if !h.meta.KeyRange.Contains(string(key)) {
			continue
		}
		if !h.bloom.MayContain(key) {
			continue
		}
		rec, err := h.reader.Get(key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// scheduleFlush starts an asynchronous flush unless one is already in
// flight for this stripe.
func (s *Stripe) scheduleFlush() {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.flushing.Store(false)
		if err := s.flushOnce(); err != nil {
			s.logger.Error("Memtable flush failed",
				zap.Uint32("stripe", uint32(s.id)),
				zap.Error(err))
			s.metrics.RecordFlushFailure()
			if s.onFlushError != nil {
				s.onFlushError(s.id, err)
			}
		}
	}()
}

// flushOnce freezes the active memtable (or adopts one left over from a
// failed attempt), writes it as an SSTable, registers the table in the
// manifest, and releases the WAL up to the flushed LSN.
func (s *Stripe) flushOnce() error {
	// Freeze and swap. The swap is the only point where a writer could
	// observe a transition; it happens atomically under both locks.
	s.writeMu.Lock()
	s.viewMu.Lock()
	var frozen *memtable.MemTable
	switch {
	case s.immutable != nil:
		frozen = s.immutable
	case s.active.Count() > 0:
		s.active.Freeze()
		frozen = s.active
		s.immutable = frozen
		s.active = memtable.New(s.memCfg)
		s.flushDone = make(chan struct{})
	}
	s.viewMu.Unlock()
	s.writeMu.Unlock()

	if frozen == nil {
		return nil
	}

	if err := s.diskMgr.CheckBeforeWrite(uint64(frozen.Size())); err != nil {
		return err
	}

	start := time.Now()
	meta, err := s.writeTable(frozen)
	if err != nil {
		// The immutable memtable stays readable and the WAL still holds its
		// records; the flush is retried on the next trigger.
		return err
	}

	handle, err := openTable(meta, s.transform, s.logger)
	if err != nil {
		os.Remove(meta.FilePath)
		os.Remove(meta.IndexPath)
		os.Remove(meta.BloomPath)
		return err
	}

	s.manifestMu.Lock()
	newState := s.man.Clone()
	newState.SSTables = append(newState.SSTables, meta)
	if frozen.MaxLSN() > newState.LastFlushedLSN {
		newState.LastFlushedLSN = frozen.MaxLSN()
	}
	if err := newState.Save(s.dir); err != nil {
		s.manifestMu.Unlock()
		handle.retire()
		return err
	}

	s.viewMu.Lock()
	s.man = newState
	s.tables = append(s.tables, handle)
	s.immutable = nil
	done := s.flushDone
	s.viewMu.Unlock()
	s.manifestMu.Unlock()
	close(done)

	s.liveBytes.Add(meta.Size)

	// The flushed records are durable in the SST; sealed WAL segments below
	// the flushed LSN become deletable once retention passes.
	if err := s.wal.Rotate(); err != nil {
		s.logger.Warn("Failed to rotate wal after flush",
			zap.Uint32("stripe", uint32(s.id)), zap.Error(err))
	}
	if err := s.wal.TruncateBefore(newState.LastFlushedLSN); err != nil {
		s.logger.Warn("Failed to truncate wal after flush",
			zap.Uint32("stripe", uint32(s.id)), zap.Error(err))
	}

	s.metrics.RecordFlush(time.Since(start).Seconds())
	s.logger.Info("Memtable flush completed",
		zap.Uint32("stripe", uint32(s.id)),
		zap.String("sstable_id", meta.SSTableID),
		zap.Int("entries", meta.Entries),
		zap.Int64("size", meta.Size),
		zap.Uint64("flushed_lsn", newState.LastFlushedLSN),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// writeTable writes a frozen memtable to a new SSTable. Tombstones survive
// the flush; only compaction may drop them.
func (s *Stripe) writeTable(frozen *memtable.MemTable) (*model.SSTableMetadata, error) {
	id := fmt.Sprintf("sstable-%d", time.Now().UnixNano())
	path := filepath.Join(s.dir, id+".sst")

	cfg := s.sstCfg
	cfg.ExpectedEntries = frozen.Count()
	w, err := sstable.NewWriter(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable writer: %w", err)
	}

	iter := frozen.Iterator()
	for iter.Next() {
		if err := w.Write(iter.Record()); err != nil {
			w.Abort()
			return nil, fmt.Errorf("failed to write sstable entry: %w", err)
		}
	}
	if err := w.Finalize(); err != nil {
		return nil, fmt.Errorf("failed to finalize sstable: %w", err)
	}
	return w.Metadata(id, s.id), nil
}

// waitForFlush blocks until no flush is in flight. Used by truncation.
func (s *Stripe) waitForFlush() {
	for {
		s.viewMu.RLock()
		pending := s.immutable != nil
		done := s.flushDone
		s.viewMu.RUnlock()
		if !pending && !s.flushing.Load() {
			return
		}
		select {
		case <-done:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// writeRate returns writes per second over the current one-minute window.
func (s *Stripe) writeRate() float64 {
	now := time.Now().UnixNano()
	start := s.windowStart.Load()
	elapsed := time.Duration(now - start)
	if elapsed > time.Minute && s.windowStart.CompareAndSwap(start, now) {
		s.writesInWindow.Store(0)
		return 0
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(s.writesInWindow.Load()) / elapsed.Seconds()
}

// stats builds the external reporting view of the stripe.
func (s *Stripe) stats() model.StripeStats {
	s.viewMu.RLock()
	tableCount := len(s.tables)
	var totalBytes int64
	for _, h := range s.tables {
		totalBytes += h.meta.Size
	}
	memBytes := s.active.Size()
	if s.immutable != nil {
		memBytes += s.immutable.Size()
	}
	flushedLSN := s.man.LastFlushedLSN
	s.viewMu.RUnlock()

	s.outcomeMu.Lock()
	outcome := s.lastCompaction
	s.outcomeMu.Unlock()

	return model.StripeStats{
		Stripe:                 s.id,
		SSTableCount:           tableCount,
		TotalBytes:             totalBytes,
		LiveBytes:              s.liveBytes.Load(),
		MemTableBytes:          memBytes,
		LastFlushedLSN:         flushedLSN,
		LastCompaction:         outcome,
		CompactionBytesRead:    s.compBytesRead.Load(),
		CompactionBytesWritten: s.compBytesWritten.Load(),
		WritesLastMinute:       s.writesInWindow.Load(),
	}
}

func (s *Stripe) closeTables() {
	for _, h := range s.tables {
		h.release()
	}
	s.tables = nil
}

// close flushes nothing; it releases table handles and closes the WAL.
// Unflushed records remain recoverable from the WAL.
func (s *Stripe) close() error {
	s.waitForFlush()
	s.viewMu.Lock()
	s.closeTables()
	s.viewMu.Unlock()
	return s.wal.Close()
}
