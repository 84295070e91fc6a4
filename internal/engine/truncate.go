package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/memtable"
)

// TruncateToTime discards every record written after target, across all
// stripes, as if the database had stopped at that moment. The target must
// fall within the WAL retention window; SSTables whose LSN range straddles
// the boundary cannot be split and cause the whole operation to be
// rejected before anything is modified.
//
// The database quiesces for the duration: writes block, compactions drain.
func (db *DB) TruncateToTime(target time.Time) error {
	if db.closed.Load() {
		return storageerrors.Closed("database")
	}
	if target.After(time.Now()) {
		return storageerrors.InvalidArgument("truncation target is in the future", nil)
	}

	db.truncateMu.Lock()
	defer db.truncateMu.Unlock()

	db.scheduler.Pause()
	defer db.scheduler.Resume()

	db.quiesce()
	defer db.unquiesce()

	boundary, err := db.truncationBoundary(target)
	if err != nil {
		return err
	}

	// Validate before mutating: a straddling table on any stripe rejects
	// the whole truncation.
	for _, s := range db.stripes {
		s.viewMu.RLock()
		for _, h := range s.tables {
			if h.meta.MinLSN <= boundary && h.meta.MaxLSN > boundary {
				s.viewMu.RUnlock()
				return storageerrors.InvalidArgument(
					fmt.Sprintf("sstable %s spans the truncation boundary (lsn %d..%d, boundary %d)",
						h.meta.SSTableID, h.meta.MinLSN, h.meta.MaxLSN, boundary), nil)
			}
		}
		s.viewMu.RUnlock()
	}

	for _, s := range db.stripes {
		if err := s.truncateTo(boundary); err != nil {
			return err
		}
	}

	// No LSN above the boundary survives anywhere, so the sequence can
	// rewind to it.
	db.seq.Store(uint64(boundary))
	db.metrics.RecordTruncation()

	db.logger.Info("Point-in-time truncation completed",
		zap.Time("target", target),
		zap.Uint64("boundary_lsn", uint64(boundary)))
	return nil
}

// quiesce blocks until no write or flush is in flight on any stripe and
// holds every stripe's write lock. unquiesce releases them.
func (db *DB) quiesce() {
	for {
		for _, s := range db.stripes {
			s.waitForFlush()
		}
		for _, s := range db.stripes {
			s.writeMu.Lock()
		}
		// An apply racing the lock acquisition may have scheduled one more
		// flush; if so, back off and wait again.
		busy := false
		for _, s := range db.stripes {
			if s.flushing.Load() {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		db.unquiesce()
		time.Sleep(time.Millisecond)
	}
}

func (db *DB) unquiesce() {
	for _, s := range db.stripes {
		s.writeMu.Unlock()
	}
}

// truncationBoundary maps the target time to the highest LSN assigned at
// or before it: flushed tables contribute their max LSN when they were
// written before the target, and retained WAL records contribute their own
// LSN when their timestamp is at or before the target.
func (db *DB) truncationBoundary(target time.Time) (model.LSN, error) {
	tsNano := target.UnixNano()
	var boundary model.LSN

	for _, s := range db.stripes {
		s.viewMu.RLock()
		for _, h := range s.tables {
			if !h.meta.CreatedAt.After(target) && h.meta.MaxLSN > boundary {
				boundary = h.meta.MaxLSN
			}
		}
		s.viewMu.RUnlock()

		err := s.wal.Replay(func(rec *model.Record) error {
			if rec.Timestamp <= tsNano && rec.Seq > boundary {
				boundary = rec.Seq
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return boundary, nil
}

// truncateTo discards the stripe's state above the boundary: WAL records
// first, then whole SSTables, then the memtable is rebuilt from the
// surviving WAL tail. Caller holds writeMu and has drained flushes.
func (s *Stripe) truncateTo(boundary model.LSN) error {
	if err := s.wal.DropAfter(boundary); err != nil {
		return err
	}

	s.manifestMu.Lock()
	newState := s.man.Clone()
	var kept []*model.SSTableMetadata
	var keptHandles []*tableHandle
	var dropped []*tableHandle

	s.viewMu.RLock()
	for _, h := range s.tables {
		if h.meta.MinLSN > boundary {
			dropped = append(dropped, h)
		} else {
			kept = append(kept, h.meta)
			keptHandles = append(keptHandles, h)
		}
	}
	s.viewMu.RUnlock()

	newState.SSTables = kept
	if newState.LastFlushedLSN > boundary {
		newState.LastFlushedLSN = boundary
	}
	if err := newState.Save(s.dir); err != nil {
		s.manifestMu.Unlock()
		return err
	}

	fresh := memtable.New(s.memCfg)
	err := s.wal.Replay(func(rec *model.Record) error {
		if rec.Seq > newState.LastFlushedLSN {
			fresh.Put(rec)
		}
		return nil
	})
	if err != nil {
		s.manifestMu.Unlock()
		return err
	}

	s.viewMu.Lock()
	s.man = newState
	s.tables = keptHandles
	s.active = fresh
	s.immutable = nil
	s.viewMu.Unlock()
	s.manifestMu.Unlock()

	for _, h := range dropped {
		h.retire()
	}

	var live int64
	for _, meta := range kept {
		live += meta.Size
	}
	s.liveBytes.Store(live)

	if len(dropped) > 0 {
		s.logger.Info("Truncated stripe",
			zap.Uint32("stripe", uint32(s.id)),
			zap.Int("dropped_tables", len(dropped)),
			zap.Uint64("boundary_lsn", uint64(boundary)))
	}
	return nil
}
