// Package wal implements the per-stripe write-ahead log. Every mutation is
// framed, checksummed and appended here before it becomes visible in the
// memtable. Segments are sealed on rotation and deleted only once the
// records they hold are durably reflected in an SSTable and the retention
// window for point-in-time truncation has passed.
package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/record"
	"github.com/stripedb/stripedb/internal/storage/crypt"
)

const segmentPrefix = "wal-"

// Config holds write-ahead log configuration.
type Config struct {
	// SyncWrites forces an fsync after every append. When false, durability
	// is bounded by explicit Sync calls and OS flushing.
	SyncWrites bool

	// SegmentSize rotates the active segment once it grows past this size.
	SegmentSize int64

	// Retention keeps sealed, fully-flushed segments on disk for this long
	// so point-in-time truncation can reach back into them.
	Retention time.Duration
}

// segment is one on-disk WAL file. Only the last segment accepts appends.
type segment struct {
	index    uint64
	path     string
	firstLSN model.LSN // 0 until the first append lands
	maxLSN   model.LSN
	sealedAt time.Time // zero for the active segment
	size     int64
}

// Log is the write-ahead log for a single stripe. The owning stripe
// serializes writers, so Log only guards against Replay and truncation
// racing appends.
type Log struct {
	dir       string
	stripe    model.StripeID
	config    Config
	transform crypt.Transform
	logger    *zap.Logger

	mu       sync.Mutex
	segments []*segment
	current  *os.File
	closed   bool
}

// Open opens (or creates) the stripe's WAL directory and its segments.
func Open(dir string, stripe model.StripeID, cfg Config, transform crypt.Transform, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	if transform == nil {
		transform = crypt.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Log{
		dir:       dir,
		stripe:    stripe,
		config:    cfg,
		transform: transform,
		logger:    logger,
	}

	if err := l.loadSegments(); err != nil {
		return nil, err
	}
	if len(l.segments) == 0 {
		if err := l.openSegmentLocked(1); err != nil {
			return nil, err
		}
	} else {
		last := l.segments[len(l.segments)-1]
		f, err := os.OpenFile(last.path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open wal segment: %w", err)
		}
		l.current = f
	}
	return l, nil
}

// loadSegments scans the directory, ordering segments by index and
// recovering each segment's LSN bounds and size.
func (l *Log) loadSegments() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to list wal directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), ".log"), 10, 64)
		if err != nil {
			l.logger.Warn("Ignoring unrecognized wal file", zap.String("file", name))
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("failed to stat wal segment: %w", err)
		}
		l.segments = append(l.segments, &segment{
			index: idx,
			path:  filepath.Join(l.dir, name),
			size:  info.Size(),
		})
	}
	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].index < l.segments[j].index })

	for i, seg := range l.segments {
		first, max, err := scanSegmentBounds(seg.path, l.transform)
		if err != nil {
			return err
		}
		seg.firstLSN = first
		seg.maxLSN = max
		if i < len(l.segments)-1 {
			info, err := os.Stat(seg.path)
			if err == nil {
				seg.sealedAt = info.ModTime()
			}
		}
	}
	return nil
}

// scanSegmentBounds reads a segment's valid prefix and returns the first and
// highest LSN it holds. Corrupt tails are tolerated here; Replay owns the
// truncation policy.
func scanSegmentBounds(path string, transform crypt.Transform) (model.LSN, model.LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open wal segment: %w", err)
	}
	defer f.Close()

	var first, max model.LSN
	for {
		payload, err := record.ReadSealedFrame(f, transform)
		if err != nil {
			break
		}
		rec, err := record.Decode(payload)
		if err != nil {
			break
		}
		if first == 0 {
			first = rec.Seq
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return first, max, nil
}

// Append serializes the record and appends it durably. The record's LSN is
// assigned by the caller inside the stripe's writer critical section before
// Append is invoked. An I/O or fsync failure fails the write with a
// durability error and must leave the memtable untouched.
func (l *Log) Append(rec *model.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storageerrors.Closed("wal")
	}

	framed, err := record.AppendSealedFrame(nil, record.Encode(rec), l.transform)
	if err != nil {
		return storageerrors.Durability("failed to frame wal record", err)
	}

	if _, err := l.current.Write(framed); err != nil {
		return storageerrors.Durability("failed to append to wal", err)
	}
	if l.config.SyncWrites {
		if err := l.current.Sync(); err != nil {
			return storageerrors.Durability("failed to sync wal", err)
		}
	}

	active := l.segments[len(l.segments)-1]
	if active.firstLSN == 0 {
		active.firstLSN = rec.Seq
	}
	active.maxLSN = rec.Seq
	active.size += int64(len(framed))

	if l.config.SegmentSize > 0 && active.size >= l.config.SegmentSize {
		if err := l.rotateLocked(); err != nil {
			// The append itself is durable; rotation failure only delays
			// truncation, so it is logged rather than surfaced.
			l.logger.Error("Failed to rotate wal segment",
				zap.Uint32("stripe", uint32(l.stripe)),
				zap.Error(err))
		}
	}
	return nil
}

// Sync forces durability of all appended-but-unflushed bytes.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return storageerrors.Closed("wal")
	}
	if err := l.current.Sync(); err != nil {
		return storageerrors.Durability("failed to sync wal", err)
	}
	return nil
}

// Rotate seals the active segment and opens a fresh one. Called by the
// stripe after a flush so the sealed segments become truncation candidates.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return storageerrors.Closed("wal")
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	active := l.segments[len(l.segments)-1]
	if active.size == 0 {
		return nil
	}
	if err := l.current.Sync(); err != nil {
		return storageerrors.Durability("failed to sync wal before rotation", err)
	}
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("failed to close wal segment: %w", err)
	}
	active.sealedAt = time.Now()
	return l.openSegmentLocked(active.index + 1)
}

func (l *Log) openSegmentLocked(index uint64) error {
	path := filepath.Join(l.dir, fmt.Sprintf("%s%06d.log", segmentPrefix, index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open wal segment: %w", err)
	}
	l.current = f
	l.segments = append(l.segments, &segment{index: index, path: path})
	l.logger.Debug("Opened wal segment",
		zap.Uint32("stripe", uint32(l.stripe)),
		zap.String("path", path))
	return nil
}

// Replay streams records from all segments in LSN order. Replay stops at the
// first corrupt or truncated record, truncates the file to its valid prefix,
// discards later segments, and treats everything before the corruption as
// valid. It never fails the whole stripe for one torn tail record.
func (l *Log) Replay(fn func(*model.Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, seg := range l.segments {
		corruptAt, err := l.replaySegment(seg, fn)
		if err != nil {
			return err
		}
		if corruptAt < 0 {
			continue
		}

		l.logger.Warn("Truncating wal at corrupt record",
			zap.Uint32("stripe", uint32(l.stripe)),
			zap.String("segment", seg.path),
			zap.Int64("offset", corruptAt))
		if err := l.truncateFromLocked(i, corruptAt); err != nil {
			return err
		}
		break
	}
	return nil
}

// replaySegment applies each valid record in the segment. It returns the
// byte offset of the first corruption, or -1 for a clean segment.
func (l *Log) replaySegment(seg *segment, fn func(*model.Record) error) (int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return -1, fmt.Errorf("failed to open wal segment: %w", err)
	}
	defer f.Close()

	var offset int64
	for {
		payload, err := record.ReadSealedFrame(f, l.transform)
		if err == io.EOF {
			return -1, nil
		}
		if err != nil {
			return offset, nil
		}
		rec, err := record.Decode(payload)
		if err != nil {
			return offset, nil
		}
		if err := fn(rec); err != nil {
			return -1, err
		}
		offset += int64(record.FrameHeaderSize + len(payload))
		if _, ok := l.transform.(crypt.Noop); !ok {
			// Stored frames are longer than their plaintext under a real
			// transform; recompute from the file position.
			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				offset = pos
			}
		}
	}
}

// truncateFromLocked cuts segment i at offset and removes every later
// segment, then reopens the active segment for appends.
func (l *Log) truncateFromLocked(i int, offset int64) error {
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("failed to close wal segment: %w", err)
	}

	for _, seg := range l.segments[i+1:] {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove wal segment: %w", err)
		}
	}
	seg := l.segments[i]
	if err := os.Truncate(seg.path, offset); err != nil {
		return fmt.Errorf("failed to truncate wal segment: %w", err)
	}
	seg.size = offset
	seg.sealedAt = time.Time{}
	l.segments = l.segments[:i+1]

	first, max, err := scanSegmentBounds(seg.path, l.transform)
	if err != nil {
		return err
	}
	seg.firstLSN = first
	seg.maxLSN = max

	f, err := os.OpenFile(seg.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen wal segment: %w", err)
	}
	l.current = f
	return nil
}

// TruncateBefore deletes sealed segments whose records are all at or below
// flushedLSN and whose retention window has passed. The active segment is
// never deleted.
func (l *Log) TruncateBefore(flushedLSN model.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.config.Retention)
	kept := l.segments[:0]
	for i, seg := range l.segments {
		isActive := i == len(l.segments)-1
		covered := seg.maxLSN <= flushedLSN && seg.firstLSN != 0
		expired := l.config.Retention <= 0 || seg.sealedAt.Before(cutoff)
		if !isActive && covered && expired {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove wal segment: %w", err)
			}
			l.logger.Debug("Deleted flushed wal segment",
				zap.Uint32("stripe", uint32(l.stripe)),
				zap.String("path", seg.path),
				zap.Uint64("max_lsn", seg.maxLSN))
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

// DropAfter rewrites the log, discarding every record with an LSN above
// boundary. Used by point-in-time truncation.
func (l *Log) DropAfter(boundary model.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.current.Close(); err != nil {
		return fmt.Errorf("failed to close wal segment: %w", err)
	}

	for i := len(l.segments) - 1; i >= 0; i-- {
		seg := l.segments[i]
		if seg.firstLSN != 0 && seg.firstLSN > boundary {
			// Entire segment is beyond the boundary.
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove wal segment: %w", err)
			}
			l.segments = l.segments[:i]
			continue
		}
		if seg.maxLSN > boundary {
			if err := l.rewriteSegmentLocked(i, boundary); err != nil {
				return err
			}
		}
		break
	}

	if len(l.segments) == 0 {
		return l.openSegmentLocked(1)
	}
	last := l.segments[len(l.segments)-1]
	f, err := os.OpenFile(last.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen wal segment: %w", err)
	}
	l.current = f
	last.sealedAt = time.Time{}
	return nil
}

// rewriteSegmentLocked rewrites segment i keeping only records at or below
// boundary, replacing the file atomically.
func (l *Log) rewriteSegmentLocked(i int, boundary model.LSN) error {
	seg := l.segments[i]
	src, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open wal segment: %w", err)
	}
	defer src.Close()

	tmpPath := seg.path + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create wal rewrite file: %w", err)
	}

	var size int64
	var first, max model.LSN
	for {
		payload, err := record.ReadSealedFrame(src, l.transform)
		if err != nil {
			break
		}
		rec, err := record.Decode(payload)
		if err != nil {
			break
		}
		if rec.Seq > boundary {
			continue
		}
		framed, err := record.AppendSealedFrame(nil, payload, l.transform)
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to frame wal record: %w", err)
		}
		n, err := dst.Write(framed)
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rewrite wal segment: %w", err)
		}
		size += int64(n)
		if first == 0 {
			first = rec.Seq
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync wal rewrite file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close wal rewrite file: %w", err)
	}
	if err := os.Rename(tmpPath, seg.path); err != nil {
		return fmt.Errorf("failed to replace wal segment: %w", err)
	}
	seg.size = size
	seg.firstLSN = first
	seg.maxLSN = max
	return nil
}

// LastLSN returns the highest LSN present in the log, or 0 when empty.
func (l *Log) LastLSN() model.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max model.LSN
	for _, seg := range l.segments {
		if seg.maxLSN > max {
			max = seg.maxLSN
		}
	}
	return max
}

// Close syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.current.Sync(); err != nil {
		l.current.Close()
		return fmt.Errorf("failed to sync wal on close: %w", err)
	}
	return l.current.Close()
}
