// Package engine implements the striped key-value store: a fixed set of
// stripes, each an independent WAL + memtable + SSTable pipeline, fronted
// by a hash router and a global LSN sequence.
package engine

import (
	"encoding/json"
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
	"github.com/stripedb/stripedb/internal/storage/memtable"
	"github.com/stripedb/stripedb/internal/storage/sstable"
	"github.com/stripedb/stripedb/internal/storage/wal"
	"github.com/stripedb/stripedb/internal/validation"
)

// engineMetaFile pins the stripe count for the life of the database; keys
// route by hash modulo stripe count, so reopening with a different count
// would silently lose keys.
const engineMetaFile = "ENGINE"

// DefaultStripeCount is the stripe count used when none is configured.
const DefaultStripeCount = 256

// Config holds database configuration.
type Config struct {
	// DataDir is the root directory; each stripe gets a subdirectory.
	DataDir string

	// StripeCount fixes the number of stripes. Immutable once the database
	// has been created.
	StripeCount int

	WAL        wal.Config
	MemTable   memtable.Config
	Compaction CompactionConfig
	Disk       *diskmanager.Config

	// Compression names the SSTable block codec: none, snappy, lz4, zstd.
	Compression string

	// BloomFilterFP is the per-table bloom filter false positive rate.
	BloomFilterFP float64

	// EncryptionKey enables at-rest encryption of WAL and SSTable payloads
	// when non-empty. Must be 16, 24, or 32 bytes.
	EncryptionKey []byte

	// MaxKeySize and MaxValueSize override the default input limits when
	// positive.
	MaxKeySize   int
	MaxValueSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type engineMeta struct {
	StripeCount int       `json:"stripe_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// LookupOutcome distinguishes the three results of a point lookup.
type LookupOutcome int

const (
	// LookupFound means a live value exists for the key.
	LookupFound LookupOutcome = iota
	// LookupDeleted means a tombstone is the newest version: the key was
	// authoritatively deleted.
	LookupDeleted
	// LookupNotFound means no version of the key exists anywhere.
	LookupNotFound
)

// DB is the striped storage engine. All methods are safe for concurrent
// use.
type DB struct {
	config    Config
	logger    *zap.Logger
	router    *Router
	stripes   []*Stripe
	scheduler *Scheduler
	validator *validation.Validator
	diskMgr   *diskmanager.DiskManager
	transform crypt.Transform
	metrics   *metrics.Metrics

	// seq is the global LSN source; sampled inside each stripe's write
	// critical section.
	seq atomic.Uint64

	// truncateMu serializes point-in-time truncations.
	truncateMu sync.Mutex

	lastFlushErr atomic.Value // error

	statsStop chan struct{}
	statsWG   sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database at cfg.DataDir. Every stripe is
// recovered before Open returns: manifests loaded, WAL tails replayed, and
// the global sequence restored to the highest LSN ever assigned.
func Open(cfg Config) (*DB, error) {
	if cfg.DataDir == "" {
		return nil, storageerrors.InvalidArgument("data directory must be set", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StripeCount <= 0 {
		cfg.StripeCount = DefaultStripeCount
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := checkEngineMeta(cfg.DataDir, cfg.StripeCount); err != nil {
		return nil, err
	}

	transform, err := newTransform(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	diskCfg := cfg.Disk
	if diskCfg == nil {
		diskCfg = diskmanager.DefaultConfig(cfg.DataDir)
	}
	diskMgr, err := diskmanager.New(diskCfg, cfg.Logger)
	if err != nil {
		return nil, err
	}

	codec, err := sstable.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, storageerrors.InvalidArgument(err.Error(), err)
	}
	sstCfg := sstable.Config{
		Codec:         codec,
		BloomFilterFP: cfg.BloomFilterFP,
		Transform:     transform,
	}

	maxKey, maxValue := cfg.MaxKeySize, cfg.MaxValueSize
	if maxKey <= 0 {
		maxKey = validation.MaxKeySize
	}
	if maxValue <= 0 {
		maxValue = validation.MaxValueSize
	}

	db := &DB{
		config:    cfg,
		logger:    cfg.Logger,
		router:    NewRouter(cfg.StripeCount),
		validator: validation.NewValidatorWithLimits(maxKey, maxValue),
		diskMgr:   diskMgr,
		transform: transform,
		metrics:   cfg.Metrics,
		statsStop: make(chan struct{}),
	}

	start := time.Now()
	var maxLSN model.LSN
	for i := 0; i < cfg.StripeCount; i++ {
		dir := filepath.Join(cfg.DataDir, fmt.Sprintf("stripe-%05d", i))
		s, lsn, err := openStripe(dir, model.StripeID(i),
			cfg.WAL, cfg.MemTable, sstCfg, transform, diskMgr, cfg.Logger)
		if err != nil {
			for _, prev := range db.stripes {
				prev.close()
			}
			return nil, fmt.Errorf("failed to open stripe %d: %w", i, err)
		}
		s.metrics = cfg.Metrics
		s.onFlushError = db.noteFlushError
		db.stripes = append(db.stripes, s)
		if lsn > maxLSN {
			maxLSN = lsn
		}
	}
	db.seq.Store(uint64(maxLSN))

	db.scheduler = NewScheduler(cfg.Compaction, db.stripes, cfg.Logger)

	db.statsWG.Add(1)
	go db.statsLoop()

	cfg.Logger.Info("Database opened",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("stripes", cfg.StripeCount),
		zap.Uint64("max_lsn", uint64(maxLSN)),
		zap.Duration("recovery_duration", time.Since(start)))
	return db, nil
}

func newTransform(key []byte) (crypt.Transform, error) {
	if len(key) == 0 {
		return crypt.Noop{}, nil
	}
	return crypt.NewAESCTR(key)
}

func checkEngineMeta(dataDir string, stripeCount int) error {
	path := filepath.Join(dataDir, engineMetaFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		meta := engineMeta{StripeCount: stripeCount, CreatedAt: time.Now()}
		out, merr := json.MarshalIndent(meta, "", "  ")
		if merr != nil {
			return merr
		}
		return os.WriteFile(path, out, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to read engine metadata: %w", err)
	}

	var meta engineMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return storageerrors.CorruptedData("engine metadata unreadable", err)
	}
	if meta.StripeCount != stripeCount {
		return storageerrors.InvalidArgument(
			fmt.Sprintf("database was created with %d stripes, configured with %d",
				meta.StripeCount, stripeCount), nil)
	}
	return nil
}

// Put stores value under key. It returns once the record is durable in the
// owning stripe's WAL.
func (db *DB) Put(key, value []byte) error {
	if db.closed.Load() {
		return storageerrors.Closed("database")
	}
	if err := db.validator.ValidatePut(key, value); err != nil {
		return err
	}
	if err := db.diskMgr.CheckBeforeWrite(validation.EstimateWriteSize(key, value)); err != nil {
		return err
	}

	start := time.Now()
	// The record outlives the call; the memtable keeps a reference.
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)

	s := db.stripes[db.router.Route(k)]
	_, err := s.apply(model.KindValue, k, v, db.nextSeq)
	if err == nil {
		db.metrics.RecordPut(time.Since(start).Seconds(), len(key)+len(value))
	}
	return err
}

// Delete writes a tombstone for key. Deleting an absent key is not an
// error; the tombstone still wins over any older value that may surface
// from an SSTable later.
func (db *DB) Delete(key []byte) error {
	if db.closed.Load() {
		return storageerrors.Closed("database")
	}
	if err := db.validator.ValidateKey(key); err != nil {
		return err
	}
	if err := db.diskMgr.CheckBeforeWrite(validation.EstimateWriteSize(key, nil)); err != nil {
		return err
	}

	start := time.Now()
	k := append([]byte(nil), key...)

	s := db.stripes[db.router.Route(k)]
	_, err := s.apply(model.KindTombstone, k, nil, db.nextSeq)
	if err == nil {
		db.metrics.RecordDelete(time.Since(start).Seconds())
	}
	return err
}

// Get returns the newest value for key, with found=false when the key was
// deleted or never written. Use Lookup to tell those apart.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	value, outcome, err := db.Lookup(key)
	if err != nil {
		return nil, false, err
	}
	return value, outcome == LookupFound, nil
}

// Lookup resolves key to its newest version and reports whether it was
// found, deleted, or never written.
func (db *DB) Lookup(key []byte) ([]byte, LookupOutcome, error) {
	if db.closed.Load() {
		return nil, LookupNotFound, storageerrors.Closed("database")
	}
	if err := db.validator.ValidateKey(key); err != nil {
		return nil, LookupNotFound, err
	}

	start := time.Now()
	s := db.stripes[db.router.Route(key)]
	rec, err := s.get(key)
	if err != nil {
		return nil, LookupNotFound, err
	}
	db.metrics.RecordGet(time.Since(start).Seconds())

	switch {
	case rec == nil:
		return nil, LookupNotFound, nil
	case rec.IsTombstone():
		return nil, LookupDeleted, nil
	default:
		return rec.Value, LookupFound, nil
	}
}

// Scan returns an iterator over live keys with start <= key < end, in
// ascending key order across all stripes. An empty start begins at the
// first key; an empty end means no upper bound. The caller must Close the
// iterator.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	if db.closed.Load() {
		return nil, storageerrors.Closed("database")
	}
	if len(end) > 0 && string(end) <= string(start) {
		return nil, storageerrors.InvalidArgument("scan end must be greater than start", nil)
	}

	begin := time.Now()
	var sources []scanSource
	var handles []*tableHandle

	for _, s := range db.stripes {
		s.viewMu.RLock()
		if recs := s.active.Range(start, end); len(recs) > 0 {
			sources = append(sources, &sliceSource{records: recs})
		}
		if s.immutable != nil {
			if recs := s.immutable.Range(start, end); len(recs) > 0 {
				sources = append(sources, &sliceSource{records: recs})
			}
		}
		for _, h := range s.tables {
			if h.acquire() {
				handles = append(handles, h)
				sources = append(sources, &tableSource{it: h.reader.Scan(start, end)})
			}
		}
		s.viewMu.RUnlock()
	}

	it, err := newIterator(sources, handles)
	if err != nil {
		return nil, err
	}
	db.metrics.RecordScan(time.Since(begin).Seconds())
	return it, nil
}

// Stats returns a point-in-time snapshot of every stripe's state.
func (db *DB) Stats() []model.StripeStats {
	out := make([]model.StripeStats, 0, len(db.stripes))
	for _, s := range db.stripes {
		out = append(out, s.stats())
	}
	return out
}

// DiskUsage returns the current disk usage of the data directory's volume.
func (db *DB) DiskUsage() diskmanager.UsageStats {
	return db.diskMgr.Usage()
}

// LastFlushError returns the most recent flush failure, or nil. A failed
// flush is retried; this surfaces persistent trouble to health checks.
func (db *DB) LastFlushError() error {
	if v := db.lastFlushErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (db *DB) noteFlushError(stripe model.StripeID, err error) {
	db.lastFlushErr.Store(err)
}

func (db *DB) nextSeq() model.LSN {
	return model.LSN(db.seq.Add(1))
}

// statsLoop refreshes the state gauges.
func (db *DB) statsLoop() {
	defer db.statsWG.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var memBytes int64
			for _, s := range db.stripes {
				st := s.stats()
				db.metrics.UpdateStripeStats(
					fmt.Sprintf("%d", st.Stripe), st.SSTableCount, st.TotalBytes)
				memBytes += st.MemTableBytes
			}
			db.metrics.UpdateMemTableBytes(memBytes)
			usage := db.diskMgr.Usage()
			db.metrics.UpdateDiskStats(usage.UsagePercent, usage.AvailableBytes)
		case <-db.statsStop:
			return
		}
	}
}

// Close stops background work and closes every stripe. In-flight flushes
// complete; anything still only in a memtable stays recoverable from the
// WAL.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		db.scheduler.Stop()
		close(db.statsStop)
		db.statsWG.Wait()

		for _, s := range db.stripes {
			if err := s.close(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
		}
		db.logger.Info("Database closed", zap.String("data_dir", db.config.DataDir))
	})
	return db.closeErr
}
