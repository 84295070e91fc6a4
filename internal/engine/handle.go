package engine

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/crypt"
	"github.com/stripedb/stripedb/internal/storage/sstable"
)

// tableHandle is a reference-counted open SSTable. The manifest holds one
// reference for as long as the table is registered; readers take short-lived
// references while resolving lookups. When a compaction retires the table
// the manifest reference is dropped and the files are deleted once the last
// reader releases.
type tableHandle struct {
	meta   *model.SSTableMetadata
	reader *sstable.Reader
	bloom  *sstable.BloomFilter
	logger *zap.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
}

// openTable opens the table's reader and bloom filter, returning a handle
// holding the manifest reference.
func openTable(meta *model.SSTableMetadata, transform crypt.Transform, logger *zap.Logger) (*tableHandle, error) {
	reader, err := sstable.NewReader(meta.FilePath, meta.IndexPath, transform)
	if err != nil {
		return nil, err
	}
	bloom, err := sstable.LoadBloomFilter(meta.BloomPath)
	if err != nil {
		reader.Close()
		return nil, err
	}

	h := &tableHandle{
		meta:   meta,
		reader: reader,
		bloom:  bloom,
		logger: logger,
	}
	h.refs.Store(1)
	return h, nil
}

// acquire takes a reader reference. Returns false if the handle already
// drained, in which case the caller must not touch the reader.
func (h *tableHandle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference. The last release closes the reader and, for a
// retired table, deletes its files. The manifest update that retired the
// table is the sole authorization for this deletion.
func (h *tableHandle) release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	h.reader.Close()
	if !h.obsolete.Load() {
		return
	}
	for _, path := range []string{h.meta.FilePath, h.meta.IndexPath, h.meta.BloomPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("Failed to delete retired sstable file",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

// retire marks the table superseded and drops the manifest reference.
func (h *tableHandle) retire() {
	h.obsolete.Store(true)
	h.release()
}
