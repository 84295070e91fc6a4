// Package sstable implements the immutable, sorted, indexed on-disk table
// format. Tables are written to temporary paths and renamed into place only
// after a successful fsync, so a crash mid-write never leaves a partially
// visible table; registration in the stripe manifest is the commit point.
//
// Entry frame layout (data file, little endian):
//
//	+---------------+----------+-----------+--------+
//	| StoredLen(4B) | CRC (4B) | Codec(1B) | Stored |
//	+---------------+----------+-----------+--------+
//
// Stored bytes are the encoded record, compressed by the codec and then
// passed through the at-rest transform. The CRC covers the plaintext
// encoded record.
package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/record"
	"github.com/stripedb/stripedb/internal/storage/crypt"
	"github.com/stripedb/stripedb/internal/util"
)

const (
	tmpSuffix   = ".tmp"
	IndexSuffix = ".idx"
	BloomSuffix = ".bloom"

	entryHeaderSize = 4 + 4 + 1
)

// IndexEntry represents an entry in the SSTable index.
type IndexEntry struct {
	Key    string
	Offset int64
	Size   int32 // full frame length including header
}

// Config holds SSTable writer configuration.
type Config struct {
	Codec           Codec
	BloomFilterFP   float64
	ExpectedEntries int
	Transform       crypt.Transform
}

// Writer produces a single SSTable from a sorted stream of records.
type Writer struct {
	dataPath  string
	dataFile  *os.File
	indexFile *os.File
	bloomFile *os.File

	config    Config
	transform crypt.Transform

	offset  int64
	index   []IndexEntry
	bloom   *BloomFilter
	entries int
	minKey  string
	maxKey  string
	minLSN  model.LSN
	maxLSN  model.LSN
}

// NewWriter creates a writer targeting filePath. All three files (data,
// index, bloom) are written under temporary names until Finalize succeeds.
func NewWriter(filePath string, cfg Config) (*Writer, error) {
	if cfg.BloomFilterFP <= 0 {
		cfg.BloomFilterFP = 0.01
	}
	if cfg.ExpectedEntries <= 0 {
		cfg.ExpectedEntries = 10000
	}
	transform := cfg.Transform
	if transform == nil {
		transform = crypt.Noop{}
	}

	dataFile, err := os.Create(filePath + tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	indexFile, err := os.Create(filePath + IndexSuffix + tmpSuffix)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}
	bloomFile, err := os.Create(filePath + BloomSuffix + tmpSuffix)
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return nil, fmt.Errorf("failed to create bloom file: %w", err)
	}

	return &Writer{
		dataPath:  filePath,
		dataFile:  dataFile,
		indexFile: indexFile,
		bloomFile: bloomFile,
		config:    cfg,
		transform: transform,
		index:     make([]IndexEntry, 0),
		bloom:     NewBloomFilter(cfg.ExpectedEntries, cfg.BloomFilterFP),
	}, nil
}

// Write appends a record. Records must arrive in strictly ascending key
// order (one record per key), as produced by a frozen memtable or a merge.
func (w *Writer) Write(rec *model.Record) error {
	key := string(rec.Key)
	if w.entries > 0 && key <= w.maxKey {
		return fmt.Errorf("records out of order: %q after %q", key, w.maxKey)
	}

	encoded := record.Encode(rec)
	checksum := util.ComputeChecksum(encoded)

	compressed, err := w.config.Codec.Compress(encoded)
	if err != nil {
		return fmt.Errorf("failed to compress entry: %w", err)
	}
	stored, err := w.transform.Seal(compressed)
	if err != nil {
		return fmt.Errorf("failed to seal entry: %w", err)
	}

	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(stored)))
	binary.LittleEndian.PutUint32(hdr[4:8], checksum)
	hdr[8] = byte(w.config.Codec)

	if _, err := w.dataFile.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write entry header: %w", err)
	}
	if _, err := w.dataFile.Write(stored); err != nil {
		return fmt.Errorf("failed to write entry data: %w", err)
	}

	frameLen := int32(entryHeaderSize + len(stored))
	w.index = append(w.index, IndexEntry{
		Key:    key,
		Offset: w.offset,
		Size:   frameLen,
	})
	w.bloom.Add(rec.Key)

	if w.entries == 0 {
		w.minKey = key
		w.minLSN = rec.Seq
		w.maxLSN = rec.Seq
	}
	w.maxKey = key
	if rec.Seq < w.minLSN {
		w.minLSN = rec.Seq
	}
	if rec.Seq > w.maxLSN {
		w.maxLSN = rec.Seq
	}
	w.entries++
	w.offset += int64(frameLen)

	return nil
}

// Finalize writes the index and bloom filter, syncs everything, and renames
// the three files into place. The operation is all-or-nothing: on error the
// temporary files are removed and no table becomes visible.
func (w *Writer) Finalize() error {
	if err := w.finalize(); err != nil {
		w.Abort()
		return err
	}
	return nil
}

func (w *Writer) finalize() error {
	for _, entry := range w.index {
		if err := w.writeIndexEntry(entry); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}
	if err := w.bloom.WriteTo(w.bloomFile); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	for _, f := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync sstable file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close sstable file: %w", err)
		}
	}

	renames := [][2]string{
		{w.dataPath + tmpSuffix, w.dataPath},
		{w.dataPath + IndexSuffix + tmpSuffix, w.dataPath + IndexSuffix},
		{w.dataPath + BloomSuffix + tmpSuffix, w.dataPath + BloomSuffix},
	}
	for _, r := range renames {
		if err := os.Rename(r[0], r[1]); err != nil {
			return fmt.Errorf("failed to commit sstable file: %w", err)
		}
	}
	return nil
}

// writeIndexEntry writes a single index entry.
func (w *Writer) writeIndexEntry(entry IndexEntry) error {
	keyLen := int32(len(entry.Key))
	if err := binary.Write(w.indexFile, binary.LittleEndian, keyLen); err != nil {
		return err
	}
	if _, err := w.indexFile.Write([]byte(entry.Key)); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Offset); err != nil {
		return err
	}
	return binary.Write(w.indexFile, binary.LittleEndian, entry.Size)
}

// Abort discards the temporary files. Safe to call after a failed Finalize.
func (w *Writer) Abort() {
	w.dataFile.Close()
	w.indexFile.Close()
	w.bloomFile.Close()
	os.Remove(w.dataPath + tmpSuffix)
	os.Remove(w.dataPath + IndexSuffix + tmpSuffix)
	os.Remove(w.dataPath + BloomSuffix + tmpSuffix)
}

// Size returns the current size of the data file.
func (w *Writer) Size() int64 { return w.offset }

// Entries returns the number of records written.
func (w *Writer) Entries() int { return w.entries }

// Metadata builds the manifest entry for the finished table.
func (w *Writer) Metadata(id string, stripe model.StripeID) *model.SSTableMetadata {
	return &model.SSTableMetadata{
		SSTableID: id,
		Stripe:    stripe,
		Size:      w.offset,
		Entries:   w.entries,
		KeyRange:  model.KeyRange{StartKey: w.minKey, EndKey: w.maxKey},
		MinLSN:    w.minLSN,
		MaxLSN:    w.maxLSN,
		CreatedAt: time.Now(),
		FilePath:  w.dataPath,
		IndexPath: w.dataPath + IndexSuffix,
		BloomPath: w.dataPath + BloomSuffix,
	}
}
