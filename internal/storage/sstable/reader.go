package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/record"
	"github.com/stripedb/stripedb/internal/storage/crypt"
	"github.com/stripedb/stripedb/internal/util"
)

// Reader reads records from an immutable SSTable. Readers are safe for
// concurrent use: lookups use positioned reads and never seek the shared
// file descriptor.
type Reader struct {
	dataFile  *os.File
	transform crypt.Transform
	index     map[string]IndexEntry
	keys      []string // sorted
}

// NewReader opens the table and loads its index into memory.
func NewReader(dataPath, indexPath string, transform crypt.Transform) (*Reader, error) {
	if transform == nil {
		transform = crypt.Noop{}
	}

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	r := &Reader{
		dataFile:  dataFile,
		transform: transform,
		index:     make(map[string]IndexEntry),
	}
	if err := r.loadIndex(indexPath); err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return r, nil
}

// loadIndex loads the index file into memory. SSTables are not expected to
// be partially corrupt once committed, so any malformed index is fatal for
// the table.
func (r *Reader) loadIndex(indexPath string) error {
	f, err := os.Open(indexPath)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		var keyLen int32
		if err := binary.Read(f, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if keyLen < 0 || keyLen > record.MaxPayload {
			return storageerrors.CorruptedData("sstable index entry has invalid key length", nil)
		}

		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(f, keyBytes); err != nil {
			return err
		}

		var offset int64
		if err := binary.Read(f, binary.LittleEndian, &offset); err != nil {
			return err
		}
		var size int32
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			return err
		}

		key := string(keyBytes)
		r.index[key] = IndexEntry{Key: key, Offset: offset, Size: size}
		r.keys = append(r.keys, key)
	}

	sort.Strings(r.keys)
	return nil
}

// Get retrieves the record for key, or nil when the table does not hold it.
// Corruption is surfaced as a fatal diagnostic for this table.
func (r *Reader) Get(key []byte) (*model.Record, error) {
	entry, found := r.index[string(key)]
	if !found {
		return nil, nil
	}
	return r.readEntry(entry)
}

// readEntry reads and validates one entry frame via a positioned read.
func (r *Reader) readEntry(entry IndexEntry) (*model.Record, error) {
	frame := make([]byte, entry.Size)
	if _, err := r.dataFile.ReadAt(frame, entry.Offset); err != nil {
		return nil, storageerrors.CorruptedData("failed to read sstable entry", err)
	}
	if len(frame) < entryHeaderSize {
		return nil, storageerrors.CorruptedData("sstable entry frame too short", nil)
	}

	storedLen := binary.LittleEndian.Uint32(frame[0:4])
	checksum := binary.LittleEndian.Uint32(frame[4:8])
	codec := Codec(frame[8])
	if int(storedLen) != len(frame)-entryHeaderSize {
		return nil, storageerrors.CorruptedData("sstable entry length mismatch", nil)
	}

	compressed, err := r.transform.Open(frame[entryHeaderSize:])
	if err != nil {
		return nil, storageerrors.CorruptedData("failed to open sealed sstable entry", err)
	}
	encoded, err := codec.Decompress(compressed)
	if err != nil {
		return nil, storageerrors.CorruptedData("failed to decompress sstable entry", err)
	}
	if !util.ValidateChecksum(encoded, checksum) {
		return nil, storageerrors.ChecksumFailed(checksum, util.ComputeChecksum(encoded))
	}

	rec, err := record.Decode(encoded)
	if err != nil {
		return nil, storageerrors.CorruptedData("failed to decode sstable entry", err)
	}
	return rec, nil
}

// Has reports whether the index holds the key.
func (r *Reader) Has(key []byte) bool {
	_, found := r.index[string(key)]
	return found
}

// Keys returns all keys in sorted order.
func (r *Reader) Keys() []string {
	return r.keys
}

// Scan returns a lazy, ordered iterator over records whose keys fall in
// [start, end). An empty end means "to the last key".
func (r *Reader) Scan(start, end []byte) *ScanIterator {
	from := sort.SearchStrings(r.keys, string(start))
	return &ScanIterator{
		reader: r,
		pos:    from - 1,
		end:    end,
	}
}

// ScanIterator yields records in key order. Errors on a corrupt entry stop
// the iteration; the error is available from Err.
type ScanIterator struct {
	reader  *Reader
	pos     int
	end     []byte
	current *model.Record
	err     error
}

// Next advances the iterator. It returns false at the end of the range or
// on the first error.
func (it *ScanIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.reader.keys) {
		return false
	}
	key := it.reader.keys[it.pos]
	if len(it.end) > 0 && key >= string(it.end) {
		return false
	}
	rec, err := it.reader.readEntry(it.reader.index[key])
	if err != nil {
		it.err = err
		return false
	}
	it.current = rec
	return true
}

// Record returns the record at the current position.
func (it *ScanIterator) Record() *model.Record { return it.current }

// Err returns the first error encountered during iteration.
func (it *ScanIterator) Err() error { return it.err }

// Close closes the reader.
func (r *Reader) Close() error {
	return r.dataFile.Close()
}
