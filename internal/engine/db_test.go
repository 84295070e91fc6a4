package engine

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
	"github.com/stripedb/stripedb/internal/storage/wal"
)

// testConfig keeps flush and compaction triggers out of the way so tests
// drive them explicitly.
func testConfig(dir string) Config {
	return Config{
		DataDir:     dir,
		StripeCount: 4,
		WAL:         wal.Config{Retention: time.Hour},
		Compaction:  CompactionConfig{Interval: time.Hour},
		Logger:      zap.NewNop(),
	}
}

func openTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// flushAll synchronously flushes every stripe with buffered records.
func flushAll(t *testing.T, db *DB) {
	t.Helper()
	for _, s := range db.stripes {
		require.NoError(t, s.flushOnce())
	}
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("key"), []byte("value")))

	value, found, err := db.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), value)

	_, found, err = db.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOverwrite_NewestWins(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("key"), []byte("v1")))
	require.NoError(t, db.Put([]byte("key"), []byte("v2")))

	value, found, err := db.Get([]byte("key"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestLookup_DistinguishesDeletedFromAbsent(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("key"), []byte("value")))
	require.NoError(t, db.Delete([]byte("key")))

	_, outcome, err := db.Lookup([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, LookupDeleted, outcome)

	_, outcome, err = db.Lookup([]byte("never-written"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, outcome)

	// Deleting an absent key is not an error.
	require.NoError(t, db.Delete([]byte("never-written")))
}

func TestDelete_HidesFlushedValue(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("key"), []byte("value")))
	flushAll(t, db)
	require.NoError(t, db.Delete([]byte("key")))

	// The tombstone in the memtable must win over the SSTable value.
	_, outcome, err := db.Lookup([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, LookupDeleted, outcome)
}

func TestGet_ServedFromSSTableAfterFlush(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	for i := 0; i < 20; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("value-%d", i))))
	}
	flushAll(t, db)

	var tables int
	for _, st := range db.Stats() {
		tables += st.SSTableCount
		assert.Zero(t, st.MemTableBytes)
	}
	require.Greater(t, tables, 0)

	for i := 0; i < 20; i++ {
		value, found, err := db.Get([]byte(fmt.Sprintf("key-%02d", i)))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
	}
}

func TestReopen_RecoversUnflushedRecords(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, db.Delete([]byte("key-3")))
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		_, outcome, err := db.Lookup(key)
		require.NoError(t, err)
		if i == 3 {
			assert.Equal(t, LookupDeleted, outcome)
		} else {
			assert.Equal(t, LookupFound, outcome)
		}
	}
}

func TestReopen_RecoversMixedState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("flushed"), []byte("old")))
	require.NoError(t, db.Put([]byte("overwritten"), []byte("v1")))
	for _, s := range db.stripes {
		require.NoError(t, s.flushOnce())
	}
	require.NoError(t, db.Put([]byte("overwritten"), []byte("v2")))
	require.NoError(t, db.Put([]byte("wal-only"), []byte("fresh")))
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)

	value, found, err := db.Get([]byte("flushed"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("old"), value)

	value, found, err = db.Get([]byte("overwritten"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value, "the WAL version outranks the flushed one")

	value, found, err = db.Get([]byte("wal-only"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), value)
}

func TestReopen_RestoresSequence(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}
	before := db.seq.Load()
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	assert.Equal(t, before, db.seq.Load(), "new writes must not reuse assigned LSNs")
}

func TestOpen_RejectsChangedStripeCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.StripeCount = 8
	_, err = Open(cfg)
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInvalidArgument, storageerrors.GetCode(err))
}

func TestOpen_RequiresDataDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	assert.Error(t, db.Put(nil, []byte("v")))
	assert.Error(t, db.Put(bytes.Repeat([]byte("k"), 2048), []byte("v")))
	_, _, err := db.Lookup(nil)
	assert.Error(t, err)
}

func TestEncryptedDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.EncryptionKey = bytes.Repeat([]byte{0xAB}, 32)

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("secret"), []byte("plaintext-payload")))
	flushAll(t, db)
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	value, found, err := db.Get([]byte("secret"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("plaintext-payload"), value)
}

func TestClosedDatabaseRejectsOperations(t *testing.T) {
	db, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.Error(t, db.Put([]byte("k"), []byte("v")))
	assert.Error(t, db.Delete([]byte("k")))
	_, _, err = db.Get([]byte("k"))
	assert.Error(t, err)
	_, err = db.Scan(nil, nil)
	assert.Error(t, err)
	assert.Error(t, db.TruncateToTime(time.Now()))

	// Close is idempotent.
	assert.NoError(t, db.Close())
}

func TestConcurrentWriters(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	const writers = 8
	const perWriter = 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-key-%d", w, i))
				assert.NoError(t, db.Put(key, []byte(fmt.Sprintf("value-%d", i))))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perWriter), db.seq.Load(), "every write gets a unique LSN")
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			_, found, err := db.Get([]byte(fmt.Sprintf("w%d-key-%d", w, i)))
			require.NoError(t, err)
			require.True(t, found)
		}
	}
}

func TestScan(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	// Half the keys end up in SSTables, half in memtables; one key is
	// deleted after its value was flushed, one overwritten.
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("flushed")))
	}
	flushAll(t, db)
	for i := 5; i < 10; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("buffered")))
	}
	require.NoError(t, db.Delete([]byte("key-3")))
	require.NoError(t, db.Put([]byte("key-1"), []byte("rewritten")))

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	values := make(map[string]string)
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Err())

	want := []string{"key-0", "key-1", "key-2", "key-4", "key-5", "key-6", "key-7", "key-8", "key-9"}
	assert.Equal(t, want, keys, "sorted, deduplicated, tombstone hidden")
	assert.Equal(t, "rewritten", values["key-1"], "scan sees the newest version")
	assert.Equal(t, "flushed", values["key-2"])
	assert.Equal(t, "buffered", values["key-7"])
}

func TestScan_Range(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}

	it, err := db.Scan([]byte("key-3"), []byte("key-7"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"key-3", "key-4", "key-5", "key-6"}, keys)
}

func TestScan_RejectsInvertedRange(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	_, err := db.Scan([]byte("z"), []byte("a"))
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInvalidArgument, storageerrors.GetCode(err))
}

func TestStats(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("value")))
	}

	stats := db.Stats()
	require.Len(t, stats, 4)

	var writes uint64
	var memBytes int64
	for _, st := range stats {
		writes += st.WritesLastMinute
		memBytes += st.MemTableBytes
	}
	assert.Equal(t, uint64(50), writes)
	assert.Greater(t, memBytes, int64(0))

	usage := db.DiskUsage()
	assert.Greater(t, usage.AvailableBytes, uint64(0))
}
