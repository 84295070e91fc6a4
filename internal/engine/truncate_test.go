package engine

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
)

func TestTruncateToTime_DiscardsNewerWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := singleStripeConfig(dir)
	db := openTestDB(t, cfg)

	require.NoError(t, db.Put([]byte("old-1"), []byte("keep")))
	require.NoError(t, db.Put([]byte("old-2"), []byte("keep")))

	time.Sleep(20 * time.Millisecond)
	mark := time.Now()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.Put([]byte("new-1"), []byte("discard")))
	require.NoError(t, db.Put([]byte("new-2"), []byte("discard")))

	require.NoError(t, db.TruncateToTime(mark))

	for _, key := range []string{"old-1", "old-2"} {
		_, outcome, err := db.Lookup([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, LookupFound, outcome, "key %s must survive", key)
	}
	for _, key := range []string{"new-1", "new-2"} {
		_, outcome, err := db.Lookup([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, LookupNotFound, outcome, "key %s must be gone", key)
	}

	// The sequence rewinds to the boundary; new writes continue from it.
	assert.Equal(t, uint64(2), db.seq.Load())
	require.NoError(t, db.Put([]byte("after"), []byte("v")))
	assert.Equal(t, uint64(3), db.seq.Load())
}

func TestTruncateToTime_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := singleStripeConfig(dir)

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("old"), []byte("keep")))
	time.Sleep(20 * time.Millisecond)
	mark := time.Now()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Put([]byte("new"), []byte("discard")))

	require.NoError(t, db.TruncateToTime(mark))
	require.NoError(t, db.Close())

	db = openTestDB(t, cfg)
	_, outcome, err := db.Lookup([]byte("old"))
	require.NoError(t, err)
	assert.Equal(t, LookupFound, outcome)

	_, outcome, err = db.Lookup([]byte("new"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, outcome, "truncation is durable")
}

func TestTruncateToTime_DropsWholeTables(t *testing.T) {
	dir := t.TempDir()
	cfg := singleStripeConfig(dir)
	db := openTestDB(t, cfg)
	s := db.stripes[0]

	require.NoError(t, db.Put([]byte("old"), []byte("keep")))
	require.NoError(t, s.flushOnce())

	time.Sleep(20 * time.Millisecond)
	mark := time.Now()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.Put([]byte("new"), []byte("discard")))
	require.NoError(t, s.flushOnce())
	require.Len(t, s.tables, 2)
	droppedFile := s.tables[1].meta.FilePath

	require.NoError(t, db.TruncateToTime(mark))

	assert.Len(t, s.tables, 1)
	_, err := os.Stat(droppedFile)
	assert.True(t, os.IsNotExist(err), "dropped table files are deleted")

	_, outcome, err := db.Lookup([]byte("old"))
	require.NoError(t, err)
	assert.Equal(t, LookupFound, outcome)

	_, outcome, err = db.Lookup([]byte("new"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, outcome)
}

func TestTruncateToTime_RejectsStraddlingTable(t *testing.T) {
	dir := t.TempDir()
	cfg := singleStripeConfig(dir)
	db := openTestDB(t, cfg)
	s := db.stripes[0]

	require.NoError(t, db.Put([]byte("before"), []byte("v")))
	time.Sleep(20 * time.Millisecond)
	mark := time.Now()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Put([]byte("after"), []byte("v")))

	// Both records flush into one table whose LSN range spans the boundary.
	require.NoError(t, s.flushOnce())

	err := db.TruncateToTime(mark)
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInvalidArgument, storageerrors.GetCode(err))

	// Nothing was modified.
	for _, key := range []string{"before", "after"} {
		_, outcome, lerr := db.Lookup([]byte(key))
		require.NoError(t, lerr)
		assert.Equal(t, LookupFound, outcome)
	}
	assert.Len(t, s.tables, 1)
}

func TestTruncateToTime_RejectsFutureTarget(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	err := db.TruncateToTime(time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInvalidArgument, storageerrors.GetCode(err))
}

func TestTruncateToTime_NothingToDiscard(t *testing.T) {
	db := openTestDB(t, singleStripeConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("a"), []byte("v")))
	require.NoError(t, db.Put([]byte("b"), []byte("v")))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, db.TruncateToTime(time.Now()))

	for _, key := range []string{"a", "b"} {
		_, outcome, err := db.Lookup([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, LookupFound, outcome)
	}
	assert.Equal(t, uint64(2), db.seq.Load())
}

func TestTruncateToTime_WritesResumeAfterwards(t *testing.T) {
	db := openTestDB(t, singleStripeConfig(t.TempDir()))

	require.NoError(t, db.Put([]byte("old"), []byte("v")))
	time.Sleep(20 * time.Millisecond)
	mark := time.Now()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Put([]byte("new"), []byte("v")))

	require.NoError(t, db.TruncateToTime(mark))

	// A key discarded by truncation can be rewritten.
	require.NoError(t, db.Put([]byte("new"), []byte("rewritten")))
	value, found, err := db.Get([]byte("new"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("rewritten"), value)
}
