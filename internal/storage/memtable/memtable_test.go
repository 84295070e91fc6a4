package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripedb/stripedb/internal/model"
)

func tableRecord(seq model.LSN, key, value string) *model.Record {
	kind := model.KindValue
	var val []byte
	if value == "" {
		kind = model.KindTombstone
	} else {
		val = []byte(value)
	}
	return &model.Record{
		Key:       []byte(key),
		Value:     val,
		Seq:       seq,
		Timestamp: int64(seq),
		Kind:      kind,
		Stripe:    0,
	}
}

func TestMemTable_PutGet(t *testing.T) {
	mt := New(Config{})

	require.True(t, mt.Put(tableRecord(1, "key", "value")))

	rec, found := mt.Get([]byte("key"))
	require.True(t, found)
	assert.Equal(t, []byte("value"), rec.Value)

	_, found = mt.Get([]byte("missing"))
	assert.False(t, found)
}

func TestMemTable_NewestVersionWins(t *testing.T) {
	mt := New(Config{})

	mt.Put(tableRecord(1, "key", "v1"))
	mt.Put(tableRecord(2, "key", "v2"))

	rec, found := mt.Get([]byte("key"))
	require.True(t, found)
	assert.Equal(t, []byte("v2"), rec.Value)
	assert.Equal(t, model.LSN(2), rec.Seq)
	assert.Equal(t, 1, mt.Count())
}

func TestMemTable_TombstoneStored(t *testing.T) {
	mt := New(Config{})

	mt.Put(tableRecord(1, "key", "value"))
	mt.Put(tableRecord(2, "key", ""))

	rec, found := mt.Get([]byte("key"))
	require.True(t, found, "a tombstone is an authoritative answer, not absence")
	assert.True(t, rec.IsTombstone())
}

func TestMemTable_FreezeRejectsWrites(t *testing.T) {
	mt := New(Config{})

	require.True(t, mt.Put(tableRecord(1, "key", "value")))
	mt.Freeze()
	assert.False(t, mt.Put(tableRecord(2, "key", "rejected")))

	rec, found := mt.Get([]byte("key"))
	require.True(t, found)
	assert.Equal(t, model.LSN(1), rec.Seq, "frozen contents must not change")
}

func TestMemTable_ShouldFlush(t *testing.T) {
	t.Run("byte threshold", func(t *testing.T) {
		mt := New(Config{FlushBytes: 200})
		assert.False(t, mt.ShouldFlush())
		mt.Put(tableRecord(1, "key", string(make([]byte, 300))))
		assert.True(t, mt.ShouldFlush())
	})

	t.Run("record threshold", func(t *testing.T) {
		mt := New(Config{FlushRecords: 3})
		for i := 1; i <= 2; i++ {
			mt.Put(tableRecord(model.LSN(i), fmt.Sprintf("key%d", i), "v"))
		}
		assert.False(t, mt.ShouldFlush())
		mt.Put(tableRecord(3, "key3", "v"))
		assert.True(t, mt.ShouldFlush())
	})

	t.Run("no thresholds", func(t *testing.T) {
		mt := New(Config{})
		mt.Put(tableRecord(1, "key", "value"))
		assert.False(t, mt.ShouldFlush())
	})
}

func TestMemTable_SizeAccountsForReplacement(t *testing.T) {
	mt := New(Config{})

	mt.Put(tableRecord(1, "key", string(make([]byte, 1000))))
	large := mt.Size()
	mt.Put(tableRecord(2, "key", "tiny"))

	assert.Less(t, mt.Size(), large, "replacing a large value must shrink the estimate")
}

func TestMemTable_LSNBounds(t *testing.T) {
	mt := New(Config{})
	assert.Equal(t, model.LSN(0), mt.MinLSN())
	assert.Equal(t, model.LSN(0), mt.MaxLSN())

	mt.Put(tableRecord(5, "a", "v"))
	mt.Put(tableRecord(3, "b", "v"))
	mt.Put(tableRecord(9, "c", "v"))

	assert.Equal(t, model.LSN(3), mt.MinLSN())
	assert.Equal(t, model.LSN(9), mt.MaxLSN())
}

func TestMemTable_Range(t *testing.T) {
	mt := New(Config{})
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%02d", i)
		mt.Put(tableRecord(model.LSN(i+1), key, "v"))
	}

	tests := []struct {
		name  string
		start string
		end   string
		count int
		first string
	}{
		{"bounded", "key-02", "key-05", 3, "key-02"},
		{"open end", "key-07", "", 3, "key-07"},
		{"open start", "", "key-03", 3, "key-00"},
		{"everything", "", "", 10, "key-00"},
		{"empty range", "key-05", "key-05a", 1, "key-05"},
		{"past the end", "zzz", "", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := mt.Range([]byte(tt.start), []byte(tt.end))
			assert.Len(t, recs, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, string(recs[0].Key))
			}
		})
	}
}

func TestMemTable_IteratorSorted(t *testing.T) {
	mt := New(Config{})
	keys := []string{"m", "a", "z", "f"}
	for i, k := range keys {
		mt.Put(tableRecord(model.LSN(i+1), k, "v"))
	}

	var got []string
	iter := mt.Iterator()
	for iter.Next() {
		got = append(got, iter.Key())
	}
	assert.Equal(t, []string{"a", "f", "m", "z"}, got)
}
