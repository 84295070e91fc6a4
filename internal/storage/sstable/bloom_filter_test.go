package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MayContain([]byte(fmt.Sprintf("key-%d", i))),
			"a bloom filter must never report false negatives")
	}
}

func TestBloomFilter_FalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// Allow generous slack over the configured 1% target.
	assert.Less(t, float64(falsePositives)/probes, 0.05)
}

func TestBloomFilter_SaveAndLoad(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	for i := 0; i < 100; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	path := filepath.Join(t.TempDir(), "filter.bloom")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, bf.WriteTo(f))
	require.NoError(t, f.Close())

	loaded, err := LoadBloomFilter(path)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		assert.Equal(t, bf.MayContain(key), loaded.MayContain(key))
		assert.True(t, loaded.MayContain(key))
	}
	// Spot-check that absent keys behave identically too.
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("other-%d", i))
		assert.Equal(t, bf.MayContain(key), loaded.MayContain(key))
	}
}
