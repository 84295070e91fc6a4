package sstable

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/zeebo/xxh3"
)

// BloomFilter is a probabilistic structure ruling out SSTables that cannot
// contain a key before any disk read happens.
type BloomFilter struct {
	bits      []bool
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a bloom filter sized for the expected number of
// elements and the target false positive rate.
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	// Optimal size: m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 64
	}

	// Optimal hash count: k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]bool, size),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the bloom filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.baseHashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bf.bits[(h1+i*h2)%bf.size] = true
	}
}

// MayContain checks if a key might be in the set.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.baseHashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		if !bf.bits[(h1+i*h2)%bf.size] {
			return false
		}
	}
	return true
}

// baseHashes derives the two hashes used for double hashing:
// h(i) = h1(x) + i*h2(x).
func (bf *BloomFilter) baseHashes(key []byte) (uint64, uint64) {
	h1 := xxh3.Hash(key)
	h2 := xxh3.HashSeed(key, 0x9E3779B97F4A7C15)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// WriteTo serializes and writes the bloom filter to a file.
func (bf *BloomFilter) WriteTo(file *os.File) error {
	if err := binary.Write(file, binary.LittleEndian, bf.size); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, bf.hashCount); err != nil {
		return err
	}

	// Pack the bit array into bytes
	byteCount := (bf.size + 7) / 8
	packed := make([]byte, byteCount)
	for i := uint64(0); i < bf.size; i++ {
		if bf.bits[i] {
			packed[i/8] |= 1 << (i % 8)
		}
	}

	_, err := file.Write(packed)
	return err
}

// LoadBloomFilter loads a bloom filter from a file.
func LoadBloomFilter(filePath string) (*BloomFilter, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bf := &BloomFilter{}
	if err := binary.Read(file, binary.LittleEndian, &bf.size); err != nil {
		return nil, err
	}
	if err := binary.Read(file, binary.LittleEndian, &bf.hashCount); err != nil {
		return nil, err
	}

	byteCount := (bf.size + 7) / 8
	packed := make([]byte, byteCount)
	if _, err := io.ReadFull(file, packed); err != nil {
		return nil, err
	}

	bf.bits = make([]bool, bf.size)
	for i := uint64(0); i < bf.size; i++ {
		bf.bits[i] = (packed[i/8] & (1 << (i % 8))) != 0
	}

	return bf, nil
}
