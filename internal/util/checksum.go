package util

import (
	"hash/crc32"
)

// Checksum utilities for data integrity validation.
// Uses CRC32 (IEEE polynomial) for fast checksum computation. Checksums are
// always computed over the plaintext logical record, before any compression
// or at-rest encryption is applied to the bytes.

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum.
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
