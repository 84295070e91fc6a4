// Package validation enforces input limits on the write path before any
// byte reaches the WAL.
package validation

import (
	storageerrors "github.com/stripedb/stripedb/internal/errors"
)

const (
	// MaxKeySize bounds keys at 1 KB.
	MaxKeySize = 1024

	// MaxValueSize bounds values at 10 MB.
	MaxValueSize = 10 * 1024 * 1024
)

// Validator validates storage operations.
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a validator with default limits.
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidatePut validates a put operation.
func (v *Validator) ValidatePut(key, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if len(value) > v.maxValueSize {
		return storageerrors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateKey validates a key for any operation.
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return storageerrors.InvalidArgument("key must not be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return storageerrors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// EstimateWriteSize estimates the on-disk footprint of a write, used for
// disk space checks before the WAL append.
func EstimateWriteSize(key, value []byte) uint64 {
	// Frame header, record header, and manifest overhead
	return uint64(len(key)+len(value)) + 64
}
