package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for storage operations.
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003

	// Durability errors: a WAL append or fsync failed. The originating write
	// fails and prior state is untouched.
	ErrCodeDurability ErrorCode = 2000

	// Corruption errors: checksum or length mismatch on WAL replay or
	// SSTable read.
	ErrCodeCorruptedData ErrorCode = 2001

	// Resource errors: disk full, size limit exceeded, pool exhausted.
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeResourceExhausted ErrorCode = 2003

	// Compaction errors are logged and retried in the background; they are
	// never surfaced to foreground callers.
	ErrCodeCompactionFailed ErrorCode = 2004

	ErrCodeInternal ErrorCode = 2100
	ErrCodeClosed   ErrorCode = 2101
)

// StorageError represents a structured error with code and context.
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error.
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func Durability(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDurability, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func ResourceExhausted(resource string, current, limit int) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func CompactionFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCompactionFailed, message, cause)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Closed(component string) *StorageError {
	return NewStorageError(ErrCodeClosed, fmt.Sprintf("%s is closed", component), nil)
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error.
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsDurability reports whether err is a durability failure.
func IsDurability(err error) bool {
	return GetCode(err) == ErrCodeDurability
}

// IsCorruption reports whether err indicates corrupted on-disk data.
func IsCorruption(err error) bool {
	return GetCode(err) == ErrCodeCorruptedData
}

// IsResource reports whether err is a disk-full or resource-limit failure.
func IsResource(err error) bool {
	code := GetCode(err)
	return code == ErrCodeDiskFull || code == ErrCodeResourceExhausted
}
