package types

import (
	"errors"
	"fmt"
)

// Common errors that can occur when working with NTFS metadata
var (
	// Decoding errors
	ErrFormat             = errors.New("malformed on-disk structure")
	ErrCorruptRecord      = fmt.Errorf("corrupt MFT record: %w", ErrFormat)
	ErrInvalidRecordShape = errors.New("invalid record shape")
	ErrStaleReference     = errors.New("stale MFT reference")
	ErrNameMismatch       = errors.New("file name mismatch")

	// Resource errors
	ErrAllocationFailed = errors.New("cluster allocation failed")
	ErrNoSpace          = errors.New("no space available")
	ErrFileTooBig       = errors.New("file too big")

	// Device errors
	ErrIO = errors.New("I/O error")

	// File system errors
	ErrNotFound        = errors.New("object not found")
	ErrExist           = errors.New("file already exists")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrNotSupported    = errors.New("operation not supported")
	ErrReadOnly        = errors.New("file system is read-only")
	ErrInvalidArgument = errors.New("invalid argument")
)

// NTFSError represents an error with additional NTFS-specific context
type NTFSError struct {
	Err    error  // The underlying error
	Op     string // The operation that caused the error
	Record uint64 // The MFT record number the operation was performed on
	Detail string // Additional details about the error
}

// NewNTFSError creates a new NTFSError
func NewNTFSError(err error, op string, record uint64, detail string) *NTFSError {
	return &NTFSError{
		Err:    err,
		Op:     op,
		Record: record,
		Detail: detail,
	}
}

// Error implements the error interface
func (e *NTFSError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: r=%x [%s]: %v", e.Op, e.Record, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: r=%x: %v", e.Op, e.Record, e.Err)
}

// Unwrap returns the underlying error
func (e *NTFSError) Unwrap() error {
	return e.Err
}

// Corrupt is a shorthand for a corrupt-record error on the given record.
func Corrupt(op string, record uint64, detail string) error {
	return NewNTFSError(ErrCorruptRecord, op, record, detail)
}

// IsCorrupt reports whether the error means malformed on-disk data
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrFormat) || errors.Is(err, ErrInvalidRecordShape)
}

// IsNotFound reports whether the error means the object is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleReference)
}

// IsNoSpace reports whether the error means resource exhaustion
func IsNoSpace(err error) bool {
	return errors.Is(err, ErrNoSpace) || errors.Is(err, ErrAllocationFailed)
}

// IsIO reports whether the error is a device failure
func IsIO(err error) bool {
	return errors.Is(err, ErrIO)
}
