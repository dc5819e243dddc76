// File: internal/interfaces/block_device.go
package interfaces

import (
	"io"
)

// BlockDeviceReader provides methods for reading from block devices
type BlockDeviceReader interface {
	io.ReaderAt

	// Size returns the total size of the device in bytes
	Size() int64
}

// BlockDeviceWriter provides methods for writing to block devices
type BlockDeviceWriter interface {
	io.WriterAt

	// Flush ensures all pending writes are committed to storage
	Flush() error

	// IsReadOnly checks if the device is read-only
	IsReadOnly() bool
}

// BlockDevice represents a complete block device interface
type BlockDevice interface {
	BlockDeviceReader
	BlockDeviceWriter
	io.Closer
}
