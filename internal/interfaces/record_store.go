// File: internal/interfaces/record_store.go
package interfaces

import (
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
)

// RecordStore reads and writes MFT records.
type RecordStore interface {
	// ReadRecord reads, verifies and decodes a record
	ReadRecord(number uint64) (*records.Record, error)

	// WriteRecord encodes a record, stamps its fixups and writes it
	WriteRecord(rec *records.Record) error

	// RecordSize returns the configured record size in bytes
	RecordSize() int
}
