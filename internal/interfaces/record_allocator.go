// File: internal/interfaces/record_allocator.go
package interfaces

// RecordAllocator hands out MFT record numbers.
type RecordAllocator interface {
	// AllocateRecord reserves a free record number. It fails with
	// types.ErrNoSpace when the MFT is full.
	AllocateRecord() (uint64, error)

	// FreeRecord returns a record number to the free pool.
	FreeRecord(number uint64) error

	// IsAllocated reports whether the record number is reserved.
	IsAllocated(number uint64) bool
}
