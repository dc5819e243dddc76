package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// MemoryDevice is a fixed-size volume held in memory. It counts reads and
// writes so callers can check how much device I/O an operation issued.
type MemoryDevice struct {
	mu   sync.RWMutex
	data []byte

	reads  atomic.Int64
	writes atomic.Int64
}

var _ interfaces.BlockDevice = (*MemoryDevice)(nil)

// NewMemory creates a zero-filled volume of size bytes
func NewMemory(size int64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt
func (m *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("read %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}
	m.reads.Add(1)
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt
func (m *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}
	m.writes.Add(1)
	return copy(m.data[off:], p), nil
}

// Size returns the volume size
func (m *MemoryDevice) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Reads returns the number of ReadAt calls served
func (m *MemoryDevice) Reads() int64 {
	return m.reads.Load()
}

// Writes returns the number of WriteAt calls served
func (m *MemoryDevice) Writes() int64 {
	return m.writes.Load()
}

// ResetCounters zeroes the read and write counters
func (m *MemoryDevice) ResetCounters() {
	m.reads.Store(0)
	m.writes.Store(0)
}

// Flush is a no-op for memory devices
func (m *MemoryDevice) Flush() error {
	return nil
}

// IsReadOnly always returns false
func (m *MemoryDevice) IsReadOnly() bool {
	return false
}

// Close releases nothing
func (m *MemoryDevice) Close() error {
	return nil
}
