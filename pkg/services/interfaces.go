package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// VolumeInfo represents basic volume metadata
type VolumeInfo struct {
	SessionID     uuid.UUID
	Backend       string
	DevicePath    string
	Size          int64
	RecordSize    int
	ClusterSize   uint32
	BlockSize     uint32
	TotalClusters uint64
	FreeClusters  uint64
	MFTRecords    uint64
	UsedRecords   int
	ReadOnly      bool
	Dirty         bool
	CaseSensitive bool
}

// FileInfo represents the metadata of one MFT record
type FileInfo struct {
	Ref        types.MFTRef
	Name       string
	Type       string
	Mode       uint32
	Size       uint64
	Valid      uint64
	Allocated  uint64
	Owner      uint32
	Group      uint32
	HardLinks  uint32
	Attributes types.FileAttr
	SecurityID uint32
	Created    time.Time
	Modified   time.Time
	Accessed   time.Time
	Changed    time.Time
	Resident   bool
	Sparse     bool
	Compressed bool
	Encrypted  bool
	LinkTarget string
}

// DirectoryEntry is one name in a directory listing
type DirectoryEntry struct {
	Name string
	Ref  types.MFTRef
}

// Mapping describes where a file offset lives on the volume
type Mapping struct {
	Offset   uint64
	Length   uint64
	Mapped   bool
	Resident bool
	Block    uint64
	Device   uint64
}

// VolumeService handles opened NTFS volumes
type VolumeService interface {
	// Info returns the geometry and state of the volume
	Info() VolumeInfo

	// Stat returns the metadata of the record ref points at
	Stat(ctx context.Context, ref types.MFTRef) (FileInfo, error)

	// Lookup resolves name inside the directory dir
	Lookup(ctx context.Context, dir types.MFTRef, name string) (FileInfo, error)

	// List returns the entries of the directory dir in collation order
	List(ctx context.Context, dir types.MFTRef) ([]DirectoryEntry, error)

	// Open returns a reader over the unnamed data stream of ref
	Open(ctx context.Context, ref types.MFTRef) (io.ReaderAt, error)

	// MapOffset reports where offset of the data stream of ref is stored
	MapOffset(ctx context.Context, ref types.MFTRef, offset uint64) (Mapping, error)

	// Create makes a file, directory or symbolic link in dir
	Create(ctx context.Context, dir types.MFTRef, name string, mode uint32, target string) (FileInfo, error)

	// WriteFile writes data at offset into the data stream of ref
	WriteFile(ctx context.Context, ref types.MFTRef, data []byte, offset int64) (int, error)

	// Remove unlinks name from dir and reclaims the record when it has no names left
	Remove(ctx context.Context, dir types.MFTRef, name string) error

	// Sync writes every cached inode back and flushes the device
	Sync(ctx context.Context) error

	// Close syncs and releases the device
	Close() error
}
