// Package inode holds the in-memory form of an NTFS file: the decoded
// standard attributes, the primary data stream (resident bytes or a
// run-list) and the directory index state, with the two locks that guard
// them.
package inode

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// File type bits of Mode.
const (
	ModeTypeMask uint32 = 0o170000
	ModeDir      uint32 = 0o040000
	ModeRegular  uint32 = 0o100000
	ModeSymlink  uint32 = 0o120000
	ModePermMask uint32 = 0o7777
	ModeWrite    uint32 = 0o222
)

// Flags are in-memory state bits of an inode.
type Flags uint32

const (
	// FlagResident means the data stream is stored inline in the record.
	FlagResident Flags = 1 << iota
	// FlagDir means the record carries an $I30 index.
	FlagDir
	// FlagEA means the file has extended attributes.
	FlagEA
	// FlagNoSec means the file has no security xattr.
	FlagNoSec
	// FlagBad means a failed mutation left the record in doubt.
	FlagBad
	// FlagCompressed, FlagSparse and FlagEncrypted mirror the $DATA attribute flags.
	FlagCompressed
	FlagSparse
	FlagEncrypted
	// FlagImmutable forbids modification.
	FlagImmutable
	// FlagExtend marks metadata files living under $Extend.
	FlagExtend
)

// StreamFlags are recomputed from the $DATA attribute on every load.
const StreamFlags = FlagCompressed | FlagSparse | FlagEncrypted

// Inode is one materialized file.
//
// MetaLock guards the attribute fields and the record; RunLock guards Runs
// (shared for lookups, exclusive for allocation and truncation). MetaLock is
// taken before RunLock.
type Inode struct {
	MetaLock sync.Mutex
	RunLock  sync.RWMutex

	Number uint64
	Seq    uint16

	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32

	CrTime time.Time
	MTime  time.Time
	CTime  time.Time
	ATime  time.Time

	FA         types.FileAttr
	SecurityID uint32
	Flags      Flags

	// Size is the declared data size; Valid is the initialized prefix.
	Size  uint64
	Valid uint64
	// Bytes is the space the stream occupies on disk.
	Bytes uint64

	// Data holds the bytes of a resident stream.
	Data []byte
	// Runs maps the clusters of a non-resident stream.
	Runs *runlist.RunList

	// Directory index state.
	DirAlloc  *runlist.RunList
	DirBitmap *runlist.RunList

	ReparseTag uint32

	// Record is the base record the inode was read from.
	Record *records.Record

	dirty atomic.Bool
}

// New creates an empty inode for a record.
func New(number uint64, seq uint16) *Inode {
	return &Inode{
		Number: number,
		Seq:    seq,
		Runs:   runlist.New(),
	}
}

// Ref returns the MFT reference of the inode.
func (ino *Inode) Ref() types.MFTRef {
	return types.NewMFTRef(ino.Number, ino.Seq)
}

func (ino *Inode) String() string {
	return fmt.Sprintf("inode r=%x seq=%x mode=%o size=%d valid=%d", ino.Number, ino.Seq, ino.Mode, ino.Size, ino.Valid)
}

// Has reports whether all bits of f are set.
func (ino *Inode) Has(f Flags) bool {
	return ino.Flags&f == f
}

// Set sets the bits of f.
func (ino *Inode) Set(f Flags) {
	ino.Flags |= f
}

// Clear clears the bits of f.
func (ino *Inode) Clear(f Flags) {
	ino.Flags &^= f
}

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool {
	return ino.Mode&ModeTypeMask == ModeDir
}

// IsSymlink reports whether the inode is a symbolic link.
func (ino *Inode) IsSymlink() bool {
	return ino.Mode&ModeTypeMask == ModeSymlink
}

// IsRegular reports whether the inode is a regular file.
func (ino *Inode) IsRegular() bool {
	return ino.Mode&ModeTypeMask == ModeRegular
}

// IsResident reports whether the data stream lives in the record.
func (ino *Inode) IsResident() bool {
	return ino.Has(FlagResident)
}

// IsBad reports whether the inode was marked bad.
func (ino *Inode) IsBad() bool {
	return ino.Has(FlagBad)
}

// MarkBad flags the inode after a failed mutation.
func (ino *Inode) MarkBad() {
	ino.Set(FlagBad)
}

// SetDirty marks the inode dirty. It returns true only on the clean to
// dirty transition.
func (ino *Inode) SetDirty() bool {
	return ino.dirty.CompareAndSwap(false, true)
}

// ClearDirty marks the inode clean after write-back.
func (ino *Inode) ClearDirty() {
	ino.dirty.Store(false)
}

// IsDirty reports whether the inode has unwritten changes.
func (ino *Inode) IsDirty() bool {
	return ino.dirty.Load()
}

// ClearWriteBits drops the write permission bits, as read-only files do.
func (ino *Inode) ClearWriteBits() {
	ino.Mode &^= ModeWrite
}

// Touch sets the modification and change times.
func (ino *Inode) Touch(now time.Time) {
	ino.MTime = now
	ino.CTime = now
}
