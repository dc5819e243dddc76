package types

import "time"

// Standard Information
// Every base record carries exactly one $STANDARD_INFORMATION attribute.

// StdInfoT is the legacy (NTFS 1.x) standard information body.
type StdInfoT struct {
	CrTime  uint64 // File creation time
	MTime   uint64 // File data modification time
	CTime   uint64 // MFT record modification time
	ATime   uint64 // File access time
	FA      uint32 // File attributes
	MaxVer  uint32
	Ver     uint32
	ClassID uint32
}

// StdInfo5T is the NTFS 3.x extension of StdInfoT.
type StdInfo5T struct {
	StdInfoT
	OwnerID    uint32
	SecurityID uint32
	Quota      uint64
	Usn        uint64
}

// Standard information sizes
const (
	SizeofStdInfo  = 0x30
	SizeofStdInfo5 = 0x48
)

// SecurityIDFirst is the first security id handed out by $Secure.
const SecurityIDFirst = 0x100

// FileAttr holds the NTFS file attribute flags.
type FileAttr uint32

// File attribute flags
const (
	FileAttributeReadonly     FileAttr = 0x00000001
	FileAttributeHidden       FileAttr = 0x00000002
	FileAttributeSystem       FileAttr = 0x00000004
	FileAttributeArchive      FileAttr = 0x00000020
	FileAttributeDevice       FileAttr = 0x00000040
	FileAttributeNormal       FileAttr = 0x00000080
	FileAttributeTemporary    FileAttr = 0x00000100
	FileAttributeSparseFile   FileAttr = 0x00000200
	FileAttributeReparsePoint FileAttr = 0x00000400
	FileAttributeCompressed   FileAttr = 0x00000800
	FileAttributeOffline      FileAttr = 0x00001000
	FileAttributeNotIndexed   FileAttr = 0x00002000
	FileAttributeEncrypted    FileAttr = 0x00004000
	// Directory flag as stored in $FILE_NAME duplicated info.
	FileAttributeDirectory FileAttr = 0x10000000
)

// NT time is the number of 100ns intervals since 1601-01-01.
const (
	ntTimeUnixOffset = 116444736000000000
	ntTimeUnit       = 100
)

// NtTimeToTime converts an NT timestamp to time.Time.
func NtTimeToTime(nt uint64) time.Time {
	delta := int64(nt) - ntTimeUnixOffset
	return time.Unix(0, 0).Add(time.Duration(delta) * ntTimeUnit).UTC()
}

// TimeToNtTime converts a time.Time to an NT timestamp.
func TimeToNtTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/ntTimeUnit + ntTimeUnixOffset)
}
