package types

// Reparse point tags
const (
	IOReparseTagMicrosoft     uint32 = 0x80000000
	IOReparseTagNameSurrogate uint32 = 0x20000000
	IOReparseTagMountPoint    uint32 = 0xA0000003
	IOReparseTagSymlink       uint32 = 0xA000000C
	IOReparseTagDedup         uint32 = 0x80000013
	IOReparseTagWof           uint32 = 0x80000017
	IOReparseTagCloud         uint32 = 0x9000001A
	IOReparseTagCloudMask     uint32 = 0x0000F000
)

// ReparseDataHeaderT starts every reparse buffer.
type ReparseDataHeaderT struct {
	ReparseTag        uint32
	ReparseDataLength uint16 // Bytes after this header
	Reserved          uint16
}

// SymbolicLinkReparseT follows the header for IOReparseTagSymlink. The path
// buffer starts at offset SymlinkPathBufferOffset of the reparse buffer.
type SymbolicLinkReparseT struct {
	SubstituteNameOffset uint16
	SubstituteNameLength uint16
	PrintNameOffset      uint16
	PrintNameLength      uint16
	Flags                uint32
}

// MountPointReparseT follows the header for IOReparseTagMountPoint.
type MountPointReparseT struct {
	SubstituteNameOffset uint16
	SubstituteNameLength uint16
	PrintNameOffset      uint16
	PrintNameLength      uint16
}

// Reparse buffer layout
const (
	SizeofReparseHeader        = 8
	SymlinkPathBufferOffset    = 0x14
	MountPointPathBufferOffset = 0x10
	// Non-Microsoft tags carry a GUID before their data.
	SizeofReparseGUIDHeader = 0x18
	// Symlink flag: substitute name is relative.
	SymlinkFlagRelative uint32 = 1
)

// IsReparseTagMicrosoft reports whether the tag is owned by Microsoft.
func IsReparseTagMicrosoft(tag uint32) bool {
	return tag&IOReparseTagMicrosoft != 0
}

// IsReparseTagNameSurrogate reports whether the tag names another object.
func IsReparseTagNameSurrogate(tag uint32) bool {
	return tag&IOReparseTagNameSurrogate != 0
}

// IsReparseTagCloud reports whether the tag is one of the cloud variants.
func IsReparseTagCloud(tag uint32) bool {
	return tag&^IOReparseTagCloudMask == IOReparseTagCloud
}
