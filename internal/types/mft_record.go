// Package types implements the on-disk data structures of the NTFS metadata
// format: MFT records, attribute headers and the typed bodies they carry.
// All multi-byte fields are little-endian.
package types

import "fmt"

// MFT Record Header
// Every MFT record starts with this header, followed by the update sequence
// array and then the attribute stream terminated by AttrEnd.

// RecordSignature is the magic number at offset 0 of every MFT record.
var RecordSignature = [4]byte{'F', 'I', 'L', 'E'}

// RecordHeaderSize is the size of the record header up to the update sequence array.
const RecordHeaderSize = 0x30

// SectorSize is the stride of the update sequence array fixups.
const SectorSize = 512

// RecordHeaderT is the fixed header of an MFT record.
type RecordHeaderT struct {
	// "FILE" for a valid record.
	Signature [4]byte
	// Offset of the update sequence array.
	FixOff uint16
	// Number of update sequence entries, including the sequence number itself.
	FixNum uint16
	// $LogFile sequence number of the last change.
	Lsn uint64
	// Reuse counter of this record slot.
	Seq uint16
	// Number of hard links (non-DOS file names) referencing this record.
	HardLinks uint16
	// Offset of the first attribute.
	AttrOff uint16
	// Record flags (RecordFlagInUse, RecordFlagDir, ...).
	Flags uint16
	// Bytes in use, including the end marker.
	Used uint32
	// Allocated size of the record; must equal the configured record size.
	Total uint32
	// Base record reference; zero for a base record.
	ParentRef MFTRef
	// Next attribute instance id.
	NextAttrID uint16
	// Alignment.
	Res uint16
	// Number of this record.
	MftRecord uint32
}

// Record flags
const (
	RecordFlagInUse  uint16 = 0x0001
	RecordFlagDir    uint16 = 0x0002
	RecordFlagSystem uint16 = 0x0004
	RecordFlagIndex  uint16 = 0x0008
)

// Reserved record numbers of system files.
const (
	MftRecMFT      uint64 = 0
	MftRecMirr     uint64 = 1
	MftRecLog      uint64 = 2
	MftRecVol      uint64 = 3
	MftRecAttr     uint64 = 4
	MftRecRoot     uint64 = 5
	MftRecBitmap   uint64 = 6
	MftRecBoot     uint64 = 7
	MftRecBadClust uint64 = 8
	MftRecSecure   uint64 = 9
	MftRecUpcase   uint64 = 10
	MftRecExtend   uint64 = 11
	// First record number handed out to user files.
	MftRecFree uint64 = 16
)

// MFTRef identifies an MFT record and the reuse generation it was taken from.
type MFTRef struct {
	Low  uint32
	High uint16
	Seq  uint16
}

// NewMFTRef builds a reference from a 48-bit record number and sequence.
func NewMFTRef(number uint64, seq uint16) MFTRef {
	return MFTRef{
		Low:  uint32(number),
		High: uint16(number >> 32),
		Seq:  seq,
	}
}

// ParseMFTRef unpacks the 64-bit on-disk form of a reference.
func ParseMFTRef(v uint64) MFTRef {
	return MFTRef{
		Low:  uint32(v),
		High: uint16(v >> 32),
		Seq:  uint16(v >> 48),
	}
}

// Number returns the 48-bit record number.
func (r MFTRef) Number() uint64 {
	return uint64(r.Low) | uint64(r.High)<<32
}

// Pack returns the 64-bit on-disk form of the reference.
func (r MFTRef) Pack() uint64 {
	return r.Number() | uint64(r.Seq)<<48
}

// IsZero reports whether the reference is empty.
func (r MFTRef) IsZero() bool {
	return r.Low == 0 && r.High == 0 && r.Seq == 0
}

func (r MFTRef) String() string {
	return fmt.Sprintf("r=%x,seq=%x", r.Number(), r.Seq)
}
