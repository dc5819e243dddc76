package types

// AttrListEntryHeaderT is the fixed part of an $ATTRIBUTE_LIST entry. The
// optional UTF-16LE name follows at NameOff; entries are 8-byte aligned.
type AttrListEntryHeaderT struct {
	Type    AttrType
	Size    uint16
	NameLen uint8
	NameOff uint8
	Vcn     uint64
	Ref     MFTRef
	ID      uint16
}

// SizeofAttrListEntry is the size of an unnamed attribute-list entry.
const SizeofAttrListEntry = 0x20

// SizeofAttrListEntryHeader is where the name starts.
const SizeofAttrListEntryHeader = 0x1A
