package types

// IndexHdrT describes the entries of an index node.
type IndexHdrT struct {
	DeOff uint32 // Offset of the first entry, relative to this header
	Used  uint32
	Total uint32
	Flags uint8 // IndexHdrFlagBranch when entries have sub-nodes
	Res   [3]byte
}

// IndexRootT is the body of an $INDEX_ROOT attribute.
type IndexRootT struct {
	Type           AttrType // Indexed attribute type; AttrName for directories
	Rule           uint32   // Collation rule
	IndexBlockSize uint32
	IndexBlockClst uint8 // log2 clusters per index block, or blocks when negative
	Res            [3]byte
	Ihdr           IndexHdrT
}

// NtfsDeT is the header of an index entry.
type NtfsDeT struct {
	Ref     MFTRef
	Size    uint16
	KeySize uint16
	Flags   uint16
	Res     uint16
}

// Index sizes and flags
const (
	SizeofIndexRoot    = 0x20
	SizeofIndexHdr     = 0x10
	SizeofNtfsDe       = 0x10
	IndexHdrFlagBranch = 0x01
	NtfsIEHasSubnodes  = 0x0001
	NtfsIELast         = 0x0002
)

// Collation rules
const (
	CollationBinary   uint32 = 0x00
	CollationFileName uint32 = 0x01
	CollationUnicode  uint32 = 0x02
	CollationUint     uint32 = 0x10
	CollationSid      uint32 = 0x11
	CollationSecurity uint32 = 0x12
	CollationUints    uint32 = 0x13
)
