package types

// AttrType is the kind tag of an attribute.
type AttrType uint32

// Attribute types
const (
	AttrZero     AttrType = 0x00
	AttrStd      AttrType = 0x10 // $STANDARD_INFORMATION
	AttrList     AttrType = 0x20 // $ATTRIBUTE_LIST
	AttrName     AttrType = 0x30 // $FILE_NAME
	AttrID       AttrType = 0x40 // $OBJECT_ID
	AttrSecure   AttrType = 0x50 // $SECURITY_DESCRIPTOR
	AttrLabel    AttrType = 0x60 // $VOLUME_NAME
	AttrVolInfo  AttrType = 0x70 // $VOLUME_INFORMATION
	AttrData     AttrType = 0x80 // $DATA
	AttrRoot     AttrType = 0x90 // $INDEX_ROOT
	AttrAlloc    AttrType = 0xA0 // $INDEX_ALLOCATION
	AttrBitmap   AttrType = 0xB0 // $BITMAP
	AttrReparse  AttrType = 0xC0 // $REPARSE_POINT
	AttrEAInfo   AttrType = 0xD0 // $EA_INFORMATION
	AttrEA       AttrType = 0xE0 // $EA
	AttrProperty AttrType = 0xF0 // $PROPERTY_SET
	AttrLoggedUS AttrType = 0x100
	AttrEnd      AttrType = 0xFFFFFFFF
)

var attrTypeNames = map[AttrType]string{
	AttrStd:      "$STANDARD_INFORMATION",
	AttrList:     "$ATTRIBUTE_LIST",
	AttrName:     "$FILE_NAME",
	AttrID:       "$OBJECT_ID",
	AttrSecure:   "$SECURITY_DESCRIPTOR",
	AttrLabel:    "$VOLUME_NAME",
	AttrVolInfo:  "$VOLUME_INFORMATION",
	AttrData:     "$DATA",
	AttrRoot:     "$INDEX_ROOT",
	AttrAlloc:    "$INDEX_ALLOCATION",
	AttrBitmap:   "$BITMAP",
	AttrReparse:  "$REPARSE_POINT",
	AttrEAInfo:   "$EA_INFORMATION",
	AttrEA:       "$EA",
	AttrProperty: "$PROPERTY_SET",
	AttrLoggedUS: "$LOGGED_UTILITY_STREAM",
	AttrEnd:      "$END",
}

func (t AttrType) String() string {
	if s, ok := attrTypeNames[t]; ok {
		return s
	}
	return "$UNKNOWN"
}

// AttrHeaderT is the part of the attribute header shared by the resident and
// non-resident variants. NonRes is the discriminant: the bytes that follow
// must be decoded as ResidentHeaderT when it is zero and as
// NonResidentHeaderT otherwise.
type AttrHeaderT struct {
	Type    AttrType
	Size    uint32
	NonRes  uint8
	NameLen uint8 // in UTF-16 code units
	NameOff uint16
	Flags   uint16
	ID      uint16
}

// ResidentHeaderT follows AttrHeaderT for resident attributes.
type ResidentHeaderT struct {
	DataSize uint32
	DataOff  uint16
	Flags    uint8
	Res      uint8
}

// NonResidentHeaderT follows AttrHeaderT for non-resident attributes.
type NonResidentHeaderT struct {
	Svcn      uint64
	Evcn      uint64
	RunOff    uint16
	CUnit     uint8
	Res1      [5]byte
	AllocSize uint64
	DataSize  uint64
	ValidSize uint64
}

// Attribute header sizes
const (
	AttrHeaderSize      = 0x10
	SizeofResident      = 0x18
	SizeofNonResident   = 0x40
	SizeofNonResidentEx = 0x48 // with total_size, for compressed/sparse
	ResidentFlagIndexed = 0x01
	// log2 of clusters per compression unit
	CompressionUnit = 4
)

// Attribute flags
const (
	AttrFlagCompressed     uint16 = 0x0001
	AttrFlagCompressedMask uint16 = 0x00FF
	AttrFlagEncrypted      uint16 = 0x4000
	AttrFlagSparsed        uint16 = 0x8000
)

// Well known attribute names.
const (
	I30Name = "$I30"
	BadName = "$Bad"
	SDSName = "$SDS"
)

// QuadAlign rounds n up to the next multiple of 8.
func QuadAlign(n uint32) uint32 {
	return (n + 7) &^ 7
}
