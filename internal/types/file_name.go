package types

// DupInfoT is the copy of standard information stored in $FILE_NAME.
type DupInfoT struct {
	CrTime    uint64
	MTime     uint64
	CTime     uint64
	ATime     uint64
	AllocSize uint64
	DataSize  uint64
	FA        uint32
	EAOrTag   uint32 // EA size, or reparse tag when FileAttributeReparsePoint is set
}

// FileNameHeaderT is the fixed part of a $FILE_NAME attribute. The UTF-16LE
// name follows at offset SizeofFileNameHeader.
type FileNameHeaderT struct {
	Home    MFTRef // Parent directory
	Dup     DupInfoT
	NameLen uint8 // in UTF-16 code units
	Type    uint8 // FileNamePosix, FileNameUnicode, ...
}

// File name sizes
const (
	SizeofFileNameHeader = 0x42
	SizeofFileNameMin    = 0x44
	MaxNameLen           = 255
)

// File name namespaces
const (
	FileNamePosix         uint8 = 0
	FileNameUnicode       uint8 = 1
	FileNameDos           uint8 = 2
	FileNameUnicodeAndDos uint8 = 3
)

// PairedNameType returns the namespace of the alias that accompanies a name
// of the given namespace, or FileNamePosix when a name has no alias.
func PairedNameType(t uint8) uint8 {
	switch t {
	case FileNameUnicode:
		return FileNameDos
	case FileNameDos:
		return FileNameUnicode
	default:
		return FileNamePosix
	}
}
