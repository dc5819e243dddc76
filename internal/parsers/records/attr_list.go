package records

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ListEntry is one $ATTRIBUTE_LIST entry: it says which record holds the
// segment of (Type, Name) that starts at VCN.
type ListEntry struct {
	Type types.AttrType
	Name []byte // raw UTF-16LE
	VCN  uint64
	Ref  types.MFTRef
	ID   uint16
}

// NameString decodes the entry name.
func (le ListEntry) NameString() string {
	s, err := names.NewCodec().Decode(le.Name)
	if err != nil {
		return ""
	}
	return s
}

// Size returns the aligned on-disk size of the entry.
func (le ListEntry) Size() int {
	return int(types.QuadAlign(uint32(types.SizeofAttrListEntryHeader + len(le.Name))))
}

// ParseAttrList decodes the body of an $ATTRIBUTE_LIST attribute.
func ParseAttrList(data []byte) ([]ListEntry, error) {
	var out []ListEntry
	for off := 0; off < len(data); {
		if off+types.SizeofAttrListEntryHeader > len(data) {
			return nil, fmt.Errorf("attribute list entry at 0x%x truncated: %w", off, types.ErrCorruptRecord)
		}
		var hdr types.AttrListEntryHeaderT
		if err := restruct.Unpack(data[off:off+types.SizeofAttrListEntryHeader], binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("failed to unpack attribute list entry: %w", err)
		}
		size := int(hdr.Size)
		nameEnd := int(hdr.NameOff) + 2*int(hdr.NameLen)
		if size < types.SizeofAttrListEntryHeader || off+size > len(data) || nameEnd > size {
			return nil, fmt.Errorf("attribute list entry at 0x%x has size 0x%x: %w", off, size, types.ErrCorruptRecord)
		}
		le := ListEntry{
			Type: hdr.Type,
			VCN:  hdr.Vcn,
			Ref:  hdr.Ref,
			ID:   hdr.ID,
		}
		if hdr.NameLen > 0 {
			le.Name = append([]byte(nil), data[off+int(hdr.NameOff):off+nameEnd]...)
		}
		out = append(out, le)
		off += size
	}
	return out, nil
}

// MarshalAttrList encodes list entries.
func MarshalAttrList(entries []ListEntry) ([]byte, error) {
	var out []byte
	for _, le := range entries {
		hdr := types.AttrListEntryHeaderT{
			Type:    le.Type,
			Size:    uint16(le.Size()),
			NameLen: uint8(len(le.Name) / 2),
			NameOff: types.SizeofAttrListEntryHeader,
			Vcn:     le.VCN,
			Ref:     le.Ref,
			ID:      le.ID,
		}
		raw, err := restruct.Pack(binary.LittleEndian, &hdr)
		if err != nil {
			return nil, fmt.Errorf("failed to pack attribute list entry: %w", err)
		}
		buf := make([]byte, le.Size())
		copy(buf, raw)
		copy(buf[types.SizeofAttrListEntryHeader:], le.Name)
		out = append(out, buf...)
	}
	return out, nil
}
