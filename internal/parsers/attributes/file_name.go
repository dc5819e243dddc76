package attributes

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// FileName is a decoded $FILE_NAME body.
type FileName struct {
	Parent types.MFTRef
	Dup    types.DupInfoT
	Type   uint8
	Name   []byte // raw UTF-16LE
}

// ParseFileName decodes a $FILE_NAME body.
func ParseFileName(data []byte) (*FileName, error) {
	if len(data) < types.SizeofFileNameMin {
		return nil, fmt.Errorf("file name too small: %d bytes: %w", len(data), types.ErrCorruptRecord)
	}
	var hdr types.FileNameHeaderT
	if err := restruct.Unpack(data[:types.SizeofFileNameHeader], binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to unpack file name: %w", err)
	}
	end := types.SizeofFileNameHeader + 2*int(hdr.NameLen)
	if hdr.NameLen == 0 || end > len(data) {
		return nil, fmt.Errorf("file name length %d exceeds body of %d bytes: %w", hdr.NameLen, len(data), types.ErrCorruptRecord)
	}
	return &FileName{
		Parent: hdr.Home,
		Dup:    hdr.Dup,
		Type:   hdr.Type,
		Name:   append([]byte(nil), data[types.SizeofFileNameHeader:end]...),
	}, nil
}

// Size returns the encoded size of the body.
func (f *FileName) Size() int {
	return types.SizeofFileNameHeader + len(f.Name)
}

// IsDos reports whether this is a DOS-only 8.3 alias.
func (f *FileName) IsDos() bool {
	return f.Type == types.FileNameDos
}

// Marshal encodes the body.
func (f *FileName) Marshal() ([]byte, error) {
	hdr := types.FileNameHeaderT{
		Home:    f.Parent,
		Dup:     f.Dup,
		NameLen: uint8(len(f.Name) / 2),
		Type:    f.Type,
	}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack file name: %w", err)
	}
	return append(raw, f.Name...), nil
}

// InExtend reports whether the name lives directly in the $Extend directory.
func (f *FileName) InExtend() bool {
	return f.Parent.Number() == types.MftRecExtend && f.Parent.Seq == uint16(types.MftRecExtend)
}
