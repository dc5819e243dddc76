package attributes

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ParseIndexRoot decodes the fixed part of an $INDEX_ROOT body.
func ParseIndexRoot(data []byte) (*types.IndexRootT, error) {
	if len(data) < types.SizeofIndexRoot {
		return nil, fmt.Errorf("index root too small: %d bytes: %w", len(data), types.ErrCorruptRecord)
	}
	var root types.IndexRootT
	if err := restruct.Unpack(data[:types.SizeofIndexRoot], binary.LittleEndian, &root); err != nil {
		return nil, fmt.Errorf("failed to unpack index root: %w", err)
	}
	hdrEnd := uint64(types.SizeofIndexRoot-types.SizeofIndexHdr) + uint64(root.Ihdr.Used)
	if root.Ihdr.Used > root.Ihdr.Total || hdrEnd > uint64(len(data)) {
		return nil, fmt.Errorf("index root used 0x%x total 0x%x: %w", root.Ihdr.Used, root.Ihdr.Total, types.ErrCorruptRecord)
	}
	return &root, nil
}

// IsFileNameIndex reports whether the root indexes file names with the
// file name collation, as every directory $I30 root must.
func IsFileNameIndex(root *types.IndexRootT) bool {
	return root.Type == types.AttrName && root.Rule == types.CollationFileName
}

// NewEmptyDirRoot builds an empty $I30 root holding only the end entry.
func NewEmptyDirRoot(indexBlockSize uint32, indexBlockClst uint8) ([]byte, error) {
	root := types.IndexRootT{
		Type:           types.AttrName,
		Rule:           types.CollationFileName,
		IndexBlockSize: indexBlockSize,
		IndexBlockClst: indexBlockClst,
		Ihdr: types.IndexHdrT{
			DeOff: types.SizeofIndexHdr,
			Used:  types.SizeofIndexHdr + types.SizeofNtfsDe,
			Total: types.SizeofIndexHdr + types.SizeofNtfsDe,
		},
	}
	end := types.NtfsDeT{Size: types.SizeofNtfsDe, Flags: types.NtfsIELast}

	raw, err := restruct.Pack(binary.LittleEndian, &root)
	if err != nil {
		return nil, fmt.Errorf("failed to pack index root: %w", err)
	}
	de, err := restruct.Pack(binary.LittleEndian, &end)
	if err != nil {
		return nil, fmt.Errorf("failed to pack index entry: %w", err)
	}
	return append(raw, de...), nil
}
