package attributes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ReparseKind is how a reparse point makes a file look.
type ReparseKind int

const (
	// ReparseNone leaves the file as it is.
	ReparseNone ReparseKind = iota
	// ReparseLink exposes the file as a symbolic link.
	ReparseLink
	// ReparseCompressed marks a WOF externally compressed file.
	ReparseCompressed
	// ReparseDeduplicated marks a file whose data lives in the dedup store.
	ReparseDeduplicated
)

func (k ReparseKind) String() string {
	switch k {
	case ReparseLink:
		return "link"
	case ReparseCompressed:
		return "compressed"
	case ReparseDeduplicated:
		return "deduplicated"
	default:
		return "none"
	}
}

// ReparseHeadSize is how much of a reparse buffer is needed to classify it.
const ReparseHeadSize = types.SizeofReparseGUIDHeader

// WOF provider constants
const (
	wofCurrentVersion         = 1
	wofProviderSystem         = 2
	wofProviderCurrentVersion = 1
)

// ClassifyReparse inspects the first ReparseHeadSize bytes of a reparse
// buffer. Shorter buffers classify as ReparseNone.
func ClassifyReparse(head []byte) (uint32, ReparseKind) {
	if len(head) < ReparseHeadSize {
		return 0, ReparseNone
	}
	var hdr types.ReparseDataHeaderT
	if err := restruct.Unpack(head[:types.SizeofReparseHeader], binary.LittleEndian, &hdr); err != nil {
		return 0, ReparseNone
	}

	switch tag := hdr.ReparseTag; tag {
	case types.IOReparseTagSymlink, types.IOReparseTagMountPoint:
		return tag, ReparseLink
	case types.IOReparseTagWof:
		if hdr.ReparseDataLength < 16 ||
			binary.LittleEndian.Uint32(head[8:]) != wofCurrentVersion ||
			binary.LittleEndian.Uint32(head[12:]) != wofProviderSystem ||
			binary.LittleEndian.Uint32(head[16:]) != wofProviderCurrentVersion {
			return tag, ReparseNone
		}
		return tag, ReparseCompressed
	case types.IOReparseTagDedup:
		return tag, ReparseDeduplicated
	default:
		if types.IsReparseTagNameSurrogate(tag) {
			return tag, ReparseLink
		}
		return tag, ReparseNone
	}
}

// SymlinkBufferSize returns the reparse buffer size for a target of n
// UTF-16 units: the header, the print name and the decorated substitute name.
func SymlinkBufferSize(n int) int {
	return 2*(2*n+4) + types.SymlinkPathBufferOffset
}

// BuildSymlink encodes a symbolic link reparse buffer for target. The print
// name is the target with '/' turned into '\'; the substitute name is the
// same path prefixed with "\??\".
func BuildSymlink(codec *names.Codec, target string, maxSize int) ([]byte, error) {
	uni, err := codec.Encode(strings.ReplaceAll(target, "/", `\`))
	if err != nil {
		return nil, fmt.Errorf("failed to encode link target: %w", err)
	}
	n := len(uni) / 2
	size := SymlinkBufferSize(n)
	if size > maxSize {
		return nil, fmt.Errorf("reparse buffer %d bytes exceeds %d: %w", size, maxSize, types.ErrFileTooBig)
	}

	hdr := types.ReparseDataHeaderT{
		ReparseTag:        types.IOReparseTagSymlink,
		ReparseDataLength: uint16(size - types.SizeofReparseHeader),
	}
	link := types.SymbolicLinkReparseT{
		SubstituteNameOffset: uint16(2 * n),
		SubstituteNameLength: uint16(2*n + 8),
		PrintNameOffset:      0,
		PrintNameLength:      uint16(2 * n),
	}

	var buf bytes.Buffer
	for _, v := range []any{&hdr, &link} {
		raw, err := restruct.Pack(binary.LittleEndian, v)
		if err != nil {
			return nil, fmt.Errorf("failed to pack reparse header: %w", err)
		}
		buf.Write(raw)
	}
	buf.Write(uni)
	buf.Write(names.MustEncode(`\??\`))
	buf.Write(uni)
	return buf.Bytes(), nil
}

// cloudTarget is what cloud placeholder files resolve to.
const cloudTarget = "OneDrive"

// DecodeLinkTarget extracts the link target from a complete reparse buffer.
// It returns the print name of symlinks and mount points, a fixed target for
// cloud placeholders and the payload of third-party name surrogates.
func DecodeLinkTarget(codec *names.Codec, buf []byte, maxSize int) (string, error) {
	size := len(buf)
	if size <= 4 || size > maxSize {
		return "", fmt.Errorf("reparse buffer of %d bytes: %w", size, types.ErrInvalidArgument)
	}
	if size < types.SizeofReparseHeader {
		return "", fmt.Errorf("reparse buffer truncated: %w", types.ErrFormat)
	}

	var hdr types.ReparseDataHeaderT
	if err := restruct.Unpack(buf[:types.SizeofReparseHeader], binary.LittleEndian, &hdr); err != nil {
		return "", fmt.Errorf("failed to unpack reparse header: %w", err)
	}

	var nameOff, nameLen int
	switch tag := hdr.ReparseTag; {
	case tag == types.IOReparseTagMountPoint:
		if size <= types.MountPointPathBufferOffset {
			return "", fmt.Errorf("mount point buffer truncated: %w", types.ErrFormat)
		}
		var mp types.MountPointReparseT
		if err := restruct.Unpack(buf[types.SizeofReparseHeader:types.MountPointPathBufferOffset], binary.LittleEndian, &mp); err != nil {
			return "", fmt.Errorf("failed to unpack mount point: %w", err)
		}
		nameOff = types.MountPointPathBufferOffset + int(mp.PrintNameOffset)
		nameLen = int(mp.PrintNameLength)
	case tag == types.IOReparseTagSymlink:
		if size <= types.SymlinkPathBufferOffset {
			return "", fmt.Errorf("symlink buffer truncated: %w", types.ErrFormat)
		}
		var sl types.SymbolicLinkReparseT
		if err := restruct.Unpack(buf[types.SizeofReparseHeader:types.SymlinkPathBufferOffset], binary.LittleEndian, &sl); err != nil {
			return "", fmt.Errorf("failed to unpack symlink: %w", err)
		}
		nameOff = types.SymlinkPathBufferOffset + int(sl.PrintNameOffset)
		nameLen = int(sl.PrintNameLength)
	case types.IsReparseTagCloud(tag):
		return cloudTarget, nil
	case types.IsReparseTagMicrosoft(tag):
		return "", fmt.Errorf("unknown Microsoft reparse tag 0x%08x: %w", tag, types.ErrNotSupported)
	default:
		if !types.IsReparseTagNameSurrogate(tag) || size <= types.SizeofReparseGUIDHeader {
			return "", fmt.Errorf("reparse tag 0x%08x is not a link: %w", tag, types.ErrInvalidArgument)
		}
		nameOff = types.SizeofReparseGUIDHeader
		nameLen = int(hdr.ReparseDataLength) - types.SizeofReparseGUIDHeader
	}

	units := nameLen / 2
	if units <= 0 || nameOff+2*units > size {
		return "", fmt.Errorf("link name 0x%x+0x%x outside buffer of %d bytes: %w", nameOff, nameLen, size, types.ErrFormat)
	}
	uni := buf[nameOff : nameOff+2*units]
	if binary.LittleEndian.Uint16(uni[len(uni)-2:]) == 0 {
		uni = uni[:len(uni)-2]
	}

	target, err := codec.Decode(uni)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(target, `\`, "/"), nil
}
