// Package attributes reads and builds the typed bodies of resident NTFS
// attributes: standard information, file names, index roots, reparse
// buffers and the default security descriptor.
package attributes

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// StdInfoReader provides access to a $STANDARD_INFORMATION body
type StdInfoReader struct {
	std           types.StdInfo5T
	hasSecurityID bool
}

// NewStdInfoReader decodes a standard information body. Legacy 0x30 byte
// bodies are accepted and carry no security id.
func NewStdInfoReader(data []byte) (*StdInfoReader, error) {
	if len(data) < types.SizeofStdInfo {
		return nil, fmt.Errorf("standard information too small: %d bytes: %w", len(data), types.ErrCorruptRecord)
	}

	r := &StdInfoReader{}
	if len(data) >= types.SizeofStdInfo5 {
		if err := restruct.Unpack(data[:types.SizeofStdInfo5], binary.LittleEndian, &r.std); err != nil {
			return nil, fmt.Errorf("failed to unpack standard information: %w", err)
		}
		r.hasSecurityID = true
		return r, nil
	}
	if err := restruct.Unpack(data[:types.SizeofStdInfo], binary.LittleEndian, &r.std.StdInfoT); err != nil {
		return nil, fmt.Errorf("failed to unpack standard information: %w", err)
	}
	return r, nil
}

// CreationTime returns the file creation time
func (r *StdInfoReader) CreationTime() time.Time {
	return types.NtTimeToTime(r.std.CrTime)
}

// ModificationTime returns the data modification time
func (r *StdInfoReader) ModificationTime() time.Time {
	return types.NtTimeToTime(r.std.MTime)
}

// ChangeTime returns the record change time
func (r *StdInfoReader) ChangeTime() time.Time {
	return types.NtTimeToTime(r.std.CTime)
}

// AccessTime returns the last access time
func (r *StdInfoReader) AccessTime() time.Time {
	return types.NtTimeToTime(r.std.ATime)
}

// FileAttributes returns the file attribute flags
func (r *StdInfoReader) FileAttributes() types.FileAttr {
	return types.FileAttr(r.std.FA)
}

// SecurityID returns the $Secure id and whether the body carries one
func (r *StdInfoReader) SecurityID() (uint32, bool) {
	return r.std.SecurityID, r.hasSecurityID
}

// StdInfo is a standard information body to be written.
type StdInfo struct {
	CrTime, MTime, CTime, ATime time.Time
	FA                          types.FileAttr
	SecurityID                  uint32
	// Legacy writes the 0x30 byte form without security id.
	Legacy bool
}

// Marshal encodes the body.
func (s *StdInfo) Marshal() ([]byte, error) {
	v := types.StdInfo5T{
		StdInfoT: types.StdInfoT{
			CrTime: types.TimeToNtTime(s.CrTime),
			MTime:  types.TimeToNtTime(s.MTime),
			CTime:  types.TimeToNtTime(s.CTime),
			ATime:  types.TimeToNtTime(s.ATime),
			FA:     uint32(s.FA),
		},
		SecurityID: s.SecurityID,
	}
	if s.Legacy {
		return restruct.Pack(binary.LittleEndian, &v.StdInfoT)
	}
	return restruct.Pack(binary.LittleEndian, &v)
}
