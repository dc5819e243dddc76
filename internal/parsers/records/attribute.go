package records

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Attribute is one attribute of an MFT record. NonResident selects which
// group of fields is meaningful: Data and ResidentFlags for resident
// attributes, the VCN range, sizes and RunData for non-resident ones.
type Attribute struct {
	Type  types.AttrType
	Name  []byte // raw UTF-16LE
	Flags uint16
	ID    uint16

	NonResident bool

	// Resident
	ResidentFlags uint8
	Data          []byte

	// Non-resident
	SVCN      uint64
	EVCN      uint64
	CUnit     uint8
	AllocSize uint64
	DataSize  uint64
	ValidSize uint64
	TotalSize uint64
	RunData   []byte

	// Offset of the attribute in its record, set when parsed.
	Offset int
}

// NewResident creates a resident attribute.
func NewResident(t types.AttrType, name string, data []byte) *Attribute {
	a := &Attribute{Type: t, Data: data}
	if name != "" {
		a.Name = names.MustEncode(name)
	}
	return a
}

// NewNonResident creates a non-resident attribute describing runs from vcn 0.
func NewNonResident(t types.AttrType, name string, flags uint16, runData []byte, evcn, alloc, size, valid uint64) *Attribute {
	a := &Attribute{
		Type:        t,
		Flags:       flags,
		NonResident: true,
		EVCN:        evcn,
		AllocSize:   alloc,
		DataSize:    size,
		ValidSize:   valid,
		TotalSize:   alloc,
		RunData:     runData,
	}
	if name != "" {
		a.Name = names.MustEncode(name)
	}
	if a.IsCompressed() {
		a.CUnit = types.CompressionUnit
	}
	return a
}

// NameIs reports whether the attribute carries exactly the given name.
func (a *Attribute) NameIs(name string) bool {
	if name == "" {
		return len(a.Name) == 0
	}
	return bytes.Equal(a.Name, names.MustEncode(name))
}

// NameString decodes the attribute name.
func (a *Attribute) NameString() string {
	s, err := names.NewCodec().Decode(a.Name)
	if err != nil {
		return ""
	}
	return s
}

// IsCompressed reports whether the attribute flags mark compression.
func (a *Attribute) IsCompressed() bool {
	return a.Flags&types.AttrFlagCompressedMask == types.AttrFlagCompressed
}

// IsSparse reports whether the attribute flags mark a sparse stream.
func (a *Attribute) IsSparse() bool {
	return a.Flags&types.AttrFlagSparsed != 0
}

// IsEncrypted reports whether the attribute flags mark encryption.
func (a *Attribute) IsEncrypted() bool {
	return a.Flags&types.AttrFlagEncrypted != 0
}

// hasTotalSize reports whether the non-resident header carries total_size.
func (a *Attribute) hasTotalSize() bool {
	return a.NonResident && (a.IsCompressed() || a.IsSparse())
}

// OnDiskSize returns the number of bytes the stream occupies on disk.
func (a *Attribute) OnDiskSize() uint64 {
	if !a.NonResident {
		return uint64(len(a.Data))
	}
	if a.hasTotalSize() {
		return a.TotalSize
	}
	return a.AllocSize
}

// Decode unpacks the run-list of a non-resident attribute segment.
func (a *Attribute) Decode(lim runlist.Limits) ([]runlist.Run, error) {
	if !a.NonResident {
		return nil, fmt.Errorf("resident %s has no run-list: %w", a.Type, types.ErrInvalidArgument)
	}
	return runlist.Decode(a.RunData, a.SVCN, a.SVCN, a.EVCN, lim)
}

func (a *Attribute) headerSize() int {
	switch {
	case !a.NonResident:
		return types.SizeofResident
	case a.hasTotalSize():
		return types.SizeofNonResidentEx
	default:
		return types.SizeofNonResident
	}
}

// Size returns the 8-byte aligned size of the marshalled attribute.
func (a *Attribute) Size() int {
	n := a.headerSize() + len(a.Name)
	if a.NonResident {
		n = int(types.QuadAlign(uint32(n))) + len(a.RunData)
	} else {
		n = int(types.QuadAlign(uint32(n))) + len(a.Data)
	}
	return int(types.QuadAlign(uint32(n)))
}

// Marshal serializes the attribute.
func (a *Attribute) Marshal() ([]byte, error) {
	size := a.Size()
	buf := make([]byte, size)

	nameOff := a.headerSize()
	bodyOff := int(types.QuadAlign(uint32(nameOff + len(a.Name))))

	hdr := types.AttrHeaderT{
		Type:    a.Type,
		Size:    uint32(size),
		NameLen: uint8(len(a.Name) / 2),
		NameOff: uint16(nameOff),
		Flags:   a.Flags,
		ID:      a.ID,
	}
	if a.NonResident {
		hdr.NonRes = 1
	}
	if len(a.Name) == 0 {
		hdr.NameOff = uint16(bodyOff)
	}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack attribute header: %w", err)
	}
	copy(buf, raw)

	if !a.NonResident {
		res := types.ResidentHeaderT{
			DataSize: uint32(len(a.Data)),
			DataOff:  uint16(bodyOff),
			Flags:    a.ResidentFlags,
		}
		raw, err = restruct.Pack(binary.LittleEndian, &res)
		if err != nil {
			return nil, fmt.Errorf("failed to pack resident header: %w", err)
		}
		copy(buf[types.AttrHeaderSize:], raw)
		copy(buf[bodyOff:], a.Data)
	} else {
		nr := types.NonResidentHeaderT{
			Svcn:      a.SVCN,
			Evcn:      a.EVCN,
			RunOff:    uint16(bodyOff),
			CUnit:     a.CUnit,
			AllocSize: a.AllocSize,
			DataSize:  a.DataSize,
			ValidSize: a.ValidSize,
		}
		raw, err = restruct.Pack(binary.LittleEndian, &nr)
		if err != nil {
			return nil, fmt.Errorf("failed to pack non-resident header: %w", err)
		}
		copy(buf[types.AttrHeaderSize:], raw)
		if a.hasTotalSize() {
			binary.LittleEndian.PutUint64(buf[types.SizeofNonResident:], a.TotalSize)
		}
		copy(buf[bodyOff:], a.RunData)
	}
	copy(buf[nameOff:], a.Name)
	return buf, nil
}

// ParseAttribute decodes the attribute at off in a record whose attribute
// area ends at used. It returns nil at the end marker.
func ParseAttribute(rec []byte, off int, used int) (*Attribute, error) {
	if off+4 > used {
		return nil, fmt.Errorf("attribute at 0x%x past used 0x%x: %w", off, used, types.ErrCorruptRecord)
	}
	if types.AttrType(binary.LittleEndian.Uint32(rec[off:])) == types.AttrEnd {
		return nil, nil
	}
	if off+types.AttrHeaderSize > used {
		return nil, fmt.Errorf("attribute header at 0x%x past used 0x%x: %w", off, used, types.ErrCorruptRecord)
	}

	var hdr types.AttrHeaderT
	if err := restruct.Unpack(rec[off:off+types.AttrHeaderSize], binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to unpack attribute header: %w", err)
	}

	asize := int(hdr.Size)
	if asize < types.SizeofResident || asize&7 != 0 || off+asize > used {
		return nil, fmt.Errorf("attribute %s at 0x%x has size 0x%x (used 0x%x): %w",
			hdr.Type, off, asize, used, types.ErrCorruptRecord)
	}
	body := rec[off : off+asize]

	a := &Attribute{
		Type:        hdr.Type,
		Flags:       hdr.Flags,
		ID:          hdr.ID,
		NonResident: hdr.NonRes != 0,
		Offset:      off,
	}

	if hdr.NameLen > 0 {
		end := int(hdr.NameOff) + 2*int(hdr.NameLen)
		if end > asize {
			return nil, fmt.Errorf("attribute %s name runs past its size: %w", hdr.Type, types.ErrCorruptRecord)
		}
		a.Name = append([]byte(nil), body[hdr.NameOff:end]...)
	}

	if !a.NonResident {
		var res types.ResidentHeaderT
		if err := restruct.Unpack(body[types.AttrHeaderSize:types.SizeofResident], binary.LittleEndian, &res); err != nil {
			return nil, fmt.Errorf("failed to unpack resident header: %w", err)
		}
		if int(res.DataOff) > asize || uint64(res.DataOff)+uint64(res.DataSize) > uint64(asize) {
			return nil, fmt.Errorf("resident %s data 0x%x+0x%x exceeds size 0x%x: %w",
				hdr.Type, res.DataOff, res.DataSize, asize, types.ErrCorruptRecord)
		}
		a.ResidentFlags = res.Flags
		a.Data = append([]byte(nil), body[res.DataOff:int(res.DataOff)+int(res.DataSize)]...)
		return a, nil
	}

	if asize < types.SizeofNonResident {
		return nil, fmt.Errorf("non-resident %s too small: %w", hdr.Type, types.ErrCorruptRecord)
	}
	var nr types.NonResidentHeaderT
	if err := restruct.Unpack(body[types.AttrHeaderSize:types.SizeofNonResident], binary.LittleEndian, &nr); err != nil {
		return nil, fmt.Errorf("failed to unpack non-resident header: %w", err)
	}
	if nr.CUnit > types.CompressionUnit {
		return nil, fmt.Errorf("non-resident %s compression unit %d: %w", hdr.Type, nr.CUnit, types.ErrCorruptRecord)
	}
	if nr.Evcn+1 < nr.Svcn {
		return nil, fmt.Errorf("non-resident %s evcn %d before svcn %d: %w", hdr.Type, nr.Evcn, nr.Svcn, types.ErrCorruptRecord)
	}
	if int(nr.RunOff) < types.SizeofNonResident || int(nr.RunOff) > asize {
		return nil, fmt.Errorf("non-resident %s run offset 0x%x: %w", hdr.Type, nr.RunOff, types.ErrCorruptRecord)
	}
	if nr.Svcn == 0 && (nr.DataSize > nr.AllocSize || nr.ValidSize > nr.DataSize) {
		return nil, fmt.Errorf("non-resident %s sizes alloc=%d data=%d valid=%d: %w",
			hdr.Type, nr.AllocSize, nr.DataSize, nr.ValidSize, types.ErrCorruptRecord)
	}

	a.SVCN = nr.Svcn
	a.EVCN = nr.Evcn
	a.CUnit = nr.CUnit
	a.AllocSize = nr.AllocSize
	a.DataSize = nr.DataSize
	a.ValidSize = nr.ValidSize
	a.TotalSize = nr.AllocSize
	if a.hasTotalSize() && asize >= types.SizeofNonResidentEx && int(nr.RunOff) >= types.SizeofNonResidentEx {
		a.TotalSize = binary.LittleEndian.Uint64(body[types.SizeofNonResident:])
	}
	a.RunData = append([]byte(nil), body[nr.RunOff:]...)
	return a, nil
}
