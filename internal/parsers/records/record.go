// Package records decodes, validates, mutates and re-encodes MFT records and
// enumerates the attributes of a file across its attribute-list segments.
package records

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Record is a decoded MFT record.
type Record struct {
	Header types.RecordHeaderT
	Number uint64
	Attrs  []*Attribute
	size   int
	usn    uint16
}

// NewRecord creates an empty record ready to receive attributes.
func NewRecord(number uint64, seq uint16, size int, flags uint16) *Record {
	fixNum := FixupCount(size)
	attrOff := types.QuadAlign(uint32(types.RecordHeaderSize) + uint32(fixNum)*2)
	return &Record{
		Header: types.RecordHeaderT{
			Signature:  types.RecordSignature,
			FixOff:     types.RecordHeaderSize,
			FixNum:     fixNum,
			Seq:        seq,
			AttrOff:    uint16(attrOff),
			Flags:      flags,
			Total:      uint32(size),
			NextAttrID: 0,
			MftRecord:  uint32(number),
		},
		Number: number,
		size:   size,
	}
}

// ParseRecord applies fixups to a copy of raw and decodes the record.
func ParseRecord(raw []byte, size int, number uint64) (*Record, error) {
	if len(raw) < size || size < types.SectorSize {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("buffer %d bytes, record size %d", len(raw), size))
	}
	buf := append([]byte(nil), raw[:size]...)

	var hdr types.RecordHeaderT
	if err := restruct.Unpack(buf[:types.RecordHeaderSize], binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to unpack record header: %w", err)
	}
	if !bytes.Equal(hdr.Signature[:], types.RecordSignature[:]) {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("bad signature % X", hdr.Signature))
	}
	if int(hdr.Total) != size {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("total 0x%x != record size 0x%x", hdr.Total, size))
	}
	if hdr.FixNum != FixupCount(size) {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("fixup count %d", hdr.FixNum))
	}
	if err := ApplyFixups(buf, hdr.FixOff, hdr.FixNum); err != nil {
		return nil, types.NewNTFSError(err, "parse record", number, "")
	}
	usn := binary.LittleEndian.Uint16(buf[hdr.FixOff:])
	if hdr.Used > hdr.Total || hdr.Used&7 != 0 {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("used 0x%x of 0x%x", hdr.Used, hdr.Total))
	}
	minOff := int(hdr.FixOff) + 2*int(hdr.FixNum)
	if int(hdr.AttrOff) < minOff || int(hdr.AttrOff)&7 != 0 || int(hdr.AttrOff) >= int(hdr.Used) {
		return nil, types.Corrupt("parse record", number, fmt.Sprintf("attribute offset 0x%x", hdr.AttrOff))
	}

	rec := &Record{Header: hdr, Number: number, size: size, usn: usn}

	used := int(hdr.Used)
	off := int(hdr.AttrOff)
	for {
		a, err := ParseAttribute(buf, off, used)
		if err != nil {
			return nil, types.NewNTFSError(err, "parse record", number, "")
		}
		if a == nil {
			break
		}
		rec.Attrs = append(rec.Attrs, a)
		off += int(binary.LittleEndian.Uint32(buf[off+4:]))
	}
	return rec, nil
}

// Size returns the configured record size.
func (r *Record) Size() int {
	return r.size
}

// Ref returns the reference of this record.
func (r *Record) Ref() types.MFTRef {
	return types.NewMFTRef(r.Number, r.Header.Seq)
}

// InUse reports whether the record is allocated.
func (r *Record) InUse() bool {
	return r.Header.Flags&types.RecordFlagInUse != 0
}

// IsBase reports whether this is a base record rather than a continuation.
func (r *Record) IsBase() bool {
	return r.Header.ParentRef.IsZero()
}

// IsDir reports whether the record flags mark a directory.
func (r *Record) IsDir() bool {
	return r.Header.Flags&types.RecordFlagDir != 0
}

// SetInUse sets or clears the in-use flag.
func (r *Record) SetInUse(inUse bool) {
	if inUse {
		r.Header.Flags |= types.RecordFlagInUse
	} else {
		r.Header.Flags &^= types.RecordFlagInUse
	}
}

// Find returns the first attribute with the given type and name.
func (r *Record) Find(t types.AttrType, name string) *Attribute {
	for _, a := range r.Attrs {
		if a.Type == t && a.NameIs(name) {
			return a
		}
	}
	return nil
}

// FindByID returns the attribute with the given instance id.
func (r *Record) FindByID(t types.AttrType, id uint16) *Attribute {
	for _, a := range r.Attrs {
		if a.Type == t && a.ID == id {
			return a
		}
	}
	return nil
}

// UsedBytes returns the bytes a marshalled record would occupy.
func (r *Record) UsedBytes() int {
	n := int(r.Header.AttrOff) + 8
	for _, a := range r.Attrs {
		n += a.Size()
	}
	return n
}

// FreeBytes returns the space left for attributes.
func (r *Record) FreeBytes() int {
	return r.size - r.UsedBytes()
}

// Insert adds an attribute in type/name order and assigns its instance id.
func (r *Record) Insert(a *Attribute) error {
	if r.UsedBytes()+a.Size() > r.size {
		return types.NewNTFSError(types.ErrNoSpace, "insert attribute", r.Number,
			fmt.Sprintf("%s needs %d bytes, %d free", a.Type, a.Size(), r.FreeBytes()))
	}
	a.ID = r.Header.NextAttrID
	r.Header.NextAttrID++

	i := sort.Search(len(r.Attrs), func(i int) bool {
		b := r.Attrs[i]
		if b.Type != a.Type {
			return b.Type > a.Type
		}
		return bytes.Compare(b.Name, a.Name) > 0
	})
	r.Attrs = append(r.Attrs, nil)
	copy(r.Attrs[i+1:], r.Attrs[i:])
	r.Attrs[i] = a
	return nil
}

// Remove drops an attribute. It reports whether the attribute was present.
func (r *Record) Remove(a *Attribute) bool {
	for i, b := range r.Attrs {
		if b == a {
			r.Attrs = append(r.Attrs[:i], r.Attrs[i+1:]...)
			return true
		}
	}
	return false
}

// Marshal serializes the record and stamps its fixups.
func (r *Record) Marshal() ([]byte, error) {
	used := r.UsedBytes()
	if used > r.size {
		return nil, types.NewNTFSError(types.ErrNoSpace, "marshal record", r.Number,
			fmt.Sprintf("attributes need %d of %d bytes", used, r.size))
	}

	buf := make([]byte, r.size)
	hdr := r.Header
	hdr.Used = uint32(used)
	hdr.Total = uint32(r.size)
	hdr.MftRecord = uint32(r.Number)
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack record header: %w", err)
	}
	copy(buf, raw)

	off := int(hdr.AttrOff)
	for _, a := range r.Attrs {
		ab, err := a.Marshal()
		if err != nil {
			return nil, err
		}
		a.Offset = off
		copy(buf[off:], ab)
		off += len(ab)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(types.AttrEnd))

	binary.LittleEndian.PutUint16(buf[hdr.FixOff:], r.usn)
	if err := PrepareFixups(buf, hdr.FixOff, hdr.FixNum); err != nil {
		return nil, err
	}
	r.usn = binary.LittleEndian.Uint16(buf[hdr.FixOff:])
	r.Header.Used = hdr.Used
	return buf, nil
}
