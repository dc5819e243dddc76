package records

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// SegmentLoader reads continuation records named by an attribute list.
type SegmentLoader interface {
	LoadSegment(ref types.MFTRef) (*Record, error)
}

// ListKey identifies an attribute segment in the attribute-list lookup table.
type ListKey struct {
	Type types.AttrType
	Name string
	VCN  uint64
}

// Item is one enumerated attribute.
type Item struct {
	Attr   *Attribute
	Record *Record
	// Entry is set when the attribute was reached through the attribute list.
	Entry *ListEntry
}

// Continuation reports whether the item is a non-primary segment.
func (it *Item) Continuation() bool {
	return it.Entry != nil && it.Entry.VCN != 0
}

// Enumerator walks the attributes of one file: first the base record in
// on-disk order and, once LoadList was called, the attribute list from its
// first entry. Segments with a non-zero starting VCN are skipped, except the
// $DATA segments of $MFT itself.
type Enumerator struct {
	base   *Record
	loader SegmentLoader
	isMFT  bool

	idx    int
	list   []ListEntry
	inList bool

	segments map[uint64]*Record
	lookup   map[ListKey]types.MFTRef
}

// NewEnumerator creates an enumerator over a base record.
func NewEnumerator(base *Record, loader SegmentLoader) *Enumerator {
	return &Enumerator{
		base:     base,
		loader:   loader,
		isMFT:    base.Number == types.MftRecMFT,
		segments: map[uint64]*Record{base.Number: base},
	}
}

// HasList reports whether an attribute list has been loaded.
func (e *Enumerator) HasList() bool {
	return e.inList
}

// Entries returns the loaded attribute list.
func (e *Enumerator) Entries() []ListEntry {
	return e.list
}

// Segments returns every record loaded so far, keyed by record number.
func (e *Enumerator) Segments() map[uint64]*Record {
	return e.segments
}

// Lookup returns the record holding the segment of (t, name) starting at vcn.
func (e *Enumerator) Lookup(t types.AttrType, name string, vcn uint64) (types.MFTRef, bool) {
	ref, ok := e.lookup[ListKey{Type: t, Name: name, VCN: vcn}]
	return ref, ok
}

// LoadList switches the enumerator to attribute-list mode and restarts it.
// A second list, a named list, or a list inside a list is corruption.
func (e *Enumerator) LoadList(attr *Attribute, data []byte) error {
	if e.inList || len(attr.Name) != 0 {
		return types.Corrupt("load attribute list", e.base.Number, "unexpected attribute list")
	}
	entries, err := ParseAttrList(data)
	if err != nil {
		return types.NewNTFSError(err, "load attribute list", e.base.Number, "")
	}

	e.lookup = make(map[ListKey]types.MFTRef, len(entries))
	for _, le := range entries {
		e.lookup[ListKey{Type: le.Type, Name: le.NameString(), VCN: le.VCN}] = le.Ref
	}
	e.list = entries
	e.inList = true
	e.idx = 0
	return nil
}

// Next returns the next attribute, or nil at the end.
func (e *Enumerator) Next() (*Item, error) {
	if !e.inList {
		if e.idx >= len(e.base.Attrs) {
			return nil, nil
		}
		a := e.base.Attrs[e.idx]
		e.idx++
		return &Item{Attr: a, Record: e.base}, nil
	}

	for e.idx < len(e.list) {
		le := &e.list[e.idx]
		e.idx++

		if le.VCN != 0 && !(e.isMFT && le.Type == types.AttrData) {
			continue
		}
		if le.Type == types.AttrList {
			return nil, types.Corrupt("enumerate attributes", e.base.Number, "attribute list lists itself")
		}

		rec, err := e.segment(le.Ref)
		if err != nil {
			return nil, err
		}
		a := rec.FindByID(le.Type, le.ID)
		if a == nil || string(a.Name) != string(le.Name) {
			return nil, types.Corrupt("enumerate attributes", e.base.Number,
				fmt.Sprintf("%s id %d missing from record %x", le.Type, le.ID, le.Ref.Number()))
		}
		return &Item{Attr: a, Record: rec, Entry: le}, nil
	}
	return nil, nil
}

func (e *Enumerator) segment(ref types.MFTRef) (*Record, error) {
	if rec, ok := e.segments[ref.Number()]; ok {
		if rec.Header.Seq != ref.Seq {
			return nil, types.Corrupt("load segment", e.base.Number,
				fmt.Sprintf("segment %s has seq %x", ref, rec.Header.Seq))
		}
		return rec, nil
	}
	if e.loader == nil {
		return nil, types.Corrupt("load segment", e.base.Number, "no loader for continuation records")
	}
	rec, err := e.loader.LoadSegment(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment %s of record %x: %w", ref, e.base.Number, err)
	}
	if rec.Header.Seq != ref.Seq || !rec.InUse() || rec.Header.ParentRef.Number() != e.base.Number {
		return nil, types.Corrupt("load segment", e.base.Number, fmt.Sprintf("segment %s does not belong to file", ref))
	}
	e.segments[ref.Number()] = rec
	return rec, nil
}
