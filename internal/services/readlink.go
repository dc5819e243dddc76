package services

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Readlink returns the target of a link-like reparse point.
func (s *Session) Readlink(ino *inode.Inode) (string, error) {
	if !ino.IsSymlink() {
		return "", types.NewNTFSError(types.ErrInvalidArgument, "readlink", ino.Number, "not a link")
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	a, err := s.findAttr(ino.Record, types.AttrReparse, "")
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", types.NewNTFSError(types.ErrNotFound, "readlink", ino.Number, "no reparse point")
	}

	limit := s.opts.MaxReparseSize
	size := uint64(len(a.Data))
	if a.NonResident {
		size = a.DataSize
	}
	if size <= 4 || size > uint64(limit) {
		return "", types.NewNTFSError(types.ErrInvalidArgument, "readlink", ino.Number,
			fmt.Sprintf("reparse point of %d bytes", size))
	}

	buf, err := s.readAttrData(a, ino.Number, size)
	if err != nil {
		return "", err
	}
	target, err := attributes.DecodeLinkTarget(s.codec, buf, limit)
	if err != nil {
		return "", types.NewNTFSError(err, "readlink", ino.Number, "")
	}
	return target, nil
}

// findAttr walks the attributes of a base record, following its attribute
// list, and returns the first one of type t called name.
func (s *Session) findAttr(rec *records.Record, t types.AttrType, name string) (*records.Attribute, error) {
	if rec == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	en := records.NewEnumerator(rec, s.mft)
	for {
		it, err := en.Next()
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, nil
		}
		a := it.Attr
		if a.Type == types.AttrList && !en.HasList() {
			data, err := s.readAttrList(a, rec.Number)
			if err != nil {
				return nil, err
			}
			if err := en.LoadList(a, data); err != nil {
				return nil, err
			}
			continue
		}
		if a.Type == t && a.NameIs(name) && !it.Continuation() {
			return a, nil
		}
	}
}
