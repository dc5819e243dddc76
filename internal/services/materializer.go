package services

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// sizeofEAInfo is the size of an $EA_INFORMATION body.
const sizeofEAInfo = 8

// attrListLimit caps the size of an attribute list value.
const attrListLimit = 0x40000

// mftBitmapLimit caps the $MFT bitmap with 32-bit cluster numbers (2^32 / 8).
const mftBitmapLimit = 0x20000000

// materializeState accumulates what the attribute walk found.
type materializeState struct {
	ino      *inode.Inode
	mode     uint32
	isDir    bool
	isRoot   bool
	std      *attributes.StdInfoReader
	names    uint32
	matched  bool
	lastName *attributes.FileName
	expected *ExpectedName
}

// materialize builds an inode from a base record.
func (s *Session) materialize(rec *records.Record, ref types.MFTRef, expected *ExpectedName) (*inode.Inode, error) {
	number := rec.Number
	if rec.Header.Seq != ref.Seq {
		return nil, types.NewNTFSError(types.ErrStaleReference, "materialize", number,
			fmt.Sprintf("expected seq %x, record has %x", ref.Seq, rec.Header.Seq))
	}
	if !rec.InUse() {
		return nil, types.NewNTFSError(types.ErrNotFound, "materialize", number, "record not in use")
	}
	if rec.Size() != s.opts.RecordSize {
		return nil, types.Corrupt("materialize", number, fmt.Sprintf("record size %d", rec.Size()))
	}
	if !rec.IsBase() {
		return nil, types.NewNTFSError(types.ErrInvalidRecordShape, "materialize", number,
			fmt.Sprintf("continuation of %s", rec.Header.ParentRef))
	}

	st := &materializeState{
		ino:      inode.New(number, rec.Header.Seq),
		isDir:    rec.IsDir(),
		expected: expected,
	}
	st.ino.Record = rec

	en := records.NewEnumerator(rec, s.mft)
	for {
		it, err := en.Next()
		if err != nil {
			return nil, err
		}
		if it == nil {
			break
		}
		if err := s.classify(st, en, it); err != nil {
			return nil, err
		}
	}

	if err := s.finishInode(st); err != nil {
		return nil, err
	}
	s.log.Debugw("record materialized", "record", number, "mode", fmt.Sprintf("%o", st.ino.Mode),
		"size", st.ino.Size, "valid", st.ino.Valid, "nlink", st.ino.Nlink)
	return st.ino, nil
}

// classify folds one attribute into the inode under construction.
func (s *Session) classify(st *materializeState, en *records.Enumerator, it *records.Item) error {
	ino := st.ino
	a := it.Attr
	number := ino.Number

	if it.Continuation() {
		// Only $MFT's own $DATA segments reach here.
		return s.unpackRuns(ino.Runs, a, number)
	}

	switch a.Type {
	case types.AttrStd:
		if a.NonResident {
			return types.Corrupt("materialize", number, "non-resident standard information")
		}
		if st.std != nil {
			return nil
		}
		std, err := attributes.NewStdInfoReader(a.Data)
		if err != nil {
			return types.NewNTFSError(err, "materialize", number, "standard information")
		}
		st.std = std
		ino.CrTime = std.CreationTime()
		ino.MTime = std.ModificationTime()
		ino.CTime = std.ChangeTime()
		ino.ATime = std.AccessTime()
		ino.FA = std.FileAttributes()
		if id, ok := std.SecurityID(); ok {
			ino.SecurityID = id
		}

	case types.AttrList:
		if len(a.Name) != 0 || en.HasList() || number == types.MftRecLog {
			return types.Corrupt("materialize", number, "unexpected attribute list")
		}
		data, err := s.readAttrList(a, number)
		if err != nil {
			return err
		}
		return en.LoadList(a, data)

	case types.AttrName:
		if a.NonResident {
			return types.Corrupt("materialize", number, "non-resident file name")
		}
		fn, err := attributes.ParseFileName(a.Data)
		if err != nil {
			return types.NewNTFSError(err, "materialize", number, "file name")
		}
		st.lastName = fn
		if fn.IsDos() {
			return nil
		}
		st.names++
		if st.expected != nil && !st.matched && s.nameMatches(fn, st.expected) {
			st.matched = true
		}
		return nil

	case types.AttrData:
		return s.classifyData(st, a)

	case types.AttrRoot:
		if a.NonResident {
			return types.Corrupt("materialize", number, "non-resident index root")
		}
		st.isRoot = true
		if !a.NameIs(types.I30Name) {
			return nil
		}
		root, err := attributes.ParseIndexRoot(a.Data)
		if err != nil {
			return types.NewNTFSError(err, "materialize", number, "index root")
		}
		if !attributes.IsFileNameIndex(root) {
			return types.Corrupt("materialize", number,
				fmt.Sprintf("$I30 indexes %s with collation %d", root.Type, root.Rule))
		}
		if !st.isDir {
			return nil
		}
		ino.Set(inode.FlagDir)
		if err := s.index.AttachRoot(ino.Ref(), root); err != nil {
			return fmt.Errorf("failed to attach index root of %x: %w", number, err)
		}
		st.mode = inode.ModeDir | (0o777 &^ uint32(s.opts.DMask))

	case types.AttrAlloc:
		if !st.isRoot || !a.NameIs(types.I30Name) {
			return nil
		}
		if !a.NonResident {
			return types.Corrupt("materialize", number, "resident index allocation")
		}
		ino.Size = a.DataSize
		ino.Valid = a.ValidSize
		ino.Bytes = a.AllocSize
		if ino.DirAlloc == nil {
			ino.DirAlloc = runlist.New()
		}
		return s.unpackRuns(ino.DirAlloc, a, number)

	case types.AttrBitmap:
		if number == types.MftRecMFT {
			if !a.NonResident {
				return types.Corrupt("materialize", number, "resident $MFT bitmap")
			}
			if s.opts.ClusterWidth < 64 && a.AllocSize >= mftBitmapLimit {
				return types.Corrupt("materialize", number, fmt.Sprintf("$MFT bitmap of 0x%x bytes", a.AllocSize))
			}
			s.bitmapMu.Lock()
			defer s.bitmapMu.Unlock()
			return s.unpackRuns(s.mftBitmap, a, number)
		}
		if st.isDir && a.NonResident && a.NameIs(types.I30Name) {
			if ino.DirBitmap == nil {
				ino.DirBitmap = runlist.New()
			}
			return s.unpackRuns(ino.DirBitmap, a, number)
		}

	case types.AttrReparse:
		if len(a.Name) != 0 {
			return nil
		}
		return s.classifyReparse(st, a)

	case types.AttrEAInfo:
		if len(a.Name) == 0 && !a.NonResident && len(a.Data) >= sizeofEAInfo {
			ino.Set(inode.FlagEA)
		}
	}
	return nil
}

// classifyData handles the primary data stream and the named streams that
// system files keep their payload in.
func (s *Session) classifyData(st *materializeState, a *records.Attribute) error {
	ino := st.ino
	number := ino.Number

	if st.isDir {
		return nil
	}
	if number == types.MftRecBadClust && !a.NonResident {
		return nil
	}
	if len(a.Name) != 0 {
		bad := number == types.MftRecBadClust && a.NonResident && a.NameIs(types.BadName)
		sds := number == types.MftRecSecure && a.NonResident && a.NameIs(types.SDSName)
		if !bad && !sds {
			return nil
		}
	}

	ino.Clear(inode.StreamFlags)
	ino.FA &^= types.FileAttributeSparseFile | types.FileAttributeCompressed | types.FileAttributeEncrypted
	if a.IsSparse() {
		ino.Set(inode.FlagSparse)
		ino.FA |= types.FileAttributeSparseFile
	}
	if a.IsCompressed() {
		ino.Set(inode.FlagCompressed)
		ino.FA |= types.FileAttributeCompressed
	}
	if a.IsEncrypted() {
		ino.Set(inode.FlagEncrypted)
		ino.FA |= types.FileAttributeEncrypted
	}

	st.mode = inode.ModeRegular | (0o777 &^ uint32(s.opts.FMask))

	if !a.NonResident {
		ino.Set(inode.FlagResident)
		ino.Data = append([]byte(nil), a.Data...)
		ino.Size = uint64(len(a.Data))
		ino.Valid = ino.Size
		ino.Bytes = ino.Size
		return nil
	}

	ino.Clear(inode.FlagResident)
	ino.Data = nil
	ino.Bytes = a.OnDiskSize()
	ino.Valid = a.ValidSize
	ino.Size = a.DataSize
	if a.AllocSize == 0 {
		return nil
	}

	if number == types.MftRecBitmap {
		s.bitmapMu.Lock()
		defer s.bitmapMu.Unlock()
		return s.unpackRuns(s.volumeBitmap, a, number)
	}
	return s.unpackRuns(ino.Runs, a, number)
}

// classifyReparse turns link-like reparse points into symlink-shaped inodes.
func (s *Session) classifyReparse(st *materializeState, a *records.Attribute) error {
	ino := st.ino
	number := ino.Number

	head, err := s.readAttrData(a, number, attributes.ReparseHeadSize)
	if err != nil {
		return fmt.Errorf("failed to read reparse point: %w", err)
	}
	tag, kind := attributes.ClassifyReparse(head)
	ino.ReparseTag = tag

	switch kind {
	case attributes.ReparseLink:
		if a.NonResident {
			ino.Size = a.DataSize
			ino.Bytes = a.OnDiskSize()
		} else {
			ino.Size = uint64(len(a.Data))
			ino.Bytes = ino.Size
		}
		ino.Valid = ino.Size

		if ino.Has(inode.FlagDir) {
			ino.Clear(inode.FlagDir)
			ino.DirAlloc = nil
			ino.DirBitmap = nil
		} else {
			ino.Runs.Reset()
		}
		ino.Clear(inode.FlagResident)
		ino.Data = nil
		st.mode = inode.ModeSymlink | 0o777
		st.isDir = false

		if a.NonResident {
			return s.unpackRuns(ino.Runs, a, number)
		}
	case attributes.ReparseCompressed, attributes.ReparseDeduplicated:
		s.log.Debugw("reparse point left as file", "record", number, "tag", fmt.Sprintf("0x%08x", tag), "kind", kind.String())
	}
	return nil
}

// finishInode validates the walk and settles mode, link count and flags.
func (s *Session) finishInode(st *materializeState) error {
	ino := st.ino
	number := ino.Number

	if st.std == nil {
		return types.NewNTFSError(types.ErrInvalidRecordShape, "materialize", number, "no standard information")
	}

	if st.expected != nil && !st.matched {
		return types.NewNTFSError(types.ErrNameMismatch, "materialize", number, st.expected.Name)
	}

	mode := st.mode
	if ino.FA&types.FileAttributeReadonly != 0 {
		mode &^= inode.ModeWrite
	}
	ino.UID = s.opts.UID
	ino.GID = s.opts.GID

	inExtend := st.lastName != nil && st.lastName.InExtend()
	if st.names == 0 && !inExtend {
		return types.NewNTFSError(types.ErrInvalidRecordShape, "materialize", number, "no usable file name")
	}

	switch mode & inode.ModeTypeMask {
	case inode.ModeDir:
		ino.FA |= types.FileAttributeDirectory
		ino.Nlink = 1
		ino.Valid = 0
	case inode.ModeSymlink, inode.ModeRegular:
		ino.FA &^= types.FileAttributeDirectory
		ino.Nlink = st.names
	default:
		if !inExtend {
			return types.NewNTFSError(types.ErrInvalidRecordShape, "materialize", number, "neither file, directory nor link")
		}
		ino.Set(inode.FlagExtend)
		ino.Nlink = st.names
	}

	if s.opts.SysImmutable && st.std.FileAttributes()&types.FileAttributeSystem != 0 && mode&inode.ModeTypeMask != inode.ModeSymlink {
		ino.Set(inode.FlagImmutable)
	} else {
		ino.Clear(inode.FlagImmutable)
	}

	ino.Mode = mode
	if !ino.Has(inode.FlagEA) {
		ino.Set(inode.FlagNoSec)
	}
	return nil
}

// nameMatches compares a file name with the name a lookup resolved.
func (s *Session) nameMatches(fn *attributes.FileName, expected *ExpectedName) bool {
	if !expected.Parent.IsZero() && fn.Parent.Number() != expected.Parent.Number() {
		return false
	}
	name, err := s.codec.Decode(fn.Name)
	if err != nil {
		return false
	}
	return s.codec.Equal(name, expected.Name)
}

// unpackRuns merges the run-list segment of a into rl. Record 0 feeds its
// runs back into the record store so later $MFT segments become reachable.
func (s *Session) unpackRuns(rl *runlist.RunList, a *records.Attribute, number uint64) error {
	if !a.NonResident {
		return types.Corrupt("unpack runs", number, fmt.Sprintf("resident %s", a.Type))
	}
	if err := rl.Unpack(a.RunData, a.SVCN, a.EVCN, s.limits); err != nil {
		return types.NewNTFSError(err, "unpack runs", number, a.Type.String())
	}
	if number == types.MftRecMFT && a.Type == types.AttrData && s.mft.Bootstrapping() {
		s.mft.ExtendRuns(rl)
	}
	return nil
}

// readAttrData returns up to limit bytes of an attribute's value. Bytes past
// the valid size of a non-resident value read as zero.
func (s *Session) readAttrData(a *records.Attribute, number uint64, limit uint64) ([]byte, error) {
	if !a.NonResident {
		n := uint64(len(a.Data))
		if n > limit {
			n = limit
		}
		return append([]byte(nil), a.Data[:n]...), nil
	}

	if a.SVCN != 0 || (a.DataSize != 0 && (a.DataSize-1)/s.clusterSize > a.EVCN) {
		return nil, types.Corrupt("read attribute", number,
			fmt.Sprintf("%s of 0x%x bytes over vcn %d..%d", a.Type, a.DataSize, a.SVCN, a.EVCN))
	}
	size := a.DataSize
	if size > limit {
		size = limit
	}
	runs, err := a.Decode(s.limits)
	if err != nil {
		return nil, types.NewNTFSError(err, "read attribute", number, a.Type.String())
	}
	rl := runlist.FromRuns(runs)
	buf := make([]byte, size)
	valid := a.ValidSize
	if valid > size {
		valid = size
	}
	if err := s.readRuns(rl, buf[:valid], 0, number); err != nil {
		return nil, err
	}
	return buf, nil
}

// readAttrList returns the value of an attribute list attribute.
func (s *Session) readAttrList(a *records.Attribute, number uint64) ([]byte, error) {
	size := uint64(len(a.Data))
	if a.NonResident {
		size = a.DataSize
	}
	if size > attrListLimit {
		return nil, types.Corrupt("read attribute list", number, fmt.Sprintf("0x%x bytes", size))
	}
	data, err := s.readAttrData(a, number, attrListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute list: %w", err)
	}
	return data, nil
}

// readRuns fills buf with the stream bytes at pos through rl. Holes read as
// zero; bytes beyond the mapped range are an error.
func (s *Session) readRuns(rl *runlist.RunList, buf []byte, pos uint64, number uint64) error {
	cs := s.clusterSize
	for done := 0; done < len(buf); {
		vcn := pos / cs
		lcn, remaining, ok := rl.Lookup(vcn)
		if !ok {
			return types.Corrupt("read runs", number, fmt.Sprintf("vcn 0x%x not mapped", vcn))
		}
		within := pos % cs
		n := remaining*cs - within
		if n > uint64(len(buf)-done) {
			n = uint64(len(buf) - done)
		}
		chunk := buf[done : done+int(n)]
		if lcn == runlist.SparseLCN {
			clear(chunk)
		} else if _, err := s.dev.ReadAt(chunk, int64(lcn*cs+within)); err != nil {
			return types.NewNTFSError(ioErr(err), "read runs", number, fmt.Sprintf("lcn 0x%x", lcn))
		}
		done += int(n)
		pos += n
	}
	return nil
}
