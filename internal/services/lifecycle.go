package services

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Lifecycle creates, links, unlinks and reclaims inodes. Every mutation
// either completes or leaves the record, the directory index and the
// allocators as they were.
type Lifecycle struct {
	s   *Session
	log *zap.SugaredLogger
}

func newLifecycle(s *Session) *Lifecycle {
	return &Lifecycle{s: s, log: s.log.With("component", "lifecycle")}
}

// createStep names the states of a creation transaction.
type createStep int

const (
	stepAllocateRecord createStep = iota
	stepStdInfo
	stepName
	stepSecurity
	stepTypeSpecific
	stepIndexInsert
	stepFinalize
)

func (c createStep) String() string {
	switch c {
	case stepAllocateRecord:
		return "allocate_record"
	case stepStdInfo:
		return "populate_std_info"
	case stepName:
		return "populate_name"
	case stepSecurity:
		return "populate_security"
	case stepTypeSpecific:
		return "populate_type_specific"
	case stepIndexInsert:
		return "insert_index"
	case stepFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("step(%d)", int(c))
	}
}

// undoAction compensates one completed step.
type undoAction struct {
	name string
	fn   func() error
}

// createTxn carries a creation through its steps. Undo actions are pushed
// as steps complete and run in reverse when a later step fails.
type createTxn struct {
	lc  *Lifecycle
	dir *inode.Inode

	name   string
	uname  []byte
	kind   uint32
	perm   uint32
	target string

	now        time.Time
	fa         types.FileAttr
	securityID uint32

	number  uint64
	rec     *records.Record
	ino     *inode.Inode
	fnRaw   []byte
	root    *types.IndexRootT
	reparse []byte

	undo []undoAction
}

func (t *createTxn) push(name string, fn func() error) {
	t.undo = append(t.undo, undoAction{name: name, fn: fn})
}

// rollback runs the undo stack in reverse.
func (t *createTxn) rollback(failed createStep, cause error) {
	lc := t.lc
	lc.log.Warnw("creation failed, rolling back",
		"name", t.name, "record", t.number, "step", failed.String(), "error", cause)
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		if err := u.fn(); err != nil {
			lc.log.Errorw("undo step failed", "record", t.number, "undo", u.name, "error", err)
		}
	}
	t.undo = nil
	if lc.s.lifeMetrics != nil {
		lc.s.lifeMetrics.RecordRollback(failed.String())
	}
}

// Create makes a new file called name in dir. The type bits of mode select a
// directory, a symbolic link to target, or a regular file.
func (l *Lifecycle) Create(dir *inode.Inode, name string, mode uint32, target string) (*inode.Inode, error) {
	s := l.s
	if err := s.checkWritable("create", dir.Number); err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, types.NewNTFSError(types.ErrInvalidArgument, "create", dir.Number, "parent is not a directory")
	}
	uname, err := s.codec.Encode(name)
	if err != nil || len(uname) == 0 || len(uname)/2 > types.MaxNameLen {
		return nil, types.NewNTFSError(types.ErrInvalidArgument, "create", dir.Number, fmt.Sprintf("name %q", name))
	}

	kind := mode & inode.ModeTypeMask
	switch kind {
	case 0:
		kind = inode.ModeRegular
	case inode.ModeRegular, inode.ModeDir, inode.ModeSymlink:
	default:
		return nil, types.NewNTFSError(types.ErrNotSupported, "create", dir.Number, fmt.Sprintf("mode %o", mode))
	}

	dir.MetaLock.Lock()
	defer dir.MetaLock.Unlock()

	t := &createTxn{
		lc:     l,
		dir:    dir,
		name:   name,
		uname:  uname,
		kind:   kind,
		perm:   mode & 0o777,
		target: target,
		now:    s.now(),
	}
	t.fa = t.attributes()

	steps := []struct {
		step createStep
		fn   func() error
	}{
		{stepAllocateRecord, t.allocateRecord},
		{stepStdInfo, t.populateStdInfo},
		{stepName, t.populateName},
		{stepSecurity, t.populateSecurity},
		{stepTypeSpecific, t.populateTypeSpecific},
		{stepIndexInsert, t.insertIndex},
		{stepFinalize, t.finalize},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			t.rollback(st.step, err)
			return nil, err
		}
	}

	if s.lifeMetrics != nil {
		s.lifeMetrics.RecordCreate(kindLabel(kind))
	}
	l.log.Infow("inode created", "name", name, "record", t.number, "seq", t.rec.Header.Seq, "kind", kindLabel(kind))
	return t.ino, nil
}

// attributes derives the file attributes of the new file from its type and
// its parent.
func (t *createTxn) attributes() types.FileAttr {
	var fa types.FileAttr
	switch t.kind {
	case inode.ModeDir:
		fa = t.dir.FA | types.FileAttributeDirectory | types.FileAttributeArchive
		if t.dir.Number == types.MftRecRoot {
			fa &^= types.FileAttributeHidden | types.FileAttributeSystem
		}
	case inode.ModeSymlink:
		fa = types.FileAttributeReparsePoint
	default:
		switch {
		case t.lc.s.opts.Sparse:
			fa = types.FileAttributeSparseFile | types.FileAttributeArchive
		case t.dir.FA&types.FileAttributeCompressed != 0:
			fa = types.FileAttributeCompressed | types.FileAttributeArchive
		default:
			fa = types.FileAttributeArchive
		}
	}
	if t.perm&inode.ModeWrite == 0 {
		fa |= types.FileAttributeReadonly
	}
	return fa
}

func (t *createTxn) allocateRecord() error {
	s := t.lc.s
	s.markVolumeDirty()

	s.allocMu.Lock()
	number, err := s.records.AllocateRecord()
	s.allocMu.Unlock()
	if err != nil {
		return types.NewNTFSError(err, "allocate record", t.dir.Number, t.name)
	}
	t.number = number
	t.push("free_record", func() error {
		s.allocMu.Lock()
		defer s.allocMu.Unlock()
		return s.records.FreeRecord(number)
	})

	seq, err := t.nextSeq()
	if err != nil {
		return err
	}

	var flags uint16
	if t.kind == inode.ModeDir {
		flags |= types.RecordFlagDir
	}
	t.rec = records.NewRecord(number, seq, s.opts.RecordSize, flags)
	t.rec.Header.HardLinks = 1
	t.ino = inode.New(number, seq)
	return nil
}

// nextSeq returns the sequence number for reusing the record slot.
func (t *createTxn) nextSeq() (uint16, error) {
	old, err := t.lc.s.mft.ReadRecord(t.number)
	switch {
	case err == nil:
	case types.IsCorrupt(err):
		// Never formatted.
		return 1, nil
	default:
		return 0, err
	}
	if old.InUse() {
		return 0, types.Corrupt("allocate record", t.number, "free record number is in use on disk")
	}
	seq := old.Header.Seq + 1
	if seq == 0 {
		seq = 1
	}
	return seq, nil
}

// insert adds an attribute to the new record and pushes its removal.
func (t *createTxn) insert(a *records.Attribute) error {
	if err := t.rec.Insert(a); err != nil {
		return err
	}
	t.push("remove_"+a.Type.String(), func() error {
		t.rec.Remove(a)
		return nil
	})
	return nil
}

func (t *createTxn) populateStdInfo() error {
	s := t.lc.s
	switch {
	case t.dir.SecurityID >= types.SecurityIDFirst:
		t.securityID = t.dir.SecurityID
	case s.opts.DefaultSecurityID >= types.SecurityIDFirst:
		t.securityID = s.opts.DefaultSecurityID
	}

	std := attributes.StdInfo{
		CrTime:     t.now,
		MTime:      t.now,
		CTime:      t.now,
		ATime:      t.now,
		FA:         t.fa &^ types.FileAttributeDirectory,
		SecurityID: t.securityID,
		Legacy:     t.securityID == 0,
	}
	raw, err := std.Marshal()
	if err != nil {
		return err
	}
	return t.insert(records.NewResident(types.AttrStd, "", raw))
}

func (t *createTxn) populateName() error {
	nt := types.TimeToNtTime(t.now)
	fn := attributes.FileName{
		Parent: t.dir.Ref(),
		Dup: types.DupInfoT{
			CrTime: nt,
			MTime:  nt,
			CTime:  nt,
			ATime:  nt,
			FA:     uint32(t.fa),
		},
		Type: types.FileNamePosix,
		Name: t.uname,
	}
	if t.kind == inode.ModeSymlink {
		fn.Dup.EAOrTag = types.IOReparseTagSymlink
	}
	raw, err := fn.Marshal()
	if err != nil {
		return err
	}
	t.fnRaw = raw

	a := records.NewResident(types.AttrName, "", raw)
	a.ResidentFlags = types.ResidentFlagIndexed
	return t.insert(a)
}

func (t *createTxn) populateSecurity() error {
	if t.securityID != 0 {
		return nil
	}
	return t.insert(records.NewResident(types.AttrSecure, "", attributes.DefaultSecurityDescriptor()))
}

func (t *createTxn) populateTypeSpecific() error {
	switch t.kind {
	case inode.ModeDir:
		return t.populateDirRoot()
	case inode.ModeSymlink:
		if err := t.insert(records.NewResident(types.AttrData, "", nil)); err != nil {
			return err
		}
		return t.populateReparse()
	default:
		var flags uint16
		switch {
		case t.fa&types.FileAttributeSparseFile != 0:
			flags = types.AttrFlagSparsed
		case t.fa&types.FileAttributeCompressed != 0:
			flags = types.AttrFlagCompressed
		}
		return t.insert(records.NewNonResident(types.AttrData, "", flags, []byte{0}, ^uint64(0), 0, 0, 0))
	}
}

// populateDirRoot adds an empty $I30 root shaped like the parent's.
func (t *createTxn) populateDirRoot() error {
	s := t.lc.s
	parent, err := s.index.LookupRoot(t.dir.Ref())
	if err != nil {
		return fmt.Errorf("failed to look up index root of parent %x: %w", t.dir.Number, err)
	}
	data, err := attributes.NewEmptyDirRoot(parent.IndexBlockSize, parent.IndexBlockClst)
	if err != nil {
		return err
	}
	root, err := attributes.ParseIndexRoot(data)
	if err != nil {
		return err
	}
	t.root = root
	return t.insert(records.NewResident(types.AttrRoot, types.I30Name, data))
}

// populateReparse adds the symlink reparse point. Payloads that do not fit
// in the record go to freshly allocated clusters.
func (t *createTxn) populateReparse() error {
	s := t.lc.s
	buf, err := attributes.BuildSymlink(s.codec, t.target, s.opts.MaxReparseSize)
	if err != nil {
		return types.NewNTFSError(err, "create symlink", t.number, "")
	}
	t.reparse = buf
	nsize := uint64(len(buf))

	off := t.rec.UsedBytes() - 8
	resident := &records.Attribute{Type: types.AttrReparse, Data: buf}
	if off+resident.Size()+8 <= t.rec.Size() {
		if err := t.insert(resident); err != nil {
			return err
		}
	} else if err := t.insertNonResidentReparse(buf, off); err != nil {
		return err
	}

	if s.reparse != nil {
		ref := t.rec.Ref()
		if err := s.reparse.InsertReparse(types.IOReparseTagSymlink, ref); err != nil {
			return fmt.Errorf("failed to index reparse point: %w", err)
		}
		t.push("delete_reparse", func() error {
			return s.reparse.DeleteReparse(types.IOReparseTagSymlink, ref)
		})
	}

	t.ino.ReparseTag = types.IOReparseTagSymlink
	t.ino.Size = nsize
	t.ino.Valid = nsize
	return nil
}

func (t *createTxn) insertNonResidentReparse(buf []byte, off int) error {
	s := t.lc.s
	cs := s.clusterSize
	nsize := uint64(len(buf))
	clusters := (nsize + cs - 1) / cs

	rl := runlist.New()
	for vcn := uint64(0); vcn < clusters; {
		ext, err := s.allocate(clusters-vcn, s.allocHint(rl, vcn))
		if err != nil {
			return types.NewNTFSError(err, "create symlink", t.number, fmt.Sprintf("%d clusters", clusters))
		}
		t.push("free_clusters", func() error {
			return s.release(ext)
		})
		rl.Add(vcn, ext.LCN, ext.Len)
		vcn += ext.Len
	}

	room := t.rec.Size() - off - types.SizeofNonResident
	runData, packed, err := rl.Pack(0, clusters, room)
	if err != nil {
		return err
	}
	if packed != clusters {
		return types.NewNTFSError(types.ErrInvalidArgument, "create symlink", t.number, "reparse run-list does not fit")
	}

	padded := make([]byte, clusters*cs)
	copy(padded, buf)
	for _, run := range rl.Runs() {
		chunk := padded[run.VCN*cs : run.End()*cs]
		if _, err := s.dev.WriteAt(chunk, int64(run.LCN*cs)); err != nil {
			return types.NewNTFSError(ioErr(err), "create symlink", t.number, fmt.Sprintf("lcn 0x%x", run.LCN))
		}
	}

	a := records.NewNonResident(types.AttrReparse, "", 0, runData, clusters-1, clusters*cs, nsize, nsize)
	if err := t.insert(a); err != nil {
		return err
	}
	t.ino.Runs = rl
	t.ino.Bytes = clusters * cs
	return nil
}

func (t *createTxn) insertIndex() error {
	s := t.lc.s
	dirRef := t.dir.Ref()
	entry := interfaces.IndexEntry{Name: t.name, Ref: t.rec.Ref(), FileName: t.fnRaw}
	if err := s.index.Insert(dirRef, entry); err != nil {
		return types.NewNTFSError(err, "insert index entry", t.dir.Number, t.name)
	}
	t.push("delete_index_entry", func() error {
		return s.index.Delete(dirRef, t.name)
	})
	return nil
}

// finalize marks the record in use, writes it and publishes the inode.
func (t *createTxn) finalize() error {
	s := t.lc.s
	t.rec.SetInUse(true)
	if err := s.mft.WriteRecord(t.rec); err != nil {
		t.rec.SetInUse(false)
		return err
	}

	ino := t.ino
	ino.Record = t.rec
	ino.Mode = t.kind | t.perm
	ino.UID = s.opts.UID
	ino.GID = s.opts.GID
	ino.Nlink = 1
	ino.CrTime, ino.MTime, ino.CTime, ino.ATime = t.now, t.now, t.now, t.now
	ino.FA = t.fa
	ino.SecurityID = t.securityID
	ino.Set(inode.FlagNoSec)

	switch t.kind {
	case inode.ModeDir:
		ino.Set(inode.FlagDir)
		if err := s.index.AttachRoot(ino.Ref(), t.root); err != nil {
			s.log.Warnw("failed to attach index root", "record", ino.Number, "error", err)
		}
	case inode.ModeRegular:
		switch {
		case t.fa&types.FileAttributeSparseFile != 0:
			ino.Set(inode.FlagSparse)
		case t.fa&types.FileAttributeCompressed != 0:
			ino.Set(inode.FlagCompressed)
		}
	}

	s.mu.Lock()
	s.inodes[ino.Number] = ino
	s.mu.Unlock()

	t.dir.Touch(t.now)
	s.MarkDirty(t.dir)
	return nil
}

// Link adds name in dir as another hard link to ino. The name attribute and
// the index entry are added together or not at all.
func (l *Lifecycle) Link(ino, dir *inode.Inode, name string) error {
	s := l.s
	if err := s.checkWritable("link", ino.Number); err != nil {
		return err
	}
	if !dir.IsDir() {
		return types.NewNTFSError(types.ErrInvalidArgument, "link", dir.Number, "parent is not a directory")
	}
	if ino.IsDir() {
		return types.NewNTFSError(types.ErrNotSupported, "link", ino.Number, "hard link to a directory")
	}
	uname, err := s.codec.Encode(name)
	if err != nil || len(uname) == 0 || len(uname)/2 > types.MaxNameLen {
		return types.NewNTFSError(types.ErrInvalidArgument, "link", dir.Number, fmt.Sprintf("name %q", name))
	}

	dir.MetaLock.Lock()
	defer dir.MetaLock.Unlock()
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	rec := ino.Record
	if rec == nil {
		return types.NewNTFSError(types.ErrInvalidArgument, "link", ino.Number, "inode has no record")
	}
	s.markVolumeDirty()

	now := s.now()
	nt := types.TimeToNtTime(now)
	fn := attributes.FileName{
		Parent: dir.Ref(),
		Dup: types.DupInfoT{
			CrTime:    types.TimeToNtTime(ino.CrTime),
			MTime:     types.TimeToNtTime(ino.MTime),
			CTime:     nt,
			ATime:     types.TimeToNtTime(ino.ATime),
			AllocSize: ino.Bytes,
			DataSize:  ino.Size,
			FA:        uint32(ino.FA),
		},
		Type: types.FileNamePosix,
		Name: uname,
	}
	raw, err := fn.Marshal()
	if err != nil {
		return err
	}
	a := records.NewResident(types.AttrName, "", raw)
	a.ResidentFlags = types.ResidentFlagIndexed
	if err := rec.Insert(a); err != nil {
		return err
	}

	entry := interfaces.IndexEntry{Name: name, Ref: ino.Ref(), FileName: raw}
	if err := s.index.Insert(dir.Ref(), entry); err != nil {
		rec.Remove(a)
		return types.NewNTFSError(err, "link", dir.Number, name)
	}

	rec.Header.HardLinks++
	ino.Nlink++
	ino.CTime = now
	s.MarkDirty(ino)
	dir.Touch(now)
	s.MarkDirty(dir)

	if s.lifeMetrics != nil {
		s.lifeMetrics.RecordLink()
	}
	l.log.Debugw("link added", "record", ino.Number, "dir", dir.Number, "name", name, "nlink", ino.Nlink)
	return nil
}

// Unlink removes name from dir together with its paired DOS or Win32 alias.
// A failure other than a full directory, exhausted space or a read-only
// volume marks the inode bad.
func (l *Lifecycle) Unlink(dir, ino *inode.Inode, name string) error {
	s := l.s
	if err := s.checkWritable("unlink", ino.Number); err != nil {
		return err
	}

	dir.MetaLock.Lock()
	defer dir.MetaLock.Unlock()
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	err := l.unlink(dir, ino, name)
	switch {
	case err == nil:
		if s.lifeMetrics != nil {
			s.lifeMetrics.RecordUnlink()
		}
	case errors.Is(err, types.ErrNotEmpty), types.IsNoSpace(err), errors.Is(err, types.ErrReadOnly):
	default:
		ino.MarkBad()
		l.log.Errorw("unlink failed, inode marked bad", "record", ino.Number, "name", name, "error", err)
	}

	now := s.now()
	dir.Touch(now)
	s.MarkDirty(dir)
	ino.CTime = now
	if ino.Nlink > 0 {
		s.MarkDirty(ino)
	}
	return err
}

func (l *Lifecycle) unlink(dir, ino *inode.Inode, name string) error {
	s := l.s
	if ino.IsDir() {
		empty, err := s.index.IsEmpty(ino.Ref())
		if err != nil {
			return err
		}
		if !empty {
			return types.NewNTFSError(types.ErrNotEmpty, "unlink", ino.Number, name)
		}
	}
	if ino.Number < types.MftRecFree {
		return types.NewNTFSError(types.ErrInvalidArgument, "unlink", ino.Number, "metadata file")
	}
	rec := ino.Record
	if rec == nil {
		return types.NewNTFSError(types.ErrInvalidArgument, "unlink", ino.Number, "inode has no record")
	}

	a, fn := l.findName(rec, func(fn *attributes.FileName, decoded string) bool {
		return fn.Parent.Number() == dir.Number && s.codec.Equal(decoded, name)
	})
	if a == nil {
		return types.NewNTFSError(types.ErrNotFound, "unlink", ino.Number, name)
	}
	s.markVolumeDirty()

	if err := l.removeName(dir, ino, a, fn, name); err != nil {
		return err
	}

	paired := types.PairedNameType(fn.Type)
	if paired == types.FileNamePosix {
		return nil
	}
	var alias string
	pa, pfn := l.findName(rec, func(fn *attributes.FileName, decoded string) bool {
		if fn.Type == paired {
			alias = decoded
			return true
		}
		return false
	})
	if pa == nil {
		return nil
	}
	return l.removeName(dir, ino, pa, pfn, alias)
}

// findName returns the first $FILE_NAME attribute of rec accepted by match.
func (l *Lifecycle) findName(rec *records.Record, match func(fn *attributes.FileName, decoded string) bool) (*records.Attribute, *attributes.FileName) {
	for _, a := range rec.Attrs {
		if a.Type != types.AttrName || a.NonResident {
			continue
		}
		fn, err := attributes.ParseFileName(a.Data)
		if err != nil {
			continue
		}
		decoded, err := l.s.codec.Decode(fn.Name)
		if err != nil {
			continue
		}
		if match(fn, decoded) {
			return a, fn
		}
	}
	return nil, nil
}

// removeName deletes one name from the directory index and the record.
func (l *Lifecycle) removeName(dir, ino *inode.Inode, a *records.Attribute, fn *attributes.FileName, name string) error {
	if err := l.s.index.Delete(dir.Ref(), name); err != nil {
		return types.NewNTFSError(err, "unlink", dir.Number, name)
	}
	ino.Record.Remove(a)
	if ino.Record.Header.HardLinks > 0 {
		ino.Record.Header.HardLinks--
	}
	if !fn.IsDos() && ino.Nlink > 0 {
		ino.Nlink--
	}
	l.log.Debugw("name removed", "record", ino.Number, "dir", dir.Number, "name", name, "nlink", ino.Nlink)
	return nil
}

// Reclaim releases an inode with no links: its clusters, its reparse index
// entry and its record number. The record is written back not in use.
func (l *Lifecycle) Reclaim(ino *inode.Inode) error {
	s := l.s
	if err := s.checkWritable("reclaim", ino.Number); err != nil {
		return err
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	if ino.Nlink != 0 {
		return types.NewNTFSError(types.ErrInvalidArgument, "reclaim", ino.Number, fmt.Sprintf("%d links left", ino.Nlink))
	}
	if ino.Number < types.MftRecFree {
		return types.NewNTFSError(types.ErrInvalidArgument, "reclaim", ino.Number, "metadata file")
	}
	s.markVolumeDirty()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	ino.RunLock.Lock()
	for _, rl := range []*runlist.RunList{ino.Runs, ino.DirAlloc} {
		if rl == nil {
			continue
		}
		for _, run := range rl.Runs() {
			if run.IsSparse() {
				continue
			}
			if err := s.release(interfaces.Extent{LCN: run.LCN, Len: run.Len}); err != nil {
				l.log.Errorw("failed to free clusters", "record", ino.Number, "run", run.String(), "error", err)
				keep(err)
			}
		}
		rl.Reset()
	}
	ino.RunLock.Unlock()
	ino.Bytes = 0

	if ino.ReparseTag != 0 && s.reparse != nil {
		if err := s.reparse.DeleteReparse(ino.ReparseTag, ino.Ref()); err != nil && !types.IsNotFound(err) {
			keep(err)
		}
	}

	if rec := ino.Record; rec != nil {
		rec.SetInUse(false)
		rec.Header.HardLinks = 0
		keep(s.mft.WriteRecord(rec))
	}

	s.allocMu.Lock()
	keep(s.records.FreeRecord(ino.Number))
	s.allocMu.Unlock()

	ino.ClearDirty()
	s.Forget(ino.Number)
	l.log.Infow("inode reclaimed", "record", ino.Number, "error", first)
	return first
}

func kindLabel(kind uint32) string {
	switch kind {
	case inode.ModeDir:
		return "dir"
	case inode.ModeSymlink:
		return "symlink"
	default:
		return "file"
	}
}
