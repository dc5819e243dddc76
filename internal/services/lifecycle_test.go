package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

type fakeLifeMetrics struct {
	creates   []string
	rollbacks []string
	links     int
	unlinks   int
	failures  []string
}

func (m *fakeLifeMetrics) RecordCreate(kind string)             { m.creates = append(m.creates, kind) }
func (m *fakeLifeMetrics) RecordRollback(step string)           { m.rollbacks = append(m.rollbacks, step) }
func (m *fakeLifeMetrics) RecordLink()                          { m.links++ }
func (m *fakeLifeMetrics) RecordUnlink()                        { m.unlinks++ }
func (m *fakeLifeMetrics) RecordMaterializeFailure(kind string) { m.failures = append(m.failures, kind) }

func withLifeMetrics(v *testVolume) *fakeLifeMetrics {
	m := &fakeLifeMetrics{}
	v.s.lifeMetrics = m
	return m
}

// nameAttrs counts the $FILE_NAME attributes of rec.
func nameAttrs(rec *records.Record) int {
	n := 0
	for _, a := range rec.Attrs {
		if a.Type == types.AttrName {
			n++
		}
	}
	return n
}

func TestCreateRegularFile(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	rootDirty := v.dirty.count(v.root.Number)

	ino, err := v.s.Lifecycle().Create(v.root, "report.txt", inode.ModeRegular|0o644, "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, ino.Number, uint64(types.MftRecFree))
	assert.Equal(t, uint16(1), ino.Seq)
	assert.True(t, ino.IsRegular())
	assert.Equal(t, uint32(1), ino.Nlink)
	assert.NotZero(t, ino.FA&types.FileAttributeArchive)
	assert.Zero(t, ino.FA&types.FileAttributeReadonly)
	assert.Equal(t, v.root.SecurityID, ino.SecurityID)
	assert.Equal(t, testClock, ino.CrTime)
	assert.True(t, ino.Record.InUse())
	assert.True(t, v.alloc.IsAllocated(ino.Number))
	assert.Equal(t, []string{"file"}, m.creates)
	assert.Equal(t, rootDirty+1, v.dirty.count(v.root.Number))

	cached, ok := v.s.Cached(ino.Number)
	require.True(t, ok)
	assert.Same(t, ino, cached)

	entry, err := v.index.Lookup(v.root.Ref(), "REPORT.TXT")
	require.NoError(t, err)
	assert.Equal(t, ino.Ref(), entry.Ref)

	v.s.Forget(ino.Number)
	v.s.MFT().ClearCache()
	again, err := v.s.Iget(ino.Ref(), &ExpectedName{Parent: v.root.Ref(), Name: "report.txt"})
	require.NoError(t, err)
	assert.True(t, again.IsRegular())
	assert.Zero(t, again.Size)
	assert.False(t, again.IsResident())
	assert.Equal(t, uint32(1), again.Nlink)
}

func TestCreateReadOnlyPermission(t *testing.T) {
	v := newTestVolume(t)
	ino, err := v.s.Lifecycle().Create(v.root, "locked.txt", inode.ModeRegular|0o444, "")
	require.NoError(t, err)
	assert.NotZero(t, ino.FA&types.FileAttributeReadonly)
}

func TestCreateDirectory(t *testing.T) {
	v := newTestVolume(t)
	ino, err := v.s.Lifecycle().Create(v.root, "docs", inode.ModeDir|0o755, "")
	require.NoError(t, err)

	assert.True(t, ino.IsDir())
	assert.True(t, ino.Has(inode.FlagDir))
	assert.NotZero(t, ino.FA&types.FileAttributeDirectory)
	assert.Zero(t, ino.FA&(types.FileAttributeHidden|types.FileAttributeSystem))
	assert.NotZero(t, ino.Record.Header.Flags&types.RecordFlagDir)

	root, err := v.index.LookupRoot(ino.Ref())
	require.NoError(t, err)
	parent, err := v.index.LookupRoot(v.root.Ref())
	require.NoError(t, err)
	assert.Equal(t, parent.IndexBlockSize, root.IndexBlockSize)

	empty, err := v.index.IsEmpty(ino.Ref())
	require.NoError(t, err)
	assert.True(t, empty)

	child, err := v.s.Lifecycle().Create(ino, "inner.txt", inode.ModeRegular|0o644, "")
	require.NoError(t, err)
	entry, err := v.index.Lookup(ino.Ref(), "inner.txt")
	require.NoError(t, err)
	assert.Equal(t, child.Ref(), entry.Ref)
}

func TestCreateRejectsBadInput(t *testing.T) {
	v := newTestVolume(t)
	file := createFile(t, v, "plain.txt")

	_, err := v.s.Lifecycle().Create(file, "x", inode.ModeRegular|0o644, "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = v.s.Lifecycle().Create(v.root, strings.Repeat("n", types.MaxNameLen+1), inode.ModeRegular|0o644, "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = v.s.Lifecycle().Create(v.root, "", inode.ModeRegular|0o644, "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestCreateDuplicateRollsBack(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	first := createFile(t, v, "dup.txt")

	used := v.alloc.UsedRecords()
	entries := len(v.index.Entries(v.root.Ref()))
	v.root.ClearDirty()
	rootDirty := v.dirty.count(v.root.Number)
	free := v.alloc.FreeClusters()

	_, err := v.s.Lifecycle().Create(v.root, "DUP.TXT", inode.ModeRegular|0o644, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrExist)

	assert.Equal(t, used, v.alloc.UsedRecords())
	assert.False(t, v.alloc.IsAllocated(first.Number+1))
	assert.Len(t, v.index.Entries(v.root.Ref()), entries)
	assert.False(t, v.root.IsDirty())
	assert.Equal(t, rootDirty, v.dirty.count(v.root.Number))
	assert.Equal(t, free, v.alloc.FreeClusters())
	assert.Equal(t, []string{"insert_index"}, m.rollbacks)
	assert.Equal(t, []string{"file"}, m.creates)

	_, ok := v.s.Cached(first.Number + 1)
	assert.False(t, ok)

	next := createFile(t, v, "other.txt")
	assert.Equal(t, first.Number+1, next.Number)
}

func TestCreateSymlink(t *testing.T) {
	v := newTestVolume(t)
	ino, err := v.s.Lifecycle().Create(v.root, "link", inode.ModeSymlink|0o777, "../target/file.txt")
	require.NoError(t, err)

	assert.True(t, ino.IsSymlink())
	assert.Equal(t, uint32(types.IOReparseTagSymlink), ino.ReparseTag)
	assert.NotZero(t, ino.FA&types.FileAttributeReparsePoint)
	assert.Equal(t, uint32(types.IOReparseTagSymlink), v.reparse.entries[ino.Ref()])

	a, err := v.s.findAttr(ino.Record, types.AttrReparse, "")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.False(t, a.NonResident)
	assert.Equal(t, uint64(len(a.Data)), ino.Size)

	target, err := v.s.Readlink(ino)
	require.NoError(t, err)
	assert.Equal(t, "../target/file.txt", target)
}

func TestCreateSymlinkNonResidentReparse(t *testing.T) {
	v := newTestVolume(t)
	free := v.alloc.FreeClusters()
	long := strings.Repeat("segment/", 60) + "end"

	ino, err := v.s.Lifecycle().Create(v.root, "deep", inode.ModeSymlink|0o777, long)
	require.NoError(t, err)

	a, err := v.s.findAttr(ino.Record, types.AttrReparse, "")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.NonResident)
	assert.Equal(t, uint64(attributes.SymlinkBufferSize(len(long))), a.DataSize)
	assert.Equal(t, free-1, v.alloc.FreeClusters())

	target, err := v.s.Readlink(ino)
	require.NoError(t, err)
	assert.Equal(t, long, target)

	require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "deep"))
	require.NoError(t, v.s.Lifecycle().Reclaim(ino))
	assert.Equal(t, free, v.alloc.FreeClusters())
	assert.Empty(t, v.reparse.entries)
}

func TestCreateSymlinkTargetTooLong(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	used := v.alloc.UsedRecords()

	_, err := v.s.Lifecycle().Create(v.root, "huge", inode.ModeSymlink|0o777, strings.Repeat("x", v.opts.MaxReparseSize))
	assert.ErrorIs(t, err, types.ErrFileTooBig)
	assert.Equal(t, used, v.alloc.UsedRecords())
	assert.Equal(t, []string{"populate_type_specific"}, m.rollbacks)

	_, err = v.index.Lookup(v.root.Ref(), "huge")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateSymlinkReparseWriteFailureRollsBack(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	used := v.alloc.UsedRecords()
	free := v.alloc.FreeClusters()
	entries := len(v.index.Entries(v.root.Ref()))

	v.faulty().failWrites = true
	long := strings.Repeat("segment/", 60) + "end"
	_, err := v.s.Lifecycle().Create(v.root, "deep", inode.ModeSymlink|0o777, long)
	require.Error(t, err)
	assert.True(t, types.IsIO(err))

	assert.Equal(t, used, v.alloc.UsedRecords())
	assert.Equal(t, free, v.alloc.FreeClusters())
	assert.Len(t, v.index.Entries(v.root.Ref()), entries)
	assert.Empty(t, v.reparse.entries)
	assert.Equal(t, []string{"populate_type_specific"}, m.rollbacks)

	_, err = v.index.Lookup(v.root.Ref(), "deep")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReadlinkRejectsRegularFile(t *testing.T) {
	v := newTestVolume(t)
	ino := createFile(t, v, "plain.txt")
	_, err := v.s.Readlink(ino)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestLink(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	ino := createFile(t, v, "a.txt")

	require.NoError(t, v.s.Lifecycle().Link(ino, v.root, "b.txt"))
	assert.Equal(t, uint32(2), ino.Nlink)
	assert.Equal(t, uint16(2), ino.Record.Header.HardLinks)
	assert.Equal(t, 2, nameAttrs(ino.Record))
	assert.True(t, ino.IsDirty())
	assert.Equal(t, 1, m.links)

	entry, err := v.index.Lookup(v.root.Ref(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, ino.Ref(), entry.Ref)
}

func TestLinkDuplicateLeavesRecordUnchanged(t *testing.T) {
	v := newTestVolume(t)
	ino := createFile(t, v, "a.txt")
	used := ino.Record.UsedBytes()

	err := v.s.Lifecycle().Link(ino, v.root, "A.TXT")
	assert.ErrorIs(t, err, types.ErrExist)
	assert.Equal(t, uint32(1), ino.Nlink)
	assert.Equal(t, 1, nameAttrs(ino.Record))
	assert.Equal(t, used, ino.Record.UsedBytes())
}

func TestLinkDirectoryNotSupported(t *testing.T) {
	v := newTestVolume(t)
	dir, err := v.s.Lifecycle().Create(v.root, "sub", inode.ModeDir|0o755, "")
	require.NoError(t, err)

	err = v.s.Lifecycle().Link(dir, v.root, "alias")
	assert.ErrorIs(t, err, types.ErrNotSupported)
}

func TestUnlinkLastName(t *testing.T) {
	v := newTestVolume(t)
	m := withLifeMetrics(v)
	ino := createFile(t, v, "gone.txt")
	v.root.ClearDirty()
	rootDirty := v.dirty.count(v.root.Number)

	require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "gone.txt"))
	assert.Zero(t, ino.Nlink)
	assert.Zero(t, nameAttrs(ino.Record))
	assert.False(t, ino.IsBad())
	assert.Equal(t, testClock, ino.CTime)
	assert.Equal(t, rootDirty+1, v.dirty.count(v.root.Number))
	assert.Equal(t, 1, m.unlinks)

	_, err := v.index.Lookup(v.root.Ref(), "gone.txt")
	assert.True(t, types.IsNotFound(err))
}

func TestUnlinkOneOfTwoLinks(t *testing.T) {
	v := newTestVolume(t)
	ino := createFile(t, v, "a.txt")
	require.NoError(t, v.s.Lifecycle().Link(ino, v.root, "b.txt"))

	require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "a.txt"))
	assert.Equal(t, uint32(1), ino.Nlink)
	assert.Equal(t, 1, nameAttrs(ino.Record))

	_, err := v.index.Lookup(v.root.Ref(), "b.txt")
	assert.NoError(t, err)
}

func TestUnlinkRemovesPairedAlias(t *testing.T) {
	v := newTestVolume(t)
	ref := v.newRecord(t, 80, 1, 0).
		std(types.FileAttributeArchive).
		name(rootRef(), "LongFileName.txt", types.FileNameUnicode).
		name(rootRef(), "LONGFI~1.TXT", types.FileNameDos).
		resident([]byte("payload")).
		write(v)
	for _, name := range []string{"LongFileName.txt", "LONGFI~1.TXT"} {
		require.NoError(t, v.index.Insert(rootRef(), interfaces.IndexEntry{Name: name, Ref: ref}))
	}

	ino, err := v.s.Iget(ref, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ino.Nlink)

	require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "longfilename.txt"))
	assert.Zero(t, ino.Nlink)
	assert.Zero(t, nameAttrs(ino.Record))
	assert.Empty(t, v.index.Entries(rootRef()))
}

func TestUnlinkErrors(t *testing.T) {
	t.Run("non-empty directory", func(t *testing.T) {
		v := newTestVolume(t)
		dir, err := v.s.Lifecycle().Create(v.root, "full", inode.ModeDir|0o755, "")
		require.NoError(t, err)
		_, err = v.s.Lifecycle().Create(dir, "child", inode.ModeRegular|0o644, "")
		require.NoError(t, err)

		err = v.s.Lifecycle().Unlink(v.root, dir, "full")
		assert.ErrorIs(t, err, types.ErrNotEmpty)
		assert.False(t, dir.IsBad())
		assert.Equal(t, uint32(1), dir.Nlink)
	})

	t.Run("metadata record", func(t *testing.T) {
		v := newTestVolume(t)
		err := v.s.Lifecycle().Unlink(v.root, v.root, ".")
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})

	t.Run("unknown name", func(t *testing.T) {
		v := newTestVolume(t)
		ino := createFile(t, v, "here.txt")
		err := v.s.Lifecycle().Unlink(v.root, ino, "elsewhere.txt")
		assert.True(t, types.IsNotFound(err))
		assert.True(t, ino.IsBad())
		assert.Equal(t, uint32(1), ino.Nlink)
	})
}

func TestReclaim(t *testing.T) {
	v := newTestVolume(t)
	cs := uint64(v.opts.ClusterSize)
	free := v.alloc.FreeClusters()
	ino := createFile(t, v, "big.bin")
	require.NoError(t, v.s.SetSize(ino, 4*cs))
	require.Equal(t, free-4, v.alloc.FreeClusters())

	err := v.s.Lifecycle().Reclaim(ino)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "big.bin"))
	require.NoError(t, v.s.Lifecycle().Reclaim(ino))

	assert.Equal(t, free, v.alloc.FreeClusters())
	assert.False(t, v.alloc.IsAllocated(ino.Number))
	assert.False(t, ino.Record.InUse())
	assert.Zero(t, ino.Bytes)
	_, ok := v.s.Cached(ino.Number)
	assert.False(t, ok)

	v.s.MFT().ClearCache()
	_, err = v.s.Iget(ino.Ref(), nil)
	assert.True(t, types.IsNotFound(err))

	next := createFile(t, v, "reuse.bin")
	assert.Equal(t, ino.Number, next.Number)
	assert.Equal(t, ino.Seq+1, next.Seq)
}

func TestEvictInode(t *testing.T) {
	t.Run("linked inode is written back", func(t *testing.T) {
		v := newTestVolume(t)
		ino := createFile(t, v, "keep.txt")
		_, err := v.s.WriteAt(ino, []byte("hello"), 0)
		require.NoError(t, err)
		require.True(t, ino.IsDirty())

		require.NoError(t, v.s.EvictInode(ino))
		assert.False(t, ino.IsDirty())
		_, ok := v.s.Cached(ino.Number)
		assert.False(t, ok)

		v.s.MFT().ClearCache()
		again, err := v.s.Iget(ino.Ref(), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), again.Size)
		got := make([]byte, 5)
		_, err = v.s.ReadAt(again, got, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("unlinked inode is reclaimed", func(t *testing.T) {
		v := newTestVolume(t)
		free := v.alloc.FreeClusters()
		ino := createFile(t, v, "drop.txt")
		_, err := v.s.WriteAt(ino, []byte("bye"), 0)
		require.NoError(t, err)
		require.NoError(t, v.s.Lifecycle().Unlink(v.root, ino, "drop.txt"))

		require.NoError(t, v.s.EvictInode(ino))
		assert.Equal(t, free, v.alloc.FreeClusters())
		assert.False(t, v.alloc.IsAllocated(ino.Number))
	})

	t.Run("bad inode is left alone", func(t *testing.T) {
		v := newTestVolume(t)
		ino := createFile(t, v, "bad.txt")
		ino.MarkBad()
		ino.Nlink = 0

		require.NoError(t, v.s.EvictInode(ino))
		assert.True(t, v.alloc.IsAllocated(ino.Number))
		_, ok := v.s.Cached(ino.Number)
		assert.False(t, ok)
	})
}
