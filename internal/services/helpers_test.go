package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/config"
	"github.com/deploymenttheory/go-ntfs/internal/device"
	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/managers/allocator"
	"github.com/deploymenttheory/go-ntfs/internal/managers/index"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeDirty records every dirty notification.
type fakeDirty struct {
	mu    sync.Mutex
	marks map[uint64]int
}

func (f *fakeDirty) MarkDirty(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[number]++
}

func (f *fakeDirty) count(number uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[number]
}

type fakeVolumeState struct {
	calls int
}

func (f *fakeVolumeState) SetVolumeDirty() error {
	f.calls++
	return nil
}

// fakeReparse is an in-memory reparse index.
type fakeReparse struct {
	entries map[types.MFTRef]uint32
}

func (f *fakeReparse) InsertReparse(tag uint32, ref types.MFTRef) error {
	f.entries[ref] = tag
	return nil
}

func (f *fakeReparse) DeleteReparse(tag uint32, ref types.MFTRef) error {
	if _, ok := f.entries[ref]; !ok {
		return types.ErrNotFound
	}
	delete(f.entries, ref)
	return nil
}

// readOnlyDevice refuses writes.
type readOnlyDevice struct {
	*device.MemoryDevice
}

func (readOnlyDevice) IsReadOnly() bool { return true }

// errMedium is the failure faultyDevice reports.
var errMedium = errors.New("medium error")

// faultyDevice fails reads or writes on demand.
type faultyDevice struct {
	*device.MemoryDevice
	failReads  bool
	failWrites bool
}

func (d *faultyDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.failReads {
		return 0, errMedium
	}
	return d.MemoryDevice.ReadAt(p, off)
}

func (d *faultyDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.failWrites {
		return 0, errMedium
	}
	return d.MemoryDevice.WriteAt(p, off)
}

// faulty routes the data path of the session through a faultyDevice. The
// MFT keeps the healthy device.
func (v *testVolume) faulty() *faultyDevice {
	d := &faultyDevice{MemoryDevice: v.dev}
	v.s.dev = d
	return d
}

type testVolume struct {
	opts    *config.Options
	dev     *device.MemoryDevice
	alloc   *allocator.Allocator
	index   *index.Index
	dirty   *fakeDirty
	state   *fakeVolumeState
	reparse *fakeReparse
	s       *Session
	root    *inode.Inode
}

// newTestVolume formats a memory volume and opens its root directory.
func newTestVolume(t *testing.T, mutate ...func(*config.Options)) *testVolume {
	t.Helper()

	opts := config.Default()
	for _, m := range mutate {
		m(opts)
	}
	dev := device.NewMemory(opts.Device.Size)

	cs := uint64(opts.ClusterSize)
	mftClusters := (opts.MFTRecords*uint64(opts.RecordSize) + cs - 1) / cs
	alloc := allocator.New(uint64(dev.Size())/cs, opts.MFTLCN+mftClusters, opts.MFTRecords)

	codec := names.NewCodec()
	codec.CaseSensitive = opts.CaseSensitive

	v := &testVolume{
		opts:    opts,
		dev:     dev,
		alloc:   alloc,
		index:   index.New(codec, 0),
		dirty:   &fakeDirty{marks: make(map[uint64]int)},
		state:   &fakeVolumeState{},
		reparse: &fakeReparse{entries: make(map[types.MFTRef]uint32)},
	}

	s, err := NewSession(opts, dev, Dependencies{
		Clusters:    alloc,
		Records:     alloc,
		Index:       v.index,
		Reparse:     v.reparse,
		Dirty:       v.dirty,
		VolumeState: v.state,
		Logger:      zap.NewNop().Sugar(),
		Clock:       func() time.Time { return testClock },
	})
	require.NoError(t, err)
	require.NoError(t, s.Format())
	_, err = s.LoadMFT()
	require.NoError(t, err)

	root, err := s.Iget(types.NewMFTRef(types.MftRecRoot, uint16(types.MftRecRoot)), nil)
	require.NoError(t, err)

	v.s = s
	v.root = root
	return v
}

// rootRef is the reference of the root directory.
func rootRef() types.MFTRef {
	return types.NewMFTRef(types.MftRecRoot, uint16(types.MftRecRoot))
}

// recordBuilder assembles a synthetic record for the materializer.
type recordBuilder struct {
	t   *testing.T
	rec *records.Record
}

func (v *testVolume) newRecord(t *testing.T, number uint64, seq uint16, flags uint16) *recordBuilder {
	v.alloc.MarkRecordUsed(number)
	return &recordBuilder{t: t, rec: records.NewRecord(number, seq, v.opts.RecordSize, flags|types.RecordFlagInUse)}
}

func (b *recordBuilder) add(a *records.Attribute) *recordBuilder {
	require.NoError(b.t, b.rec.Insert(a))
	return b
}

func (b *recordBuilder) std(fa types.FileAttr) *recordBuilder {
	std := attributes.StdInfo{CrTime: testClock, MTime: testClock, CTime: testClock, ATime: testClock, FA: fa, SecurityID: types.SecurityIDFirst}
	raw, err := std.Marshal()
	require.NoError(b.t, err)
	return b.add(records.NewResident(types.AttrStd, "", raw))
}

func (b *recordBuilder) name(parent types.MFTRef, name string, kind uint8) *recordBuilder {
	fn := attributes.FileName{Parent: parent, Type: kind, Name: names.MustEncode(name)}
	raw, err := fn.Marshal()
	require.NoError(b.t, err)
	a := records.NewResident(types.AttrName, "", raw)
	a.ResidentFlags = types.ResidentFlagIndexed
	return b.add(a)
}

func (b *recordBuilder) resident(data []byte) *recordBuilder {
	return b.add(records.NewResident(types.AttrData, "", data))
}

// nonResident adds an unnamed $DATA attribute mapping runs.
func (b *recordBuilder) nonResident(flags uint16, runs []runlist.Run, size, valid uint64, cs uint64) *recordBuilder {
	rl := runlist.FromRuns(runs)
	clusters := rl.NextVCN()
	data, packed, err := rl.Pack(0, clusters, 256)
	require.NoError(b.t, err)
	require.Equal(b.t, clusters, packed)
	return b.add(records.NewNonResident(types.AttrData, "", flags, data, clusters-1, clusters*cs, size, valid))
}

// write stores the record on the volume and returns its reference.
func (b *recordBuilder) write(v *testVolume) types.MFTRef {
	require.NoError(b.t, v.s.MFT().WriteRecord(b.rec))
	return b.rec.Ref()
}
