// Package services implements the NTFS metadata engine: a session owning a
// volume, the record materializer that turns MFT records into inodes, the
// block-mapping engine behind file I/O and the inode lifecycle manager.
package services

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/config"
	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/logger"
	"github.com/deploymenttheory/go-ntfs/internal/metrics"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Dependencies are the collaborators a session calls out to. Clusters,
// Records and Index are required.
type Dependencies struct {
	Clusters    interfaces.ClusterAllocator
	Records     interfaces.RecordAllocator
	Index       interfaces.DirectoryIndex
	Reparse     interfaces.ReparseIndex
	Dirty       interfaces.DirtyTracker
	VolumeState interfaces.VolumeStateWriter

	MappingMetrics   metrics.MappingMetrics
	LifecycleMetrics metrics.LifecycleMetrics

	Logger *zap.SugaredLogger
	// Clock overrides time.Now for timestamps.
	Clock func() time.Time
}

// Session is one opened volume. It owns the inode cache, the run-lists of
// the volume and MFT bitmaps and the volume dirty state.
type Session struct {
	ID uuid.UUID

	opts   *config.Options
	dev    interfaces.BlockDevice
	mft    *MFTReader
	codec  *names.Codec
	limits runlist.Limits

	clusterSize uint64
	blockSize   uint64

	clusters    interfaces.ClusterAllocator
	records     interfaces.RecordAllocator
	index       interfaces.DirectoryIndex
	reparse     interfaces.ReparseIndex
	dirty       interfaces.DirtyTracker
	volumeState interfaces.VolumeStateWriter

	mapMetrics  metrics.MappingMetrics
	lifeMetrics metrics.LifecycleMetrics

	log *zap.SugaredLogger
	now func() time.Time

	// allocMu serializes record-number and cluster allocation across inodes.
	allocMu sync.Mutex

	mu     sync.Mutex
	inodes map[uint64]*inode.Inode

	bitmapMu     sync.Mutex
	volumeBitmap *runlist.RunList
	mftBitmap    *runlist.RunList

	volumeDirty atomic.Bool

	lifecycle *Lifecycle
}

// NewSession creates a session over dev.
func NewSession(opts *config.Options, dev interfaces.BlockDevice, deps Dependencies) (*Session, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if dev == nil {
		return nil, fmt.Errorf("block device cannot be nil")
	}
	if deps.Clusters == nil || deps.Records == nil || deps.Index == nil {
		return nil, fmt.Errorf("cluster allocator, record allocator and directory index are required")
	}

	id := uuid.New()
	log := deps.Logger
	if log == nil {
		log = logger.Component("session")
	}
	log = log.With("session", id.String())

	mft, err := NewMFTReader(dev, opts.RecordSize, opts.ClusterSize, opts.MFTLCN, log.With("component", "mft"))
	if err != nil {
		return nil, fmt.Errorf("failed to create MFT reader: %w", err)
	}

	codec := names.NewCodec()
	codec.CaseSensitive = opts.CaseSensitive

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	s := &Session{
		ID:          id,
		opts:        opts,
		dev:         dev,
		mft:         mft,
		codec:       codec,
		clusterSize: uint64(opts.ClusterSize),
		blockSize:   uint64(opts.BlockSize),
		limits: runlist.Limits{
			ClusterWidth: opts.ClusterWidth,
			MaxClusters:  uint64(dev.Size()) / uint64(opts.ClusterSize),
		},
		clusters:     deps.Clusters,
		records:      deps.Records,
		index:        deps.Index,
		reparse:      deps.Reparse,
		dirty:        deps.Dirty,
		volumeState:  deps.VolumeState,
		mapMetrics:   deps.MappingMetrics,
		lifeMetrics:  deps.LifecycleMetrics,
		log:          log,
		now:          now,
		inodes:       make(map[uint64]*inode.Inode),
		volumeBitmap: runlist.New(),
		mftBitmap:    runlist.New(),
	}
	s.lifecycle = newLifecycle(s)

	log.Infow("session created",
		"record_size", opts.RecordSize,
		"cluster_size", opts.ClusterSize,
		"block_size", opts.BlockSize,
		"read_only", dev.IsReadOnly())
	return s, nil
}

// Options returns the session options.
func (s *Session) Options() *config.Options {
	return s.opts
}

// Codec returns the name codec.
func (s *Session) Codec() *names.Codec {
	return s.codec
}

// Lifecycle returns the inode lifecycle manager.
func (s *Session) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// MFT returns the record store.
func (s *Session) MFT() *MFTReader {
	return s.mft
}

// LoadMFT materializes record 0 and switches the record store from the
// bootstrap run to the full $MFT run-list.
func (s *Session) LoadMFT() (*inode.Inode, error) {
	rec, err := s.mft.ReadRecord(types.MftRecMFT)
	if err != nil {
		return nil, fmt.Errorf("failed to read $MFT record: %w", err)
	}
	ino, err := s.materialize(rec, rec.Ref(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load $MFT: %w", err)
	}
	s.mft.SetRuns(ino.Runs)

	s.mu.Lock()
	s.inodes[ino.Number] = ino
	s.mu.Unlock()

	s.log.Infow("$MFT loaded", "runs", ino.Runs.Count(), "records", s.mft.Capacity())
	return ino, nil
}

// ExpectedName is the name a lookup resolved before calling Iget.
type ExpectedName struct {
	// Parent is the directory the name was found in; zero skips the check.
	Parent types.MFTRef
	Name   string
}

// Iget returns the inode for ref, reading and materializing it on first use.
// A cached inode whose sequence number differs from ref is stale.
func (s *Session) Iget(ref types.MFTRef, expected *ExpectedName) (*inode.Inode, error) {
	number := ref.Number()

	s.mu.Lock()
	if ino, ok := s.inodes[number]; ok {
		s.mu.Unlock()
		if ino.Seq != ref.Seq {
			return nil, types.NewNTFSError(types.ErrStaleReference, "iget", number,
				fmt.Sprintf("cached seq %x, reference seq %x", ino.Seq, ref.Seq))
		}
		return ino, nil
	}
	s.mu.Unlock()

	rec, err := s.mft.ReadRecord(number)
	if err != nil {
		s.recordMaterializeFailure(err)
		return nil, err
	}
	ino, err := s.materialize(rec, ref, expected)
	if err != nil {
		s.recordMaterializeFailure(err)
		s.log.Warnw("failed to materialize record", "record", number, "error", err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.inodes[number]; ok {
		return cached, nil
	}
	s.inodes[number] = ino
	return ino, nil
}

// Cached returns the cached inode for a record number.
func (s *Session) Cached(number uint64) (*inode.Inode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ino, ok := s.inodes[number]
	return ino, ok
}

// Forget drops an inode from the cache.
func (s *Session) Forget(number uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inodes, number)
}

// MarkDirty flags an inode for write-back. The dirty tracker hears about it
// once per clean to dirty transition.
func (s *Session) MarkDirty(ino *inode.Inode) {
	s.markVolumeDirty()
	if ino.SetDirty() && s.dirty != nil {
		s.dirty.MarkDirty(ino.Number)
	}
}

// markVolumeDirty records the first metadata mutation of the session.
func (s *Session) markVolumeDirty() {
	if !s.volumeDirty.CompareAndSwap(false, true) {
		return
	}
	s.log.Infow("volume marked dirty")
	if s.volumeState == nil {
		return
	}
	if err := s.volumeState.SetVolumeDirty(); err != nil {
		s.log.Errorw("failed to persist volume dirty state", "error", err)
	}
}

// IsVolumeDirty reports whether metadata was mutated in this session.
func (s *Session) IsVolumeDirty() bool {
	return s.volumeDirty.Load()
}

// VolumeBitmap returns a copy of the $Bitmap run-list.
func (s *Session) VolumeBitmap() *runlist.RunList {
	s.bitmapMu.Lock()
	defer s.bitmapMu.Unlock()
	return s.volumeBitmap.Clone()
}

// MFTBitmap returns a copy of the $MFT $BITMAP run-list.
func (s *Session) MFTBitmap() *runlist.RunList {
	s.bitmapMu.Lock()
	defer s.bitmapMu.Unlock()
	return s.mftBitmap.Clone()
}

// checkWritable fails on read-only devices.
func (s *Session) checkWritable(op string, number uint64) error {
	if s.dev.IsReadOnly() {
		return types.NewNTFSError(types.ErrReadOnly, op, number, "")
	}
	return nil
}

func (s *Session) recordMaterializeFailure(err error) {
	if s.lifeMetrics == nil {
		return
	}
	s.lifeMetrics.RecordMaterializeFailure(errorKind(err))
}

// errorKind names the taxonomy class of an error for metrics labels.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case types.IsNotFound(err):
		return "not_found"
	case types.IsCorrupt(err):
		return "corrupt"
	case types.IsNoSpace(err):
		return "no_space"
	case types.IsIO(err):
		return "io"
	default:
		return "other"
	}
}
