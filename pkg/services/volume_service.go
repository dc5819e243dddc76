package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/config"
	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/logger"
	"github.com/deploymenttheory/go-ntfs/internal/managers/allocator"
	"github.com/deploymenttheory/go-ntfs/internal/managers/index"
	"github.com/deploymenttheory/go-ntfs/internal/metrics"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	ntfs "github.com/deploymenttheory/go-ntfs/internal/services"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// RootRef is the reference of the root directory of every volume.
func RootRef() types.MFTRef {
	return types.NewMFTRef(types.MftRecRoot, uint16(types.MftRecRoot))
}

// VolumeOptions tunes how a volume is opened
type VolumeOptions struct {
	// Format writes an empty volume before mounting.
	Format bool
	// Backend and Path are reported by Info.
	Backend string
	Path    string
	Logger  *zap.SugaredLogger
	// Metrics are optional; nil disables them.
	MappingMetrics   metrics.MappingMetrics
	LifecycleMetrics metrics.LifecycleMetrics
}

// VolumeServiceImpl implements VolumeService over one session
type VolumeServiceImpl struct {
	opts    *config.Options
	dev     interfaces.BlockDevice
	session *ntfs.Session
	alloc   *allocator.Allocator
	index   *index.Index
	log     *zap.SugaredLogger

	backend string
	path    string

	mu     sync.Mutex
	closed bool
}

var _ VolumeService = (*VolumeServiceImpl)(nil)

// NewVolumeService mounts the volume on dev. The record pool, the cluster
// allocator and the directory index are rebuilt from the in-use records.
func NewVolumeService(ctx context.Context, opts *config.Options, dev interfaces.BlockDevice, vo VolumeOptions) (*VolumeServiceImpl, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if dev == nil {
		return nil, fmt.Errorf("block device cannot be nil")
	}
	log := vo.Logger
	if log == nil {
		log = logger.Component("volume")
	}

	cs := uint64(opts.ClusterSize)
	mftClusters := (opts.MFTRecords*uint64(opts.RecordSize) + cs - 1) / cs
	alloc := allocator.New(uint64(dev.Size())/cs, opts.MFTLCN+mftClusters, opts.MFTRecords)

	codec := names.NewCodec()
	codec.CaseSensitive = opts.CaseSensitive
	idx := index.New(codec, 0)

	session, err := ntfs.NewSession(opts, dev, ntfs.Dependencies{
		Clusters:         alloc,
		Records:          alloc,
		Index:            idx,
		MappingMetrics:   vo.MappingMetrics,
		LifecycleMetrics: vo.LifecycleMetrics,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if vo.Format {
		if err := session.Format(); err != nil {
			return nil, fmt.Errorf("failed to format volume: %w", err)
		}
	}
	if _, err := session.LoadMFT(); err != nil {
		return nil, fmt.Errorf("failed to load $MFT: %w", err)
	}

	v := &VolumeServiceImpl{
		opts:    opts,
		dev:     dev,
		session: session,
		alloc:   alloc,
		index:   idx,
		log:     log,
		backend: vo.Backend,
		path:    vo.Path,
	}
	if err := v.rebuild(ctx); err != nil {
		return nil, err
	}
	if _, err := session.Iget(RootRef(), nil); err != nil {
		return nil, fmt.Errorf("failed to open root directory: %w", err)
	}

	log.Infow("volume mounted",
		"session", session.ID.String(),
		"backend", vo.Backend,
		"records", alloc.UsedRecords(),
		"free_clusters", alloc.FreeClusters())
	return v, nil
}

// Session returns the session the service drives.
func (v *VolumeServiceImpl) Session() *ntfs.Session {
	return v.session
}

// rebuild scans every record the $MFT covers. In-use records reserve their
// number and their clusters; base record names populate the directory index.
func (v *VolumeServiceImpl) rebuild(ctx context.Context) error {
	mft := v.session.MFT()
	count := mft.Capacity()
	if count > v.opts.MFTRecords {
		count = v.opts.MFTRecords
	}
	lim := runlist.Limits{
		ClusterWidth: v.opts.ClusterWidth,
		MaxClusters:  uint64(v.dev.Size()) / uint64(v.opts.ClusterSize),
	}

	skipped := 0
	for n := uint64(0); n < count; n++ {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := mft.ReadRecord(n)
		if err != nil {
			if types.IsCorrupt(err) {
				skipped++
				continue
			}
			return fmt.Errorf("failed to read record %d: %w", n, err)
		}
		if !rec.InUse() {
			continue
		}
		v.alloc.MarkRecordUsed(n)
		v.reserveClusters(rec, lim)
		if rec.IsBase() {
			v.indexNames(rec)
		}
	}
	v.log.Debugw("record scan finished", "records", count, "unformatted", skipped)
	return nil
}

func (v *VolumeServiceImpl) reserveClusters(rec *records.Record, lim runlist.Limits) {
	for _, a := range rec.Attrs {
		if !a.NonResident {
			continue
		}
		runs, err := a.Decode(lim)
		if err != nil {
			v.log.Warnw("skipping undecodable run-list", "record", rec.Number, "attr", a.Type.String(), "error", err)
			continue
		}
		for _, run := range runs {
			if !run.IsSparse() {
				v.alloc.MarkUsed(interfaces.Extent{LCN: run.LCN, Len: run.Len})
			}
		}
	}
}

func (v *VolumeServiceImpl) indexNames(rec *records.Record) {
	codec := v.session.Codec()
	for _, a := range rec.Attrs {
		if a.Type != types.AttrName || a.NonResident {
			continue
		}
		fn, err := attributes.ParseFileName(a.Data)
		if err != nil {
			v.log.Warnw("skipping unreadable file name", "record", rec.Number, "error", err)
			continue
		}
		if fn.Parent.Number() == rec.Number {
			continue
		}
		name, err := codec.Decode(fn.Name)
		if err != nil {
			continue
		}
		entry := interfaces.IndexEntry{Name: name, Ref: rec.Ref(), FileName: a.Data}
		if err := v.index.Insert(fn.Parent, entry); err != nil && !errors.Is(err, types.ErrExist) {
			v.log.Warnw("failed to index name", "record", rec.Number, "name", name, "error", err)
		}
	}
}

// Info returns the geometry and state of the volume
func (v *VolumeServiceImpl) Info() VolumeInfo {
	return VolumeInfo{
		SessionID:     v.session.ID,
		Backend:       v.backend,
		DevicePath:    v.path,
		Size:          v.dev.Size(),
		RecordSize:    v.opts.RecordSize,
		ClusterSize:   v.opts.ClusterSize,
		BlockSize:     v.opts.BlockSize,
		TotalClusters: uint64(v.dev.Size()) / uint64(v.opts.ClusterSize),
		FreeClusters:  v.alloc.FreeClusters(),
		MFTRecords:    v.opts.MFTRecords,
		UsedRecords:   v.alloc.UsedRecords(),
		ReadOnly:      v.dev.IsReadOnly(),
		Dirty:         v.session.IsVolumeDirty(),
		CaseSensitive: v.opts.CaseSensitive,
	}
}

// Stat returns the metadata of the record ref points at
func (v *VolumeServiceImpl) Stat(ctx context.Context, ref types.MFTRef) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	ino, err := v.session.Iget(ref, nil)
	if err != nil {
		return FileInfo{}, err
	}
	return v.buildFileInfo(ino), nil
}

// Lookup resolves name inside the directory dir
func (v *VolumeServiceImpl) Lookup(ctx context.Context, dir types.MFTRef, name string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	entry, err := v.index.Lookup(dir, name)
	if err != nil {
		return FileInfo{}, err
	}
	ino, err := v.session.Iget(entry.Ref, &ntfs.ExpectedName{Parent: dir, Name: name})
	if err != nil {
		return FileInfo{}, err
	}
	return v.buildFileInfo(ino), nil
}

// List returns the entries of the directory dir in collation order
func (v *VolumeServiceImpl) List(ctx context.Context, dir types.MFTRef) ([]DirectoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ino, err := v.session.Iget(dir, nil)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, types.NewNTFSError(types.ErrInvalidArgument, "list", ino.Number, "not a directory")
	}

	entries := v.index.Entries(dir)
	out := make([]DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirectoryEntry{Name: e.Name, Ref: e.Ref})
	}
	return out, nil
}

// streamReader reads the primary data stream of one inode.
type streamReader struct {
	session *ntfs.Session
	ino     *inode.Inode
}

func (r *streamReader) ReadAt(p []byte, off int64) (int, error) {
	return r.session.ReadAt(r.ino, p, off)
}

// Open returns a reader over the unnamed data stream of ref
func (v *VolumeServiceImpl) Open(ctx context.Context, ref types.MFTRef) (io.ReaderAt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ino, err := v.session.Iget(ref, nil)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, types.NewNTFSError(types.ErrInvalidArgument, "open", ino.Number, "is a directory")
	}
	return &streamReader{session: v.session, ino: ino}, nil
}

// MapOffset reports where offset of the data stream of ref is stored
func (v *VolumeServiceImpl) MapOffset(ctx context.Context, ref types.MFTRef, offset uint64) (Mapping, error) {
	if err := ctx.Err(); err != nil {
		return Mapping{}, err
	}
	ino, err := v.session.Iget(ref, nil)
	if err != nil {
		return Mapping{}, err
	}
	m, err := v.session.MapBlock(ino, ntfs.MapRequest{Offset: offset, Context: ntfs.MapBmap})
	if err != nil {
		return Mapping{}, err
	}
	out := Mapping{
		Offset:   offset,
		Length:   m.Length,
		Mapped:   m.Mapped,
		Resident: m.Resident,
	}
	if m.Mapped && !m.Resident {
		out.Block = m.Block(uint64(v.opts.BlockSize))
		out.Device = m.Physical
	}
	return out, nil
}

// Create makes a file, directory or symbolic link in dir
func (v *VolumeServiceImpl) Create(ctx context.Context, dir types.MFTRef, name string, mode uint32, target string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	parent, err := v.session.Iget(dir, nil)
	if err != nil {
		return FileInfo{}, err
	}
	ino, err := v.session.Lifecycle().Create(parent, name, mode, target)
	if err != nil {
		return FileInfo{}, err
	}
	return v.buildFileInfo(ino), nil
}

// WriteFile writes data at offset into the data stream of ref
func (v *VolumeServiceImpl) WriteFile(ctx context.Context, ref types.MFTRef, data []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ino, err := v.session.Iget(ref, nil)
	if err != nil {
		return 0, err
	}
	return v.session.WriteAt(ino, data, offset)
}

// Remove unlinks name from dir and reclaims the record when it has no names left
func (v *VolumeServiceImpl) Remove(ctx context.Context, dir types.MFTRef, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry, err := v.index.Lookup(dir, name)
	if err != nil {
		return err
	}
	parent, err := v.session.Iget(dir, nil)
	if err != nil {
		return err
	}
	ino, err := v.session.Iget(entry.Ref, &ntfs.ExpectedName{Parent: dir, Name: name})
	if err != nil {
		return err
	}
	if err := v.session.Lifecycle().Unlink(parent, ino, name); err != nil {
		return err
	}
	if ino.Nlink == 0 {
		return v.session.EvictInode(ino)
	}
	return nil
}

// Sync writes every cached inode back and flushes the device
func (v *VolumeServiceImpl) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.session.Sync()
}

// Close syncs and releases the device
func (v *VolumeServiceImpl) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	syncErr := v.session.Sync()
	if err := v.dev.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}
	return syncErr
}

// buildFileInfo converts an inode into FileInfo
func (v *VolumeServiceImpl) buildFileInfo(ino *inode.Inode) FileInfo {
	info := FileInfo{
		Ref:        ino.Ref(),
		Name:       v.primaryName(ino),
		Type:       fileType(ino),
		Mode:       ino.Mode,
		Size:       ino.Size,
		Valid:      ino.Valid,
		Allocated:  ino.Bytes,
		Owner:      ino.UID,
		Group:      ino.GID,
		HardLinks:  ino.Nlink,
		Attributes: ino.FA,
		SecurityID: ino.SecurityID,
		Created:    ino.CrTime,
		Modified:   ino.MTime,
		Accessed:   ino.ATime,
		Changed:    ino.CTime,
		Resident:   ino.IsResident(),
		Sparse:     ino.Has(inode.FlagSparse),
		Compressed: ino.Has(inode.FlagCompressed),
		Encrypted:  ino.Has(inode.FlagEncrypted),
	}
	if ino.IsSymlink() {
		target, err := v.session.Readlink(ino)
		if err != nil {
			v.log.Debugw("failed to read link target", "record", ino.Number, "error", err)
		}
		info.LinkTarget = target
	}
	return info
}

// primaryName returns the first long name of the base record.
func (v *VolumeServiceImpl) primaryName(ino *inode.Inode) string {
	if ino.Record == nil {
		return ""
	}
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	var fallback string
	for _, a := range ino.Record.Attrs {
		if a.Type != types.AttrName || a.NonResident {
			continue
		}
		fn, err := attributes.ParseFileName(a.Data)
		if err != nil {
			continue
		}
		name, err := v.session.Codec().Decode(fn.Name)
		if err != nil {
			continue
		}
		if !fn.IsDos() {
			return name
		}
		if fallback == "" {
			fallback = name
		}
	}
	return fallback
}

func fileType(ino *inode.Inode) string {
	switch {
	case ino.IsDir():
		return "directory"
	case ino.IsSymlink():
		return "symlink"
	default:
		return "file"
	}
}
