package services

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// stdInfoTimesAndAttrs is the prefix of standard information that write-back
// owns: four timestamps and the file attributes.
const stdInfoTimesAndAttrs = 0x24

// WriteInode stores the in-memory state of ino in its base record: the
// standard information times and attributes and, for regular files, the
// primary $DATA attribute.
func (s *Session) WriteInode(ino *inode.Inode) error {
	if err := s.checkWritable("write inode", ino.Number); err != nil {
		return err
	}
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()
	return s.writeInode(ino)
}

func (s *Session) writeInode(ino *inode.Inode) error {
	rec := ino.Record
	if rec == nil {
		return types.NewNTFSError(types.ErrInvalidArgument, "write inode", ino.Number, "inode has no record")
	}
	if err := s.syncStdInfo(ino, rec); err != nil {
		return err
	}
	if ino.IsRegular() && ino.Number >= types.MftRecFree {
		if err := s.syncDataAttr(ino, rec); err != nil {
			return err
		}
	}
	if err := s.mft.WriteRecord(rec); err != nil {
		return err
	}
	ino.ClearDirty()
	s.log.Debugw("inode written", "record", ino.Number, "size", ino.Size, "valid", ino.Valid)
	return nil
}

// syncStdInfo patches times and attributes into the existing standard
// information body, leaving the remaining fields alone.
func (s *Session) syncStdInfo(ino *inode.Inode, rec *records.Record) error {
	a := rec.Find(types.AttrStd, "")
	if a == nil || a.NonResident || len(a.Data) < stdInfoTimesAndAttrs {
		return types.NewNTFSError(types.ErrInvalidRecordShape, "write inode", ino.Number, "no standard information")
	}
	std := attributes.StdInfo{
		CrTime: ino.CrTime,
		MTime:  ino.MTime,
		CTime:  ino.CTime,
		ATime:  ino.ATime,
		FA:     ino.FA &^ types.FileAttributeDirectory,
		Legacy: true,
	}
	raw, err := std.Marshal()
	if err != nil {
		return err
	}
	copy(a.Data[:stdInfoTimesAndAttrs], raw)
	return nil
}

// syncDataAttr replaces the unnamed $DATA attribute with one describing the
// current stream. The run-list must fit in the space the record has left.
func (s *Session) syncDataAttr(ino *inode.Inode, rec *records.Record) error {
	idx := -1
	for i, a := range rec.Attrs {
		if a.Type == types.AttrData && len(a.Name) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	old := rec.Attrs[idx]
	others := rec.UsedBytes() - old.Size()

	var next *records.Attribute
	if ino.IsResident() {
		next = records.NewResident(types.AttrData, "", append([]byte(nil), ino.Data...))
	} else {
		ino.RunLock.RLock()
		a, err := s.nonResidentData(ino, old, rec.Size()-others)
		ino.RunLock.RUnlock()
		if err != nil {
			return err
		}
		next = a
	}
	if others+next.Size() > rec.Size() {
		return types.NewNTFSError(types.ErrNoSpace, "write inode", ino.Number,
			fmt.Sprintf("$DATA needs %d bytes, %d free", next.Size(), rec.Size()-others))
	}

	next.ID = old.ID
	rec.Attrs[idx] = next
	return nil
}

// nonResidentData builds a non-resident $DATA attribute for ino whose packed
// run-list fits in room bytes together with the attribute header.
func (s *Session) nonResidentData(ino *inode.Inode, old *records.Attribute, room int) (*records.Attribute, error) {
	cs := s.clusterSize
	clusters := ino.Runs.NextVCN()
	flags := old.Flags

	if clusters == 0 {
		return records.NewNonResident(types.AttrData, "", flags, []byte{0}, ^uint64(0), 0, ino.Size, ino.Valid), nil
	}

	head := records.NewNonResident(types.AttrData, "", flags, nil, 0, 0, 0, 0)
	runData, packed, err := ino.Runs.Pack(0, clusters, room-head.Size())
	if err != nil {
		return nil, types.NewNTFSError(err, "write inode", ino.Number, "pack runs")
	}
	if packed < clusters {
		return nil, types.NewNTFSError(types.ErrNoSpace, "write inode", ino.Number,
			fmt.Sprintf("run-list packs %d of %d clusters", packed, clusters))
	}

	a := records.NewNonResident(types.AttrData, "", flags, runData, clusters-1, clusters*cs, ino.Size, ino.Valid)
	if a.IsSparse() || a.IsCompressed() {
		a.TotalSize = ino.Runs.AllocatedClusters() * cs
	}
	return a, nil
}

// EvictInode drops ino from the cache. Inodes that still have links are
// written back when dirty; unlinked ones are reclaimed.
func (s *Session) EvictInode(ino *inode.Inode) error {
	var err error
	switch {
	case s.dev.IsReadOnly() || ino.IsBad():
	case ino.Nlink > 0:
		if ino.IsDirty() {
			err = s.WriteInode(ino)
		}
	default:
		err = s.lifecycle.Reclaim(ino)
	}
	s.Forget(ino.Number)
	if err != nil {
		s.log.Errorw("failed to evict inode", "record", ino.Number, "error", err)
	}
	return err
}

// Sync writes every dirty cached inode back and flushes the device. It keeps
// going past failures and returns the first one.
func (s *Session) Sync() error {
	if s.dev.IsReadOnly() {
		return nil
	}

	s.mu.Lock()
	dirty := make([]*inode.Inode, 0, len(s.inodes))
	for _, ino := range s.inodes {
		if ino.IsDirty() && !ino.IsBad() {
			dirty = append(dirty, ino)
		}
	}
	s.mu.Unlock()
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Number < dirty[j].Number })

	var first error
	for _, ino := range dirty {
		if err := s.WriteInode(ino); err != nil {
			s.log.Errorw("failed to write inode", "record", ino.Number, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	if err := s.dev.Flush(); err != nil {
		s.log.Errorw("failed to flush device", "error", err)
		if first == nil {
			first = types.NewNTFSError(ioErr(err), "sync", 0, "flush")
		}
	}
	s.log.Debugw("session synced", "inodes", len(dirty), "error", first)
	return first
}
