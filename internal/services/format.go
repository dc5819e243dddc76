package services

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/attributes"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// indexBlockSize is the $I30 index block size of formatted volumes.
const indexBlockSize = 4096

// MFTClusters returns the clusters the $MFT of a formatted volume occupies.
func (s *Session) MFTClusters() uint64 {
	bytes := s.opts.MFTRecords * uint64(s.opts.RecordSize)
	return (bytes + s.clusterSize - 1) / s.clusterSize
}

// Format writes a minimal volume: the $MFT record describing a contiguous
// $MFT at the configured LCN and an empty root directory. Clusters below
// MFTLCN+MFTClusters must not be handed out by the cluster allocator.
func (s *Session) Format() error {
	if err := s.checkWritable("format", types.MftRecMFT); err != nil {
		return err
	}
	clusters := s.MFTClusters()
	if end := (s.opts.MFTLCN + clusters) * s.clusterSize; end > uint64(s.dev.Size()) {
		return types.NewNTFSError(types.ErrNoSpace, "format", types.MftRecMFT,
			fmt.Sprintf("$MFT ends at 0x%x, volume holds 0x%x bytes", end, s.dev.Size()))
	}

	runs := runlist.New()
	runs.Add(0, s.opts.MFTLCN, clusters)
	mftBytes := clusters * s.clusterSize

	runData, packed, err := runs.Pack(0, clusters, s.opts.RecordSize)
	if err != nil {
		return err
	}
	if packed != clusters {
		return types.NewNTFSError(types.ErrNoSpace, "format", types.MftRecMFT, "$MFT run-list does not fit")
	}

	system := types.FileAttributeHidden | types.FileAttributeSystem
	rootRef := types.NewMFTRef(types.MftRecRoot, uint16(types.MftRecRoot))

	mft := records.NewRecord(types.MftRecMFT, 1, s.opts.RecordSize, types.RecordFlagInUse)
	mft.Header.HardLinks = 1
	if err := s.formatCommon(mft, system, rootRef, "$MFT"); err != nil {
		return err
	}
	data := records.NewNonResident(types.AttrData, "", 0, runData, clusters-1, mftBytes, mftBytes, mftBytes)
	if err := mft.Insert(data); err != nil {
		return err
	}
	if err := s.mft.WriteRecord(mft); err != nil {
		return fmt.Errorf("failed to write $MFT record: %w", err)
	}
	s.mft.SetRuns(runs)

	root := records.NewRecord(types.MftRecRoot, uint16(types.MftRecRoot), s.opts.RecordSize,
		types.RecordFlagInUse|types.RecordFlagDir)
	root.Header.HardLinks = 1
	if err := s.formatCommon(root, system, rootRef, "."); err != nil {
		return err
	}
	clst := uint8(indexBlockSize / s.clusterSize)
	if s.clusterSize > indexBlockSize {
		clst = uint8(indexBlockSize / types.SectorSize)
	}
	body, err := attributes.NewEmptyDirRoot(indexBlockSize, clst)
	if err != nil {
		return err
	}
	if err := root.Insert(records.NewResident(types.AttrRoot, types.I30Name, body)); err != nil {
		return err
	}
	if err := s.mft.WriteRecord(root); err != nil {
		return fmt.Errorf("failed to write root directory record: %w", err)
	}

	s.log.Infow("volume formatted", "mft_lcn", s.opts.MFTLCN, "mft_clusters", clusters, "records", s.opts.MFTRecords)
	return nil
}

// formatCommon adds standard information and a file name to a system record.
func (s *Session) formatCommon(rec *records.Record, fa types.FileAttr, parent types.MFTRef, name string) error {
	now := s.now()
	std := attributes.StdInfo{CrTime: now, MTime: now, CTime: now, ATime: now, FA: fa, SecurityID: types.SecurityIDFirst}
	raw, err := std.Marshal()
	if err != nil {
		return err
	}
	if err := rec.Insert(records.NewResident(types.AttrStd, "", raw)); err != nil {
		return err
	}

	uname, err := s.codec.Encode(name)
	if err != nil {
		return err
	}
	nt := types.TimeToNtTime(now)
	fn := attributes.FileName{
		Parent: parent,
		Dup:    types.DupInfoT{CrTime: nt, MTime: nt, CTime: nt, ATime: nt, FA: uint32(fa)},
		Type:   types.FileNameUnicodeAndDos,
		Name:   uname,
	}
	raw, err = fn.Marshal()
	if err != nil {
		return err
	}
	a := records.NewResident(types.AttrName, "", raw)
	a.ResidentFlags = types.ResidentFlagIndexed
	return rec.Insert(a)
}
