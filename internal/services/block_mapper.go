package services

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/metrics"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// MapContext is the operation a mapping is resolved for.
type MapContext int

const (
	// MapGeneral is ordinary buffered I/O.
	MapGeneral MapContext = iota
	// MapWriteBegin prepares a buffered write.
	MapWriteBegin
	// MapDirectRead is an unbuffered read.
	MapDirectRead
	// MapDirectWrite is an unbuffered write; the caller advances the valid
	// size once the write completed.
	MapDirectWrite
	// MapBmap answers a block-map query.
	MapBmap
)

func (c MapContext) String() string {
	switch c {
	case MapWriteBegin:
		return "write_begin"
	case MapDirectRead:
		return "direct_read"
	case MapDirectWrite:
		return "direct_write"
	case MapBmap:
		return "bmap"
	default:
		return "general"
	}
}

func (c MapContext) direct() bool {
	return c == MapDirectRead || c == MapDirectWrite
}

// MapRequest asks for the physical location of a logical byte range.
type MapRequest struct {
	Offset uint64
	// Size is the number of bytes the caller would like mapped; zero means
	// one block.
	Size    uint64
	Context MapContext
	// Create allocates clusters for holes and unmapped ranges.
	Create bool
}

// BlockMapping is the answer to a MapRequest.
type BlockMapping struct {
	// Mapped is false for holes and offsets outside the valid or declared size.
	Mapped bool
	// Resident means Data holds the bytes and there is no physical address.
	Resident bool
	// Physical is the device byte address of Offset.
	Physical uint64
	// Length is how many bytes from Offset the mapping covers.
	Length uint64
	// New means the range was freshly allocated or lies past the valid size.
	New bool
	// Uptodate means Data already holds the first Length bytes.
	Uptodate bool
	Data     []byte
}

// Block returns the physical block number of the mapping.
func (m BlockMapping) Block(blockSize uint64) uint64 {
	return m.Physical / blockSize
}

// MapBlock resolves a logical offset of the primary data stream of ino.
func (s *Session) MapBlock(ino *inode.Inode, req MapRequest) (BlockMapping, error) {
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()
	return s.mapBlock(ino, req)
}

// mapBlock is MapBlock with ino.MetaLock held.
func (s *Session) mapBlock(ino *inode.Inode, req MapRequest) (BlockMapping, error) {
	vbo := req.Offset
	size := req.Size
	if size == 0 {
		size = s.blockSize
	}

	if !req.Create && vbo >= ino.Valid {
		return s.hole(req, ino.Size, vbo), nil
	}
	if vbo >= ino.Size {
		return s.hole(req, ino.Size, vbo), nil
	}

	if ino.IsResident() {
		block := make([]byte, s.blockSize)
		if vbo < uint64(len(ino.Data)) {
			copy(block, ino.Data[vbo:])
		}
		s.observe(metrics.OutcomeResident, req.Context)
		return BlockMapping{
			Resident: true,
			Uptodate: true,
			Length:   s.blockSize,
			Data:     block,
		}, nil
	}

	cs := s.clusterSize
	vcn := vbo / cs
	within := vbo % cs
	want := (within + size + cs - 1) / cs

	lcn, clusters, isNew, err := s.dataGetBlock(ino, vcn, want, req.Create)
	if err != nil {
		return BlockMapping{}, err
	}
	if clusters == 0 {
		return s.hole(req, ino.Size, vbo), nil
	}

	bytes := clusters*cs - within
	if lcn == runlist.SparseLCN {
		// dataGetBlock fills holes when creating.
		if size > bytes {
			size = bytes
		}
		s.observe(metrics.OutcomeHole, req.Context)
		return BlockMapping{Length: size}, nil
	}

	m := BlockMapping{Mapped: true, Physical: lcn*cs + within}
	outcome := metrics.OutcomeMapped
	if isNew {
		m.New = true
		outcome = metrics.OutcomeAllocated
	}

	valid := ino.Valid
	switch {
	case req.Context == MapDirectWrite:
		if vbo >= valid {
			m.New = true
		}
	case req.Create:
		if vbo >= valid {
			m.New = true
			if bytes > size {
				bytes = size
			}
			ino.Valid = vbo + bytes
			s.MarkDirty(ino)
		}
	case valid >= ino.Size:
	case vbo+bytes <= valid:
	case vbo+s.blockSize <= valid:
		bytes = s.blockSize
	default:
		// The block straddles the valid size.
		bytes = s.blockSize
		size = s.blockSize
		block := make([]byte, s.blockSize)
		if _, err := s.dev.ReadAt(block, int64(m.Physical)); err != nil {
			return BlockMapping{}, types.NewNTFSError(ioErr(err), "map block", ino.Number,
				fmt.Sprintf("read across valid size at 0x%x", vbo))
		}
		clear(block[valid-vbo:])
		m.Data = block
		m.Uptodate = true
		outcome = metrics.OutcomeBoundaryRead
	}

	if size > bytes {
		size = bytes
	}
	if req.Context.direct() && s.opts.DirectIOMaxTransfer > 0 && size > uint64(s.opts.DirectIOMaxTransfer) {
		size = uint64(s.opts.DirectIOMaxTransfer)
	}
	m.Length = size
	if isNew {
		if err := s.zeroAround(lcn, clusters, within, size); err != nil {
			return BlockMapping{}, err
		}
	}

	s.observe(outcome, req.Context)
	return m, nil
}

// hole describes an unmapped range starting at vbo. Past the valid size it
// extends to the declared size.
func (s *Session) hole(req MapRequest, declared, vbo uint64) BlockMapping {
	s.observe(metrics.OutcomeHole, req.Context)
	var n uint64
	if vbo < declared {
		n = declared - vbo
	}
	return BlockMapping{Length: n}
}

// dataGetBlock returns the cluster backing vcn and how many clusters follow
// it in the same run. With create it fills a hole or extends the run-list,
// allocating at most want clusters; a partial allocation is kept and mapped.
func (s *Session) dataGetBlock(ino *inode.Inode, vcn, want uint64, create bool) (lcn, clusters uint64, isNew bool, err error) {
	ino.RunLock.RLock()
	lcn, clusters, ok := ino.Runs.Lookup(vcn)
	ino.RunLock.RUnlock()

	if ok && (lcn != runlist.SparseLCN || !create) {
		return lcn, clusters, false, nil
	}
	if !ok && !create {
		return 0, 0, false, nil
	}

	ino.RunLock.Lock()
	defer ino.RunLock.Unlock()

	lcn, clusters, ok = ino.Runs.Lookup(vcn)
	if ok && lcn != runlist.SparseLCN {
		return lcn, clusters, false, nil
	}

	if ok && want > clusters {
		want = clusters
	}
	ext, err := s.allocate(want, s.allocHint(ino.Runs, vcn))
	if err != nil {
		return 0, 0, false, types.NewNTFSError(err, "map block", ino.Number, fmt.Sprintf("vcn 0x%x", vcn))
	}
	if next := ino.Runs.NextVCN(); !ok && vcn > next {
		ino.Runs.Add(next, runlist.SparseLCN, vcn-next)
	}
	ino.Runs.Add(vcn, ext.LCN, ext.Len)
	ino.Bytes += ext.Len * s.clusterSize

	s.markVolumeDirty()
	s.MarkDirty(ino)
	s.log.Debugw("clusters allocated", "record", ino.Number, "vcn", vcn, "extent", ext.String())
	return ext.LCN, ext.Len, true, nil
}

// allocate takes clusters from the allocator under the session allocation lock.
func (s *Session) allocate(count, hint uint64) (interfaces.Extent, error) {
	s.allocMu.Lock()
	ext, err := s.clusters.Allocate(count, hint)
	s.allocMu.Unlock()
	if err != nil {
		if s.mapMetrics != nil {
			s.mapMetrics.RecordAllocationFailure()
		}
		return interfaces.Extent{}, err
	}
	return ext, nil
}

// release returns clusters to the allocator.
func (s *Session) release(ext interfaces.Extent) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	return s.clusters.Free(ext)
}

// allocHint returns the cluster after the one backing vcn-1.
func (s *Session) allocHint(rl *runlist.RunList, vcn uint64) uint64 {
	if vcn == 0 {
		return 0
	}
	lcn, _, ok := rl.Lookup(vcn - 1)
	if !ok || lcn == runlist.SparseLCN {
		return 0
	}
	return lcn + 1
}

// zeroAround clears a new extent except the length bytes at within that
// the caller is about to write.
func (s *Session) zeroAround(lcn, clusters, within, length uint64) error {
	base := lcn * s.clusterSize
	end := base + clusters*s.clusterSize
	from := base + within
	to := min(from+length, end)
	if err := s.zeroDevice(base, from); err != nil {
		return err
	}
	return s.zeroDevice(to, end)
}

// zeroDevice writes zeros over [from, to).
func (s *Session) zeroDevice(from, to uint64) error {
	const chunk = 64 * 1024
	if from >= to {
		return nil
	}
	zeros := make([]byte, min(chunk, to-from))
	for pos := from; pos < to; {
		n := min(uint64(len(zeros)), to-pos)
		if _, err := s.dev.WriteAt(zeros[:n], int64(pos)); err != nil {
			return types.NewNTFSError(ioErr(err), "zero clusters", 0, fmt.Sprintf("offset 0x%x", pos))
		}
		pos += n
	}
	return nil
}

func (s *Session) observe(outcome string, ctx MapContext) {
	if s.mapMetrics != nil {
		s.mapMetrics.RecordMapping(outcome, ctx.String())
	}
}
