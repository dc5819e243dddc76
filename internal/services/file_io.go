package services

import (
	"fmt"
	"io"
	"math"

	"github.com/deploymenttheory/go-ntfs/internal/inode"
	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// codedStream flags streams whose on-disk bytes are not the file bytes.
const codedStream = inode.FlagCompressed | inode.FlagEncrypted

// ReadAt reads from the primary data stream of ino. Bytes past the valid
// size read as zero without device I/O.
func (s *Session) ReadAt(ino *inode.Inode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "read", ino.Number, fmt.Sprintf("offset %d", off))
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()
	return s.readAt(ino, p, uint64(off))
}

func (s *Session) readAt(ino *inode.Inode, p []byte, pos uint64) (int, error) {
	if pos >= ino.Size {
		return 0, io.EOF
	}
	want := p
	if rest := ino.Size - pos; uint64(len(want)) > rest {
		want = want[:rest]
	}

	var n int
	var err error
	switch {
	case ino.IsResident():
		n = copy(want, ino.Data[min(pos, uint64(len(ino.Data))):])
		clear(want[n:])
		n = len(want)
	case ino.Flags&codedStream != 0:
		return 0, types.NewNTFSError(types.ErrNotSupported, "read", ino.Number, "compressed or encrypted stream")
	default:
		n, err = s.readStream(ino, want, pos, MapGeneral)
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// readStream copies mapped ranges of a non-resident stream into buf.
func (s *Session) readStream(ino *inode.Inode, buf []byte, pos uint64, ctx MapContext) (int, error) {
	done := 0
	for done < len(buf) {
		rest := uint64(len(buf) - done)
		m, err := s.mapBlock(ino, MapRequest{Offset: pos, Size: rest, Context: ctx})
		if err != nil {
			return done, err
		}
		n := min(m.Length, rest)
		if n == 0 {
			return done, types.Corrupt("read", ino.Number, fmt.Sprintf("empty mapping at 0x%x", pos))
		}
		chunk := buf[done : done+int(n)]

		switch {
		case m.Uptodate:
			copy(chunk, m.Data)
		case !m.Mapped:
			clear(chunk)
		default:
			if _, err := s.dev.ReadAt(chunk, int64(m.Physical)); err != nil {
				return done, types.NewNTFSError(ioErr(err), "read", ino.Number, fmt.Sprintf("offset 0x%x", pos))
			}
		}
		done += int(n)
		pos += n
	}
	return done, nil
}

// WriteAt writes to the primary data stream of a regular file, growing it as
// needed. The gap between the valid size and off is zero-filled first.
func (s *Session) WriteAt(ino *inode.Inode, p []byte, off int64) (int, error) {
	if err := s.checkWritable("write", ino.Number); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "write", ino.Number, fmt.Sprintf("offset %d", off))
	}
	if !ino.IsRegular() {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "write", ino.Number, "not a regular file")
	}
	if ino.Has(inode.FlagImmutable) {
		return 0, types.NewNTFSError(types.ErrReadOnly, "write", ino.Number, "immutable")
	}
	if len(p) == 0 {
		return 0, nil
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	pos := uint64(off)
	end := pos + uint64(len(p))
	validBefore, sizeBefore := ino.Valid, ino.Size

	if ino.IsResident() {
		if s.residentFits(ino, end) {
			if end > uint64(len(ino.Data)) {
				grown := make([]byte, end)
				copy(grown, ino.Data)
				ino.Data = grown
			}
			copy(ino.Data[pos:], p)
			if end > ino.Size {
				ino.Size, ino.Valid, ino.Bytes = end, end, end
			}
			s.writeEnd(ino, validBefore, sizeBefore)
			return len(p), nil
		}
		if err := s.convertToNonResident(ino); err != nil {
			return 0, err
		}
	}
	if ino.Flags&codedStream != 0 {
		return 0, types.NewNTFSError(types.ErrNotSupported, "write", ino.Number, "compressed or encrypted stream")
	}

	if end > ino.Size {
		if err := s.setSize(ino, end); err != nil {
			return 0, err
		}
	}
	if pos > ino.Valid {
		if err := s.extendInitialized(ino, pos); err != nil {
			s.writeEnd(ino, validBefore, sizeBefore)
			return 0, err
		}
	}

	n, err := s.writeStream(ino, p, pos)
	if err != nil && ino.Size > sizeBefore && pos+uint64(n) < ino.Size {
		if terr := s.setSize(ino, max(sizeBefore, pos+uint64(n))); terr != nil {
			s.log.Errorw("failed to trim after short write", "record", ino.Number, "error", terr)
		}
	}
	s.writeEnd(ino, validBefore, sizeBefore)
	return n, err
}

// writeStream writes buf at pos through buffered-write mappings. Requests
// stop at the valid size so each segment past it advances the valid size.
func (s *Session) writeStream(ino *inode.Inode, buf []byte, pos uint64) (int, error) {
	done := 0
	for done < len(buf) {
		n := uint64(len(buf) - done)
		if pos < ino.Valid && pos+n > ino.Valid {
			n = ino.Valid - pos
		}
		m, err := s.mapBlock(ino, MapRequest{Offset: pos, Size: n, Context: MapWriteBegin, Create: true})
		if err != nil {
			return done, err
		}
		if !m.Mapped {
			return done, types.Corrupt("write", ino.Number, fmt.Sprintf("offset 0x%x left unmapped", pos))
		}
		n = min(n, m.Length)
		if _, err := s.dev.WriteAt(buf[done:done+int(n)], int64(m.Physical)); err != nil {
			return done, types.NewNTFSError(ioErr(err), "write", ino.Number, fmt.Sprintf("offset 0x%x", pos))
		}
		done += int(n)
		pos += n
	}
	return done, nil
}

// extendInitialized zero-fills [Valid, to) so the valid size reaches to.
func (s *Session) extendInitialized(ino *inode.Inode, to uint64) error {
	const chunk = 64 * 1024
	zeros := make([]byte, min(chunk, to-ino.Valid))
	for ino.Valid < to {
		n := min(uint64(len(zeros)), to-ino.Valid)
		if _, err := s.writeStream(ino, zeros[:n], ino.Valid); err != nil {
			return err
		}
	}
	return nil
}

// writeEnd settles attributes after a write. The first write sets the
// archive attribute and the modification times.
func (s *Session) writeEnd(ino *inode.Inode, validBefore, sizeBefore uint64) {
	dirty := false
	if ino.FA&types.FileAttributeArchive == 0 {
		ino.Touch(s.now())
		ino.FA |= types.FileAttributeArchive
		dirty = true
	}
	if ino.Valid != validBefore || ino.Size > sizeBefore {
		dirty = true
	}
	if dirty {
		s.MarkDirty(ino)
	}
}

// DirectRead reads without the buffered path. Resident streams fall back to
// ReadAt; bytes past the valid size are zeroed.
func (s *Session) DirectRead(ino *inode.Inode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "direct read", ino.Number, fmt.Sprintf("offset %d", off))
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	pos := uint64(off)
	if ino.IsResident() || ino.Flags&codedStream != 0 {
		return s.readAt(ino, p, pos)
	}
	if pos >= ino.Size {
		return 0, io.EOF
	}
	want := p
	if rest := ino.Size - pos; uint64(len(want)) > rest {
		want = want[:rest]
	}

	n, err := s.readStream(ino, want, pos, MapDirectRead)
	if pos+uint64(n) > ino.Valid {
		from := uint64(0)
		if ino.Valid > pos {
			from = ino.Valid - pos
		}
		clear(want[from:n])
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// DirectWrite writes without the buffered path and advances the valid size
// once the device write completed. Resident streams fall back to WriteAt.
func (s *Session) DirectWrite(ino *inode.Inode, p []byte, off int64) (int, error) {
	if err := s.checkWritable("direct write", ino.Number); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "direct write", ino.Number, fmt.Sprintf("offset %d", off))
	}
	if !ino.IsRegular() {
		return 0, types.NewNTFSError(types.ErrInvalidArgument, "direct write", ino.Number, "not a regular file")
	}

	ino.MetaLock.Lock()
	resident := ino.IsResident()
	ino.MetaLock.Unlock()
	if resident {
		return s.WriteAt(ino, p, off)
	}
	if ino.Has(inode.FlagImmutable) {
		return 0, types.NewNTFSError(types.ErrReadOnly, "direct write", ino.Number, "immutable")
	}
	if len(p) == 0 {
		return 0, nil
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	if ino.Flags&codedStream != 0 {
		return 0, types.NewNTFSError(types.ErrNotSupported, "direct write", ino.Number, "compressed or encrypted stream")
	}

	pos := uint64(off)
	end := pos + uint64(len(p))
	validBefore, sizeBefore := ino.Valid, ino.Size

	if end > ino.Size {
		if err := s.setSize(ino, end); err != nil {
			return 0, err
		}
	}
	if pos > ino.Valid {
		if err := s.extendInitialized(ino, pos); err != nil {
			return 0, err
		}
	}

	done := 0
	var err error
	for done < len(p) {
		rest := uint64(len(p) - done)
		var m BlockMapping
		m, err = s.mapBlock(ino, MapRequest{Offset: pos, Size: rest, Context: MapDirectWrite, Create: true})
		if err != nil {
			break
		}
		if !m.Mapped {
			err = types.Corrupt("direct write", ino.Number, fmt.Sprintf("offset 0x%x left unmapped", pos))
			break
		}
		n := min(rest, m.Length)
		if _, werr := s.dev.WriteAt(p[done:done+int(n)], int64(m.Physical)); werr != nil {
			err = types.NewNTFSError(ioErr(werr), "direct write", ino.Number, fmt.Sprintf("offset 0x%x", pos))
			break
		}
		done += int(n)
		pos += n
		if pos > ino.Valid {
			ino.Valid = pos
		}
	}

	s.writeEnd(ino, validBefore, sizeBefore)
	return done, err
}

// Bmap returns the physical block backing a logical block, or zero for holes
// and resident streams.
func (s *Session) Bmap(ino *inode.Inode, block uint64) (uint64, error) {
	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	if ino.IsResident() {
		return 0, nil
	}
	m, err := s.mapBlock(ino, MapRequest{Offset: block * s.blockSize, Context: MapBmap})
	if err != nil {
		return 0, err
	}
	if !m.Mapped {
		return 0, nil
	}
	return m.Block(s.blockSize), nil
}

// SetSize changes the declared size of a regular file's data stream.
func (s *Session) SetSize(ino *inode.Inode, size uint64) error {
	if err := s.checkWritable("set size", ino.Number); err != nil {
		return err
	}
	if !ino.IsRegular() {
		return types.NewNTFSError(types.ErrInvalidArgument, "set size", ino.Number, "not a regular file")
	}
	if ino.Has(inode.FlagImmutable) {
		return types.NewNTFSError(types.ErrReadOnly, "set size", ino.Number, "immutable")
	}

	ino.MetaLock.Lock()
	defer ino.MetaLock.Unlock()

	if err := s.setSize(ino, size); err != nil {
		return err
	}
	ino.Touch(s.now())
	return nil
}

// maxBytes is the largest stream ino may hold. Sparse and compressed streams
// are bounded by the addressable clusters rather than the volume.
func (s *Session) maxBytes(ino *inode.Inode) uint64 {
	cs := s.clusterSize
	clusters := s.limits.MaxClusters
	if ino.Has(inode.FlagSparse) || ino.Has(inode.FlagCompressed) {
		clusters = s.opts.MaxClusters()
	}
	if clusters > math.MaxInt64/cs {
		return math.MaxInt64
	}
	return clusters * cs
}

// setSize is SetSize with ino.MetaLock held.
func (s *Session) setSize(ino *inode.Inode, size uint64) error {
	if size > s.maxBytes(ino) {
		return types.NewNTFSError(types.ErrFileTooBig, "set size", ino.Number,
			fmt.Sprintf("%d bytes, limit %d", size, s.maxBytes(ino)))
	}
	if size == ino.Size {
		return nil
	}

	if ino.IsResident() {
		if s.residentFits(ino, size) {
			data := make([]byte, size)
			copy(data, ino.Data)
			ino.Data = data
			ino.Size, ino.Valid, ino.Bytes = size, size, size
			s.MarkDirty(ino)
			return nil
		}
		if err := s.convertToNonResident(ino); err != nil {
			return err
		}
	}

	cs := s.clusterSize
	need := (size + cs - 1) / cs

	ino.RunLock.Lock()
	have := ino.Runs.NextVCN()
	var err error
	switch {
	case need > have:
		err = s.growRuns(ino, have, need)
	case need < have:
		err = s.shrinkRuns(ino, need)
	}
	ino.RunLock.Unlock()
	if err != nil {
		return err
	}

	ino.Size = size
	if ino.Valid > size {
		ino.Valid = size
	}
	s.markVolumeDirty()
	s.MarkDirty(ino)
	s.log.Debugw("size changed", "record", ino.Number, "size", size, "clusters", need)
	return nil
}

// growRuns maps [from, to) with ino.RunLock held. Sparse streams get a hole;
// others get clusters, keeping every extent the allocator handed out.
func (s *Session) growRuns(ino *inode.Inode, from, to uint64) error {
	if ino.Has(inode.FlagSparse) {
		ino.Runs.Add(from, runlist.SparseLCN, to-from)
		return nil
	}
	for vcn := from; vcn < to; {
		ext, err := s.allocate(to-vcn, s.allocHint(ino.Runs, vcn))
		if err != nil {
			return types.NewNTFSError(err, "set size", ino.Number, fmt.Sprintf("vcn 0x%x", vcn))
		}
		ino.Runs.Add(vcn, ext.LCN, ext.Len)
		ino.Bytes += ext.Len * s.clusterSize
		vcn += ext.Len
	}
	return nil
}

// shrinkRuns frees every cluster at or past vcn with ino.RunLock held.
func (s *Session) shrinkRuns(ino *inode.Inode, vcn uint64) error {
	var first error
	for _, run := range ino.Runs.Segment(vcn, ino.Runs.NextVCN()-vcn) {
		if run.IsSparse() {
			continue
		}
		if err := s.release(interfaces.Extent{LCN: run.LCN, Len: run.Len}); err != nil {
			s.log.Errorw("failed to free clusters", "record", ino.Number, "run", run.String(), "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		ino.Bytes -= min(ino.Bytes, run.Len*s.clusterSize)
	}
	ino.Runs.Truncate(vcn)
	return first
}

// residentFits reports whether a resident stream of size bytes still fits
// in the base record.
func (s *Session) residentFits(ino *inode.Inode, size uint64) bool {
	rec := ino.Record
	if rec == nil {
		return false
	}
	cur := rec.Find(types.AttrData, "")
	if cur == nil || cur.NonResident {
		return false
	}
	trial := &records.Attribute{Type: types.AttrData, Data: make([]byte, size)}
	return rec.UsedBytes()-cur.Size()+trial.Size() <= rec.Size()
}

// convertToNonResident moves a resident stream into freshly allocated
// clusters. Nothing changes on failure.
func (s *Session) convertToNonResident(ino *inode.Inode) error {
	cs := s.clusterSize
	size := uint64(len(ino.Data))
	clusters := (size + cs - 1) / cs

	rl := runlist.New()
	var taken []interfaces.Extent
	undo := func() {
		for _, ext := range taken {
			if err := s.release(ext); err != nil {
				s.log.Errorw("failed to free clusters", "record", ino.Number, "extent", ext.String(), "error", err)
			}
		}
	}

	for vcn := uint64(0); vcn < clusters; {
		ext, err := s.allocate(clusters-vcn, s.allocHint(rl, vcn))
		if err != nil {
			undo()
			return types.NewNTFSError(err, "convert to non-resident", ino.Number, fmt.Sprintf("%d clusters", clusters))
		}
		taken = append(taken, ext)
		rl.Add(vcn, ext.LCN, ext.Len)
		vcn += ext.Len
	}

	if clusters > 0 {
		buf := make([]byte, clusters*cs)
		copy(buf, ino.Data)
		for _, run := range rl.Runs() {
			chunk := buf[run.VCN*cs : run.End()*cs]
			if _, err := s.dev.WriteAt(chunk, int64(run.LCN*cs)); err != nil {
				undo()
				return types.NewNTFSError(ioErr(err), "convert to non-resident", ino.Number, fmt.Sprintf("lcn 0x%x", run.LCN))
			}
		}
	}

	ino.RunLock.Lock()
	ino.Runs = rl
	ino.RunLock.Unlock()
	ino.Clear(inode.FlagResident)
	ino.Data = nil
	ino.Bytes = clusters * cs

	s.markVolumeDirty()
	s.MarkDirty(ino)
	s.log.Debugw("stream made non-resident", "record", ino.Number, "size", size, "clusters", clusters)
	return nil
}
