package services

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/records"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// MFTReader reads and writes MFT records through the run-list of $MFT's
// own $DATA attribute. Until record 0 has been materialized it only knows a
// bootstrap run covering the first system records at the $MFT LCN.
type MFTReader struct {
	dev         interfaces.BlockDevice
	recordSize  int
	clusterSize uint64
	log         *zap.SugaredLogger

	mu               sync.RWMutex
	runs             *runlist.RunList
	bootstrap        bool
	recordCache      map[uint64][]byte
	maxCacheSize     int
	currentCacheSize int
}

// NewMFTReader creates a reader whose run-list covers the records before
// $Volume, starting at mftLCN.
func NewMFTReader(dev interfaces.BlockDevice, recordSize int, clusterSize uint32, mftLCN uint64, log *zap.SugaredLogger) (*MFTReader, error) {
	if dev == nil {
		return nil, fmt.Errorf("block device cannot be nil")
	}
	if recordSize < types.SectorSize || clusterSize == 0 {
		return nil, fmt.Errorf("invalid geometry: record %d, cluster %d: %w", recordSize, clusterSize, types.ErrInvalidArgument)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cs := uint64(clusterSize)
	boot := (uint64(types.MftRecVol)*uint64(recordSize) + cs - 1) / cs
	runs := runlist.New()
	runs.Add(0, mftLCN, boot)

	return &MFTReader{
		dev:          dev,
		recordSize:   recordSize,
		clusterSize:  cs,
		log:          log,
		runs:         runs,
		bootstrap:    true,
		recordCache:  make(map[uint64][]byte),
		maxCacheSize: 4 * 1024 * 1024,
	}, nil
}

// RecordSize returns the configured record size.
func (r *MFTReader) RecordSize() int {
	return r.recordSize
}

// Bootstrapping reports whether the full $MFT run-list is still unknown.
func (r *MFTReader) Bootstrapping() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bootstrap
}

// ExtendRuns replaces the bootstrap mapping with a partially decoded $MFT
// run-list so continuation records of $MFT itself can be reached.
func (r *MFTReader) ExtendRuns(rl *runlist.RunList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bootstrap {
		return
	}
	for _, run := range rl.Runs() {
		r.runs.Add(run.VCN, run.LCN, run.Len)
	}
}

// SetRuns installs the complete $MFT run-list and ends bootstrap mode.
func (r *MFTReader) SetRuns(rl *runlist.RunList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = rl.Clone()
	r.bootstrap = false
	r.recordCache = make(map[uint64][]byte)
	r.currentCacheSize = 0
}

// Runs returns a copy of the current $MFT run-list.
func (r *MFTReader) Runs() *runlist.RunList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs.Clone()
}

// Capacity returns the number of records the current run-list covers.
func (r *MFTReader) Capacity() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs.NextVCN() * r.clusterSize / uint64(r.recordSize)
}

// ReadRecord reads, verifies and decodes one record.
func (r *MFTReader) ReadRecord(number uint64) (*records.Record, error) {
	raw, err := r.readRaw(number)
	if err != nil {
		return nil, err
	}
	rec, err := records.ParseRecord(raw, r.recordSize, number)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadSegment reads a continuation record named by an attribute list.
func (r *MFTReader) LoadSegment(ref types.MFTRef) (*records.Record, error) {
	return r.ReadRecord(ref.Number())
}

// WriteRecord stamps fixups and writes a record back to its slot.
func (r *MFTReader) WriteRecord(rec *records.Record) error {
	if rec.Size() != r.recordSize {
		return types.NewNTFSError(types.ErrInvalidArgument, "write record", rec.Number,
			fmt.Sprintf("record size %d, volume uses %d", rec.Size(), r.recordSize))
	}
	buf, err := rec.Marshal()
	if err != nil {
		return err
	}
	if err := r.span(rec.Number, buf, true); err != nil {
		return err
	}

	r.mu.Lock()
	r.cacheRecord(rec.Number, buf)
	r.mu.Unlock()

	r.log.Debugw("record written", "record", rec.Number, "used", rec.Header.Used)
	return nil
}

// readRaw returns the raw bytes of a record, fixups still applied.
func (r *MFTReader) readRaw(number uint64) ([]byte, error) {
	r.mu.RLock()
	if cached, ok := r.recordCache[number]; ok {
		r.mu.RUnlock()
		return append([]byte{}, cached...), nil
	}
	r.mu.RUnlock()

	buf := make([]byte, r.recordSize)
	if err := r.span(number, buf, false); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cacheRecord(number, buf)
	r.mu.Unlock()
	return buf, nil
}

// span moves one record between buf and the device, following the run-list
// across cluster boundaries when records are larger than clusters.
func (r *MFTReader) span(number uint64, buf []byte, write bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos := number * uint64(r.recordSize)
	for done := 0; done < len(buf); {
		vcn := pos / r.clusterSize
		lcn, remaining, ok := r.runs.Lookup(vcn)
		if !ok {
			return types.NewNTFSError(types.ErrNotFound, "map record", number, "beyond $MFT")
		}
		if lcn == runlist.SparseLCN {
			return types.Corrupt("map record", number, "sparse $MFT run")
		}
		within := pos % r.clusterSize
		n := remaining*r.clusterSize - within
		if n > uint64(len(buf)-done) {
			n = uint64(len(buf) - done)
		}
		off := int64(lcn*r.clusterSize + within)

		var err error
		if write {
			_, err = r.dev.WriteAt(buf[done:done+int(n)], off)
		} else {
			_, err = r.dev.ReadAt(buf[done:done+int(n)], off)
		}
		if err != nil {
			return types.NewNTFSError(ioErr(err), "transfer record", number, fmt.Sprintf("offset 0x%x", off))
		}
		done += int(n)
		pos += n
	}
	return nil
}

// cacheRecord adds a record to the cache, respecting size limits.
// Must be called with mu locked.
func (r *MFTReader) cacheRecord(number uint64, data []byte) {
	if r.currentCacheSize+len(data) > r.maxCacheSize {
		r.recordCache = make(map[uint64][]byte)
		r.currentCacheSize = 0
	}
	if old, ok := r.recordCache[number]; ok {
		r.currentCacheSize -= len(old)
	}
	r.recordCache[number] = append([]byte{}, data...)
	r.currentCacheSize += len(data)
}

// ClearCache drops all cached records.
func (r *MFTReader) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordCache = make(map[uint64][]byte)
	r.currentCacheSize = 0
}

// ioErr makes sure a device failure carries types.ErrIO.
func ioErr(err error) error {
	if errors.Is(err, types.ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrIO, err)
}
