// Package allocator is an in-memory cluster allocator and MFT record pool.
// One mutex serializes every allocation on the volume.
package allocator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/logger"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Allocator hands out clusters and record numbers.
type Allocator struct {
	mu sync.Mutex

	totalClusters uint64
	// freeRuns is kept sorted by LCN with adjacent runs merged.
	freeRuns []interfaces.Extent
	free     uint64

	maxRecords  uint64
	usedRecords map[uint64]bool
	nextRecord  uint64
}

var (
	_ interfaces.ClusterAllocator = (*Allocator)(nil)
	_ interfaces.RecordAllocator  = (*Allocator)(nil)
)

// New creates an allocator with clusters [firstFree, totalClusters) free and
// record numbers from the first user record up to maxRecords free.
func New(totalClusters, firstFree, maxRecords uint64) *Allocator {
	a := &Allocator{
		totalClusters: totalClusters,
		maxRecords:    maxRecords,
		usedRecords:   make(map[uint64]bool),
		nextRecord:    types.MftRecFree,
	}
	if firstFree < totalClusters {
		a.freeRuns = []interfaces.Extent{{LCN: firstFree, Len: totalClusters - firstFree}}
		a.free = totalClusters - firstFree
	}
	return a
}

// Allocate returns up to count clusters. A free run containing hint is
// preferred; otherwise the smallest run that satisfies count, or the largest
// run when none does.
func (a *Allocator) Allocate(count, hint uint64) (interfaces.Extent, error) {
	if count == 0 {
		return interfaces.Extent{}, fmt.Errorf("allocate zero clusters: %w", types.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freeRuns) == 0 {
		return interfaces.Extent{}, fmt.Errorf("allocate %d clusters: %w", count, types.ErrAllocationFailed)
	}

	if idx, ok := a.runContaining(hint); ok {
		return a.take(idx, hint, count), nil
	}

	best, largest := -1, 0
	for i, r := range a.freeRuns {
		if r.Len >= count && (best < 0 || r.Len < a.freeRuns[best].Len) {
			best = i
		}
		if r.Len > a.freeRuns[largest].Len {
			largest = i
		}
	}
	if best < 0 {
		best = largest
	}
	ext := a.take(best, a.freeRuns[best].LCN, count)
	logger.Logger.Debugw("allocated clusters", "component", "allocator", "extent", ext.String(), "wanted", count)
	return ext, nil
}

func (a *Allocator) runContaining(lcn uint64) (int, bool) {
	i := sort.Search(len(a.freeRuns), func(i int) bool {
		return a.freeRuns[i].End() > lcn
	})
	if i < len(a.freeRuns) && a.freeRuns[i].LCN <= lcn {
		return i, true
	}
	return 0, false
}

// take carves at most count clusters starting at lcn out of free run idx.
func (a *Allocator) take(idx int, lcn, count uint64) interfaces.Extent {
	r := a.freeRuns[idx]
	n := min(count, r.End()-lcn)
	ext := interfaces.Extent{LCN: lcn, Len: n}

	var rest []interfaces.Extent
	if lcn > r.LCN {
		rest = append(rest, interfaces.Extent{LCN: r.LCN, Len: lcn - r.LCN})
	}
	if ext.End() < r.End() {
		rest = append(rest, interfaces.Extent{LCN: ext.End(), Len: r.End() - ext.End()})
	}
	a.freeRuns = append(a.freeRuns[:idx], append(rest, a.freeRuns[idx+1:]...)...)
	a.free -= n
	return ext
}

// Free returns an extent to the free pool.
func (a *Allocator) Free(ext interfaces.Extent) error {
	if ext.Len == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ext.End() > a.totalClusters || ext.End() < ext.LCN {
		return fmt.Errorf("free %s beyond %d clusters: %w", ext, a.totalClusters, types.ErrInvalidArgument)
	}
	i := sort.Search(len(a.freeRuns), func(i int) bool {
		return a.freeRuns[i].LCN >= ext.LCN
	})
	if (i > 0 && a.freeRuns[i-1].End() > ext.LCN) || (i < len(a.freeRuns) && ext.End() > a.freeRuns[i].LCN) {
		return fmt.Errorf("free %s overlaps free space: %w", ext, types.ErrInvalidArgument)
	}

	a.freeRuns = append(a.freeRuns, interfaces.Extent{})
	copy(a.freeRuns[i+1:], a.freeRuns[i:])
	a.freeRuns[i] = ext
	a.free += ext.Len

	if i+1 < len(a.freeRuns) && a.freeRuns[i].End() == a.freeRuns[i+1].LCN {
		a.freeRuns[i].Len += a.freeRuns[i+1].Len
		a.freeRuns = append(a.freeRuns[:i+1], a.freeRuns[i+2:]...)
	}
	if i > 0 && a.freeRuns[i-1].End() == a.freeRuns[i].LCN {
		a.freeRuns[i-1].Len += a.freeRuns[i].Len
		a.freeRuns = append(a.freeRuns[:i], a.freeRuns[i+1:]...)
	}
	return nil
}

// MarkUsed removes an extent from the free pool, as when loading a volume
// bitmap.
func (a *Allocator) MarkUsed(ext interfaces.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for lcn := ext.LCN; lcn < ext.End(); {
		idx, ok := a.runContaining(lcn)
		if !ok {
			i := sort.Search(len(a.freeRuns), func(i int) bool {
				return a.freeRuns[i].LCN > lcn
			})
			if i == len(a.freeRuns) || a.freeRuns[i].LCN >= ext.End() {
				return
			}
			lcn = a.freeRuns[i].LCN
			continue
		}
		lcn += a.take(idx, lcn, ext.End()-lcn).Len
	}
}

// FreeClusters returns the number of free clusters.
func (a *Allocator) FreeClusters() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// FreeExtents returns a copy of the free runs.
func (a *Allocator) FreeExtents() []interfaces.Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]interfaces.Extent(nil), a.freeRuns...)
}

// AllocateRecord reserves the lowest free user record number.
func (a *Allocator) AllocateRecord() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := a.nextRecord; n < a.maxRecords; n++ {
		if !a.usedRecords[n] {
			a.usedRecords[n] = true
			a.nextRecord = n + 1
			return n, nil
		}
	}
	return 0, fmt.Errorf("allocate record: %d records in use: %w", len(a.usedRecords), types.ErrNoSpace)
}

// FreeRecord returns a record number to the pool.
func (a *Allocator) FreeRecord(number uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.usedRecords[number] {
		return fmt.Errorf("free record %x: %w", number, types.ErrNotFound)
	}
	delete(a.usedRecords, number)
	if number < a.nextRecord && number >= types.MftRecFree {
		a.nextRecord = number
	}
	return nil
}

// MarkRecordUsed reserves a record number found in use on disk.
func (a *Allocator) MarkRecordUsed(number uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedRecords[number] = true
}

// IsAllocated reports whether the record number is reserved.
func (a *Allocator) IsAllocated(number uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedRecords[number]
}

// UsedRecords returns the number of reserved record numbers.
func (a *Allocator) UsedRecords() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.usedRecords)
}
