// Package runlist implements the NTFS run-list: the in-memory extent map of a
// non-resident stream and the packed on-disk mapping-pairs encoding.
package runlist

import (
	"fmt"
	"sort"
)

// SparseLCN marks a run with no physical backing. It never equals a real
// cluster number, including cluster 0.
const SparseLCN = ^uint64(0)

// Run maps Len clusters starting at virtual cluster VCN onto physical
// clusters starting at LCN, or onto nothing when LCN is SparseLCN.
type Run struct {
	VCN uint64
	Len uint64
	LCN uint64
}

// End returns the first VCN past the run.
func (r Run) End() uint64 {
	return r.VCN + r.Len
}

// IsSparse reports whether the run reads as zero.
func (r Run) IsSparse() bool {
	return r.LCN == SparseLCN
}

func (r Run) String() string {
	if r.IsSparse() {
		return fmt.Sprintf("[vcn %d +%d sparse]", r.VCN, r.Len)
	}
	return fmt.Sprintf("[vcn %d +%d lcn %d]", r.VCN, r.Len, r.LCN)
}

// contiguous reports whether b continues a both in VCN and LCN space.
func contiguous(a, b Run) bool {
	if a.End() != b.VCN {
		return false
	}
	if a.IsSparse() || b.IsSparse() {
		return a.IsSparse() && b.IsSparse()
	}
	return a.LCN+a.Len == b.LCN
}

// RunList is an ordered set of non-overlapping runs. Runs are kept sorted by
// VCN and adjacent contiguous runs are merged. Gaps are allowed while a list
// is being assembled from several attribute segments.
type RunList struct {
	runs []Run
}

// New returns an empty run-list.
func New() *RunList {
	return &RunList{}
}

// FromRuns builds a normalized run-list from arbitrary runs.
func FromRuns(runs []Run) *RunList {
	rl := New()
	for _, r := range runs {
		rl.Add(r.VCN, r.LCN, r.Len)
	}
	return rl
}

// Runs returns a copy of the runs.
func (rl *RunList) Runs() []Run {
	out := make([]Run, len(rl.runs))
	copy(out, rl.runs)
	return out
}

// Count returns the number of runs.
func (rl *RunList) Count() int {
	return len(rl.runs)
}

// IsEmpty reports whether the list maps nothing.
func (rl *RunList) IsEmpty() bool {
	return len(rl.runs) == 0
}

// NextVCN returns the VCN just past the last run.
func (rl *RunList) NextVCN() uint64 {
	if len(rl.runs) == 0 {
		return 0
	}
	return rl.runs[len(rl.runs)-1].End()
}

// Clone returns a deep copy.
func (rl *RunList) Clone() *RunList {
	return &RunList{runs: rl.Runs()}
}

// Reset drops all runs.
func (rl *RunList) Reset() {
	rl.runs = rl.runs[:0]
}

// find returns the index of the run containing vcn.
func (rl *RunList) find(vcn uint64) (int, bool) {
	i := sort.Search(len(rl.runs), func(i int) bool {
		return rl.runs[i].End() > vcn
	})
	if i < len(rl.runs) && rl.runs[i].VCN <= vcn {
		return i, true
	}
	return i, false
}

// Lookup returns the physical cluster backing vcn and the number of clusters
// left in its run starting at vcn. The cluster is SparseLCN inside a hole.
// ok is false when vcn is not covered by the list.
func (rl *RunList) Lookup(vcn uint64) (lcn, remaining uint64, ok bool) {
	i, found := rl.find(vcn)
	if !found {
		return 0, 0, false
	}
	r := rl.runs[i]
	off := vcn - r.VCN
	if r.IsSparse() {
		return SparseLCN, r.Len - off, true
	}
	return r.LCN + off, r.Len - off, true
}

// Add maps length clusters from vcn onto lcn (SparseLCN for a hole),
// replacing whatever covered that range before.
func (rl *RunList) Add(vcn, lcn, length uint64) {
	if length == 0 {
		return
	}
	rl.Punch(vcn, length)

	nr := Run{VCN: vcn, Len: length, LCN: lcn}
	i := sort.Search(len(rl.runs), func(i int) bool {
		return rl.runs[i].VCN >= vcn
	})
	rl.runs = append(rl.runs, Run{})
	copy(rl.runs[i+1:], rl.runs[i:])
	rl.runs[i] = nr

	// Merge with the successor first so i stays valid.
	if i+1 < len(rl.runs) && contiguous(rl.runs[i], rl.runs[i+1]) {
		rl.runs[i].Len += rl.runs[i+1].Len
		rl.runs = append(rl.runs[:i+1], rl.runs[i+2:]...)
	}
	if i > 0 && contiguous(rl.runs[i-1], rl.runs[i]) {
		rl.runs[i-1].Len += rl.runs[i].Len
		rl.runs = append(rl.runs[:i], rl.runs[i+1:]...)
	}
}

// Punch removes the mapping of length clusters from vcn, splitting runs that
// straddle either boundary.
func (rl *RunList) Punch(vcn, length uint64) {
	if length == 0 || len(rl.runs) == 0 {
		return
	}
	end := vcn + length
	if end < vcn {
		end = SparseLCN
	}
	out := rl.runs[:0:0]
	for _, r := range rl.runs {
		if r.End() <= vcn || r.VCN >= end {
			out = append(out, r)
			continue
		}
		if r.VCN < vcn {
			out = append(out, Run{VCN: r.VCN, Len: vcn - r.VCN, LCN: r.LCN})
		}
		if r.End() > end {
			tail := Run{VCN: end, Len: r.End() - end, LCN: SparseLCN}
			if !r.IsSparse() {
				tail.LCN = r.LCN + (end - r.VCN)
			}
			out = append(out, tail)
		}
	}
	rl.runs = out
}

// Truncate drops every mapping at or beyond vcn.
func (rl *RunList) Truncate(vcn uint64) {
	rl.Punch(vcn, SparseLCN-vcn)
}

// Segment returns the runs covering [vcn, vcn+length), clipped to the range.
func (rl *RunList) Segment(vcn, length uint64) []Run {
	end := vcn + length
	var out []Run
	i, _ := rl.find(vcn)
	for ; i < len(rl.runs) && rl.runs[i].VCN < end; i++ {
		r := rl.runs[i]
		if r.VCN < vcn {
			if !r.IsSparse() {
				r.LCN += vcn - r.VCN
			}
			r.Len -= vcn - r.VCN
			r.VCN = vcn
		}
		if r.End() > end {
			r.Len = end - r.VCN
		}
		out = append(out, r)
	}
	return out
}

// AllocatedClusters returns the number of clusters with physical backing.
func (rl *RunList) AllocatedClusters() uint64 {
	var n uint64
	for _, r := range rl.runs {
		if !r.IsSparse() {
			n += r.Len
		}
	}
	return n
}

// IsContiguous reports whether [vcn, vcn+length) is fully covered without gaps.
func (rl *RunList) IsContiguous(vcn, length uint64) bool {
	next := vcn
	for _, r := range rl.Segment(vcn, length) {
		if r.VCN != next {
			return false
		}
		next = r.End()
	}
	return next == vcn+length
}
