// File: internal/interfaces/cluster_allocator.go
package interfaces

import "fmt"

// Extent is a run of physical clusters.
type Extent struct {
	LCN uint64
	Len uint64
}

// End returns the first cluster after the extent.
func (e Extent) End() uint64 {
	return e.LCN + e.Len
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d+%d]", e.LCN, e.Len)
}

// ClusterAllocator hands out free cluster ranges.
type ClusterAllocator interface {
	// Allocate returns a free extent of at most count clusters, preferring
	// one that starts at hint. It fails with types.ErrAllocationFailed when
	// no cluster is free.
	Allocate(count, hint uint64) (Extent, error)

	// Free returns an extent to the free pool.
	Free(extent Extent) error

	// FreeClusters returns the number of free clusters.
	FreeClusters() uint64
}
