package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

func TestAllocatePrefersHint(t *testing.T) {
	a := New(100, 10, 64)

	ext, err := a.Allocate(5, 50)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Extent{LCN: 50, Len: 5}, ext)
	assert.Equal(t, uint64(85), a.FreeClusters())
	assert.Equal(t, []interfaces.Extent{{LCN: 10, Len: 40}, {LCN: 55, Len: 45}}, a.FreeExtents())
}

func TestAllocateBestFit(t *testing.T) {
	a := New(100, 0, 64)
	a.MarkUsed(interfaces.Extent{LCN: 0, Len: 100})
	require.NoError(t, a.Free(interfaces.Extent{LCN: 10, Len: 20}))
	require.NoError(t, a.Free(interfaces.Extent{LCN: 50, Len: 4}))
	require.NoError(t, a.Free(interfaces.Extent{LCN: 70, Len: 8}))

	ext, err := a.Allocate(4, 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Extent{LCN: 50, Len: 4}, ext)

	ext, err = a.Allocate(6, 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Extent{LCN: 70, Len: 6}, ext)
}

func TestAllocatePartial(t *testing.T) {
	a := New(16, 8, 64)

	ext, err := a.Allocate(20, 0)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Extent{LCN: 8, Len: 8}, ext)

	_, err = a.Allocate(1, 0)
	assert.ErrorIs(t, err, types.ErrAllocationFailed)
	assert.True(t, types.IsNoSpace(err))
}

func TestFreeMerges(t *testing.T) {
	a := New(30, 0, 64)
	a.MarkUsed(interfaces.Extent{LCN: 0, Len: 30})
	assert.Zero(t, a.FreeClusters())

	require.NoError(t, a.Free(interfaces.Extent{LCN: 0, Len: 10}))
	require.NoError(t, a.Free(interfaces.Extent{LCN: 20, Len: 10}))
	require.NoError(t, a.Free(interfaces.Extent{LCN: 10, Len: 10}))
	assert.Equal(t, []interfaces.Extent{{LCN: 0, Len: 30}}, a.FreeExtents())

	err := a.Free(interfaces.Extent{LCN: 5, Len: 2})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	err = a.Free(interfaces.Extent{LCN: 25, Len: 10})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestMarkUsedAcrossRuns(t *testing.T) {
	a := New(40, 0, 64)
	a.MarkUsed(interfaces.Extent{LCN: 10, Len: 5})
	a.MarkUsed(interfaces.Extent{LCN: 5, Len: 20})
	assert.Equal(t, []interfaces.Extent{{LCN: 0, Len: 5}, {LCN: 25, Len: 15}}, a.FreeExtents())
	assert.Equal(t, uint64(20), a.FreeClusters())
}

func TestRecordPool(t *testing.T) {
	a := New(10, 0, types.MftRecFree+3)

	var got []uint64
	for i := 0; i < 3; i++ {
		n, err := a.AllocateRecord()
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []uint64{16, 17, 18}, got)

	_, err := a.AllocateRecord()
	assert.ErrorIs(t, err, types.ErrNoSpace)

	require.NoError(t, a.FreeRecord(17))
	assert.False(t, a.IsAllocated(17))
	n, err := a.AllocateRecord()
	require.NoError(t, err)
	assert.Equal(t, uint64(17), n)

	assert.ErrorIs(t, a.FreeRecord(40), types.ErrNotFound)
	assert.Equal(t, 3, a.UsedRecords())
}

func TestConcurrentAllocation(t *testing.T) {
	a := New(1000, 0, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var extents []interfaces.Extent
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ext, err := a.Allocate(10, 0)
			if err != nil {
				return
			}
			mu.Lock()
			extents = append(extents, ext)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	var total uint64
	for _, e := range extents {
		for c := e.LCN; c < e.End(); c++ {
			require.False(t, seen[c], "cluster %d handed out twice", c)
			seen[c] = true
		}
		total += e.Len
	}
	assert.Equal(t, uint64(500), total)
	assert.Equal(t, uint64(500), a.FreeClusters())
}
