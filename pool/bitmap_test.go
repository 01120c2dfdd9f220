package pool_test

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"log/slog"

	"github.com/embedkit/memalloc"
	"github.com/embedkit/memalloc/pool"
)

func TestBitmapAllocatorExhaustAndRecycle(t *testing.T) {
	region := make([]byte, 192)
	alloc, err := pool.NewBitmapAllocator(region, 16, 12, nil)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.Equal(t, i*16, alloc.Allocate(16))
	}
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(16))
	require.Equal(t, 0, alloc.Engine().FreeCount())

	require.NoError(t, alloc.Free(80))
	require.Equal(t, 1, alloc.Engine().FreeCount())
	require.Equal(t, 80, alloc.Allocate(16))

	require.NoError(t, alloc.Engine().Validate())
}

func TestBitmapAllocatorRejectsWrongSize(t *testing.T) {
	region := make([]byte, 64)
	alloc, err := pool.NewBitmapAllocator(region, 16, 4, nil)
	require.NoError(t, err)

	require.Equal(t, memalloc.NoMemory, alloc.Allocate(15))
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(17))
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(0))
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(-1))
	require.Equal(t, 4, alloc.Engine().FreeCount())
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	region := make([]byte, 64)
	alloc, err := pool.NewBitmapAllocator(region, 16, 4, nil)
	require.NoError(t, err)

	require.NoError(t, alloc.Free(memalloc.NoMemory))

	err = alloc.Free(7)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))

	err = alloc.Free(64)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))
}

func TestBitmapPoolInitErrors(t *testing.T) {
	engine := pool.NewBitmapPool(16, 4, nil)

	err := engine.Init(make([]byte, 63))
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrRegionLayout))

	err = engine.Init(make([]byte, 48))
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrRegionLayout))
}

func TestBitmapPoolOversizedRegion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := pool.NewBitmapPool(16, 4, logger)
	require.NoError(t, engine.Init(make([]byte, 96)))

	require.Equal(t, 4, engine.SlotCount())
	require.Equal(t, 4, engine.FreeCount())

	// The excess memory beyond the managed slots must never be handed out.
	alloc := memalloc.NewCore[pool.Slot](engine, memalloc.NullAligner{})
	for i := 0; i < 4; i++ {
		require.Equal(t, i*16, alloc.Allocate(16))
	}
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(16))
}

func TestBitmapPoolStatistics(t *testing.T) {
	region := make([]byte, 64)
	alloc, err := pool.NewBitmapAllocator(region, 16, 4, nil)
	require.NoError(t, err)

	require.Equal(t, 0, alloc.Allocate(16))
	require.Equal(t, 16, alloc.Allocate(16))

	var stats memalloc.Statistics
	stats.Clear()
	alloc.Engine().AddStatistics(&stats)
	require.Equal(t, memalloc.Statistics{
		RegionCount:     1,
		AllocationCount: 2,
		RegionBytes:     64,
		AllocationBytes: 32,
	}, stats)

	var detailed memalloc.DetailedStatistics
	detailed.Clear()
	alloc.Engine().AddDetailedStatistics(&detailed)
	require.Equal(t, memalloc.DetailedStatistics{
		Statistics: memalloc.Statistics{
			RegionCount:     1,
			AllocationCount: 2,
			RegionBytes:     64,
			AllocationBytes: 32,
		},
		FreeRangeCount:     2,
		FreeRangeBytes:     32,
		LargestFreeRange:   16,
		SmallestAllocation: 16,
		LargestAllocation:  16,
	}, detailed)
}

func TestBitmapPoolEmptyStatistics(t *testing.T) {
	region := make([]byte, 64)
	alloc, err := pool.NewBitmapAllocator(region, 16, 4, nil)
	require.NoError(t, err)

	var detailed memalloc.DetailedStatistics
	detailed.Clear()
	alloc.Engine().AddDetailedStatistics(&detailed)
	require.Equal(t, memalloc.DetailedStatistics{
		Statistics: memalloc.Statistics{
			RegionCount: 1,
			RegionBytes: 64,
		},
		FreeRangeCount:   4,
		FreeRangeBytes:   64,
		LargestFreeRange: 16,
	}, detailed)
}
