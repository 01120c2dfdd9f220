package freelist_test

import (
	"encoding/binary"
	"testing"

	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/memalloc"
	"github.com/embedkit/memalloc/freelist"
)

func TestAllocateAndCoalesce(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.ConstantAligner{Alignment: 8})
	require.NoError(t, err)

	engine := alloc.Engine()
	require.Equal(t, 1, engine.FreeRegions())

	first, size, ok := engine.FirstFree()
	require.True(t, ok)
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 1008, size)

	b1 := alloc.Allocate(250)
	require.Equal(t, 16, b1)

	b2 := alloc.Allocate(251)
	require.Equal(t, 288, b2)

	b3 := alloc.Allocate(252)
	require.Equal(t, 560, b3)

	// 192 bytes remain at the tail, not enough for this request.
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(256))

	b4 := alloc.Allocate(128)
	require.Equal(t, 832, b4)

	_, available, ok := engine.FirstFree()
	require.True(t, ok)
	require.Equal(t, 48, available)
	require.NoError(t, engine.Validate())

	require.NoError(t, alloc.Free(b3))
	require.Equal(t, 2, engine.FreeRegions())

	// b3, b4 and the tail remainder are adjacent and collapse into one region.
	require.NoError(t, alloc.Free(b4))
	require.Equal(t, 1, engine.FreeRegions())

	merged, mergedSize, ok := engine.FirstFree()
	require.True(t, ok)
	require.Equal(t, 544, merged.Offset())
	require.Equal(t, 464, mergedSize)

	require.NoError(t, alloc.Free(b1))
	require.Equal(t, 2, engine.FreeRegions())

	require.NoError(t, alloc.Free(b2))
	require.Equal(t, 1, engine.FreeRegions())

	final, finalSize, ok := engine.FirstFree()
	require.True(t, ok)
	require.Equal(t, 0, final.Offset())
	require.Equal(t, 1008, finalSize)
	require.NoError(t, engine.Validate())
}

func TestAllocateEdgeCases(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.ConstantAligner{Alignment: 8})
	require.NoError(t, err)

	require.Equal(t, memalloc.NoMemory, alloc.Allocate(0))
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(-8))
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(2048))
	require.NoError(t, alloc.Free(memalloc.NoMemory))
	require.Equal(t, 1, alloc.Engine().FreeRegions())
}

func TestSmallLeftoverIsAbsorbed(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	// The 16-byte leftover cannot hold its own header plus a payload, so the
	// allocation keeps the region's full 1008 bytes.
	offset := alloc.Allocate(992)
	require.Equal(t, 16, offset)
	require.Equal(t, 0, alloc.Engine().FreeRegions())
	require.Equal(t, memalloc.NoMemory, alloc.Allocate(8))

	require.NoError(t, alloc.Free(offset))
	require.Equal(t, 1, alloc.Engine().FreeRegions())

	_, size, ok := alloc.Engine().FirstFree()
	require.True(t, ok)
	require.Equal(t, 1008, size)
}

func TestExactFit(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	offset := alloc.Allocate(1008)
	require.Equal(t, 16, offset)
	require.Equal(t, 0, alloc.Engine().FreeRegions())

	require.NoError(t, alloc.Free(offset))
	require.Equal(t, 1, alloc.Engine().FreeRegions())
	require.NoError(t, alloc.Engine().Validate())
}

func TestCorruptedHeaderIsRejected(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	offset := alloc.Allocate(512)
	require.Equal(t, 16, offset)

	// Stomp the magic field.
	binary.LittleEndian.PutUint32(region[12:], 0xDEADBEEF)
	err = alloc.Free(offset)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))

	// Restore the magic, stomp the first canary.
	binary.LittleEndian.PutUint32(region[12:], freelist.MagicUsed)
	binary.LittleEndian.PutUint32(region[0:], 0)
	err = alloc.Free(offset)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))

	// Restore the first canary, stomp the second.
	binary.LittleEndian.PutUint32(region[0:], freelist.MagicFire)
	binary.LittleEndian.PutUint32(region[4:], 0)
	err = alloc.Free(offset)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))

	// A fully restored header frees normally.
	binary.LittleEndian.PutUint32(region[4:], freelist.MagicWolf)
	require.NoError(t, alloc.Free(offset))
	require.Equal(t, 1, alloc.Engine().FreeRegions())
}

func TestDoubleFreeIsRejected(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	offset := alloc.Allocate(100)
	require.NoError(t, alloc.Free(offset))

	err = alloc.Free(offset)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))
}

func TestFreeErrors(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	err = alloc.Free(8)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))

	err = alloc.Free(2048)
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrInvalidPointer))
}

func TestAlignerMustPreserveHeaderSize(t *testing.T) {
	region := make([]byte, 1024)

	_, err := freelist.New(region, memalloc.ConstantAligner{Alignment: 32})
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrRegionLayout))

	_, err = freelist.New(region, memalloc.NextPowerOfTwoAligner{})
	require.NoError(t, err)
}

func TestInitRejectsTinyRegion(t *testing.T) {
	_, err := freelist.New(make([]byte, 8), memalloc.NullAligner{})
	require.Error(t, err)
	require.True(t, errors.Is(err, memalloc.ErrRegionLayout))
}

func TestStatistics(t *testing.T) {
	region := make([]byte, 1024)
	alloc, err := freelist.New(region, memalloc.NullAligner{})
	require.NoError(t, err)

	a := alloc.Allocate(100)
	b := alloc.Allocate(200)
	require.NotEqual(t, memalloc.NoMemory, a)
	require.NotEqual(t, memalloc.NoMemory, b)
	require.NoError(t, alloc.Free(a))

	var detailed memalloc.DetailedStatistics
	detailed.Clear()
	alloc.Engine().AddDetailedStatistics(&detailed)
	require.Equal(t, memalloc.DetailedStatistics{
		Statistics: memalloc.Statistics{
			RegionCount:     1,
			AllocationCount: 1,
			RegionBytes:     1024,
			AllocationBytes: 200,
		},
		FreeRangeCount:     2,
		FreeRangeBytes:     776,
		LargestFreeRange:   676,
		SmallestAllocation: 200,
		LargestAllocation:  200,
	}, detailed)
	require.InDelta(t, 1-676.0/776.0, detailed.FragmentationRatio(), 1e-9)
}

func TestRandomizedAllocateFree(t *testing.T) {
	region := make([]byte, 1<<16)
	alloc, err := freelist.New(region, memalloc.ConstantAligner{Alignment: 8})
	require.NoError(t, err)

	engine := alloc.Engine()
	live := make(map[int]struct{})

	for i := 0; i < 5000; i++ {
		if len(live) > 0 && fastrand.Intn(3) == 0 {
			var victim int
			for offset := range live {
				victim = offset
				break
			}
			require.NoError(t, alloc.Free(victim))
			delete(live, victim)
			continue
		}

		offset := alloc.Allocate(8 + fastrand.Intn(500))
		if offset == memalloc.NoMemory {
			continue
		}

		_, taken := live[offset]
		require.False(t, taken, "offset %d handed out twice", offset)
		live[offset] = struct{}{}

		if i%500 == 0 {
			require.NoError(t, engine.Validate())
		}
	}

	require.NoError(t, engine.Validate())

	for offset := range live {
		require.NoError(t, alloc.Free(offset))
	}

	require.Equal(t, 1, engine.FreeRegions())
	_, size, ok := engine.FirstFree()
	require.True(t, ok)
	require.Equal(t, len(region)-freelist.HeaderSize, size)
	require.NoError(t, engine.Validate())
}
