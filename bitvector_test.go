package memalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/embedkit/memalloc"
)

func TestBitVectorBasics(t *testing.T) {
	v := memalloc.NewBitVector(130)
	require.Equal(t, 130, v.Len())
	require.Equal(t, 0, v.CountSet())
	require.Equal(t, -1, v.FirstSet())

	v.SetBit(0)
	v.SetBit(63)
	v.SetBit(64)
	v.SetBit(129)
	require.Equal(t, 4, v.CountSet())
	require.True(t, v.Bit(0))
	require.True(t, v.Bit(63))
	require.True(t, v.Bit(64))
	require.True(t, v.Bit(129))
	require.False(t, v.Bit(1))
	require.False(t, v.Bit(128))

	v.ClearBit(0)
	require.False(t, v.Bit(0))
	require.Equal(t, 3, v.CountSet())
	require.Equal(t, 63, v.FirstSet())
}

func TestBitVectorSetAllMasksTail(t *testing.T) {
	v := memalloc.NewBitVector(70)
	v.SetAll()
	require.Equal(t, 70, v.CountSet())

	for i := 0; i < 70; i++ {
		require.True(t, v.Bit(i))
	}

	v.ClearAll()
	require.Equal(t, 0, v.CountSet())
	require.Equal(t, -1, v.FirstSet())
}

func TestBitVectorFirstSetInRange(t *testing.T) {
	v := memalloc.NewBitVector(200)
	v.SetBit(5)
	v.SetBit(70)
	v.SetBit(150)

	require.Equal(t, 5, v.FirstSetInRange(0, 199))
	require.Equal(t, 70, v.FirstSetInRange(6, 199))
	require.Equal(t, 70, v.FirstSetInRange(70, 70))
	require.Equal(t, 150, v.FirstSetInRange(71, 199))
	require.Equal(t, -1, v.FirstSetInRange(151, 199))
	require.Equal(t, -1, v.FirstSetInRange(6, 69))
	require.Equal(t, -1, v.FirstSetInRange(10, 5))
}

func TestBitVectorFirstSetAcrossWords(t *testing.T) {
	v := memalloc.NewBitVector(256)
	v.SetBit(130)
	require.Equal(t, 130, v.FirstSet())
	require.Equal(t, 130, v.FirstSetInRange(64, 191))
	require.Equal(t, -1, v.FirstSetInRange(0, 129))
	require.Equal(t, -1, v.FirstSetInRange(131, 255))
}

func TestBitVectorOutOfRangePanics(t *testing.T) {
	v := memalloc.NewBitVector(10)
	require.Panics(t, func() { v.Bit(10) })
	require.Panics(t, func() { v.SetBit(-1) })
	require.Panics(t, func() { memalloc.NewBitVector(-1) })
}
