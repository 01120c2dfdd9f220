package memalloc

import (
	"github.com/dolthub/swiss"
	"log/slog"
)

// TrackingAllocator wraps another Allocator and records every live
// allocation, mapping offsets to their requested sizes. It is intended for
// leak diagnostics in long-lived systems that funnel all allocations through
// a single choke point.
type TrackingAllocator struct {
	inner Allocator
	live  *swiss.Map[int, int]
}

// NewTrackingAllocator wraps the provided allocator.
func NewTrackingAllocator(inner Allocator) *TrackingAllocator {
	return &TrackingAllocator{
		inner: inner,
		live:  swiss.NewMap[int, int](37),
	}
}

// Allocate forwards to the wrapped allocator and records the allocation on
// success.
func (t *TrackingAllocator) Allocate(size int) int {
	offset := t.inner.Allocate(size)
	if offset != NoMemory {
		t.live.Put(offset, size)
	}
	return offset
}

// Free forwards to the wrapped allocator and forgets the allocation on
// success.
func (t *TrackingAllocator) Free(offset int) error {
	err := t.inner.Free(offset)
	if err != nil {
		return err
	}
	t.live.Delete(offset)
	return nil
}

// LiveCount returns the number of allocations that have not been freed.
func (t *TrackingAllocator) LiveCount() int {
	return t.live.Count()
}

// LiveBytes returns the total requested bytes of allocations that have not
// been freed.
func (t *TrackingAllocator) LiveBytes() int {
	total := 0
	t.live.Iter(func(offset int, size int) bool {
		total += size
		return false
	})
	return total
}

// DebugLogAllAllocations writes all live allocations to the provided logger.
// If logFunc is provided, it will be called once for each live allocation in
// place of the default log line.
func (t *TrackingAllocator) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	t.live.Iter(func(offset int, size int) bool {
		if logFunc != nil {
			logFunc(logger, offset, size)
		} else {
			logger.Debug("UNFREED ALLOCATION",
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
		}
		return false
	})
}
