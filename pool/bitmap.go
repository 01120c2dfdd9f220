package pool

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"log/slog"

	"github.com/embedkit/memalloc"
)

// BitmapPool divides the region into slotCount slots of slotSize bytes and
// tracks which slots are free with one bit per slot. The bitmap lives on the
// engine object, so the region holds raw slots only. Allocation scans for the
// lowest set bit; freeing sets a single bit.
type BitmapPool struct {
	memalloc.RegionBase

	slotSize  int
	slotCount int
	bitmap    *memalloc.BitVector
	logger    *slog.Logger
}

// NewBitmapPool creates an engine for slotCount slots of slotSize bytes each.
// The logger may be nil; it is only used to surface layout warnings from Init.
func NewBitmapPool(slotSize, slotCount int, logger *slog.Logger) *BitmapPool {
	return &BitmapPool{
		slotSize:  slotSize,
		slotCount: slotCount,
		bitmap:    memalloc.NewBitVector(slotCount),
		logger:    logger,
	}
}

// Init adopts the region and marks every slot free. The region length must be
// a multiple of the slot size and large enough to hold every slot. Excess
// memory beyond slotCount slots is ignored.
func (p *BitmapPool) Init(region []byte) error {
	if len(region)%p.slotSize != 0 {
		return errors.Wrapf(memalloc.ErrRegionLayout, "region size %d is not a multiple of the slot size %d", len(region), p.slotSize)
	}

	slots := len(region) / p.slotSize
	if slots < p.slotCount {
		return errors.Wrapf(memalloc.ErrRegionLayout, "region size %d is too small to hold %d slots", len(region), p.slotCount)
	}

	if slots > p.slotCount && p.logger != nil {
		p.logger.Warn("region is larger than required, excess memory is unused",
			slog.Int("regionSize", len(region)),
			slog.Int("wastedBytes", len(region)-p.slotCount*p.slotSize),
		)
	}

	p.InitRegion(region)
	p.bitmap.SetAll()
	return nil
}

// SlotSize returns the size of each slot in bytes.
func (p *BitmapPool) SlotSize() int { return p.slotSize }

// SlotCount returns the number of slots the pool manages.
func (p *BitmapPool) SlotCount() int { return p.slotCount }

// FreeCount returns the number of slots currently free.
func (p *BitmapPool) FreeCount() int { return p.bitmap.CountSet() }

// FindFreeBlock returns the lowest-offset free slot. The requested size must
// equal the slot size exactly.
func (p *BitmapPool) FindFreeBlock(size int) (Slot, bool) {
	memalloc.DebugValidate(p)

	if size != p.slotSize {
		return Slot{}, false
	}

	index := p.bitmap.FirstSet()
	if index < 0 {
		return Slot{}, false
	}

	return Slot{offset: index * p.slotSize}, true
}

// ReleaseFreeBlock is a no-op, the bit was already set by MarkBlockFree.
func (p *BitmapPool) ReleaseFreeBlock(block Slot) {}

// MarkBlockUsed clears the slot's bit.
func (p *BitmapPool) MarkBlockUsed(block Slot) {
	p.bitmap.ClearBit(block.offset / p.slotSize)
}

// MarkBlockFree sets the slot's bit.
func (p *BitmapPool) MarkBlockFree(block Slot) {
	p.bitmap.SetBit(block.offset / p.slotSize)
}

// BlockForOffset resolves an offset to its slot. The pool keeps no per-slot
// metadata, so the only checks are that the offset is in range and lands on a
// slot boundary.
func (p *BitmapPool) BlockForOffset(offset int) (Slot, bool) {
	if offset < 0 || offset >= p.slotCount*p.slotSize || offset%p.slotSize != 0 {
		return Slot{}, false
	}

	return Slot{offset: offset}, true
}

// Validate checks the engine's bookkeeping against the region layout.
func (p *BitmapPool) Validate() error {
	if p.bitmap.Len() != p.slotCount {
		return errors.Errorf("bitmap tracks %d slots but the pool was created with %d", p.bitmap.Len(), p.slotCount)
	}

	if p.Size() < p.slotCount*p.slotSize {
		return errors.Errorf("region size %d cannot hold %d slots of %d bytes", p.Size(), p.slotCount, p.slotSize)
	}

	return nil
}

// AddStatistics accumulates basic usage numbers for this pool into stats.
func (p *BitmapPool) AddStatistics(stats *memalloc.Statistics) {
	allocated := p.slotCount - p.FreeCount()
	stats.RegionCount++
	stats.RegionBytes += p.Size()
	stats.AllocationCount += allocated
	stats.AllocationBytes += allocated * p.slotSize
}

// AddDetailedStatistics accumulates per-slot usage numbers for this pool into
// stats.
func (p *BitmapPool) AddDetailedStatistics(stats *memalloc.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += p.Size()

	for i := 0; i < p.slotCount; i++ {
		if p.bitmap.Bit(i) {
			stats.AddFreeRange(p.slotSize)
		} else {
			stats.AddAllocation(p.slotSize)
		}
	}
}

// BlockJsonData populates a json object with information about this pool
func (p *BitmapPool) BlockJsonData(json jwriter.ObjectState) {
	json.Name("SlotSize").Int(p.slotSize)
	json.Name("SlotCount").Int(p.slotCount)
	json.Name("FreeSlots").Int(p.FreeCount())

	arrayState := json.Name("Allocations").Array()
	defer arrayState.End()

	for i := 0; i < p.slotCount; i++ {
		if p.bitmap.Bit(i) {
			continue
		}

		obj := arrayState.Object()
		obj.Name("Offset").Int(i * p.slotSize)
		obj.Name("Size").Int(p.slotSize)
		obj.End()
	}
}

// DebugLogAllAllocations writes all allocated slots to the provided logger.
// If logFunc is provided, it will be called once for each allocated slot in
// place of the default log line.
func (p *BitmapPool) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	for i := 0; i < p.slotCount; i++ {
		if p.bitmap.Bit(i) {
			continue
		}

		if logFunc != nil {
			logFunc(logger, i*p.slotSize, p.slotSize)
		} else {
			logger.Debug("UNFREED ALLOCATION",
				slog.Int("offset", i*p.slotSize),
				slog.Int("size", p.slotSize),
			)
		}
	}
}

// BitmapAllocator is the public allocator built on BitmapPool. Requests must
// be for exactly the slot size.
type BitmapAllocator = memalloc.Core[Slot, *BitmapPool, memalloc.NullAligner]

// NewBitmapAllocator builds a BitmapPool over the region and wires it into
// the allocation skeleton. The logger may be nil.
func NewBitmapAllocator(region []byte, slotSize, slotCount int, logger *slog.Logger) (*BitmapAllocator, error) {
	engine := NewBitmapPool(slotSize, slotCount, logger)
	if err := engine.Init(region); err != nil {
		return nil, err
	}

	return memalloc.NewCore[Slot, *BitmapPool, memalloc.NullAligner](engine, memalloc.NullAligner{}), nil
}
