package pool

import (
	"encoding/binary"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"log/slog"

	"github.com/embedkit/memalloc"
)

// Free slots double as list nodes. The first 8 bytes of a free slot hold two
// little-endian uint32 offsets linking it into the free list. Once a slot is
// handed out, those bytes belong to the caller.
const (
	fastLinkPrev = 0
	fastLinkNext = 4

	// fastMinSlotSize is the smallest slot able to hold both link fields.
	fastMinSlotSize = 8

	// fastLinkNil marks the end of the list. Offset 0 is a valid slot, so the
	// in-band links cannot use zero as their null value.
	fastLinkNil = uint32(0xFFFFFFFF)
)

// FastPool divides the region into fixed-size slots and keeps the free slots
// on an intrusive doubly linked list threaded through the slots themselves.
// Allocation dequeues the head and freeing enqueues at the tail, so both are
// O(1). No per-slot metadata survives allocation.
type FastPool struct {
	memalloc.RegionBase

	slotSize  int
	head      int
	tail      int
	freeCount int
}

// NewFastPool creates an engine handing out slots of slotSize bytes.
func NewFastPool(slotSize int) *FastPool {
	return &FastPool{
		slotSize: slotSize,
		head:     memalloc.NoMemory,
		tail:     memalloc.NoMemory,
	}
}

// Init adopts the region and enqueues every slot in ascending address order.
// The slot size must be able to hold the free list links and the region
// length must be a multiple of it.
func (p *FastPool) Init(region []byte) error {
	if p.slotSize < fastMinSlotSize {
		return errors.Wrapf(memalloc.ErrRegionLayout, "slot size %d cannot hold the free list links (minimum %d)", p.slotSize, fastMinSlotSize)
	}

	if len(region)%p.slotSize != 0 {
		return errors.Wrapf(memalloc.ErrRegionLayout, "region size %d is not a multiple of the slot size %d", len(region), p.slotSize)
	}

	p.InitRegion(region)
	p.head = memalloc.NoMemory
	p.tail = memalloc.NoMemory
	p.freeCount = 0

	for offset := 0; offset < len(region); offset += p.slotSize {
		p.enqueue(offset)
	}

	return nil
}

func (p *FastPool) link(offset int, field int) int {
	raw := binary.LittleEndian.Uint32(p.Region()[offset+field:])
	if raw == fastLinkNil {
		return memalloc.NoMemory
	}
	return int(raw)
}

func (p *FastPool) setLink(offset int, field int, target int) {
	raw := fastLinkNil
	if target != memalloc.NoMemory {
		raw = uint32(target)
	}
	binary.LittleEndian.PutUint32(p.Region()[offset+field:], raw)
}

func (p *FastPool) enqueue(offset int) {
	p.setLink(offset, fastLinkPrev, p.tail)
	p.setLink(offset, fastLinkNext, memalloc.NoMemory)

	if p.tail == memalloc.NoMemory {
		p.head = offset
	} else {
		p.setLink(p.tail, fastLinkNext, offset)
	}

	p.tail = offset
	p.freeCount++
}

func (p *FastPool) dequeue() (int, bool) {
	if p.head == memalloc.NoMemory {
		return memalloc.NoMemory, false
	}

	offset := p.head
	p.head = p.link(offset, fastLinkNext)

	if p.head == memalloc.NoMemory {
		p.tail = memalloc.NoMemory
	} else {
		p.setLink(p.head, fastLinkPrev, memalloc.NoMemory)
	}

	p.freeCount--
	return offset, true
}

// SlotSize returns the size of each slot in bytes.
func (p *FastPool) SlotSize() int { return p.slotSize }

// SlotCount returns the number of slots the pool manages.
func (p *FastPool) SlotCount() int { return p.Size() / p.slotSize }

// FreeCount returns the number of slots currently on the free list.
func (p *FastPool) FreeCount() int { return p.freeCount }

// FindFreeBlock dequeues the slot at the head of the free list. The requested
// size must equal the slot size exactly.
func (p *FastPool) FindFreeBlock(size int) (Slot, bool) {
	memalloc.DebugValidate(p)

	if size != p.slotSize {
		return Slot{}, false
	}

	offset, ok := p.dequeue()
	if !ok {
		return Slot{}, false
	}

	return Slot{offset: offset}, true
}

// ReleaseFreeBlock enqueues the slot at the tail of the free list.
func (p *FastPool) ReleaseFreeBlock(block Slot) {
	p.enqueue(block.offset)
}

// MarkBlockUsed is a no-op, the slot left the free list when it was found.
func (p *FastPool) MarkBlockUsed(block Slot) {}

// MarkBlockFree is a no-op, ReleaseFreeBlock relinks the slot.
func (p *FastPool) MarkBlockFree(block Slot) {}

// BlockForOffset resolves an offset to its slot. The pool keeps no per-slot
// metadata, so the only checks are that the offset is in range and lands on a
// slot boundary.
func (p *FastPool) BlockForOffset(offset int) (Slot, bool) {
	if offset < 0 || offset >= p.Size() || offset%p.slotSize != 0 {
		return Slot{}, false
	}

	return Slot{offset: offset}, true
}

// freeOffsets returns the set of slots currently on the free list, walking
// head to tail.
func (p *FastPool) freeOffsets() map[int]struct{} {
	free := make(map[int]struct{}, p.freeCount)
	for offset := p.head; offset != memalloc.NoMemory; offset = p.link(offset, fastLinkNext) {
		free[offset] = struct{}{}
	}
	return free
}

// Validate walks the free list and checks it against the engine's counters
// and the region layout.
func (p *FastPool) Validate() error {
	count := 0
	prev := memalloc.NoMemory

	for offset := p.head; offset != memalloc.NoMemory; offset = p.link(offset, fastLinkNext) {
		if offset < 0 || offset >= p.Size() || offset%p.slotSize != 0 {
			return errors.Errorf("free list contains offset %d, which is not a slot boundary", offset)
		}

		if p.link(offset, fastLinkPrev) != prev {
			return errors.Errorf("slot at offset %d has a stale prev link", offset)
		}

		prev = offset
		count++

		if count > p.SlotCount() {
			return errors.New("free list contains a cycle")
		}
	}

	if prev != p.tail {
		return errors.Errorf("free list tail is %d but the last reachable slot is %d", p.tail, prev)
	}

	if count != p.freeCount {
		return errors.Errorf("free list holds %d slots but the engine counted %d", count, p.freeCount)
	}

	return nil
}

// AddStatistics accumulates basic usage numbers for this pool into stats.
func (p *FastPool) AddStatistics(stats *memalloc.Statistics) {
	allocated := p.SlotCount() - p.freeCount
	stats.RegionCount++
	stats.RegionBytes += p.Size()
	stats.AllocationCount += allocated
	stats.AllocationBytes += allocated * p.slotSize
}

// AddDetailedStatistics accumulates per-slot usage numbers for this pool into
// stats.
func (p *FastPool) AddDetailedStatistics(stats *memalloc.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += p.Size()

	for i := 0; i < p.freeCount; i++ {
		stats.AddFreeRange(p.slotSize)
	}

	allocated := p.SlotCount() - p.freeCount
	for i := 0; i < allocated; i++ {
		stats.AddAllocation(p.slotSize)
	}
}

// BlockJsonData populates a json object with information about this pool
func (p *FastPool) BlockJsonData(json jwriter.ObjectState) {
	json.Name("SlotSize").Int(p.slotSize)
	json.Name("SlotCount").Int(p.SlotCount())
	json.Name("FreeSlots").Int(p.freeCount)

	free := p.freeOffsets()

	arrayState := json.Name("Allocations").Array()
	defer arrayState.End()

	for offset := 0; offset < p.Size(); offset += p.slotSize {
		if _, isFree := free[offset]; isFree {
			continue
		}

		obj := arrayState.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(p.slotSize)
		obj.End()
	}
}

// DebugLogAllAllocations writes all allocated slots to the provided logger.
// If logFunc is provided, it will be called once for each allocated slot in
// place of the default log line.
func (p *FastPool) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	free := p.freeOffsets()

	for offset := 0; offset < p.Size(); offset += p.slotSize {
		if _, isFree := free[offset]; isFree {
			continue
		}

		if logFunc != nil {
			logFunc(logger, offset, p.slotSize)
		} else {
			logger.Debug("UNFREED ALLOCATION",
				slog.Int("offset", offset),
				slog.Int("size", p.slotSize),
			)
		}
	}
}

// FastAllocator is the public allocator built on FastPool. Requests must be
// for exactly the slot size.
type FastAllocator = memalloc.Core[Slot, *FastPool, memalloc.NullAligner]

// NewFastAllocator builds a FastPool over the region and wires it into the
// allocation skeleton.
func NewFastAllocator(region []byte, slotSize int) (*FastAllocator, error) {
	engine := NewFastPool(slotSize)
	if err := engine.Init(region); err != nil {
		return nil, err
	}

	return memalloc.NewCore[Slot, *FastPool, memalloc.NullAligner](engine, memalloc.NullAligner{}), nil
}
