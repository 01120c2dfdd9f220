// Package freelist provides a variable-size allocation engine that manages a
// caller-supplied region through a doubly linked list of free regions sorted
// by address. Every region, free or allocated, is preceded by an in-band
// header; adjacent free regions are coalesced eagerly when a block is
// released.
package freelist

import (
	"encoding/binary"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"log/slog"

	"github.com/embedkit/memalloc"
)

// Engine is the free-list allocation engine. The head and tail of the free
// list live on the engine object; the list links themselves live in the
// headers inside the region.
type Engine struct {
	memalloc.RegionBase

	head  int
	tail  int
	count int
}

// NewEngine creates an engine with no region attached.
func NewEngine() *Engine {
	return &Engine{
		head: memalloc.NoMemory,
		tail: memalloc.NoMemory,
	}
}

// Init adopts the region and writes a single free header spanning all of it.
func (e *Engine) Init(region []byte) error {
	if len(region) < HeaderSize {
		return errors.Wrapf(memalloc.ErrRegionLayout, "region size %d cannot hold a %d-byte header", len(region), HeaderSize)
	}

	e.InitRegion(region)

	block := e.writeFreeHeader(0, len(region)-HeaderSize)
	e.head = block.offset
	e.tail = block.offset
	e.count = 1

	return nil
}

func (e *Engine) field(offset int, field int) uint32 {
	return binary.LittleEndian.Uint32(e.Region()[offset+field:])
}

func (e *Engine) setField(offset int, field int, value uint32) {
	binary.LittleEndian.PutUint32(e.Region()[offset+field:], value)
}

func (e *Engine) sizeOf(offset int) int {
	return int(e.field(offset, hdrSize))
}

func (e *Engine) magicOf(offset int) uint32 {
	return e.field(offset, hdrMagic)
}

// linkOf translates an in-band link field into an offset, mapping the null
// sentinel to NoMemory.
func (e *Engine) linkOf(offset int, field int) int {
	raw := e.field(offset, field)
	if raw == linkNil {
		return memalloc.NoMemory
	}
	return int(raw)
}

func (e *Engine) setLink(offset int, field int, target int) {
	raw := linkNil
	if target != memalloc.NoMemory {
		raw = uint32(target)
	}
	e.setField(offset, field, raw)
}

// endOf returns the offset one past the region described by the header,
// which is where an adjacent header would begin.
func (e *Engine) endOf(offset int) int {
	return offset + HeaderSize + e.sizeOf(offset)
}

func (e *Engine) writeFreeHeader(offset int, size int) Header {
	e.setField(offset, hdrSize, uint32(size))
	e.setField(offset, hdrMagic, MagicFree)
	e.setField(offset, hdrPrev, linkNil)
	e.setField(offset, hdrNext, linkNil)
	return Header{offset: offset}
}

// insertOrdered links the header into the free list, keeping the list sorted
// by header offset ascending.
func (e *Engine) insertOrdered(block Header) {
	succ := e.head
	for succ != memalloc.NoMemory && succ < block.offset {
		succ = e.linkOf(succ, hdrNext)
	}

	if succ == memalloc.NoMemory {
		// New tail
		e.setLink(block.offset, hdrPrev, e.tail)
		e.setLink(block.offset, hdrNext, memalloc.NoMemory)

		if e.tail == memalloc.NoMemory {
			e.head = block.offset
		} else {
			e.setLink(e.tail, hdrNext, block.offset)
		}

		e.tail = block.offset
	} else {
		pred := e.linkOf(succ, hdrPrev)
		e.setLink(block.offset, hdrPrev, pred)
		e.setLink(block.offset, hdrNext, succ)
		e.setLink(succ, hdrPrev, block.offset)

		if pred == memalloc.NoMemory {
			e.head = block.offset
		} else {
			e.setLink(pred, hdrNext, block.offset)
		}
	}

	e.count++
}

func (e *Engine) removeFromList(block Header) {
	pred := e.linkOf(block.offset, hdrPrev)
	succ := e.linkOf(block.offset, hdrNext)

	if pred == memalloc.NoMemory {
		e.head = succ
	} else {
		e.setLink(pred, hdrNext, succ)
	}

	if succ == memalloc.NoMemory {
		e.tail = pred
	} else {
		e.setLink(succ, hdrPrev, pred)
	}

	e.count--
}

// FreeRegions returns the number of entries on the free list.
func (e *Engine) FreeRegions() int {
	return e.count
}

// FirstFree returns the header at the head of the free list and its payload
// size. The second return is false when the list is empty.
func (e *Engine) FirstFree() (Header, int, bool) {
	if e.head == memalloc.NoMemory {
		return Header{}, 0, false
	}
	return Header{offset: e.head}, e.sizeOf(e.head), true
}

// FindFreeBlock walks the free list for the first region able to hold size
// bytes. The requested size is stashed into the found header's magic field;
// the header is about to leave the list, and MarkBlockUsed reads the stash
// back to decide how much to carve off.
func (e *Engine) FindFreeBlock(size int) (Header, bool) {
	memalloc.DebugValidate(e)

	for offset := e.head; offset != memalloc.NoMemory; offset = e.linkOf(offset, hdrNext) {
		if e.sizeOf(offset) >= size {
			e.setField(offset, hdrMagic, uint32(size))
			return Header{offset: offset}, true
		}
	}

	return Header{}, false
}

// MarkBlockUsed removes the block from the free list, carves off any leftover
// large enough to hold its own header, and stamps the used canaries. A
// leftover of at most one header size is absorbed into the allocation, and
// the block keeps its original size.
func (e *Engine) MarkBlockUsed(block Header) {
	e.removeFromList(block)

	actual := int(e.magicOf(block.offset))
	left := e.sizeOf(block.offset) - actual

	if left > HeaderSize {
		e.setField(block.offset, hdrSize, uint32(actual))
		remainder := e.writeFreeHeader(block.Payload()+actual, left-HeaderSize)
		e.insertOrdered(remainder)
	}

	e.setField(block.offset, hdrMagic, MagicUsed)
	e.setField(block.offset, hdrPrev, MagicFire)
	e.setField(block.offset, hdrNext, MagicWolf)
}

// MarkBlockFree stamps the free magic and clears both links.
func (e *Engine) MarkBlockFree(block Header) {
	e.setField(block.offset, hdrMagic, MagicFree)
	e.setField(block.offset, hdrPrev, linkNil)
	e.setField(block.offset, hdrNext, linkNil)
}

// ReleaseFreeBlock inserts the block into the free list in address order and
// coalesces it with its list neighbors when they are physically adjacent.
func (e *Engine) ReleaseFreeBlock(block Header) {
	e.insertOrdered(block)

	if pred := e.linkOf(block.offset, hdrPrev); pred != memalloc.NoMemory && e.endOf(pred) == block.offset {
		// Absorb block into its predecessor
		e.setField(pred, hdrSize, uint32(e.sizeOf(pred)+HeaderSize+e.sizeOf(block.offset)))

		succ := e.linkOf(block.offset, hdrNext)
		e.setLink(pred, hdrNext, succ)
		if succ == memalloc.NoMemory {
			e.tail = pred
		} else {
			e.setLink(succ, hdrPrev, pred)
		}

		e.count--
		block = Header{offset: pred}
	}

	if succ := e.linkOf(block.offset, hdrNext); succ != memalloc.NoMemory && e.endOf(block.offset) == succ {
		// Absorb the successor into block
		e.setField(block.offset, hdrSize, uint32(e.sizeOf(block.offset)+HeaderSize+e.sizeOf(succ)))

		next := e.linkOf(succ, hdrNext)
		e.setLink(block.offset, hdrNext, next)
		if next == memalloc.NoMemory {
			e.tail = block.offset
		} else {
			e.setLink(next, hdrPrev, block.offset)
		}

		e.count--
	}

	memalloc.DebugValidate(e)
}

// BlockForOffset reads the candidate header preceding the payload offset and
// validates its canaries. Any mismatch is a corruption or double-free signal
// and resolution fails without touching engine state.
func (e *Engine) BlockForOffset(offset int) (Header, bool) {
	headerOffset := offset - HeaderSize
	if headerOffset < 0 || offset > e.Size() {
		return Header{}, false
	}

	if e.magicOf(headerOffset) != MagicUsed {
		return Header{}, false
	}

	if e.field(headerOffset, hdrPrev) != MagicFire {
		return Header{}, false
	}

	if e.field(headerOffset, hdrNext) != MagicWolf {
		return Header{}, false
	}

	return Header{offset: headerOffset}, true
}

// VisitRegions walks every managed region in address order, calling visit
// with the payload offset, payload size, and whether the region is free.
// Walking stops early if visit returns an error.
func (e *Engine) VisitRegions(visit func(offset int, size int, free bool) error) error {
	for offset := 0; offset < e.Size(); {
		size := e.sizeOf(offset)
		if size < 0 || offset+HeaderSize+size > e.Size() {
			return errors.Errorf("header at offset %d describes %d bytes, which overruns the region", offset, size)
		}

		err := visit(offset+HeaderSize, size, e.magicOf(offset) == MagicFree)
		if err != nil {
			return err
		}

		offset += HeaderSize + size
	}

	return nil
}

// Validate walks the region's header chain and the free list and checks them
// against each other.
func (e *Engine) Validate() error {
	// Pass one: the header chain must exactly cover the region, every header
	// must carry coherent canaries, and no two adjacent regions may both be
	// free
	var chainFree []int
	covered := 0
	prevFree := false

	for offset := 0; offset < e.Size(); {
		size := e.sizeOf(offset)
		if size < 0 || offset+HeaderSize+size > e.Size() {
			return errors.Errorf("header at offset %d describes %d bytes, which overruns the region", offset, size)
		}

		switch e.magicOf(offset) {
		case MagicFree:
			if prevFree {
				return errors.Errorf("adjacent free headers at offset %d were not coalesced", offset)
			}
			chainFree = append(chainFree, offset)
			prevFree = true
		case MagicUsed:
			if e.field(offset, hdrPrev) != MagicFire || e.field(offset, hdrNext) != MagicWolf {
				return errors.Errorf("used header at offset %d has corrupted canaries", offset)
			}
			prevFree = false
		default:
			return errors.Errorf("header at offset %d has unrecognized magic 0x%08X", offset, e.magicOf(offset))
		}

		covered += HeaderSize + size
		offset += HeaderSize + size
	}

	if covered != e.Size() {
		return errors.Errorf("headers cover %d bytes of a %d-byte region", covered, e.Size())
	}

	// Pass two: the free list must contain exactly the free headers found in
	// the chain, in ascending address order, with consistent links
	listIndex := 0
	prev := memalloc.NoMemory

	for offset := e.head; offset != memalloc.NoMemory; offset = e.linkOf(offset, hdrNext) {
		if listIndex >= len(chainFree) || chainFree[listIndex] != offset {
			return errors.Errorf("free list entry at offset %d does not match the region's free headers", offset)
		}

		if e.linkOf(offset, hdrPrev) != prev {
			return errors.Errorf("free header at offset %d has a stale prev link", offset)
		}

		prev = offset
		listIndex++
	}

	if listIndex != len(chainFree) {
		return errors.Errorf("free list holds %d entries but the region has %d free headers", listIndex, len(chainFree))
	}

	if prev != e.tail {
		return errors.Errorf("free list tail is %d but the last reachable header is %d", e.tail, prev)
	}

	if e.count != len(chainFree) {
		return errors.Errorf("free list count is %d but the region has %d free headers", e.count, len(chainFree))
	}

	return nil
}

// AddStatistics accumulates basic usage numbers for this engine into stats.
func (e *Engine) AddStatistics(stats *memalloc.Statistics) {
	stats.RegionCount++
	stats.RegionBytes += e.Size()

	_ = e.VisitRegions(func(offset int, size int, free bool) error {
		if !free {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}
		return nil
	})
}

// AddDetailedStatistics accumulates per-region usage numbers for this engine
// into stats.
func (e *Engine) AddDetailedStatistics(stats *memalloc.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += e.Size()

	_ = e.VisitRegions(func(offset int, size int, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this engine
func (e *Engine) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(e.Size())
	json.Name("FreeRegions").Int(e.count)

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = e.VisitRegions(func(offset int, size int, free bool) error {
		obj := arrayState.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.End()
		return nil
	})
}

// DebugLogAllAllocations writes all live allocations to the provided logger.
// If logFunc is provided, it will be called once for each live allocation in
// place of the default log line.
func (e *Engine) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	_ = e.VisitRegions(func(offset int, size int, free bool) error {
		if free {
			return nil
		}

		if logFunc != nil {
			logFunc(logger, offset, size)
		} else {
			logger.Debug("UNFREED ALLOCATION",
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
		}
		return nil
	})
}

// New builds an Engine over the region and wires it into the allocation
// skeleton with the provided aligner. The aligner must map the header size to
// itself; internal padding between header and payload would break pointer
// arithmetic.
func New[A memalloc.Aligner](region []byte, aligner A) (*memalloc.Core[Header, *Engine, A], error) {
	if aligner.AlignSize(HeaderSize) != HeaderSize {
		return nil, errors.Wrapf(memalloc.ErrRegionLayout, "aligner must map the %d-byte header size to itself", HeaderSize)
	}

	engine := NewEngine()
	if err := engine.Init(region); err != nil {
		return nil, err
	}

	return memalloc.NewCore[Header, *Engine, A](engine, aligner), nil
}
