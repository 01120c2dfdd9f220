// Package buddy provides a binary-buddy allocation engine. The region is
// carved into power-of-two multiples of a basic block size; free blocks are
// split in halves on demand and merged with their buddies eagerly on release.
// The engine tracks block state in a perfect binary tree encoded as one bit
// per node, held on the engine object outside the region.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"log/slog"

	"github.com/embedkit/memalloc"
)

const noIndex = -1

// Status describes the logical state of one tree node. A node's state is
// derived from its own free bit together with its children's bits, so three
// states fit into a single bit per node.
type Status int

const (
	// StatusFree means the block is available: own bit set, children clear.
	StatusFree Status = iota
	// StatusAllocated means the block is handed out: own bit clear, children set.
	StatusAllocated
	// StatusSplit means the block was divided in two: own bit clear and the
	// children's bits encode their own substates.
	StatusSplit
	// StatusInvalid means the node's bits match none of the three encodings.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "Free"
	case StatusAllocated:
		return "Allocated"
	case StatusSplit:
		return "Split"
	}
	return "Invalid"
}

// Block is the engine's handle for one tree node, carrying the node index and
// the byte offset of the block it represents.
type Block struct {
	offset int
	index  int
}

// Payload returns the offset handed to callers.
func (b Block) Payload() int {
	return b.offset
}

// Index returns the block's node index in the tree.
func (b Block) Index() int {
	return b.index
}

// Engine is the binary-buddy allocation engine. A block of order k spans
// basicBlockSize << k bytes; the largest block, order maxOrder, spans the
// whole managed area.
type Engine struct {
	memalloc.RegionBase

	basicBlockSize int
	maxOrder       int
	maxNodes       int
	tree           *memalloc.BitVector
	logger         *slog.Logger
}

// NewEngine creates an engine with the given basic block size and maximum
// order. The logger may be nil; it is only used to surface layout warnings
// from Init.
func NewEngine(basicBlockSize, maxOrder int, logger *slog.Logger) *Engine {
	maxNodes := 1<<(maxOrder+1) - 1

	return &Engine{
		basicBlockSize: basicBlockSize,
		maxOrder:       maxOrder,
		maxNodes:       maxNodes,
		tree:           memalloc.NewBitVector(maxNodes),
		logger:         logger,
	}
}

// MaxBlockSize returns the size of the order-maxOrder block spanning the
// whole managed area.
func (e *Engine) MaxBlockSize() int {
	return e.orderToSize(e.maxOrder)
}

// MaxOrder returns the largest block order the engine hands out.
func (e *Engine) MaxOrder() int { return e.maxOrder }

// BasicBlockSize returns the size of an order-0 block.
func (e *Engine) BasicBlockSize() int { return e.basicBlockSize }

// Init adopts the region and marks the whole of it as a single free block of
// the maximum order. The region must hold at least one maximum-order block;
// memory beyond that is ignored.
func (e *Engine) Init(region []byte) error {
	if len(region) < e.MaxBlockSize() {
		return errors.Wrapf(memalloc.ErrRegionLayout, "region size %d cannot hold the maximum block of %d bytes", len(region), e.MaxBlockSize())
	}

	if len(region) > e.MaxBlockSize() && e.logger != nil {
		e.logger.Warn("region is larger than the maximum block, excess memory is unused",
			slog.Int("regionSize", len(region)),
			slog.Int("wastedBytes", len(region)-e.MaxBlockSize()),
		)
	}

	e.InitRegion(region)
	e.tree.ClearAll()
	e.tree.SetBit(0)
	return nil
}

func (e *Engine) orderToSize(order int) int {
	return e.basicBlockSize << order
}

func (e *Engine) orderToDepth(order int) int {
	return e.maxOrder - order
}

// sizeToOrder returns the order of the smallest block able to hold size
// bytes. The result may exceed maxOrder for oversized requests.
func (e *Engine) sizeToOrder(size int) int {
	numBasicBlocks := size / e.basicBlockSize
	if size%e.basicBlockSize != 0 {
		numBasicBlocks++
	}

	return bits.TrailingZeros(uint(memalloc.NextPow2(numBasicBlocks)))
}

func (e *Engine) leftChild(index int) int {
	return index*2 + 1
}

func (e *Engine) rightChild(index int) int {
	return index*2 + 2
}

func (e *Engine) parent(index int) int {
	if index == 0 {
		panic("the root block has no parent")
	}
	return (index - 1) / 2
}

func (e *Engine) isLeaf(index int) bool {
	return e.leftChild(index) >= e.maxNodes
}

func (e *Engine) isLeftChild(index int) bool {
	if index == 0 {
		panic("the root block is neither child")
	}
	return index&1 == 1
}

func (e *Engine) buddyOf(index int) int {
	if e.isLeftChild(index) {
		return index + 1
	}
	return index - 1
}

func (e *Engine) isFree(index int) bool {
	if e.isLeaf(index) {
		return e.tree.Bit(index)
	}

	return e.tree.Bit(index) &&
		!e.tree.Bit(e.leftChild(index)) &&
		!e.tree.Bit(e.rightChild(index))
}

func (e *Engine) isAllocated(index int) bool {
	if e.isLeaf(index) {
		return !e.tree.Bit(index)
	}

	return !e.tree.Bit(index) &&
		e.tree.Bit(e.leftChild(index)) &&
		e.tree.Bit(e.rightChild(index))
}

func (e *Engine) isSplit(index int) bool {
	if e.isLeaf(index) {
		return false
	}

	return !e.tree.Bit(index) &&
		!(e.tree.Bit(e.leftChild(index)) && e.tree.Bit(e.rightChild(index)))
}

// BlockStatus returns the logical state of the node at index.
func (e *Engine) BlockStatus(index int) Status {
	switch {
	case e.isFree(index):
		return StatusFree
	case e.isAllocated(index):
		return StatusAllocated
	case e.isSplit(index):
		return StatusSplit
	}
	return StatusInvalid
}

// splitBlock divides a free block into two free halves and returns the left
// one.
func (e *Engine) splitBlock(index int) int {
	if e.isLeaf(index) {
		panic(fmt.Sprintf("cannot split the order-0 block at index %d", index))
	}

	if !e.isFree(index) {
		panic(fmt.Sprintf("attempted to split the non-free block at index %d", index))
	}

	e.tree.ClearBit(index)
	e.tree.SetBit(e.leftChild(index))
	e.tree.SetBit(e.rightChild(index))

	return e.leftChild(index)
}

// mergeBlock reunites a free block with its free buddy and returns their
// parent, now a single free block of the next order up.
func (e *Engine) mergeBlock(index int) int {
	buddy := e.buddyOf(index)

	if !e.isFree(buddy) {
		panic(fmt.Sprintf("attempted to merge the block at index %d with its non-free buddy", index))
	}

	e.tree.ClearBit(index)
	e.tree.ClearBit(buddy)

	parent := e.parent(index)
	e.tree.SetBit(parent)
	return parent
}

// findFreeBlockOfOrder locates a free block of exactly the given order,
// splitting a block of the next order up when none is directly available.
// Returns noIndex when the request cannot be satisfied.
func (e *Engine) findFreeBlockOfOrder(order int) int {
	if order > e.maxOrder {
		return noIndex
	}

	// Blocks of this order occupy a contiguous index range at one tree depth
	depth := e.orderToDepth(order)
	lo := 1<<depth - 1
	hi := lo + 1<<depth - 1

	for lo <= hi {
		index := e.tree.FirstSetInRange(lo, hi)
		if index < 0 {
			break
		}

		if index == 0 {
			return index
		}

		if e.isAllocated(e.parent(index)) {
			// The bit is set only because the parent is allocated. Resume the
			// search past this candidate, skipping its buddy too when the
			// candidate is a left child.
			if e.isLeftChild(index) {
				lo = index + 2
			} else {
				lo = index + 1
			}
			continue
		}

		if !e.isSplit(e.parent(index)) {
			panic(fmt.Sprintf("parent of the free block at index %d must be split", index))
		}

		if !e.isFree(index) {
			panic(fmt.Sprintf("block at index %d has its free bit set but is not free", index))
		}

		return index
	}

	// No block of this order; carve one out of the next order up
	higher := e.findFreeBlockOfOrder(order + 1)
	if higher < 0 {
		return noIndex
	}

	return e.splitBlock(higher)
}

// FindFreeBlock locates a free block able to hold size bytes, splitting
// larger blocks as needed.
func (e *Engine) FindFreeBlock(size int) (Block, bool) {
	memalloc.DebugValidate(e)

	order := e.sizeToOrder(size)

	index := e.findFreeBlockOfOrder(order)
	if index < 0 {
		return Block{}, false
	}

	stride := index - (1<<e.orderToDepth(order) - 1)
	return Block{offset: stride * e.orderToSize(order), index: index}, true
}

// MarkBlockUsed clears the block's free bit and sets both children's bits to
// satisfy the allocated encoding.
func (e *Engine) MarkBlockUsed(block Block) {
	e.tree.ClearBit(block.index)

	if !e.isLeaf(block.index) {
		e.tree.SetBit(e.leftChild(block.index))
		e.tree.SetBit(e.rightChild(block.index))
	}
}

// MarkBlockFree sets the block's free bit and clears both children's bits to
// satisfy the free encoding.
func (e *Engine) MarkBlockFree(block Block) {
	e.tree.SetBit(block.index)

	if !e.isLeaf(block.index) {
		e.tree.ClearBit(e.leftChild(block.index))
		e.tree.ClearBit(e.rightChild(block.index))
	}
}

// ReleaseFreeBlock merges the freed block with its buddy repeatedly until the
// buddy is not free or the root is reached.
func (e *Engine) ReleaseFreeBlock(block Block) {
	index := block.index

	for index != 0 && e.isFree(e.buddyOf(index)) {
		index = e.mergeBlock(index)
	}

	memalloc.DebugValidate(e)
}

// BlockForOffset resolves an offset to its allocated block by binary descent
// from the root. The second return is false when the offset does not lie on
// the boundary of any allocated block.
func (e *Engine) BlockForOffset(offset int) (Block, bool) {
	if offset < 0 || offset >= e.MaxBlockSize() {
		return Block{}, false
	}

	saddr := 0
	index := 0

	for order := e.maxOrder; ; order-- {
		if offset == saddr {
			if e.isFree(index) {
				panic(fmt.Sprintf("descent for offset %d reached the free block at index %d", offset, index))
			}

			if e.isAllocated(index) {
				return Block{offset: offset, index: index}, true
			}

			// Split: the payload starts at the same address but belongs to a
			// smaller block down the left spine
			index = e.leftChild(index)
			continue
		}

		if order == 0 || !e.isSplit(index) {
			// Offset lies inside an unsplit block, so it is not a block boundary
			return Block{}, false
		}

		half := e.orderToSize(order - 1)
		if offset < saddr+half {
			index = e.leftChild(index)
		} else {
			saddr += half
			index = e.rightChild(index)
		}
	}
}

// VisitBlocks walks the logical blocks of the tree in pre-order, calling
// visit for every free and allocated block and for every split node along the
// way. Walking stops early if visit returns an error.
func (e *Engine) VisitBlocks(visit func(index, order, offset int, status Status) error) error {
	return e.visitBlock(0, e.maxOrder, 0, visit)
}

func (e *Engine) visitBlock(index, order, offset int, visit func(index, order, offset int, status Status) error) error {
	status := e.BlockStatus(index)

	err := visit(index, order, offset, status)
	if err != nil {
		return err
	}

	if status == StatusSplit {
		half := e.orderToSize(order - 1)

		err = e.visitBlock(e.leftChild(index), order-1, offset, visit)
		if err != nil {
			return err
		}

		return e.visitBlock(e.rightChild(index), order-1, offset+half, visit)
	}

	return nil
}

// descendantsClear reports whether every strict descendant of index has its
// bit clear.
func (e *Engine) descendantsClear(index int) bool {
	if e.isLeaf(index) {
		return true
	}

	left := e.leftChild(index)
	right := e.rightChild(index)

	return !e.tree.Bit(left) && !e.tree.Bit(right) &&
		e.descendantsClear(left) && e.descendantsClear(right)
}

// Validate checks that every reachable node carries a coherent state and
// that no stray bits survive below free or allocated blocks.
func (e *Engine) Validate() error {
	return e.validateBlock(0)
}

func (e *Engine) validateBlock(index int) error {
	switch e.BlockStatus(index) {
	case StatusFree:
		if !e.descendantsClear(index) {
			return errors.Errorf("free block at index %d has set bits below it", index)
		}

	case StatusAllocated:
		if !e.isLeaf(index) {
			if !e.descendantsClear(e.leftChild(index)) || !e.descendantsClear(e.rightChild(index)) {
				return errors.Errorf("allocated block at index %d has set bits below its children", index)
			}
		}

	case StatusSplit:
		err := e.validateBlock(e.leftChild(index))
		if err != nil {
			return err
		}
		return e.validateBlock(e.rightChild(index))

	default:
		return errors.Errorf("block at index %d is in an incoherent state", index)
	}

	return nil
}

// AddStatistics accumulates basic usage numbers for this engine into stats.
func (e *Engine) AddStatistics(stats *memalloc.Statistics) {
	stats.RegionCount++
	stats.RegionBytes += e.Size()

	_ = e.VisitBlocks(func(index, order, offset int, status Status) error {
		if status == StatusAllocated {
			stats.AllocationCount++
			stats.AllocationBytes += e.orderToSize(order)
		}
		return nil
	})
}

// AddDetailedStatistics accumulates per-block usage numbers for this engine
// into stats.
func (e *Engine) AddDetailedStatistics(stats *memalloc.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += e.Size()

	_ = e.VisitBlocks(func(index, order, offset int, status Status) error {
		switch status {
		case StatusFree:
			stats.AddFreeRange(e.orderToSize(order))
		case StatusAllocated:
			stats.AddAllocation(e.orderToSize(order))
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this engine
func (e *Engine) BlockJsonData(json jwriter.ObjectState) {
	json.Name("BasicBlockSize").Int(e.basicBlockSize)
	json.Name("MaxOrder").Int(e.maxOrder)
	json.Name("MaxBlockSize").Int(e.MaxBlockSize())

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = e.VisitBlocks(func(index, order, offset int, status Status) error {
		obj := arrayState.Object()
		obj.Name("Index").Int(index)
		obj.Name("Order").Int(order)
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(e.orderToSize(order))
		obj.Name("Status").String(status.String())
		obj.End()
		return nil
	})
}

// DebugLogAllAllocations writes all allocated blocks to the provided logger.
// If logFunc is provided, it will be called once for each allocated block in
// place of the default log line.
func (e *Engine) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	_ = e.VisitBlocks(func(index, order, offset int, status Status) error {
		if status != StatusAllocated {
			return nil
		}

		if logFunc != nil {
			logFunc(logger, offset, e.orderToSize(order))
		} else {
			logger.Debug("UNFREED ALLOCATION",
				slog.Int("offset", offset),
				slog.Int("size", e.orderToSize(order)),
			)
		}
		return nil
	})
}

// Allocator is the public allocator built on the buddy engine. Requests are
// rounded up to the next power-of-two multiple of the basic block size by the
// engine itself, so no size aligner is applied on top.
type Allocator = memalloc.Core[Block, *Engine, memalloc.NullAligner]

// New builds a buddy engine over the region and wires it into the allocation
// skeleton. The basic block size must be a power of two. The logger may be
// nil.
func New(region []byte, basicBlockSize, maxOrder int, logger *slog.Logger) (*Allocator, error) {
	if err := memalloc.CheckPow2(basicBlockSize, "basicBlockSize"); err != nil {
		return nil, err
	}

	engine := NewEngine(basicBlockSize, maxOrder, logger)
	if err := engine.Init(region); err != nil {
		return nil, err
	}

	return memalloc.NewCore[Block, *Engine, memalloc.NullAligner](engine, memalloc.NullAligner{}), nil
}
