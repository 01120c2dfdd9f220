package memalloc

import "github.com/pkg/errors"

// NoMemory is the offset returned from Allocate when the request cannot be
// satisfied.
const NoMemory = -1

// Allocator hands out byte offsets into a caller-provided region. Allocate
// returns NoMemory when no suitable space exists. Free returns an error when
// the engine cannot resolve the offset to a block; how thoroughly that is
// checked depends on the engine's BlockForOffset.
type Allocator interface {
	Allocate(size int) int
	Free(offset int) error
}

// Block is an engine's handle for a single contiguous piece of the managed
// region. Payload returns the offset handed to the caller.
type Block interface {
	Payload() int
}

// Engine is the block-management capability an allocation engine provides to
// Core. Core sequences these five operations into the public Allocate and
// Free; the engine decides how blocks are found, carved, and recycled.
type Engine[B Block] interface {
	// FindFreeBlock locates a free block able to hold size bytes. The second
	// return is false when no such block exists.
	FindFreeBlock(size int) (B, bool)
	// ReleaseFreeBlock returns a freed block to the engine's free structure.
	ReleaseFreeBlock(block B)
	// MarkBlockUsed transitions a found block to the allocated state.
	MarkBlockUsed(block B)
	// MarkBlockFree transitions a resolved block out of the allocated state.
	MarkBlockFree(block B)
	// BlockForOffset resolves a caller-held offset back to the engine's block
	// handle. The second return is false when the offset does not map to a
	// block; engines that keep no per-allocation metadata accept any offset
	// on a block boundary, allocated or not.
	BlockForOffset(offset int) (B, bool)
}

// Core wires an engine and an aligner into the Allocator contract. The engine
// and aligner are type parameters so every call below dispatches statically.
type Core[B Block, E Engine[B], A Aligner] struct {
	engine  E
	aligner A
}

// NewCore builds a Core around the provided engine and aligner.
func NewCore[B Block, E Engine[B], A Aligner](engine E, aligner A) *Core[B, E, A] {
	return &Core[B, E, A]{
		engine:  engine,
		aligner: aligner,
	}
}

// Engine returns the underlying allocation engine, for statistics collection
// and state inspection.
func (c *Core[B, E, A]) Engine() E {
	return c.engine
}

// Allocate finds space for size bytes and returns its offset, or NoMemory
// when the request is non-positive or no space is available.
func (c *Core[B, E, A]) Allocate(size int) int {
	if size <= 0 {
		return NoMemory
	}

	block, ok := c.engine.FindFreeBlock(c.aligner.AlignSize(size))
	if !ok {
		return NoMemory
	}

	c.engine.MarkBlockUsed(block)
	return block.Payload()
}

// Free returns the allocation at offset to the engine. Freeing NoMemory is a
// no-op. An offset the engine cannot resolve to a block is rejected without
// touching engine state.
func (c *Core[B, E, A]) Free(offset int) error {
	if offset == NoMemory {
		return nil
	}

	block, ok := c.engine.BlockForOffset(offset)
	if !ok {
		return errors.Wrapf(ErrInvalidPointer, "offset %d", offset)
	}

	c.engine.MarkBlockFree(block)
	c.engine.ReleaseFreeBlock(block)
	return nil
}

// RegionBase carries the managed region for engines that embed it.
type RegionBase struct {
	region []byte
}

// InitRegion adopts the provided region. The engine takes exclusive use of
// the slice for its lifetime.
func (b *RegionBase) InitRegion(region []byte) {
	b.region = region
}

// Size returns the length of the managed region in bytes.
func (b *RegionBase) Size() int {
	return len(b.region)
}

// Region returns the managed region.
func (b *RegionBase) Region() []byte {
	return b.region
}
