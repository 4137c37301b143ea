package heap

import (
	"context"
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/memutils"
	"github.com/vkngwrapper/smalloc/region"
	"golang.org/x/exp/slog"
)

// Heap hands out payloads from a single Region. Memory is never returned to the Region; released blocks
// are reused by later allocations.
type Heap struct {
	logger *slog.Logger
	region region.Region
	flags  CreateFlags

	// origin is the first block header, or nil before the first allocation
	origin *blockHeader
}

// New creates a Heap that grows into the provided Region. The Region should be used by nothing else: the
// heap relies on every Grow call returning memory that directly follows the previous one.
//
// logger may be nil, in which case nothing is logged.
func New(logger *slog.Logger, r region.Region, options CreateOptions) *Heap {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Heap{
		logger: logger,
		region: r,
		flags:  options.Flags,
	}
}

// Region returns the Region this heap grows into
func (h *Heap) Region() region.Region { return h.region }

// Allocate returns a pointer to at least size writable bytes. The payload is 8-byte aligned.
//
// A size of 0 returns a nil pointer and a nil error. If the Region cannot grow to satisfy the request, a nil
// pointer is returned with an error wrapping memutils.ErrOutOfMemory, and the heap is unchanged apart from
// any coalescing performed while searching.
func (h *Heap) Allocate(size int) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}

	adjusted, err := requestSize(size)
	if err != nil {
		return nil, err
	}

	block, err := h.acquire(adjusted)
	if err != nil {
		return nil, err
	}

	h.split(block, adjusted)
	memutils.DebugFill(block.payload(), int(block.size), memutils.CreatedFillPattern)
	h.afterMutation()

	return block.payload(), nil
}

// Release returns the block behind ptr to the heap. A nil pointer is ignored.
//
// If ptr was not returned by this heap, an error wrapping memutils.ErrInvalidPointer is returned. If the
// block has already been released, an error wrapping memutils.ErrDoubleFree is returned. In both cases the
// heap is not modified.
func (h *Heap) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	block, err := h.liveBlock(ptr, "Release")
	if err != nil {
		return err
	}

	h.releaseBlock(block)
	h.afterMutation()
	return nil
}

// Resize changes the size of the allocation behind ptr and returns a pointer to it, which may differ from
// ptr. A nil ptr behaves like Allocate.
//
// Shrinking, or growing within the block's current capacity, returns ptr unchanged. Otherwise the block is
// extended in place if the block after it is free and large enough. Failing that, a new block is allocated,
// the old contents are copied over, and the old block is released. If that allocation fails, the error is
// returned and ptr remains valid.
func (h *Heap) Resize(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Allocate(newSize)
	}

	if newSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "resize to %d bytes", newSize)
	}

	block, err := h.liveBlock(ptr, "Resize")
	if err != nil {
		return nil, err
	}

	if uintptr(newSize) <= block.size {
		return ptr, nil
	}

	adjusted, err := requestSize(newSize)
	if err != nil {
		return nil, err
	}

	if h.extendInPlace(block, adjusted) {
		h.afterMutation()
		return ptr, nil
	}

	newPtr, err := h.Allocate(newSize)
	if err != nil {
		return nil, err
	}

	oldSize := int(block.size)
	copy(unsafe.Slice((*byte)(newPtr), min(oldSize, newSize)), block.payloadBytes())

	h.releaseBlock(block)
	h.afterMutation()

	return newPtr, nil
}

// ZeroAllocate allocates count*elementSize bytes and zeroes them. It returns an error wrapping
// memutils.ErrSizeOverflow if the product cannot be represented.
func (h *Heap) ZeroAllocate(count, elementSize int) (unsafe.Pointer, error) {
	size, err := memutils.CheckedMul(count, elementSize)
	if err != nil {
		return nil, err
	}

	ptr, err := h.Allocate(size)
	if ptr == nil {
		return nil, err
	}

	clear(unsafe.Slice((*byte)(ptr), size))
	return ptr, nil
}

// UsableSize returns the payload capacity of the live block behind ptr, which may exceed the size it was
// requested with.
func (h *Heap) UsableSize(ptr unsafe.Pointer) (int, error) {
	if ptr == nil {
		return 0, nil
	}

	block, err := h.liveBlock(ptr, "UsableSize")
	if err != nil {
		return 0, err
	}

	return int(block.size), nil
}

// requestSize rounds a caller's size up to Alignment and makes sure a header can be added to it
func requestSize(size int) (int, error) {
	adjusted, err := memutils.CheckedAlignUp(size, Alignment)
	if err != nil {
		return 0, err
	}

	_, err = memutils.CheckedAdd(adjusted, HeaderSize)
	if err != nil {
		return 0, err
	}

	return adjusted, nil
}

// acquire produces a used block with at least size bytes of payload, either by reusing a free block or by
// growing the region
func (h *Heap) acquire(size int) (*blockHeader, error) {
	if h.origin == nil {
		block, err := h.grow(size)
		if err != nil {
			return nil, err
		}

		h.origin = block
		return block, nil
	}

	block, fit := h.locate(size)
	if fit {
		block.free = false
		return block, nil
	}

	newBlock, err := h.grow(size)
	if err != nil {
		return nil, err
	}

	block.next = newBlock.addr()
	return newBlock, nil
}

// grow extends the region by one header and size bytes of payload and writes a used, unlinked header there
func (h *Heap) grow(size int) (*blockHeader, error) {
	start, err := h.region.Grow(HeaderSize + size)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "Heap::grow failed",
			slog.Int("Size", size),
			slog.Int("RegionSize", h.region.Size()),
			slog.Any("error", err))
		return nil, errors.Wrapf(err, "failed to grow heap for a %d-byte block", size)
	}

	h.logger.Debug("Heap::grow", slog.Int("Size", size), slog.Int("RegionSize", h.region.Size()))
	return initHeader(start, uintptr(size), false, 0), nil
}

// extendInPlace grows a used block into the free blocks that directly follow it, if together they provide at
// least size bytes of payload
func (h *Heap) extendInPlace(block *blockHeader, size int) bool {
	if !block.nextIsFree() {
		return false
	}

	next := block.nextBlock()
	for next.nextIsFree() {
		next.absorbNext()
	}

	if block.size+uintptr(HeaderSize)+next.size < uintptr(size) {
		return false
	}

	block.absorbNext()
	h.split(block, size)
	return true
}

func (h *Heap) releaseBlock(block *blockHeader) {
	block.free = true
	memutils.DebugFill(block.payload(), int(block.size), memutils.DestroyedFillPattern)

	if block.nextIsFree() {
		block.absorbNext()
	}
}

// liveBlock recovers the header behind a payload pointer and makes sure it belongs to a used block
func (h *Heap) liveBlock(ptr unsafe.Pointer, operation string) (*blockHeader, error) {
	block, err := h.blockOf(ptr)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[INVALID POINTER] rejected pointer",
			slog.String("Operation", operation),
			slog.Any("Pointer", ptr),
			slog.Any("error", err))
		return nil, errors.Wrapf(err, "%s", operation)
	}

	if block.free {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[DOUBLE FREE] pointer refers to a released block",
			slog.String("Operation", operation),
			slog.Any("Pointer", ptr),
			slog.Int("Size", int(block.size)))
		return nil, errors.Wrapf(memutils.ErrDoubleFree, "%s: pointer %p", operation, ptr)
	}

	return block, nil
}

func (h *Heap) blockOf(ptr unsafe.Pointer) (*blockHeader, error) {
	addr := uintptr(ptr)
	brk := uintptr(h.region.Base()) + uintptr(h.region.Size())

	if h.origin == nil || addr < h.origin.addr()+uintptr(HeaderSize) || addr >= brk {
		return nil, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %p is outside the heap", ptr)
	}

	if (addr-h.origin.addr())%uintptr(Alignment) != 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %p is not aligned to %d bytes", ptr, Alignment)
	}

	block := headerOf(ptr)
	if block.magic != Sentinel {
		return nil, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %p has no block header", ptr)
	}

	if h.flags&CreateVerifyPointers != 0 && !h.reachable(block) {
		return nil, errors.Wrapf(memutils.ErrInvalidPointer, "pointer %p is not in the block list", ptr)
	}

	return block, nil
}

func (h *Heap) reachable(target *blockHeader) bool {
	for block := h.origin; block != nil; block = block.nextBlock() {
		if block == target {
			return true
		}
		if block.addr() > target.addr() {
			return false
		}
	}

	return false
}

func (h *Heap) afterMutation() {
	memutils.DebugValidate(h)

	if h.flags&CreateValidateEveryCall != 0 {
		err := h.Validate()
		if err != nil {
			panic(errors.Wrap(err, "heap validation failed"))
		}
	}
}
