// Package malloc exposes one process-wide heap through the classic malloc, free, calloc and realloc
// contract. The heap is created on first use unless Init is called beforehand.
//
// Like the C functions it mirrors, nothing in this package is safe for concurrent use: callers must make
// sure only one goroutine is inside the package at a time.
package malloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/heap"
	"github.com/vkngwrapper/smalloc/memutils"
	"github.com/vkngwrapper/smalloc/region"
	"golang.org/x/exp/slog"
)

// DefaultReserve is the amount of address space reserved for the process-wide heap when Init has not
// been called. Only the pages the heap actually grows into are committed.
const DefaultReserve int = 1 << 30

// fallbackArenaSize is used when address space cannot be reserved on this platform
const fallbackArenaSize int = 64 * 1024 * 1024

var (
	processHeap *heap.Heap
	lastError   error
)

// Init installs the process-wide heap. It must be called before any other function in this package, and
// at most once. logger may be nil to log through slog.Default().
func Init(logger *slog.Logger, r region.Region, options heap.CreateOptions) error {
	if processHeap != nil {
		return errors.New("the process heap has already been initialized")
	}
	if r == nil {
		return errors.New("a region is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	processHeap = heap.New(logger, r, options)
	return nil
}

// Heap returns the process-wide heap, creating it if necessary
func Heap() (*heap.Heap, error) {
	if processHeap != nil {
		return processHeap, nil
	}

	logger := slog.Default()

	var r region.Region
	mapped, err := region.NewMapped(DefaultReserve)
	if err == nil {
		r = mapped
	} else {
		logger.Debug("malloc: address space reservation unavailable, falling back to an arena",
			slog.Any("error", err),
			slog.Int("ArenaSize", fallbackArenaSize))

		arena, arenaErr := region.NewArena(fallbackArenaSize)
		if arenaErr != nil {
			return nil, errors.CombineErrors(err, arenaErr)
		}
		r = arena
	}

	processHeap = heap.New(logger, r, heap.CreateOptions{})
	return processHeap, nil
}

// LastError returns the error behind the most recent nil result from Malloc, Calloc or Realloc, in the
// manner of errno. It is cleared by every successful call.
func LastError() error {
	return lastError
}

func record(ptr unsafe.Pointer, err error) unsafe.Pointer {
	lastError = err
	return ptr
}

// Malloc returns a pointer to at least size bytes, or nil. A size of 0 returns nil with no error; any other
// nil result leaves an error wrapping memutils.ErrOutOfMemory or memutils.ErrSizeOverflow in LastError.
func Malloc(size uintptr) unsafe.Pointer {
	h, err := Heap()
	if err != nil {
		return record(nil, err)
	}

	n, err := toInt(size)
	if err != nil {
		return record(nil, err)
	}

	return record(h.Allocate(n))
}

// Free releases a pointer returned by Malloc, Calloc or Realloc. A nil pointer is ignored. Any other pointer
// the heap does not recognize as live is a fatal usage error and panics.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	h, err := Heap()
	if err == nil {
		err = h.Release(ptr)
	}
	if err != nil {
		panic(errors.Wrap(err, "free"))
	}
}

// Calloc returns a pointer to count*size zeroed bytes, or nil. An overflowing product is reported through
// LastError as memutils.ErrSizeOverflow.
func Calloc(count, size uintptr) unsafe.Pointer {
	h, err := Heap()
	if err != nil {
		return record(nil, err)
	}

	n, err := toInt(count)
	if err != nil {
		return record(nil, err)
	}
	elementSize, err := toInt(size)
	if err != nil {
		return record(nil, err)
	}

	return record(h.ZeroAllocate(n, elementSize))
}

// Realloc resizes the allocation behind ptr, returning a pointer to the resized allocation or nil. A nil ptr
// behaves like Malloc. If the allocation had to move and no memory was available, nil is returned and ptr
// remains valid. A pointer the heap does not recognize as live panics, as with Free.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	h, err := Heap()
	if err != nil {
		return record(nil, err)
	}

	n, err := toInt(size)
	if err != nil {
		return record(nil, err)
	}

	newPtr, err := h.Resize(ptr, n)
	if errors.Is(err, memutils.ErrInvalidPointer) || errors.Is(err, memutils.ErrDoubleFree) {
		panic(errors.Wrap(err, "realloc"))
	}

	return record(newPtr, err)
}

// UsableSize returns the number of bytes that can be written through ptr, which may be more than were
// requested. It panics on pointers that are not live, as with Free.
func UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}

	h, err := Heap()
	if err != nil {
		panic(err)
	}

	size, err := h.UsableSize(ptr)
	if err != nil {
		panic(errors.Wrap(err, "malloc_usable_size"))
	}

	return uintptr(size)
}

func toInt(size uintptr) (int, error) {
	if size > uintptr(^uint(0)>>1) {
		return 0, errors.Wrapf(memutils.ErrSizeOverflow, "size %d", size)
	}
	return int(size), nil
}
