//go:build linux || darwin

// Command libsmalloc builds the process-wide heap as a C shared library:
//
//	go build -buildmode=c-shared -o libsmalloc.so ./cmd/libsmalloc
//
// The exported functions follow the malloc family's contracts. Allocation failures return NULL and set
// errno to ENOMEM, including for sizes that cannot be represented, which are also logged. Passing a pointer to
// smalloc_free or smalloc_realloc that the heap does not recognize as live logs the problem and aborts
// the process.
package main

/*
#include <errno.h>
#include <stdlib.h>

static void smalloc_set_errno(int value) { errno = value; }
*/
import "C"

import (
	"context"
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/heap"
	"github.com/vkngwrapper/smalloc/malloc"
	"github.com/vkngwrapper/smalloc/memutils"
	"github.com/vkngwrapper/smalloc/region"
	"golang.org/x/exp/slog"
)

var (
	logger  = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	initErr error
)

func init() {
	// Memory handed to C must live outside the Go heap, so there is no arena fallback here
	r, err := region.NewMapped(malloc.DefaultReserve)
	if err == nil {
		err = malloc.Init(logger, r, heap.CreateOptions{})
	}

	if err != nil {
		initErr = errors.Wrap(err, "libsmalloc could not reserve its heap")
		logger.Error("libsmalloc: initialization failed", slog.Any("error", initErr))
	}
}

func setErrno(operation string, err error) {
	if err == nil {
		return
	}
	C.smalloc_set_errno(C.int(allocationErrno(operation, err)))
}

func fatal(operation string, ptr unsafe.Pointer, err error) {
	logger.LogAttrs(context.Background(), slog.LevelError, "libsmalloc: fatal usage error",
		slog.String("Operation", operation),
		slog.Any("Pointer", ptr),
		slog.Any("error", err))
	C.abort()
}

//export smalloc_malloc
func smalloc_malloc(size C.size_t) unsafe.Pointer {
	if initErr != nil {
		setErrno("malloc", initErr)
		return nil
	}

	ptr := malloc.Malloc(uintptr(size))
	if ptr == nil {
		setErrno("malloc", malloc.LastError())
	}
	return ptr
}

//export smalloc_calloc
func smalloc_calloc(count, size C.size_t) unsafe.Pointer {
	if initErr != nil {
		setErrno("calloc", initErr)
		return nil
	}

	ptr := malloc.Calloc(uintptr(count), uintptr(size))
	if ptr == nil {
		setErrno("calloc", malloc.LastError())
	}
	return ptr
}

//export smalloc_free
func smalloc_free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if initErr != nil {
		fatal("free", ptr, initErr)
		return
	}

	h, err := malloc.Heap()
	if err == nil {
		err = h.Release(ptr)
	}
	if err != nil {
		fatal("free", ptr, err)
	}
}

//export smalloc_realloc
func smalloc_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	if initErr != nil {
		setErrno("realloc", initErr)
		return nil
	}

	h, err := malloc.Heap()
	if err != nil {
		setErrno("realloc", err)
		return nil
	}

	if uint64(size) > uint64(^uint(0)>>1) {
		setErrno("realloc", errors.Wrapf(memutils.ErrSizeOverflow, "size is %d", uint64(size)))
		return nil
	}

	newPtr, err := h.Resize(ptr, int(size))
	switch {
	case errors.Is(err, memutils.ErrInvalidPointer), errors.Is(err, memutils.ErrDoubleFree):
		fatal("realloc", ptr, err)
		return nil
	case err != nil:
		setErrno("realloc", err)
	}

	return newPtr
}

//export smalloc_usable_size
func smalloc_usable_size(ptr unsafe.Pointer) C.size_t {
	if ptr == nil || initErr != nil {
		return 0
	}

	h, err := malloc.Heap()
	if err != nil {
		return 0
	}

	size, err := h.UsableSize(ptr)
	if err != nil {
		fatal("malloc_usable_size", ptr, err)
		return 0
	}
	return C.size_t(size)
}

// smalloc_stats returns a JSON description of the heap. The caller releases it with the C library's free.
//
//export smalloc_stats
func smalloc_stats(detailed C.int) *C.char {
	if initErr != nil {
		return nil
	}

	h, err := malloc.Heap()
	if err != nil {
		return nil
	}

	return C.CString(h.BuildStatsString(detailed != 0))
}

func main() {}
