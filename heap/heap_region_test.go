package heap_test

import (
	"io"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/smalloc/heap"
	"github.com/vkngwrapper/smalloc/memutils"
	"github.com/vkngwrapper/smalloc/region"
	mock_region "github.com/vkngwrapper/smalloc/region/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestRegionGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	arena, err := region.NewArena(4096)
	require.NoError(t, err)

	mockRegion := mock_region.NewMockRegion(ctrl)
	mockRegion.EXPECT().Base().DoAndReturn(arena.Base).AnyTimes()
	mockRegion.EXPECT().Size().DoAndReturn(arena.Size).AnyTimes()
	gomock.InOrder(
		mockRegion.EXPECT().Grow(heap.HeaderSize+16).Return(unsafe.Pointer(nil), memutils.ErrOutOfMemory),
		mockRegion.EXPECT().Grow(heap.HeaderSize+16).DoAndReturn(arena.Grow),
		mockRegion.EXPECT().Grow(heap.HeaderSize+32).DoAndReturn(arena.Grow),
		mockRegion.EXPECT().Grow(heap.HeaderSize+64).Return(unsafe.Pointer(nil), errors.Wrap(memutils.ErrOutOfMemory, "exhausted")),
	)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := heap.New(logger, mockRegion, heap.CreateOptions{Flags: heap.CreateValidateEveryCall})

	// The first allocation fails before any block exists
	ptr, err := h.Allocate(16)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Nil(t, ptr)
	require.NoError(t, h.Validate())
	require.Equal(t, 0, h.AllocationCount())

	a, err := h.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(arena.Base(), heap.HeaderSize), a)

	b, err := h.Allocate(32)
	require.NoError(t, err)

	ptr, err = h.Allocate(64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Nil(t, ptr)
	require.NoError(t, h.Validate())
	require.Equal(t, 2, h.AllocationCount())

	// Reuse must not touch the region at all
	require.NoError(t, h.Release(b))
	c, err := h.Allocate(24)
	require.NoError(t, err)
	require.Equal(t, b, c)
}

func TestVerifyPointersAcceptsLiveBlocks(t *testing.T) {
	arena, err := region.NewArena(4096)
	require.NoError(t, err)
	h := heap.New(nil, arena, heap.CreateOptions{Flags: heap.CreateVerifyPointers | heap.CreateValidateEveryCall})

	var ptrs []unsafe.Pointer
	for i := 0; i < 5; i++ {
		ptr, err := h.Allocate(8 * (i + 1))
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		usable, err := h.UsableSize(ptrs[i])
		require.NoError(t, err)
		require.Equal(t, 8*(i+1), usable)
		require.NoError(t, h.Release(ptrs[i]))
	}

	require.True(t, h.IsEmpty())
	require.Equal(t, 1, h.FreeRegionsCount())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", heap.CreateFlags(0).String())
	require.Equal(t, "CreateVerifyPointers", heap.CreateVerifyPointers.String())
	require.Equal(t, "CreateVerifyPointers|CreateValidateEveryCall", (heap.CreateVerifyPointers | heap.CreateValidateEveryCall).String())
	require.Equal(t, "CreateValidateEveryCall|Unknown", (heap.CreateValidateEveryCall | 1<<7).String())
}

type liveAllocation struct {
	ptr     unsafe.Pointer
	size    int
	pattern byte
}

func TestRandomizedWorkloadKeepsHeapValid(t *testing.T) {
	h, _ := readyHeap(t, 1<<20)
	random := rand.New(rand.NewSource(1234))

	var live []liveAllocation
	removeAt := func(index int) liveAllocation {
		alloc := live[index]
		live[index] = live[len(live)-1]
		live = live[:len(live)-1]
		return alloc
	}

	for i := 0; i < 3000; i++ {
		pattern := byte(i%251 + 1)

		switch op := random.Intn(10); {
		case op < 4 || len(live) == 0:
			size := random.Intn(512)
			ptr, err := h.Allocate(size)
			if errors.Is(err, memutils.ErrOutOfMemory) {
				continue
			}
			require.NoError(t, err)
			if size == 0 {
				require.Nil(t, ptr)
				continue
			}
			fill(ptr, size, pattern)
			live = append(live, liveAllocation{ptr: ptr, size: size, pattern: pattern})
		case op < 7:
			alloc := removeAt(random.Intn(len(live)))
			requireFilled(t, alloc.ptr, alloc.size, alloc.pattern)
			require.NoError(t, h.Release(alloc.ptr))
		case op < 9:
			index := random.Intn(len(live))
			alloc := live[index]
			requireFilled(t, alloc.ptr, alloc.size, alloc.pattern)

			newSize := random.Intn(1024) + 1
			ptr, err := h.Resize(alloc.ptr, newSize)
			if errors.Is(err, memutils.ErrOutOfMemory) {
				continue
			}
			require.NoError(t, err)

			kept := min(alloc.size, newSize)
			requireFilled(t, ptr, kept, alloc.pattern)
			fill(ptr, newSize, pattern)
			live[index] = liveAllocation{ptr: ptr, size: newSize, pattern: pattern}
		default:
			count, elementSize := random.Intn(16), random.Intn(32)
			ptr, err := h.ZeroAllocate(count, elementSize)
			if errors.Is(err, memutils.ErrOutOfMemory) {
				continue
			}
			require.NoError(t, err)
			if count*elementSize == 0 {
				require.Nil(t, ptr)
				continue
			}
			requireFilled(t, ptr, count*elementSize, 0)
			fill(ptr, count*elementSize, pattern)
			live = append(live, liveAllocation{ptr: ptr, size: count * elementSize, pattern: pattern})
		}
	}

	require.Equal(t, len(live), h.AllocationCount())
	for _, alloc := range live {
		requireFilled(t, alloc.ptr, alloc.size, alloc.pattern)
		require.NoError(t, h.Release(alloc.ptr))
	}

	require.True(t, h.IsEmpty())
	require.NoError(t, h.Validate())
}
