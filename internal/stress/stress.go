// Package stress drives a heap with a randomized mix of allocations, resizes and releases, checking the
// contents of every live allocation along the way.
package stress

import (
	"context"
	"math/rand"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/smalloc/heap"
	"github.com/vkngwrapper/smalloc/memutils"
	"golang.org/x/exp/slog"
)

// Options controls the shape of a workload
type Options struct {
	// Iterations is the number of rounds to run. Each round allocates two blocks, may resize or
	// zero-allocate, and then releases blocks until at most MaxLive remain.
	Iterations int
	// MaxSize is the largest size requested in a single allocation. Sizes are uniform in [0, MaxSize].
	MaxSize int
	// MaxLive is the number of allocations allowed to survive a round. 0 releases everything every round.
	MaxLive int
	// Seed seeds the random source
	Seed int64
	// Validate runs heap.Validate at the end of every round
	Validate bool
}

// Result summarizes a completed workload
type Result struct {
	Iterations      int
	Allocations     int
	ZeroAllocations int
	Resizes         int
	Releases        int
	OutOfMemory     int
	BytesRequested  int
	PeakLive        int
}

type liveAllocation struct {
	ptr     unsafe.Pointer
	size    int
	pattern uint8
}

// Runner executes workloads against a single heap
type Runner struct {
	logger *slog.Logger
	heap   *heap.Heap
	random *rand.Rand

	// live is keyed by address. The pointer itself is kept in the value, since memory in the Go heap cannot
	// be reached again through a uintptr.
	live     *swiss.Map[uintptr, liveAllocation]
	liveKeys []uintptr
	result   Result
	nextByte uint8
}

// NewRunner creates a Runner. logger may not be nil.
func NewRunner(logger *slog.Logger, h *heap.Heap) *Runner {
	return &Runner{
		logger: logger,
		heap:   h,
		live:   swiss.NewMap[uintptr, liveAllocation](64),
	}
}

// Run executes a workload. Every allocation made by the workload has been released when Run returns
// without error. A corrupted allocation or a failed validation stops the workload immediately.
func (r *Runner) Run(ctx context.Context, options Options) (Result, error) {
	if options.Iterations < 0 || options.MaxSize < 0 || options.MaxLive < 0 {
		return Result{}, errors.Newf("invalid workload options: %+v", options)
	}

	r.random = rand.New(rand.NewSource(options.Seed))
	r.result = Result{}
	r.live.Clear()
	r.liveKeys = r.liveKeys[:0]

	for i := 0; i < options.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return r.result, errors.CombineErrors(err, r.releaseAll())
		}

		err := r.round(options)
		if err != nil {
			return r.result, errors.Wrapf(err, "iteration %d", i)
		}

		if options.Validate {
			err = r.heap.Validate()
			if err != nil {
				return r.result, errors.Wrapf(err, "heap failed validation after iteration %d", i)
			}
		}

		r.result.Iterations++
	}

	err := r.releaseAll()
	if err != nil {
		return r.result, err
	}

	r.logger.LogAttrs(ctx, slog.LevelDebug, "stress workload complete",
		slog.Int("Iterations", r.result.Iterations),
		slog.Int("Allocations", r.result.Allocations),
		slog.Int("Releases", r.result.Releases),
		slog.Int("OutOfMemory", r.result.OutOfMemory))

	return r.result, nil
}

func (r *Runner) round(options Options) error {
	for i := 0; i < 2; i++ {
		err := r.allocate(r.random.Intn(options.MaxSize + 1))
		if err != nil {
			return err
		}
	}

	if len(r.liveKeys) > 0 && r.random.Intn(4) == 0 {
		err := r.resize(r.random.Intn(len(r.liveKeys)), r.random.Intn(2*options.MaxSize+1))
		if err != nil {
			return err
		}
	}

	if r.random.Intn(8) == 0 {
		err := r.zeroAllocate(r.random.Intn(16), r.random.Intn(options.MaxSize/16+1))
		if err != nil {
			return err
		}
	}

	for len(r.liveKeys) > options.MaxLive {
		err := r.release(r.random.Intn(len(r.liveKeys)))
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) pattern() uint8 {
	r.nextByte++
	if r.nextByte == 0 {
		r.nextByte = 1
	}
	return r.nextByte
}

func (r *Runner) track(ptr unsafe.Pointer, size int) error {
	addr := uintptr(ptr)
	if r.live.Has(addr) {
		return errors.AssertionFailedf("heap returned live address %#x a second time", addr)
	}

	alloc := liveAllocation{ptr: ptr, size: size, pattern: r.pattern()}
	fill(ptr, size, alloc.pattern)

	r.live.Put(addr, alloc)
	r.liveKeys = append(r.liveKeys, addr)
	if len(r.liveKeys) > r.result.PeakLive {
		r.result.PeakLive = len(r.liveKeys)
	}
	return nil
}

func (r *Runner) forget(index int) (liveAllocation, error) {
	addr := r.liveKeys[index]
	alloc, ok := r.live.Get(addr)
	if !ok {
		return liveAllocation{}, errors.AssertionFailedf("address %#x is missing from the live set", addr)
	}

	r.liveKeys[index] = r.liveKeys[len(r.liveKeys)-1]
	r.liveKeys = r.liveKeys[:len(r.liveKeys)-1]
	r.live.Delete(addr)

	return alloc, nil
}

func (r *Runner) allocate(size int) error {
	ptr, err := r.heap.Allocate(size)
	if errors.Is(err, memutils.ErrOutOfMemory) {
		r.result.OutOfMemory++
		return nil
	} else if err != nil {
		return err
	}

	r.result.Allocations++
	r.result.BytesRequested += size
	if ptr == nil {
		return nil
	}

	return r.track(ptr, size)
}

func (r *Runner) zeroAllocate(count, elementSize int) error {
	ptr, err := r.heap.ZeroAllocate(count, elementSize)
	if errors.Is(err, memutils.ErrOutOfMemory) {
		r.result.OutOfMemory++
		return nil
	} else if err != nil {
		return err
	}

	r.result.ZeroAllocations++
	r.result.BytesRequested += count * elementSize
	if ptr == nil {
		return nil
	}

	err = check(ptr, count*elementSize, 0)
	if err != nil {
		return errors.Wrap(err, "zero-allocated memory was not zeroed")
	}

	return r.track(ptr, count*elementSize)
}

func (r *Runner) resize(index int, newSize int) error {
	alloc, ok := r.live.Get(r.liveKeys[index])
	if !ok {
		return errors.AssertionFailedf("address %#x is missing from the live set", r.liveKeys[index])
	}

	ptr, err := r.heap.Resize(alloc.ptr, newSize)
	if errors.Is(err, memutils.ErrOutOfMemory) {
		r.result.OutOfMemory++
		return check(alloc.ptr, alloc.size, alloc.pattern)
	} else if err != nil {
		return err
	}
	r.result.Resizes++

	err = check(ptr, min(alloc.size, newSize), alloc.pattern)
	if err != nil {
		return errors.Wrapf(err, "contents lost resizing %p from %d to %d bytes", alloc.ptr, alloc.size, newSize)
	}

	_, err = r.forget(index)
	if err != nil {
		return err
	}

	return r.track(ptr, newSize)
}

func (r *Runner) release(index int) error {
	alloc, err := r.forget(index)
	if err != nil {
		return err
	}

	err = check(alloc.ptr, alloc.size, alloc.pattern)
	if err != nil {
		return err
	}

	r.result.Releases++
	return r.heap.Release(alloc.ptr)
}

func (r *Runner) releaseAll() error {
	for len(r.liveKeys) > 0 {
		err := r.release(len(r.liveKeys) - 1)
		if err != nil {
			return err
		}
	}
	return nil
}

func fill(ptr unsafe.Pointer, size int, pattern uint8) {
	data := unsafe.Slice((*uint8)(ptr), size)
	for i := range data {
		data[i] = pattern
	}
}

func check(ptr unsafe.Pointer, size int, pattern uint8) error {
	data := unsafe.Slice((*uint8)(ptr), size)
	for i, value := range data {
		if value != pattern {
			return errors.AssertionFailedf("byte %d at %p is %#x, expected %#x", i, ptr, value, pattern)
		}
	}
	return nil
}
