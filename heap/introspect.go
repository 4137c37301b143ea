package heap

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/smalloc/memutils"
	"golang.org/x/exp/slog"
)

var _ memutils.Validatable = &Heap{}

// VisitAllBlocks calls the provided callback once for each block in address order. offset is the offset of
// the block's payload from the start of the region and size is the payload size. If the callback returns an
// error, iteration stops and the error is returned.
//
// The callback must not call back into the heap.
func (h *Heap) VisitAllBlocks(handleBlock func(offset int, size int, free bool) error) error {
	if h.origin == nil {
		return nil
	}

	base := uintptr(h.region.Base())
	for block := h.origin; block != nil; block = block.nextBlock() {
		offset := int(uintptr(block.payload()) - base)
		err := handleBlock(offset, int(block.size), block.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// AllocationCount returns the number of live allocations
func (h *Heap) AllocationCount() int {
	var count int
	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if !free {
			count++
		}
		return nil
	})
	return count
}

// FreeRegionsCount returns the number of distinct runs of free memory. Adjacent free blocks that have not
// been merged yet are counted as a single region.
func (h *Heap) FreeRegionsCount() int {
	var count int
	previousFree := false
	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if free && !previousFree {
			count++
		}
		previousFree = free
		return nil
	})
	return count
}

// SumFreeSize returns the number of payload bytes held by free blocks
func (h *Heap) SumFreeSize() int {
	var sum int
	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if free {
			sum += size
		}
		return nil
	})
	return sum
}

// IsEmpty returns true if the heap has no live allocations
func (h *Heap) IsEmpty() bool {
	return h.AllocationCount() == 0
}

// AddStatistics sums this heap's statistics into stats
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.AddRegion(h.region.Size())

	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if !free {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}
		return nil
	})
}

// AddDetailedStatistics sums this heap's statistics into stats. Adjacent free blocks that have not been
// merged yet are counted separately.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddRegion(h.region.Size())

	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		stats.AddBlock(size, free)
		return nil
	})
}

// Validate walks the whole block list and reports the first inconsistency it finds. Blocks must carry the
// sentinel, be aligned, follow one another without gaps in strictly increasing address order, and the tail
// must end exactly at the region's break.
func (h *Heap) Validate() error {
	if h.origin == nil {
		return nil
	}

	base := uintptr(h.region.Base())
	brk := base + uintptr(h.region.Size())

	if h.origin.addr() < base || h.origin.addr() >= brk {
		return errors.Errorf("heap origin %#x lies outside the region [%#x, %#x)", h.origin.addr(), base, brk)
	}

	for block := h.origin; block != nil; block = block.nextBlock() {
		if block.magic != Sentinel {
			return errors.Errorf("block at offset %d has sentinel %#x", block.addr()-base, block.magic)
		}

		if block.addr()%uintptr(Alignment) != 0 {
			return errors.Errorf("block at offset %d is not aligned to %d bytes", block.addr()-base, Alignment)
		}

		if block.size == 0 || block.size%uintptr(Alignment) != 0 {
			return errors.Errorf("block at offset %d has invalid payload size %d", block.addr()-base, block.size)
		}

		if block.end() > brk || block.end() < block.addr() {
			return errors.Errorf("block at offset %d with size %d runs past the region break", block.addr()-base, block.size)
		}

		if block.next == 0 {
			if block.end() != brk {
				return errors.Errorf("tail block at offset %d ends at offset %d, but the region break is at offset %d", block.addr()-base, block.end()-base, brk-base)
			}
			continue
		}

		if block.next >= brk || brk-block.next < uintptr(HeaderSize) {
			return errors.Errorf("block at offset %d links to offset %d, which cannot hold a header before the region break", block.addr()-base, block.next-base)
		}

		if block.next != block.end() {
			return errors.Errorf("block at offset %d ends at offset %d, but the next block starts at offset %d", block.addr()-base, block.end()-base, block.next-base)
		}
	}

	return nil
}

// LogLiveAllocations writes one error-level record for every allocation that has not been released. It
// returns the number of live allocations found.
func (h *Heap) LogLiveAllocations() int {
	var count int
	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if free {
			return nil
		}

		count++
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] live allocation",
			slog.Int("offset", offset),
			slog.Int("size", size),
		)
		return nil
	})
	return count
}

// PrintDetailedMap writes a JSON object describing the heap and every block in it
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	var stats memutils.DetailedStatistics
	h.AddDetailedStatistics(&stats)

	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalBytes").Int(stats.RegionBytes)
	obj.Name("UnusedBytes").Int(stats.UnusedBytes())
	obj.Name("HeaderBytes").Int(stats.HeaderBytes())
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("FreeBlocks").Int(stats.FreeBlockCount)
	obj.Name("HeaderSize").Int(HeaderSize)

	blocks := obj.Name("Blocks").Array()
	defer blocks.End()

	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		blockObj := blocks.Object()
		defer blockObj.End()

		blockObj.Name("Offset").Int(offset)
		if free {
			blockObj.Name("Type").String("FREE")
		} else {
			blockObj.Name("Type").String("USED")
		}
		blockObj.Name("Size").Int(size)
		return nil
	})
}

// BuildStatsString returns the heap's statistics as a JSON document. If detailedMap is true, every block
// is listed as well.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	var stats memutils.DetailedStatistics
	h.AddDetailedStatistics(&stats)

	total := obj.Name("Total").Object()
	total.Name("RegionCount").Int(stats.RegionCount)
	total.Name("RegionBytes").Int(stats.RegionBytes)
	total.Name("AllocationCount").Int(stats.AllocationCount)
	total.Name("AllocationBytes").Int(stats.AllocationBytes)
	total.Name("FreeBlockCount").Int(stats.FreeBlockCount)
	total.Name("FreeBytes").Int(stats.FreeBytes)
	if stats.AllocationCount > 0 {
		total.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		total.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.FreeBlockCount > 0 {
		total.Name("FreeBlockSizeMin").Int(stats.FreeBlockSizeMin)
		total.Name("FreeBlockSizeMax").Int(stats.FreeBlockSizeMax)
	}
	total.End()

	if detailedMap {
		h.PrintDetailedMap(obj.Name("DetailedMap"))
	}

	obj.End()

	return string(writer.Bytes())
}
