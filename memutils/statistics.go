package memutils

// Statistics summarizes one or more heaps. Each heap contributes the single region it grows into, and every
// block inside that region is either a live allocation or a free block. The zero value is empty and ready
// to use.
type Statistics struct {
	// RegionCount is the number of regions summarized
	RegionCount int
	// RegionBytes is the number of bytes handed out by those regions so far, headers included
	RegionBytes int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// AllocationBytes is the payload capacity of all live allocations
	AllocationBytes int
}

// AddRegion records a region that has handed out size bytes
func (s *Statistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size
}

// Add sums other into s
func (s *Statistics) Add(other Statistics) {
	s.RegionCount += other.RegionCount
	s.RegionBytes += other.RegionBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is everything in the regions that is not live payload: free blocks and every header
func (s *Statistics) UnusedBytes() int {
	return s.RegionBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with free blocks and the size extremes of both kinds of block.
// The Min and Max fields are only meaningful while the matching count is nonzero.
type DetailedStatistics struct {
	Statistics
	// FreeBlockCount is the number of free blocks. Adjacent free blocks that have not been merged yet
	// count separately.
	FreeBlockCount int
	// FreeBytes is the payload capacity of all free blocks
	FreeBytes int

	AllocationSizeMin int
	AllocationSizeMax int
	FreeBlockSizeMin  int
	FreeBlockSizeMax  int
}

// AddBlock records one block with size bytes of payload
func (s *DetailedStatistics) AddBlock(size int, free bool) {
	if free {
		s.FreeBlockCount++
		s.FreeBytes += size
		s.FreeBlockSizeMin, s.FreeBlockSizeMax = widen(s.FreeBlockCount == 1, s.FreeBlockSizeMin, s.FreeBlockSizeMax, size, size)
		return
	}

	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin, s.AllocationSizeMax = widen(s.AllocationCount == 1, s.AllocationSizeMin, s.AllocationSizeMax, size, size)
}

// Add sums other into s
func (s *DetailedStatistics) Add(other *DetailedStatistics) {
	if other.AllocationCount > 0 {
		s.AllocationSizeMin, s.AllocationSizeMax = widen(s.AllocationCount == 0, s.AllocationSizeMin, s.AllocationSizeMax, other.AllocationSizeMin, other.AllocationSizeMax)
	}
	if other.FreeBlockCount > 0 {
		s.FreeBlockSizeMin, s.FreeBlockSizeMax = widen(s.FreeBlockCount == 0, s.FreeBlockSizeMin, s.FreeBlockSizeMax, other.FreeBlockSizeMin, other.FreeBlockSizeMax)
	}

	s.Statistics.Add(other.Statistics)
	s.FreeBlockCount += other.FreeBlockCount
	s.FreeBytes += other.FreeBytes
}

// HeaderBytes is the bookkeeping overhead: region bytes that belong to neither a live nor a free payload
func (s *DetailedStatistics) HeaderBytes() int {
	return s.RegionBytes - s.AllocationBytes - s.FreeBytes
}

func widen(first bool, curMin, curMax, newMin, newMax int) (int, int) {
	if first {
		return newMin, newMax
	}
	return min(curMin, newMin), max(curMax, newMax)
}
