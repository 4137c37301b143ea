package heap

// locate walks the block list from the origin and returns the first free block with at least size bytes of
// payload. Every free block it visits first absorbs the run of free blocks that directly follows it. If no
// block fits, the tail block is returned with fit set to false, whatever its state.
//
// The origin must already exist.
func (h *Heap) locate(size int) (block *blockHeader, fit bool) {
	block = h.origin
	for {
		for block.free && block.nextIsFree() {
			block.absorbNext()
		}

		if block.free && block.size >= uintptr(size) {
			return block, true
		}

		if block.next == 0 {
			return block, false
		}

		block = block.nextBlock()
	}
}
