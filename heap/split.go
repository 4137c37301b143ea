package heap

// split shrinks block to needed bytes of payload and turns the rest into a new free block linked directly
// after it. The block is left alone unless the remainder can hold a header and at least one payload byte.
func (h *Heap) split(block *blockHeader, needed int) {
	if block.size <= uintptr(needed+HeaderSize) {
		return
	}

	remaining := block.size - uintptr(needed) - uintptr(HeaderSize)
	block.size = uintptr(needed)

	fragment := initHeader(block.after(), remaining, true, block.next)
	block.next = fragment.addr()
}
