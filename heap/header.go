package heap

import "unsafe"

const (
	// Sentinel is written into every block header when the block is created. A pointer whose header does
	// not carry it was not produced by this allocator.
	Sentinel uint32 = 0xdeadbeef
	// Alignment is the granularity of every payload size and payload address
	Alignment uint = 8
)

type blockHeader struct {
	size  uintptr
	next  uintptr
	magic uint32
	free  bool
}

// HeaderSize is the number of bytes of bookkeeping placed in front of every payload
const HeaderSize = int(unsafe.Sizeof(blockHeader{}))

// All conversions between addresses and headers live in this file. Addresses are only ever compared and
// stored as uintptr; a header is always reached by offsetting a pointer that already points into the same
// region, never by converting an address back into a pointer.

func headerAt(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(p)
}

func headerOf(payload unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Add(payload, -HeaderSize))
}

func initHeader(p unsafe.Pointer, size uintptr, free bool, next uintptr) *blockHeader {
	b := headerAt(p)
	b.size = size
	b.next = next
	b.free = free
	b.magic = Sentinel
	return b
}

func (b *blockHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

func (b *blockHeader) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), HeaderSize)
}

func (b *blockHeader) payloadBytes() []byte {
	return unsafe.Slice((*byte)(b.payload()), b.size)
}

// end is the address immediately after the payload
func (b *blockHeader) end() uintptr {
	return b.addr() + uintptr(HeaderSize) + b.size
}

// after points immediately after the payload, where a split places the fragment's header
func (b *blockHeader) after() unsafe.Pointer {
	return unsafe.Add(b.payload(), b.size)
}

// at returns the header at addr, reached from b
func (b *blockHeader) at(addr uintptr) *blockHeader {
	return headerAt(unsafe.Add(unsafe.Pointer(b), int(addr-b.addr())))
}

func (b *blockHeader) nextBlock() *blockHeader {
	if b.next == 0 {
		return nil
	}
	return b.at(b.next)
}

func (b *blockHeader) nextIsFree() bool {
	return b.next != 0 && b.at(b.next).free
}

// absorbNext merges the successor into b. The successor's header bytes become payload and its sentinel is
// cleared, so a stale pointer to the absorbed block no longer validates.
func (b *blockHeader) absorbNext() {
	next := b.at(b.next)
	b.size += uintptr(HeaderSize) + next.size
	b.next = next.next
	next.magic = 0
}
