package region

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/memutils"
)

// arenaAlignment is the alignment of an Arena's base address
const arenaAlignment uint = 16

// Arena is a Region over a fixed-capacity buffer owned by the Go heap. It is useful on platforms without
// mmap, and in tests that need to provoke out-of-memory conditions at a precise size.
//
// The buffer stays reachable for as long as the Arena is. Every pointer the Arena hands out is derived from
// the buffer's own pointer, so payloads can be used under the race detector and checkptr.
type Arena struct {
	buffer []byte
	base   unsafe.Pointer
	limit  int
	brk    int
}

var _ Region = &Arena{}

// NewArena creates an Arena that can hand out up to capacity bytes
func NewArena(capacity int) (*Arena, error) {
	if capacity < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "arena capacity is %d", capacity)
	}

	buffer := make([]byte, capacity+int(arenaAlignment))
	start := unsafe.Pointer(unsafe.SliceData(buffer))
	misalignment := int(uintptr(start) % uintptr(arenaAlignment))
	padding := memutils.AlignUp(misalignment, arenaAlignment) - misalignment

	return &Arena{
		buffer: buffer,
		base:   unsafe.Add(start, padding),
		limit:  capacity,
	}, nil
}

func (a *Arena) Grow(n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "grow request is %d", n)
	}
	if n > a.limit-a.brk {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "arena cannot grow by %d bytes: %d of %d in use", n, a.brk, a.limit)
	}

	start := unsafe.Add(a.base, a.brk)
	a.brk += n
	return start, nil
}

func (a *Arena) Base() unsafe.Pointer { return a.base }

func (a *Arena) Size() int { return a.brk }

// Capacity returns the maximum number of bytes this Arena can hand out
func (a *Arena) Capacity() int { return a.limit }
