//go:build linux || darwin

package region

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/memutils"
	"golang.org/x/sys/unix"
)

// Mapped is a Region backed by anonymous memory outside the Go heap. The whole reservation is mapped up
// front without access rights, and pages are made readable and writable only as the break advances over
// them, which keeps the break semantics of sbrk while leaving untouched reservation uncommitted.
type Mapped struct {
	reservation []byte
	base        unsafe.Pointer
	pageSize    int
	brk         int
	committed   int
}

var _ Region = &Mapped{}

// NewMapped reserves reserve bytes of address space. The reservation is rounded up to the system page size
// and is the hard limit on how far the region can grow.
func NewMapped(reserve int) (*Mapped, error) {
	if reserve <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "reservation is %d", reserve)
	}

	pageSize := unix.Getpagesize()
	memutils.DebugCheckPow2(pageSize, "pageSize")
	reserve = memutils.AlignUp(reserve, uint(pageSize))

	reservation, err := unix.Mmap(-1, 0, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", reserve)
	}

	return &Mapped{
		reservation: reservation,
		base:        unsafe.Pointer(unsafe.SliceData(reservation)),
		pageSize:    pageSize,
	}, nil
}

func (m *Mapped) Grow(n int) (unsafe.Pointer, error) {
	if m.reservation == nil {
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "mapped region has been closed")
	}
	if n < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "grow request is %d", n)
	}
	if n > len(m.reservation)-m.brk {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "reservation cannot grow by %d bytes: %d of %d in use", n, m.brk, len(m.reservation))
	}

	newBreak := m.brk + n
	if newBreak > m.committed {
		commitTo := memutils.AlignUp(newBreak, uint(m.pageSize))
		err := unix.Mprotect(m.reservation[m.committed:commitTo], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "failed to commit %d bytes: %v", commitTo-m.committed, err)
		}
		m.committed = commitTo
	}

	start := unsafe.Add(m.base, m.brk)
	m.brk = newBreak
	return start, nil
}

func (m *Mapped) Base() unsafe.Pointer { return m.base }

func (m *Mapped) Size() int { return m.brk }

// Reserved returns the number of bytes of address space held by this region
func (m *Mapped) Reserved() int { return len(m.reservation) }

// Close unmaps the reservation. Every pointer handed out of the region becomes invalid.
func (m *Mapped) Close() error {
	if m.reservation == nil {
		return nil
	}

	err := unix.Munmap(m.reservation)
	if errors.Is(err, unix.EINVAL) {
		err = nil
	}

	m.reservation = nil
	m.brk = 0
	m.committed = 0
	return err
}
