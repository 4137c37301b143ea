package region

import "unsafe"

//go:generate mockgen -source region.go -destination ./mocks/region.go -package mock_region

// Region is a single contiguous range of memory that only grows, in the manner of a program break. Every
// byte handed out by Grow immediately follows the bytes handed out by the previous call.
//
// Pointers into a region must be derived from the pointers it returns. A region may live inside the Go
// heap, where an address that has been through a uintptr cannot be turned back into a pointer.
//
// Implementations are not reentrant. Callers must serialize access.
type Region interface {
	// Grow extends the region by exactly n bytes and returns a pointer to the first new byte. If the
	// region cannot be extended, an error wrapping memutils.ErrOutOfMemory is returned and the break
	// does not move.
	Grow(n int) (unsafe.Pointer, error)
	// Base returns a pointer to the first byte of the region
	Base() unsafe.Pointer
	// Size returns the number of bytes handed out so far, so that Base()+Size() is the current break
	Size() int
}
