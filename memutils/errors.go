package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when the backing region cannot be grown to satisfy a request. It is distinct
// from the nil, nil result of a zero-byte allocation.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrInvalidPointer is returned when a pointer handed back to the allocator does not point at the start of a
// payload that the allocator created: it lies outside the heap, is misaligned, or its header sentinel is missing
var ErrInvalidPointer error = errors.New("invalid pointer")

// ErrDoubleFree is returned when a pointer refers to a block that has already been released
var ErrDoubleFree error = errors.New("block has already been released")

// ErrSizeOverflow is returned when a requested size cannot be represented once it is multiplied, aligned,
// or combined with header bytes
var ErrSizeOverflow error = errors.New("requested size overflows")

// ErrInvalidSize is returned for negative sizes
var ErrInvalidSize error = errors.New("requested size is negative")

// ErrUnsupported is returned by region implementations that are not available on the current platform
var ErrUnsupported error = errors.New("not supported on this platform")
