package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// CheckedAlignUp behaves like AlignUp, but returns ErrSizeOverflow instead of wrapping when value is too
// close to math.MaxInt to be rounded up, and ErrInvalidSize when value is negative.
func CheckedAlignUp(value int, alignment uint) (int, error) {
	if value < 0 {
		return 0, cerrors.Wrapf(ErrInvalidSize, "size is %d", value)
	}
	if value > math.MaxInt-int(alignment)+1 {
		return 0, cerrors.Wrapf(ErrSizeOverflow, "size %d cannot be aligned to %d", value, alignment)
	}
	return AlignUp(value, alignment), nil
}

// CheckedAdd returns a+b for non-negative operands, or ErrSizeOverflow if the sum does not fit in an int
func CheckedAdd(a, b int) (int, error) {
	if a < 0 || b < 0 {
		return 0, cerrors.Wrapf(ErrInvalidSize, "operands are %d and %d", a, b)
	}
	if a > math.MaxInt-b {
		return 0, cerrors.Wrapf(ErrSizeOverflow, "%d + %d", a, b)
	}
	return a + b, nil
}

// CheckedMul returns a*b for non-negative operands, or ErrSizeOverflow if the product does not fit in an int
func CheckedMul(a, b int) (int, error) {
	if a < 0 || b < 0 {
		return 0, cerrors.Wrapf(ErrInvalidSize, "operands are %d and %d", a, b)
	}
	if a != 0 && b > math.MaxInt/a {
		return 0, cerrors.Wrapf(ErrSizeOverflow, "%d * %d", a, b)
	}
	return a * b, nil
}
