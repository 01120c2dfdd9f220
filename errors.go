package memalloc

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrRegionLayout is returned from Init when the provided region cannot be carved
// into the layout the engine requires
var ErrRegionLayout = errors.New("region layout is incompatible with the allocator")

// ErrInvalidPointer is returned from Free when the provided offset does not map to
// a live allocation
var ErrInvalidPointer = errors.New("pointer does not map to a live allocation")

// Integer covers the integral types the allocators size things with.
type Integer interface {
	~int | ~uint
}

// CheckPow2 verifies that value is a nonzero power of two and wraps
// PowerOfTwoError with the offending value when it is not. Block sizes and
// alignments that reach bit arithmetic must pass this check first.
func CheckPow2[T Integer](value T, label string) error {
	if value == 0 || value&(value-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", label, value)
	}
	return nil
}
