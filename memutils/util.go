package memutils

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that sizes, offsets and alignments are expressed in
type Number interface {
	constraints.Integer
}

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, if number is not a power of two.
// Zero is rejected as well since it cannot serve as an alignment.
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// DivideRoundingUp returns ceil(value / divisor) for non-negative values
func DivideRoundingUp[T Number](value T, divisor T) T {
	return (value + divisor - 1) / divisor
}
