package heaputils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Word is a single heap word. All heap content, object headers and
// reference fields included, is stored as words.
type Word = uint64

// WordSize is the size in bytes of a heap word.
const WordSize = 8

type Number interface {
	~int | ~uint
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

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// Log2 returns the base-2 logarithm of a power-of-two value.
func Log2(value int) int {
	shift := 0
	for value > 1 {
		value >>= 1
		shift++
	}
	return shift
}
