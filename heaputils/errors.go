package heaputils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfSpaceError is the sentinel for bump-pointer allocation failures. Allocation
// failure is an expected local condition, so callers receive it as a value rather
// than a panic.
var OutOfSpaceError error = errors.New("region cannot satisfy the minimum allocation size")
