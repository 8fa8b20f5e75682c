//go:build !debug_heap_utils

package heaputils

const (
	// ZapUnusedArea controls whether freed or unallocated heap words are filled
	// with an easy-to-identify pattern between collections
	ZapUnusedArea bool = false
)

// MangleWords writes the unused-area pattern over the provided words. This
// method no-ops unless the debug_heap_utils build tag is present.
func MangleWords(words []Word) {
}

// IsMangled verifies that the word carries the unused-area pattern written by
// MangleWords. It always returns true when the debug_heap_utils build tag is
// not present.
func IsMangled(word Word) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_heap_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_heap_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
