package region

import (
	"fmt"

	"github.com/splitgc/farheap/heaputils"
)

// Object layout: one header word followed by the reference fields, then any
// non-reference payload words. The header packs the fields an object walk
// needs without consulting class metadata:
//
//	bits  0..31  size in words, header included
//	bits 32..47  number of reference fields
//	bits 48..63  class id
//
// Reference fields store the target's header address plus one, so a zero
// field is a null reference and address zero stays addressable.
const (
	headerRefsShift  = 32
	headerClassShift = 48

	headerSizeMask  = 1<<32 - 1
	headerRefsMask  = 1<<16 - 1
	headerClassMask = 1<<16 - 1

	// NullRef is the field value of a reference that points nowhere.
	NullRef heaputils.Word = 0
)

// EncodeHeader packs an object header word. The object must be large enough
// to hold its own header and reference fields.
func EncodeHeader(sizeWords, numRefs, classID int) heaputils.Word {
	if sizeWords < 1+numRefs {
		panic(fmt.Sprintf("object of %d words cannot hold a header and %d reference fields", sizeWords, numRefs))
	}
	if sizeWords > headerSizeMask || numRefs > headerRefsMask || classID < 0 || classID > headerClassMask {
		panic(fmt.Sprintf("object header fields out of range: size %d refs %d class %d", sizeWords, numRefs, classID))
	}
	return heaputils.Word(sizeWords) |
		heaputils.Word(numRefs)<<headerRefsShift |
		heaputils.Word(classID)<<headerClassShift
}

// DecodeHeader unpacks an object header word.
func DecodeHeader(header heaputils.Word) (sizeWords, numRefs, classID int) {
	return int(header & headerSizeMask),
		int(header >> headerRefsShift & headerRefsMask),
		int(header >> headerClassShift & headerClassMask)
}

// MakeRef encodes the header address of a target object as a reference field
// value.
func MakeRef(targetAddr int) heaputils.Word {
	return heaputils.Word(targetAddr) + 1
}

// RefTarget decodes a reference field value. The second result is false for a
// null reference.
func RefTarget(field heaputils.Word) (int, bool) {
	if field == NullRef {
		return 0, false
	}
	return int(field - 1), true
}
