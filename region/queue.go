package region

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

// TargetQueue is a region's record of inter-region reference fields awaiting
// the deferred rewrite pass. A set bit marks the word offset, relative to the
// region's bottom, of a field that will hold a cross-region reference once
// objects land at their final addresses. Capacity is fixed at one bit per
// region word.
type TargetQueue struct {
	words      []uint64
	grainWords int
	count      int
}

func NewTargetQueue(grainWords int) *TargetQueue {
	return &TargetQueue{
		words:      make([]uint64, (grainWords+63)/64),
		grainWords: grainWords,
	}
}

// Record sets the bit for a field at the given word offset from the region's
// bottom. Recording the same offset twice is an invariant violation, since
// each field is visited once per compaction.
func (q *TargetQueue) Record(offset int) {
	if offset < 0 || offset >= q.grainWords {
		panic(fmt.Sprintf("field offset %d outside the region grain of %d words", offset, q.grainWords))
	}
	mask := uint64(1) << (uint(offset) & 63)
	if q.words[offset>>6]&mask != 0 {
		panic(fmt.Sprintf("field offset %d recorded twice in one compaction", offset))
	}
	q.words[offset>>6] |= mask
	q.count++
}

// Visit calls fn for every recorded offset in ascending order.
func (q *TargetQueue) Visit(fn func(offset int)) {
	for i, w := range q.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			fn(i<<6 + bit)
			w &^= 1 << uint(bit)
		}
	}
}

// Len returns the number of recorded offsets.
func (q *TargetQueue) Len() int {
	return q.count
}

// Reset clears all recorded offsets.
func (q *TargetQueue) Reset() {
	for i := range q.words {
		q.words[i] = 0
	}
	q.count = 0
}

// Words exposes the raw bitmap for transfer. The returned slice aliases the
// queue's storage.
func (q *TargetQueue) Words() []uint64 {
	return q.words
}

// LoadWords overwrites the bitmap with words received from the other server.
func (q *TargetQueue) LoadWords(data []uint64) error {
	if len(data) != len(q.words) {
		return errors.Errorf("received %d bitmap words for a queue of %d words", len(data), len(q.words))
	}
	copy(q.words, data)
	q.count = 0
	for _, w := range q.words {
		q.count += bits.OnesCount64(w)
	}
	return nil
}
