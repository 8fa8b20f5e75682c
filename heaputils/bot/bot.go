package bot

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/splitgc/farheap/heaputils"
)

const (
	// LogCardWords is the base-2 logarithm of the card size in words. Cards are
	// the granularity of the block offset table.
	LogCardWords = 6
	// CardWords is the number of words covered by a single offset entry. It is
	// also the threshold between direct offset entries and logarithmic
	// back-skip entries: entries below CardWords are direct backward offsets
	// in words, entries at or above it encode a number of cards to skip
	// backward. The boundary value is safe either way, since a direct offset
	// of exactly CardWords words and a skip of one card land on the same
	// boundary.
	CardWords = 1 << LogCardWords

	// LogBase is the base-2 logarithm of the back-skip base: bucket i covers a
	// backward reach of 8^i cards.
	LogBase = 3
	// NumPowers is the number of logarithmic buckets. 8^13 cards is far more
	// than any region can span, so the encoding never saturates.
	NumPowers = 14
)

func powerToCardsBack(i uint) int {
	return 1 << (LogBase * i)
}

func entryToCardsBack(entry uint8) int {
	if entry < CardWords {
		panic(fmt.Sprintf("entry %d is a direct offset, not a back-skip code", entry))
	}
	return powerToCardsBack(uint(entry) - CardWords)
}

// Table is the heap-wide block offset table: one byte-sized entry per card
// across the entire reserved heap. Regions do not own independent tables;
// each region views its slice of this one through a Part.
type Table struct {
	offsets []uint8
	words   int
}

// NewTable builds a table covering heapWords words of reserved heap. The
// covered size must be card aligned.
func NewTable(heapWords int) (*Table, error) {
	if heapWords <= 0 || heapWords&(CardWords-1) != 0 {
		return nil, errors.Errorf("covered heap size %d is not a positive multiple of the card size %d", heapWords, CardWords)
	}

	return &Table{
		offsets: make([]uint8, heapWords>>LogCardWords),
		words:   heapWords,
	}, nil
}

// IndexFor returns the card index covering the provided word address.
func (t *Table) IndexFor(addr int) int {
	t.checkAddr(addr)
	return addr >> LogCardWords
}

// AddressFor returns the first word address covered by the provided card.
func (t *Table) AddressFor(index int) int {
	return index << LogCardWords
}

// IsCardBoundary returns true if the address is the first word of a card.
func (t *Table) IsCardBoundary(addr int) bool {
	return addr&(CardWords-1) == 0
}

func (t *Table) entry(index int) uint8 {
	t.checkIndex(index)
	return t.offsets[index]
}

func (t *Table) setEntry(index int, value uint8) {
	t.checkIndex(index)
	t.offsets[index] = value
}

func (t *Table) setEntryRange(startIndex, endIndex int, value uint8) {
	t.checkIndex(startIndex)
	t.checkIndex(endIndex)
	for i := startIndex; i <= endIndex; i++ {
		t.offsets[i] = value
	}
}

// setOffsetFor stamps the direct offset entry for a card whose first covered
// word is cardBoundary and whose covering block begins at blkStart.
func (t *Table) setOffsetFor(index int, cardBoundary, blkStart int) {
	offset := cardBoundary - blkStart
	if offset < 0 || offset > CardWords {
		panic(fmt.Sprintf("direct offset %d out of range for card %d", offset, index))
	}
	t.setEntry(index, uint8(offset))
}

func (t *Table) checkIndex(index int) {
	if index < 0 || index >= len(t.offsets) {
		panic(fmt.Sprintf("card index %d outside the covered range of %d cards", index, len(t.offsets)))
	}
}

func (t *Table) checkAddr(addr int) {
	if addr < 0 || addr >= t.words {
		panic(fmt.Sprintf("address %d outside the covered heap of %d words", addr, t.words))
	}
}

// TableJsonData populates a json object with the raw entries of a card window,
// for diagnostic dumps.
func (t *Table) TableJsonData(json jwriter.ObjectState, fromIndex, toIndex int) {
	json.Name("FromCard").Int(fromIndex)
	json.Name("ToCard").Int(toIndex)
	entriesJson := json.Name("Entries").Array()
	for i := fromIndex; i < toIndex; i++ {
		entriesJson.Int(int(t.entry(i)))
	}
	entriesJson.End()
}

var _ heaputils.Validatable = &Part{}
