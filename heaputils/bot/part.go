package bot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Space is the window of allocated heap a Part answers queries for. It is
// implemented by the region owning the Part; the Part only needs the
// allocation bounds and the ability to size a block from its start address.
type Space interface {
	Bottom() int
	Top() int
	BlockSize(addr int) int
}

// Part is one region's window into the heap-wide Table, plus the cached
// (threshold, index) allocation cursor used to stamp entries incrementally as
// blocks are allocated. The cursor makes repeated AllocBlock calls cheap:
// cards below the threshold are already stamped and never revisited.
type Part struct {
	bot   *Table
	space Space

	nextThreshold int
	nextIndex     int

	// set for parts covering a continuation of a humongous object, where the
	// covering block legitimately starts outside the part's own window
	objectCanSpan bool

	partStartCard int
	partCards     int
}

// NewPart creates the Part for the region at regionIndex, covering grainWords
// words starting at that region's bottom.
func NewPart(table *Table, space Space, regionIndex uint, grainWords int) *Part {
	if grainWords&(CardWords-1) != 0 {
		panic(fmt.Sprintf("region grain of %d words is not card aligned", grainWords))
	}

	part := &Part{
		bot:           table,
		space:         space,
		partStartCard: int(regionIndex) * (grainWords >> LogCardWords),
		partCards:     grainWords >> LogCardWords,
	}
	part.initializeThreshold()
	return part
}

// ResetSpace repoints the Part at a new Space value. The covered card window
// never changes; only the descriptor the window belongs to does, such as when
// region metadata is rebuilt after a transfer from the other server.
func (p *Part) ResetSpace(space Space) {
	p.space = space
}

func (p *Part) initializeThreshold() {
	p.nextIndex = p.bot.IndexFor(p.space.Bottom()) + 1
	p.nextThreshold = p.bot.AddressFor(p.nextIndex)
}

// Reset zeroes the part's card window and reinitializes the allocation
// cursor. Called when the region is cleared or recompacted.
func (p *Part) Reset() {
	p.bot.setEntryRange(p.partStartCard, p.partStartCard+p.partCards-1, 0)
	p.initializeThreshold()
}

// AllocBlock records a newly allocated block [blkStart, blkEnd) in the table.
// Entries are only written once the block crosses the cached threshold, so a
// run of small allocations inside one card costs nothing.
func (p *Part) AllocBlock(blkStart, blkEnd int) {
	if blkEnd > p.nextThreshold {
		p.allocBlockWork(&p.nextThreshold, &p.nextIndex, blkStart, blkEnd)
	}
}

// allocBlockWork stamps the card containing blkStart with a direct offset and
// every subsequent card covered by the block with a logarithmic back-skip
// code, then advances the cursor past the block.
//
//	          threshold
//	          |   index
//	          v   v
//	  +-------+-------+-------+-------+
//	  | i-1   |   i   | i+1   | i+2   |
//	  +-------+-------+-------+-------+
//	   ( ^    ]
//	     blkStart
func (p *Part) allocBlockWork(threshold, index *int, blkStart, blkEnd int) {
	th := *threshold
	idx := *index

	if blkStart >= blkEnd {
		panic(fmt.Sprintf("phantom block [%d, %d)", blkStart, blkEnd))
	}
	if blkEnd <= th {
		panic(fmt.Sprintf("block end %d should be past the threshold %d", blkEnd, th))
	}
	if blkStart > th {
		panic(fmt.Sprintf("block start %d should be at or before the threshold %d", blkStart, th))
	}
	if th-blkStart > CardWords {
		panic(fmt.Sprintf("offset %d from threshold to block start exceeds the card size", th-blkStart))
	}

	p.bot.setOffsetFor(idx, th, blkStart)

	// Mark the subsequent cards this block spans.
	endIndex := p.bot.IndexFor(blkEnd - 1)
	if idx+1 <= endIndex {
		remStart := p.bot.AddressFor(idx + 1)
		// endIndex may be the last valid index in the covered range, so derive
		// the end address from it rather than indexing one past.
		remEnd := p.bot.AddressFor(endIndex) + CardWords
		p.setRemainderToPointToStart(remStart, remEnd)
	}

	*index = endIndex + 1
	*threshold = p.bot.AddressFor(endIndex) + CardWords
}

// setRemainderToPointToStart writes back-skip codes for the cards fully
// covered by a block. The arguments denote a right-open interval [start, end).
func (p *Part) setRemainderToPointToStart(start, end int) {
	if start >= end {
		return
	}

	// Write the backskip value for each card run.
	//
	//    offset
	//    card             2nd                       3rd
	//     | +- 1st        |                         |
	//     v v             v                         v
	//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+     +-+-+-+-+-+-+-+-+-+-+-
	//    |x|0|0|0|0|0|0|0|1|1|1|1|1|1| ... |1|1|1|1|2|2|2|2|2|2| ...
	//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+     +-+-+-+-+-+-+-+-+-+-+-
	//
	// where a card in bucket i stores CardWords+i and decodes to a backward
	// skip of 8^i cards. Walking backward from any card inside a long block
	// therefore takes O(log distance) steps.
	startCard := p.bot.IndexFor(start)
	endCard := p.bot.IndexFor(end - 1)
	p.setRemainderToPointToStartIncl(startCard, endCard)
}

// setRemainderToPointToStartIncl is the closed-interval worker for
// setRemainderToPointToStart: [startCard, endCard].
func (p *Part) setRemainderToPointToStartIncl(startCard, endCard int) {
	if startCard > endCard {
		return
	}
	if p.bot.entry(startCard-1) > CardWords {
		panic(fmt.Sprintf("offset card %d holds an unexpected back-skip entry %d", startCard-1, p.bot.entry(startCard-1)))
	}

	startCardForRegion := startCard
	for i := uint(0); i < NumPowers; i++ {
		// -1 so that the card holding the direct offset is counted, and
		// another -1 so the reach ends inside this bucket rather than at the
		// start of the next.
		reach := startCard - 1 + (powerToCardsBack(i+1) - 1)
		offset := uint8(CardWords + i)
		if reach >= endCard {
			p.bot.setEntryRange(startCardForRegion, endCard, offset)
			startCardForRegion = reach + 1
			break
		}
		p.bot.setEntryRange(startCardForRegion, reach, offset)
		startCardForRegion = reach + 1
	}

	if startCardForRegion <= endCard {
		panic("back-skip stamping terminated before reaching the final card")
	}
}

// BlockStart returns the start address of the block (object or filler)
// containing addr. Addresses at or past the allocation pointer resolve to the
// allocation pointer itself.
func (p *Part) BlockStart(addr int) int {
	if addr >= p.space.Top() {
		return p.space.Top()
	}

	q := p.blockAtOrPreceding(addr)
	n := q + p.space.BlockSize(q)
	if n > addr {
		return q
	}
	return p.forwardToBlockContainingAddr(q, n, addr)
}

// blockAtOrPreceding decodes the back-skip chain for addr's card and returns
// the start of some block at or before addr.
func (p *Part) blockAtOrPreceding(addr int) int {
	index := p.bot.IndexFor(addr)
	entry := p.bot.entry(index)
	for entry >= CardWords {
		index -= entryToCardsBack(entry)
		entry = p.bot.entry(index)
	}
	return p.bot.AddressFor(index) - int(entry)
}

// forwardToBlockContainingAddr walks block-by-block from a known boundary up
// to the block containing addr. A recorded block may have been a bulk
// allocation later divided into several objects; the walk repairs stale
// entries as it crosses card thresholds, so the table converges lazily toward
// exact object starts.
func (p *Part) forwardToBlockContainingAddr(q, n, addr int) int {
	nIndex := p.bot.IndexFor(n)
	var nextBoundary int
	if p.bot.IsCardBoundary(n) {
		nextBoundary = p.bot.AddressFor(nIndex)
	} else {
		nIndex++
		nextBoundary = p.bot.AddressFor(nIndex)
	}

	for nextBoundary < addr {
		for n <= nextBoundary {
			q = n
			n += p.space.BlockSize(q)
		}
		// [q, n) is the block crossing the boundary; restamp it.
		p.allocBlockWork(&nextBoundary, &nIndex, q, n)
	}

	for n <= addr {
		q = n
		n += p.space.BlockSize(q)
	}
	return q
}

// SetForStartsHumongous resets the part and stamps one giant block covering
// the humongous object, plus the trailing filler block when fillSize is
// nonzero. The block legitimately extends past this part's own window; the
// continuation parts must have SetObjectCanSpan(true) before queries land on
// them.
func (p *Part) SetForStartsHumongous(objTop int, fillSize int) {
	p.Reset()
	p.AllocBlock(p.space.Bottom(), objTop)
	if fillSize > 0 {
		p.AllocBlock(objTop, objTop+fillSize)
	}
}

// SetObjectCanSpan marks whether the covering block may begin outside this
// part's window. Only continuation parts of humongous objects set this.
func (p *Part) SetObjectCanSpan(canSpan bool) {
	p.objectCanSpan = canSpan
}

// ObjectCanSpan reports whether the covering block may begin outside this
// part's window.
func (p *Part) ObjectCanSpan() bool {
	return p.objectCanSpan
}

// Bytes returns a copy of this part's card window, in table order. This is
// the payload pushed across the wire so the other server can answer
// block-start queries without rebuilding the table.
func (p *Part) Bytes() []byte {
	out := make([]byte, p.partCards)
	copy(out, p.bot.offsets[p.partStartCard:p.partStartCard+p.partCards])
	return out
}

// LoadBytes overwrites this part's card window with entries received from the
// other server and reinitializes the allocation cursor past the region's
// current top.
func (p *Part) LoadBytes(data []byte) error {
	if len(data) != p.partCards {
		return errors.Errorf("received %d offset entries for a window of %d cards", len(data), p.partCards)
	}
	copy(p.bot.offsets[p.partStartCard:p.partStartCard+p.partCards], data)

	top := p.space.Top()
	if top <= p.space.Bottom() {
		p.initializeThreshold()
		return nil
	}
	p.nextIndex = p.bot.IndexFor(top-1) + 1
	p.nextThreshold = p.bot.AddressFor(p.nextIndex)
	return nil
}

// Validate checks every stamped card in [bottom, top): direct entries must
// reach a legitimate block start by forward iteration, and back-skip entries
// must land on a card with a monotonically smaller or equal entry, which
// rules out skip-chain cycles. A non-nil result means the table is corrupt;
// callers must treat that as fatal.
func (p *Part) Validate() error {
	bottom := p.space.Bottom()
	top := p.space.Top()
	if bottom >= top {
		// Nothing stamped yet.
		return nil
	}

	startCard := p.bot.IndexFor(bottom)
	endCard := p.bot.IndexFor(top - 1)

	for currentCard := startCard; currentCard < endCard; currentCard++ {
		entry := p.bot.entry(currentCard)
		if entry < CardWords {
			// The entry points to a block before this card. Verify we can walk
			// from that block into the card by iterating the blocks after it.
			cardAddress := p.bot.AddressFor(currentCard)
			blockEnd := cardAddress - int(entry)
			for blockEnd < cardAddress {
				block := blockEnd
				blockSize := p.space.BlockSize(block)
				blockEnd = block + blockSize
				if blockEnd <= block || blockEnd > top {
					return errors.Errorf("invalid block end: block %d size %d end %d top %d", block, blockSize, blockEnd, top)
				}
			}
		} else {
			backskip := entryToCardsBack(entry)
			if backskip < 1 {
				return errors.Errorf("card %d back-skip of %d does not move backward", currentCard, backskip)
			}

			maxBackskip := currentCard - startCard
			if backskip > maxBackskip && !p.objectCanSpan {
				return errors.Errorf("card %d skips %d cards, beyond the first card %d of the covered space", currentCard, backskip, startCard)
			}

			landingCard := currentCard - backskip
			if landingCard >= startCard && p.bot.entry(landingCard) > entry {
				return errors.Errorf("back-skip chain is not monotonic: card %d entry %d lands on card %d entry %d",
					currentCard, entry, landingCard, p.bot.entry(landingCard))
			}
		}
	}
	return nil
}
