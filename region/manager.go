package region

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/heaputils/bot"
)

// Config describes the heap geometry. Both servers build their Heap from the
// same Config; geometry mismatch between the two sides is undetectable at
// runtime, so the values travel in the wire schema's header for validation.
type Config struct {
	// RegionCount is the number of fixed-size regions in the reserved heap.
	RegionCount int
	// GrainWords is the region size in words. Must be a power of two and a
	// multiple of the BOT card size.
	GrainWords int
	// MaxClassID bounds the class id namespace for verification.
	MaxClassID int
	// Tracer receives region lifecycle events. Nil means no tracing.
	Tracer Tracer
}

// Heap owns the word arena, the region descriptors, the two mark bitmaps,
// and the heap-wide offset table. Addresses throughout the module are word
// indices into the arena; the region covering an address falls out of a
// shift against the power-of-two grain.
type Heap struct {
	words   []heaputils.Word
	regions []*Region

	botTable   *bot.Table
	prevBitmap *MarkBitmap
	nextBitmap *MarkBitmap

	freeList []uint
	inCSet   []bool

	grainWords int
	logGrain   int
	maxClassID int
	tracer     Tracer
}

func NewHeap(config Config) (*Heap, error) {
	if config.RegionCount <= 0 {
		return nil, errors.Newf("region count %d must be positive", config.RegionCount)
	}
	err := heaputils.CheckPow2(uint(config.GrainWords), "Config.GrainWords")
	if err != nil {
		return nil, err
	}
	if config.GrainWords < bot.CardWords {
		return nil, errors.Newf("grain of %d words is smaller than one BOT card of %d words", config.GrainWords, bot.CardWords)
	}
	if config.MaxClassID <= 0 || config.MaxClassID > headerClassMask {
		return nil, errors.Newf("max class id %d out of the header's range", config.MaxClassID)
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = NopTracer{}
	}

	heapWords := config.RegionCount * config.GrainWords
	table, err := bot.NewTable(heapWords)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		words:      make([]heaputils.Word, heapWords),
		regions:    make([]*Region, config.RegionCount),
		botTable:   table,
		prevBitmap: NewMarkBitmap(heapWords),
		nextBitmap: NewMarkBitmap(heapWords),
		freeList:   make([]uint, 0, config.RegionCount),
		inCSet:     make([]bool, config.RegionCount),
		grainWords: config.GrainWords,
		logGrain:   heaputils.Log2(config.GrainWords),
		maxClassID: config.MaxClassID,
		tracer:     tracer,
	}

	for i := 0; i < config.RegionCount; i++ {
		r := &Region{
			heap:                h,
			index:               uint(i),
			bottom:              i * config.GrainWords,
			end:                 (i + 1) * config.GrainWords,
			typ:                 TypeFree,
			humongousStartIndex: -1,
			remSet:              NewRemSet(),
			queue:               NewTargetQueue(config.GrainWords),
		}
		r.top.Store(int64(r.bottom))
		r.botPart = bot.NewPart(table, r, uint(i), config.GrainWords)
		h.regions[i] = r
		h.freeList = append(h.freeList, uint(i))
	}
	return h, nil
}

func (h *Heap) RegionCount() int { return len(h.regions) }

func (h *Heap) GrainWords() int { return h.grainWords }

func (h *Heap) Words() int { return len(h.words) }

func (h *Heap) MaxClassID() int { return h.maxClassID }

func (h *Heap) PrevBitmap() *MarkBitmap { return h.prevBitmap }

func (h *Heap) NextBitmap() *MarkBitmap { return h.nextBitmap }

func (h *Heap) RegionAt(index uint) *Region {
	if int(index) >= len(h.regions) {
		panic(fmt.Sprintf("region index %d outside the heap of %d regions", index, len(h.regions)))
	}
	return h.regions[index]
}

// RegionFor returns the region covering a word address.
func (h *Heap) RegionFor(addr int) *Region {
	h.checkAddr(addr)
	return h.regions[addr>>h.logGrain]
}

// SameRegion reports whether two addresses fall in the same region. Pure
// mask arithmetic against the grain alignment.
func (h *Heap) SameRegion(a, b int) bool {
	return (a^b)>>h.logGrain == 0
}

func (h *Heap) checkAddr(addr int) {
	if addr < 0 || addr >= len(h.words) {
		panic(fmt.Sprintf("address %d outside the heap of %d words", addr, len(h.words)))
	}
}

func (h *Heap) WordAt(addr int) heaputils.Word {
	h.checkAddr(addr)
	return h.words[addr]
}

func (h *Heap) SetWord(addr int, value heaputils.Word) {
	h.checkAddr(addr)
	h.words[addr] = value
}

// CopyWords copies count words from src to dst. Overlapping ranges are safe
// when dst precedes src, which is the only direction compaction moves data.
func (h *Heap) CopyWords(dst, src, count int) {
	if count < 0 {
		panic(fmt.Sprintf("negative copy of %d words", count))
	}
	if count == 0 {
		return
	}
	h.checkAddr(dst)
	h.checkAddr(src)
	h.checkAddr(dst + count - 1)
	h.checkAddr(src + count - 1)
	if dst > src && dst < src+count {
		panic(fmt.Sprintf("forward overlapping copy: dst %d src %d count %d", dst, src, count))
	}
	copy(h.words[dst:dst+count], h.words[src:src+count])
}

// RegionWords exposes the raw words of one region for bulk transfer. The
// returned slice aliases the arena.
func (h *Heap) RegionWords(index uint) []heaputils.Word {
	r := h.RegionAt(index)
	return h.words[r.bottom:r.end]
}

// MangleRange overwrites [from, to) with the unused-area pattern. No-op
// outside debug builds.
func (h *Heap) MangleRange(from, to int) {
	if from >= to {
		return
	}
	h.checkAddr(from)
	h.checkAddr(to - 1)
	heaputils.MangleWords(h.words[from:to])
}

// ObjectSizeAt reads the size of the object headered at addr. A zero size
// means addr is not an object start, which is fatal wherever this is called.
func (h *Heap) ObjectSizeAt(addr int) int {
	size, _, _ := DecodeHeader(h.WordAt(addr))
	if size == 0 {
		panic(fmt.Sprintf("no object header at address %d", addr))
	}
	return size
}

// VisitRefFields calls fn for every non-null reference field of the object
// at addr, passing the field's address and the target's address.
func (h *Heap) VisitRefFields(addr int, fn func(fieldAddr, target int)) {
	_, numRefs, _ := DecodeHeader(h.WordAt(addr))
	for i := 1; i <= numRefs; i++ {
		target, ok := RefTarget(h.WordAt(addr + i))
		if !ok {
			continue
		}
		fn(addr+i, target)
	}
}

// BlockStart resolves the block containing any heap address through the
// owning region's offset table window.
func (h *Heap) BlockStart(addr int) int {
	return h.RegionFor(addr).BlockStart(addr)
}

// InCSet reports whether a region is in the active collection set.
func (h *Heap) InCSet(index uint) bool {
	return h.inCSet[index]
}

func (h *Heap) SetInCSet(index uint, in bool) {
	h.RegionAt(index)
	h.inCSet[index] = in
}

// AllocateFreeRegion pops a region off the free list. The caller assigns its
// role with one of the type transitions.
func (h *Heap) AllocateFreeRegion() (*Region, error) {
	if len(h.freeList) == 0 {
		return nil, heaputils.OutOfSpaceError
	}
	index := h.freeList[len(h.freeList)-1]
	h.freeList = h.freeList[:len(h.freeList)-1]
	r := h.regions[index]
	if !r.typ.IsFree() {
		panic(fmt.Sprintf("region %d on the free list is %s", index, r.typ))
	}
	return r, nil
}

// ReturnFreeRegion pushes a cleared free region back on the free list.
func (h *Heap) ReturnFreeRegion(r *Region) {
	if !r.typ.IsFree() {
		panic(fmt.Sprintf("returning region %d to the free list while it is %s", r.index, r.typ))
	}
	h.freeList = append(h.freeList, r.index)
}

func (h *Heap) FreeRegionCount() int { return len(h.freeList) }

// AllocateHumongous carves a run of contiguous free regions for one object
// of objWords words plus its header, tags them, writes the header, and
// stamps the head region's BOT. Returns the object address.
func (h *Heap) AllocateHumongous(objWords, numRefs, classID int) (int, error) {
	if objWords <= h.grainWords {
		return 0, errors.Newf("object of %d words fits a single region grain of %d, not humongous", objWords, h.grainWords)
	}

	regionsNeeded := (objWords + h.grainWords - 1) / h.grainWords
	start := h.findContiguousFree(regionsNeeded)
	if start < 0 {
		return 0, heaputils.OutOfSpaceError
	}

	head := h.regions[start]
	objBottom := head.bottom
	objTop := objBottom + objWords
	lastEnd := h.regions[start+regionsNeeded-1].end
	fillWords := lastEnd - objTop

	h.removeFromFreeList(start, regionsNeeded)

	head.SetStartsHumongous(objTop, fillWords)
	head.setTop(head.end)
	for i := 1; i < regionsNeeded; i++ {
		cont := h.regions[start+i]
		cont.SetContinuesHumongous(uint(start))
		if start+i == start+regionsNeeded-1 {
			cont.setTop(objTop + fillWords)
		} else {
			cont.setTop(cont.end)
		}
	}

	h.SetWord(objBottom, EncodeHeader(objWords, numRefs, classID))
	for i := 1; i <= numRefs; i++ {
		h.SetWord(objBottom+i, NullRef)
	}
	if fillWords > 0 {
		h.SetWord(objTop, EncodeHeader(fillWords, 0, 0))
	}
	return objBottom, nil
}

// FreeHumongous returns a dead humongous object's regions to the free list.
// Must be called on the starts-humongous head.
func (h *Heap) FreeHumongous(head *Region) int {
	if !head.typ.IsStartsHumongous() {
		panic(fmt.Sprintf("region %d is %s, not a humongous head", head.index, head.typ))
	}

	freed := 0
	for i := int(head.index); i < len(h.regions); i++ {
		r := h.regions[i]
		if i != int(head.index) && !(r.typ.IsContinuesHumongous() && r.humongousStartIndex == int(head.index)) {
			break
		}
		r.ClearHumongous()
		r.SetFree()
		r.Clear(false, true)
		h.ReturnFreeRegion(r)
		freed++
	}
	return freed
}

func (h *Heap) findContiguousFree(count int) int {
	run := 0
	for i := range h.regions {
		if h.regions[i].typ.IsFree() && h.regions[i].IsEmpty() {
			run++
			if run == count {
				return i - count + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

func (h *Heap) removeFromFreeList(start, count int) {
	kept := h.freeList[:0]
	for _, index := range h.freeList {
		if int(index) >= start && int(index) < start+count {
			continue
		}
		kept = append(kept, index)
	}
	h.freeList = kept
}

// NoteStartOfMarking snapshots every region's TAMS for a new marking pass.
func (h *Heap) NoteStartOfMarking() {
	for _, r := range h.regions {
		r.NoteStartOfMarking()
	}
}

// NoteEndOfMarking rotates every region's marking snapshot and swaps the
// bitmap pair, so the completed marking becomes the previous one. The caller
// clears the new next bitmap before the following pass.
func (h *Heap) NoteEndOfMarking() {
	for _, r := range h.regions {
		r.NoteEndOfMarking()
	}
	h.prevBitmap, h.nextBitmap = h.nextBitmap, h.prevBitmap
}

// AddStatistics accumulates per-object and free-range statistics across all
// non-free regions.
func (h *Heap) AddStatistics(stats *heaputils.DetailedStatistics) {
	for _, r := range h.regions {
		if r.typ.IsFree() {
			continue
		}
		stats.RegionCount++
		stats.RegionBytes += r.CapacityBytes()
		if r.typ.IsContinuesHumongous() {
			// Covered by the walk from the humongous head.
			continue
		}

		addr := r.bottom
		top := r.Top()
		for addr < top {
			size := h.ObjectSizeAt(addr)
			stats.AddObject(size * heaputils.WordSize)
			addr += size
		}
		if top < r.end {
			stats.AddFreeRange((r.end - top) * heaputils.WordSize)
		}
	}
}
