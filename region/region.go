package region

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/heaputils/bot"
)

// Region is a fixed-size contiguous slice of the heap, the unit of
// allocation, collection, and cross-machine transfer. Regions are created
// once at heap initialization and reused across collections.
//
// The allocation pointer is the only field mutated under multi-writer
// contention. Everything else is written by at most one phase or thread at a
// time; cross-machine ownership of the metadata is handed over by the
// stop-the-world handshake.
type Region struct {
	heap  *Heap
	index uint

	bottom int
	end    int
	top    atomic.Int64

	typ                 Type
	humongousStartIndex int

	prevTAMS int
	nextTAMS int

	prevMarkedBytes int
	nextMarkedBytes int

	gcEfficiency     float64
	ageIndex         int
	youngIndexInCSet int

	botPart *bot.Part
	botLock sync.Mutex

	remSet *RemSet
	queue  *TargetQueue

	compacted      bool
	compactedBytes int
	resetScan      bool
}

func (r *Region) Index() uint { return r.index }

func (r *Region) Bottom() int { return r.bottom }

func (r *Region) End() int { return r.end }

func (r *Region) Top() int { return int(r.top.Load()) }

func (r *Region) setTop(top int) {
	if top < r.bottom || top > r.end {
		panic(fmt.Sprintf("top %d outside region %d range [%d, %d]", top, r.index, r.bottom, r.end))
	}
	r.top.Store(int64(top))
}

func (r *Region) Type() Type { return r.typ }

func (r *Region) HumongousStartIndex() int { return r.humongousStartIndex }

func (r *Region) PrevTAMS() int { return r.prevTAMS }

func (r *Region) NextTAMS() int { return r.nextTAMS }

func (r *Region) PrevMarkedBytes() int { return r.prevMarkedBytes }

func (r *Region) NextMarkedBytes() int { return r.nextMarkedBytes }

func (r *Region) AddNextMarkedBytes(bytes int) { r.nextMarkedBytes += bytes }

func (r *Region) RemSet() *RemSet { return r.remSet }

func (r *Region) Queue() *TargetQueue { return r.queue }

func (r *Region) Compacted() bool { return r.compacted }

func (r *Region) CompactedBytes() int { return r.compactedBytes }

func (r *Region) SetCompactedBytes(bytes int) { r.compactedBytes = bytes }

func (r *Region) ResetScan() bool { return r.resetScan }

func (r *Region) SetResetScan(reset bool) { r.resetScan = reset }

func (r *Region) AgeIndex() int { return r.ageIndex }

func (r *Region) SetAgeIndex(age int) { r.ageIndex = age }

func (r *Region) YoungIndexInCSet() int { return r.youngIndexInCSet }

func (r *Region) SetYoungIndexInCSet(index int) { r.youngIndexInCSet = index }

func (r *Region) CapacityBytes() int { return (r.end - r.bottom) * heaputils.WordSize }

func (r *Region) UsedBytes() int { return (r.Top() - r.bottom) * heaputils.WordSize }

func (r *Region) FreeWords() int { return r.end - r.Top() }

func (r *Region) IsEmpty() bool { return r.Top() == r.bottom }

// ReclaimableBytes is the space a collection of this region would recover,
// under the previous marking.
func (r *Region) ReclaimableBytes() int { return r.UsedBytes() - r.prevMarkedBytes }

// CalcGCEfficiency derives the collection priority of this region from its
// reclaimable bytes and the policy layer's predicted evacuation time.
func (r *Region) CalcGCEfficiency(predictedTimeMS float64) {
	if predictedTimeMS <= 0 {
		panic(fmt.Sprintf("predicted evacuation time %fms must be positive", predictedTimeMS))
	}
	r.gcEfficiency = float64(r.ReclaimableBytes()) / predictedTimeMS
}

func (r *Region) GCEfficiency() float64 { return r.gcEfficiency }

// Allocate bump-allocates from top. minWords is the smallest acceptable
// span; up to desiredWords is taken when available. Single-writer variant.
// Young regions skip BOT stamping because they are never the target of
// block-start queries before being cleared wholesale.
func (r *Region) Allocate(minWords, desiredWords int) (int, int, error) {
	if minWords <= 0 || desiredWords < minWords {
		panic(fmt.Sprintf("bad allocation request: min %d desired %d", minWords, desiredWords))
	}

	start := r.Top()
	free := r.end - start
	if free < minWords {
		return 0, 0, heaputils.OutOfSpaceError
	}

	take := desiredWords
	if take > free {
		take = free
	}
	r.setTop(start + take)

	if !r.typ.IsYoung() {
		r.botPart.AllocBlock(start, start+take)
	}
	return start, take, nil
}

// ParAllocate is the multi-writer allocation path: a compare-and-swap retry
// loop on top, with BOT stamping funneled through the region's lock because
// the offset-table cursor is not safe for concurrent writers.
func (r *Region) ParAllocate(minWords, desiredWords int) (int, int, error) {
	if minWords <= 0 || desiredWords < minWords {
		panic(fmt.Sprintf("bad allocation request: min %d desired %d", minWords, desiredWords))
	}

	for {
		start := r.top.Load()
		free := r.end - int(start)
		if free < minWords {
			return 0, 0, heaputils.OutOfSpaceError
		}

		take := desiredWords
		if take > free {
			take = free
		}
		if !r.top.CompareAndSwap(start, start+int64(take)) {
			continue
		}

		if !r.typ.IsYoung() {
			r.botLock.Lock()
			r.botPart.AllocBlock(int(start), int(start)+take)
			r.botLock.Unlock()
		}
		return int(start), take, nil
	}
}

// ParAllocateNoBOTUpdates is the fast path for young regions, which skip the
// offset table entirely.
func (r *Region) ParAllocateNoBOTUpdates(minWords, desiredWords int) (int, int, error) {
	if !r.typ.IsYoung() {
		panic(fmt.Sprintf("region %d is %s, BOT-free allocation is young-only", r.index, r.typ))
	}

	for {
		start := r.top.Load()
		free := r.end - int(start)
		if free < minWords {
			return 0, 0, heaputils.OutOfSpaceError
		}

		take := desiredWords
		if take > free {
			take = free
		}
		if r.top.CompareAndSwap(start, start+int64(take)) {
			return int(start), take, nil
		}
	}
}

// AllocateObject allocates sizeWords, writes the object header, and nulls
// the reference fields.
func (r *Region) AllocateObject(sizeWords, numRefs, classID int) (int, error) {
	addr, _, err := r.Allocate(sizeWords, sizeWords)
	if err != nil {
		return 0, err
	}
	r.heap.SetWord(addr, EncodeHeader(sizeWords, numRefs, classID))
	for i := 1; i <= numRefs; i++ {
		r.heap.SetWord(addr+i, NullRef)
	}
	return addr, nil
}

// Clear resets the region for reuse: allocation pointer back to bottom, TAMS
// and liveness counters zeroed, BOT window wiped. Clearing a region that is
// in the active collection set, or still tagged humongous, is fatal.
func (r *Region) Clear(keepRemSet, clearSpace bool) {
	if r.heap.InCSet(r.index) {
		panic(fmt.Sprintf("clearing region %d while it is in the collection set", r.index))
	}
	if r.typ.IsHumongous() {
		panic(fmt.Sprintf("clearing region %d while it is still %s", r.index, r.typ))
	}

	r.setTop(r.bottom)
	r.prevTAMS = r.bottom
	r.nextTAMS = r.bottom
	r.prevMarkedBytes = 0
	r.nextMarkedBytes = 0
	r.compacted = false
	r.compactedBytes = 0
	r.resetScan = false
	r.gcEfficiency = 0

	r.botPart.Reset()
	r.queue.Reset()
	if !keepRemSet {
		r.remSet.Clear()
	}
	if clearSpace && heaputils.ZapUnusedArea {
		r.heap.MangleRange(r.bottom, r.end)
	}
}

func (r *Region) report(to Type) {
	r.heap.tracer.TypeChange(r.index, r.typ, to, r.Top(), r.UsedBytes())
}

// SetFree returns the region to the free state. This is the only transition
// allowed out of the humongous and archive states, so every other role is
// reached through Free.
func (r *Region) SetFree() {
	if r.typ.IsHumongous() && r.humongousStartIndex >= 0 {
		panic(fmt.Sprintf("region %d still references humongous start %d", r.index, r.humongousStartIndex))
	}
	r.report(TypeFree)
	r.typ = TypeFree
	r.botPart.SetObjectCanSpan(false)
}

func (r *Region) SetEden() {
	if !r.typ.IsFree() {
		panic(fmt.Sprintf("region %d cannot become Eden from %s", r.index, r.typ))
	}
	r.report(TypeEden)
	r.typ = TypeEden
}

func (r *Region) SetSurvivor() {
	if !r.typ.IsFree() {
		panic(fmt.Sprintf("region %d cannot become Survivor from %s", r.index, r.typ))
	}
	r.report(TypeSurvivor)
	r.typ = TypeSurvivor
}

func (r *Region) SetOld() {
	if r.typ.IsHumongous() || r.typ.IsArchive() {
		panic(fmt.Sprintf("region %d cannot become Old from %s", r.index, r.typ))
	}
	r.report(TypeOld)
	r.typ = TypeOld
}

// MoveToOld relabels a surviving young region as Old, emitting a single
// trace event only when the relabel happens. Returns false when the region
// already is Old.
func (r *Region) MoveToOld() bool {
	switch {
	case r.typ.IsYoung():
		r.report(TypeOld)
		r.typ = TypeOld
		return true
	case r.typ.IsOld():
		return false
	default:
		panic(fmt.Sprintf("region %d cannot move to Old from %s", r.index, r.typ))
	}
}

func (r *Region) SetOpenArchive() {
	if !r.typ.IsFree() || !r.IsEmpty() {
		panic(fmt.Sprintf("region %d must be free and empty to become OpenArchive, is %s with top %d", r.index, r.typ, r.Top()))
	}
	r.report(TypeOpenArchive)
	r.typ = TypeOpenArchive
}

func (r *Region) SetClosedArchive() {
	if !r.typ.IsFree() || !r.IsEmpty() {
		panic(fmt.Sprintf("region %d must be free and empty to become ClosedArchive, is %s with top %d", r.index, r.typ, r.Top()))
	}
	r.report(TypeClosedArchive)
	r.typ = TypeClosedArchive
}

// SetStartsHumongous tags the region as the head of a humongous object and
// stamps the BOT with one giant block covering it, plus an optional trailing
// filler. The allocation pointer must still be at bottom; the humongous
// allocator sets it afterward.
func (r *Region) SetStartsHumongous(objTop, fillWords int) {
	if r.typ.IsHumongous() {
		panic(fmt.Sprintf("region %d is already %s", r.index, r.typ))
	}
	if !r.IsEmpty() {
		panic(fmt.Sprintf("region %d must be empty to start a humongous object, top is %d", r.index, r.Top()))
	}
	r.report(TypeStartsHumongous)
	r.typ = TypeStartsHumongous
	r.humongousStartIndex = int(r.index)
	r.botPart.SetForStartsHumongous(objTop, fillWords)
}

// SetContinuesHumongous tags the region as a continuation of the humongous
// object starting at startIndex. The covering object legitimately begins
// outside this region's bounds.
func (r *Region) SetContinuesHumongous(startIndex uint) {
	if r.typ.IsHumongous() {
		panic(fmt.Sprintf("region %d is already %s", r.index, r.typ))
	}
	if !r.IsEmpty() {
		panic(fmt.Sprintf("region %d must be empty to continue a humongous object, top is %d", r.index, r.Top()))
	}
	if startIndex >= r.index {
		panic(fmt.Sprintf("humongous start %d does not precede continuation %d", startIndex, r.index))
	}
	r.report(TypeContinuesHumongous)
	r.typ = TypeContinuesHumongous
	r.humongousStartIndex = int(startIndex)
	r.botPart.SetObjectCanSpan(true)
}

// ClearHumongous drops the humongous tagging but not the type itself; the
// region still passes through SetFree before it can serve any other role.
func (r *Region) ClearHumongous() {
	if !r.typ.IsHumongous() {
		panic(fmt.Sprintf("region %d is %s, not humongous", r.index, r.typ))
	}
	if r.CapacityBytes() != r.heap.GrainWords()*heaputils.WordSize {
		panic(fmt.Sprintf("humongous region %d has capacity %d, expected one full grain", r.index, r.CapacityBytes()))
	}
	r.humongousStartIndex = -1
}

// NoteStartOfMarking snapshots the allocation pointer as the next TAMS.
// Objects allocated above it are implicitly live for the marking pass that
// is about to start.
func (r *Region) NoteStartOfMarking() {
	r.nextTAMS = r.Top()
}

// NoteEndOfMarking rotates the marking snapshot: the completed pass becomes
// the previous marking, and the next-marking state resets.
func (r *Region) NoteEndOfMarking() {
	r.prevTAMS = r.nextTAMS
	r.nextTAMS = r.bottom
	r.prevMarkedBytes = r.nextMarkedBytes
	r.nextMarkedBytes = 0
}

// IsObjDead reports whether the object at addr is dead under the previous
// marking: below TAMS and unmarked. Archive content is live by contract and
// never consults the bitmap.
func (r *Region) IsObjDead(addr int) bool {
	if r.typ.IsArchive() {
		return false
	}
	return addr < r.prevTAMS && !r.heap.PrevBitmap().IsMarked(addr)
}

// ObjAllocatedSinceMarking reports whether addr is above the previous TAMS,
// making the object implicitly live regardless of its mark bit.
func (r *Region) ObjAllocatedSinceMarking(addr int) bool {
	return addr >= r.prevTAMS
}

// ApplyToMarkedObjects walks the marked objects in [bottom, top) in address
// order, calling fn for each. The walk stops early when fn returns false.
func (r *Region) ApplyToMarkedObjects(bitmap *MarkBitmap, fn func(addr int) bool) {
	limit := r.Top()
	addr := bitmap.NextMarkedAddr(r.bottom, limit)
	for addr < limit {
		if !fn(addr) {
			return
		}
		addr = bitmap.NextMarkedAddr(addr+r.heap.ObjectSizeAt(addr), limit)
	}
}

// BlockStart returns the start of the block containing addr, delegating to
// the offset table.
func (r *Region) BlockStart(addr int) int {
	return r.botPart.BlockStart(addr)
}

// BlockSize sizes the block starting at addr from its header. Implements the
// offset table's space interface.
func (r *Region) BlockSize(addr int) int {
	return r.heap.ObjectSizeAt(addr)
}

// BlockIsObj reports whether the block at addr is below the allocation
// pointer, and therefore an object rather than unallocated space.
func (r *Region) BlockIsObj(addr int) bool {
	return addr < r.Top()
}

// ResetBOT wipes the region's offset table window. The compactor calls this
// before restamping the post-compaction layout.
func (r *Region) ResetBOT() {
	r.botPart.Reset()
}

// UpdateBOTForBlock stamps a block in the offset table. Calls must be made
// in ascending address order.
func (r *Region) UpdateBOTForBlock(start, end int) {
	r.botPart.AllocBlock(start, end)
}

// BOTPart exposes the region's offset table window for transfer and
// verification.
func (r *Region) BOTPart() *bot.Part {
	return r.botPart
}

// CompleteCompaction installs the post-compaction allocation pointer and
// resets the marking state, which is meaningless once objects have moved.
// The mark bitmap range and the BOT restamping are the compactor's job; this
// only covers the region's own bookkeeping.
func (r *Region) CompleteCompaction(compactionTop int) {
	r.setTop(compactionTop)
	if r.IsEmpty() {
		r.botPart.Reset()
	}
	r.prevTAMS = r.bottom
	r.nextTAMS = r.bottom
	r.prevMarkedBytes = 0
	r.nextMarkedBytes = 0
	r.compacted = true
	if heaputils.ZapUnusedArea {
		r.heap.MangleRange(r.Top(), r.end)
	}
}

// RegionJsonData populates a json object with the region's state, for
// diagnostic dumps.
func (r *Region) RegionJsonData(json jwriter.ObjectState) {
	json.Name("Index").Int(int(r.index))
	json.Name("Type").String(r.typ.String())
	json.Name("Bottom").Int(r.bottom)
	json.Name("Top").Int(r.Top())
	json.Name("End").Int(r.end)
	json.Name("PrevTAMS").Int(r.prevTAMS)
	json.Name("NextTAMS").Int(r.nextTAMS)
	json.Name("PrevMarkedBytes").Int(r.prevMarkedBytes)
	json.Name("NextMarkedBytes").Int(r.nextMarkedBytes)
	json.Name("RemSetSize").Int(r.remSet.Len())
	json.Name("QueuedFields").Int(r.queue.Len())
	json.Name("Compacted").Bool(r.compacted)
}
