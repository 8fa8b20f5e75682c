package compact

import (
	"testing"

	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/region"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) *region.Heap {
	heap, err := region.NewHeap(region.Config{
		RegionCount: 8,
		GrainWords:  1024,
		MaxClassID:  100,
	})
	require.NoError(t, err)
	return heap
}

func oldRegion(t *testing.T, heap *region.Heap, index uint) *region.Region {
	r := heap.RegionAt(index)
	r.SetOld()
	return r
}

func alloc(t *testing.T, r *region.Region, size, numRefs, classID int) int {
	addr, err := r.AllocateObject(size, numRefs, classID)
	require.NoError(t, err)
	return addr
}

// finishMarking snapshots TAMS over the current allocation state, marks the
// given objects, and rotates the bitmaps so the compactor sees them as the
// completed previous marking.
func finishMarking(heap *region.Heap, live ...int) {
	heap.NoteStartOfMarking()
	for _, addr := range live {
		heap.NextBitmap().Mark(addr)
	}
	heap.NoteEndOfMarking()
}

func run(t *testing.T, heap *region.Heap, workers int, cset ...uint) Stats {
	compactor, err := NewCompactor(heap, workers)
	require.NoError(t, err)
	return compactor.Run(cset)
}

func TestCompactionSlidesLiveObjectsDown(t *testing.T) {
	heap := newTestHeap(t)
	r := oldRegion(t, heap, 0)

	alloc(t, r, 32, 0, 1) // garbage
	live1 := alloc(t, r, 64, 0, 2)
	alloc(t, r, 16, 0, 1) // garbage
	live2 := alloc(t, r, 128, 0, 3)
	alloc(t, r, 100, 0, 1) // garbage
	live3 := alloc(t, r, 256, 0, 4)

	topBefore := r.Top()
	finishMarking(heap, live1, live2, live3)
	stats := run(t, heap, 1, 0)

	// Live bytes survive exactly; everything sits strictly below the old top.
	require.Equal(t, r.Bottom()+448, r.Top())
	require.Less(t, r.Top(), topBefore)
	require.Equal(t, 1, stats.RegionsCompacted)
	require.Equal(t, 3, stats.ObjectsMoved)
	require.Equal(t, 448*heaputils.WordSize, stats.BytesMoved)

	// The compacted layout is dense from bottom, headers intact, and the
	// offset table resolves every new address to its object.
	newAddrs := []int{r.Bottom(), r.Bottom() + 64, r.Bottom() + 192}
	sizes := []int{64, 128, 256}
	classes := []int{2, 3, 4}
	for i, addr := range newAddrs {
		size, _, classID := region.DecodeHeader(heap.WordAt(addr))
		require.Equal(t, sizes[i], size)
		require.Equal(t, classes[i], classID)
		require.Equal(t, addr, r.BlockStart(addr))
		require.Equal(t, addr, r.BlockStart(addr+size-1))
	}
	require.Equal(t, r.Top(), r.BlockStart(r.Top()+1))
	require.True(t, r.Compacted())
}

func TestIntraRegionRefsAdjusted(t *testing.T) {
	heap := newTestHeap(t)
	r := oldRegion(t, heap, 0)

	alloc(t, r, 50, 0, 1) // garbage
	src := alloc(t, r, 10, 1, 2)
	alloc(t, r, 30, 0, 1) // garbage
	dst := alloc(t, r, 20, 0, 3)
	heap.SetWord(src+1, region.MakeRef(dst))

	finishMarking(heap, src, dst)
	run(t, heap, 1, 0)

	newSrc := r.Bottom()
	newDst := r.Bottom() + 10
	target, ok := region.RefTarget(heap.WordAt(newSrc + 1))
	require.True(t, ok)
	require.Equal(t, newDst, target)
}

func TestCrossRegionRefsFixedUpAfterAllRegionsMove(t *testing.T) {
	heap := newTestHeap(t)
	a := oldRegion(t, heap, 0)
	b := oldRegion(t, heap, 1)

	alloc(t, a, 40, 0, 1) // garbage
	src := alloc(t, a, 10, 2, 2)
	alloc(t, b, 70, 0, 1) // garbage
	dst := alloc(t, b, 20, 0, 3)
	back := alloc(t, b, 10, 1, 4)
	heap.SetWord(src+1, region.MakeRef(dst))
	heap.SetWord(src+2, region.MakeRef(back))
	heap.SetWord(back+1, region.MakeRef(src))

	finishMarking(heap, src, dst, back)
	stats := run(t, heap, 2, 0, 1)
	require.Equal(t, 3, stats.InterRegionRefsFixed)

	newSrc := a.Bottom()
	newDst := b.Bottom()
	newBack := b.Bottom() + 20

	target, ok := region.RefTarget(heap.WordAt(newSrc + 1))
	require.True(t, ok)
	require.Equal(t, newDst, target)
	target, ok = region.RefTarget(heap.WordAt(newSrc + 2))
	require.True(t, ok)
	require.Equal(t, newBack, target)
	target, ok = region.RefTarget(heap.WordAt(newBack + 1))
	require.True(t, ok)
	require.Equal(t, newSrc, target)

	// Remembered sets were rebuilt from the fix-up walk, so a full re-walk
	// verifies every outgoing reference cleanly.
	require.Empty(t, heap.Verify(region.VerifyFullMarking, 10))
}

func TestLiveHumongousStaysInPlace(t *testing.T) {
	heap := newTestHeap(t)
	objAddr, err := heap.AllocateHumongous(1500, 0, 5)
	require.NoError(t, err)

	finishMarking(heap, objAddr)
	stats := run(t, heap, 1, 0)

	head := heap.RegionAt(0)
	require.Equal(t, region.TypeStartsHumongous, head.Type())
	require.Zero(t, stats.HumongousRegionsFreed)
	require.False(t, heap.PrevBitmap().IsMarked(objAddr))

	size, _, classID := region.DecodeHeader(heap.WordAt(objAddr))
	require.Equal(t, 1500, size)
	require.Equal(t, 5, classID)
}

func TestDeadHumongousIsReclaimed(t *testing.T) {
	heap := newTestHeap(t)
	_, err := heap.AllocateHumongous(1500, 0, 5)
	require.NoError(t, err)
	freeBefore := heap.FreeRegionCount()

	finishMarking(heap)
	stats := run(t, heap, 1, 0)

	require.Equal(t, 2, stats.HumongousRegionsFreed)
	require.Equal(t, freeBefore+2, heap.FreeRegionCount())
	require.Equal(t, region.TypeFree, heap.RegionAt(0).Type())
	require.Equal(t, region.TypeFree, heap.RegionAt(1).Type())
}

func TestOpenArchiveAdjustedButNotMoved(t *testing.T) {
	heap := newTestHeap(t)
	archive := heap.RegionAt(0)
	archive.SetOpenArchive()
	moving := oldRegion(t, heap, 1)

	archObj := alloc(t, archive, 10, 1, 6)
	alloc(t, moving, 90, 0, 1) // garbage
	target := alloc(t, moving, 30, 0, 7)
	heap.SetWord(archObj+1, region.MakeRef(target))

	finishMarking(heap, target)
	run(t, heap, 1, 0, 1)

	// The archive object did not move, but its outgoing reference tracks the
	// target's slide.
	require.Equal(t, archive.Bottom(), archObj)
	require.Equal(t, archive.Bottom()+10, archive.Top())
	got, ok := region.RefTarget(heap.WordAt(archObj + 1))
	require.True(t, ok)
	require.Equal(t, moving.Bottom(), got)
}

func TestClosedArchiveUntouched(t *testing.T) {
	heap := newTestHeap(t)
	archive := heap.RegionAt(0)
	archive.SetClosedArchive()
	obj := alloc(t, archive, 10, 0, 6)
	before := heap.WordAt(obj)
	topBefore := archive.Top()

	finishMarking(heap)
	stats := run(t, heap, 1, 0)

	require.Equal(t, before, heap.WordAt(obj))
	require.Equal(t, topBefore, archive.Top())
	require.Zero(t, stats.RegionsCompacted)
}

func TestParallelWorkersCompactDisjointRegions(t *testing.T) {
	heap := newTestHeap(t)
	var cset []uint
	liveByRegion := map[uint]int{}

	for i := uint(0); i < 6; i++ {
		r := oldRegion(t, heap, i)
		alloc(t, r, 100, 0, 1) // garbage
		live := alloc(t, r, 50+int(i), 0, 2)
		liveByRegion[i] = live
		cset = append(cset, i)
	}

	var marks []int
	for _, addr := range liveByRegion {
		marks = append(marks, addr)
	}
	finishMarking(heap, marks...)

	stats := run(t, heap, 4, cset...)
	require.Equal(t, 6, stats.RegionsCompacted)
	require.Equal(t, 6, stats.ObjectsMoved)

	for i := uint(0); i < 6; i++ {
		r := heap.RegionAt(i)
		require.Equal(t, r.Bottom()+50+int(i), r.Top())
		size, _, classID := region.DecodeHeader(heap.WordAt(r.Bottom()))
		require.Equal(t, 50+int(i), size)
		require.Equal(t, 2, classID)
	}
}

func TestDuplicateCSetEntryIsFatal(t *testing.T) {
	heap := newTestHeap(t)
	oldRegion(t, heap, 0)

	compactor, err := NewCompactor(heap, 1)
	require.NoError(t, err)
	require.Panics(t, func() { compactor.Run([]uint{0, 0}) })
}

func TestFreeRegionInCSetIsFatal(t *testing.T) {
	heap := newTestHeap(t)
	compactor, err := NewCompactor(heap, 1)
	require.NoError(t, err)
	require.Panics(t, func() { compactor.Run([]uint{3}) })
}
