package region

import (
	"sync"
	"testing"

	"github.com/splitgc/farheap/heaputils"
	"github.com/stretchr/testify/require"
)

type traceEvent struct {
	index    uint
	from, to Type
}

type recordingTracer struct {
	events []traceEvent
}

func (t *recordingTracer) TypeChange(index uint, from, to Type, top int, usedBytes int) {
	t.events = append(t.events, traceEvent{index: index, from: from, to: to})
}

func newTestHeap(t *testing.T, regionCount, grainWords int) (*Heap, *recordingTracer) {
	tracer := &recordingTracer{}
	heap, err := NewHeap(Config{
		RegionCount: regionCount,
		GrainWords:  grainWords,
		MaxClassID:  100,
		Tracer:      tracer,
	})
	require.NoError(t, err)
	return heap, tracer
}

func TestNewHeapRejectsBadGeometry(t *testing.T) {
	_, err := NewHeap(Config{RegionCount: 4, GrainWords: 1000, MaxClassID: 10})
	require.Error(t, err)

	_, err = NewHeap(Config{RegionCount: 0, GrainWords: 1024, MaxClassID: 10})
	require.Error(t, err)

	_, err = NewHeap(Config{RegionCount: 4, GrainWords: 32, MaxClassID: 10})
	require.Error(t, err)
}

func TestAllocateAdvancesTopAndBOT(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	addr1, err := r.AllocateObject(100, 0, 1)
	require.NoError(t, err)
	addr2, err := r.AllocateObject(300, 0, 2)
	require.NoError(t, err)

	require.Equal(t, r.Bottom(), addr1)
	require.Equal(t, r.Bottom()+100, addr2)
	require.Equal(t, r.Bottom()+400, r.Top())

	for addr := addr2; addr < addr2+300; addr++ {
		require.Equal(t, addr2, r.BlockStart(addr))
	}
	require.Equal(t, r.Top(), r.BlockStart(r.Top()+5))
}

func TestAllocateOutOfSpace(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	_, taken, err := r.Allocate(1000, 1024)
	require.NoError(t, err)
	require.Equal(t, 1024, taken)

	_, _, err = r.Allocate(1, 1)
	require.ErrorIs(t, err, heaputils.OutOfSpaceError)
	require.Equal(t, r.End(), r.Top())
}

func TestAllocateTakesDesiredWithinFree(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	_, _, err := r.Allocate(900, 900)
	require.NoError(t, err)

	// 124 words remain; min fits, desired does not.
	start, taken, err := r.Allocate(100, 500)
	require.NoError(t, err)
	require.Equal(t, r.Bottom()+900, start)
	require.Equal(t, 124, taken)
}

func TestParAllocateNonOverlapping(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	const goroutines = 8
	const perGoroutine = 16
	var wg sync.WaitGroup
	starts := make([][]int, goroutines)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				start, taken, err := r.ParAllocate(8, 8)
				if err == nil && taken == 8 {
					starts[g] = append(starts[g], start)
				}
			}
		}(g)
	}
	wg.Wait()

	seen := map[int]bool{}
	total := 0
	for _, list := range starts {
		for _, start := range list {
			require.False(t, seen[start], "span at %d allocated twice", start)
			seen[start] = true
			total++
		}
	}
	require.Equal(t, goroutines*perGoroutine, total)
	require.Equal(t, r.Bottom()+total*8, r.Top())
}

func TestParAllocateNoBOTUpdatesIsYoungOnly(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetEden()

	start, taken, err := r.ParAllocateNoBOTUpdates(64, 64)
	require.NoError(t, err)
	require.Equal(t, r.Bottom(), start)
	require.Equal(t, 64, taken)

	old := heap.RegionAt(1)
	old.SetOld()
	require.Panics(t, func() { old.ParAllocateNoBOTUpdates(8, 8) })
}

func TestClearResetsRegion(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	_, err := r.AllocateObject(200, 0, 1)
	require.NoError(t, err)
	r.NoteStartOfMarking()
	r.AddNextMarkedBytes(200 * heaputils.WordSize)

	r.Clear(false, false)
	require.Equal(t, r.Bottom(), r.Top())
	require.Equal(t, r.Bottom(), r.PrevTAMS())
	require.Equal(t, r.Bottom(), r.NextTAMS())
	require.Zero(t, r.NextMarkedBytes())
}

func TestClearWhileInCSetIsFatal(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()
	heap.SetInCSet(0, true)

	require.Panics(t, func() { r.Clear(false, false) })
}

func TestTypeTransitionEvents(t *testing.T) {
	heap, tracer := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)

	r.SetEden()
	require.Len(t, tracer.events, 1)
	require.Equal(t, traceEvent{index: 0, from: TypeFree, to: TypeEden}, tracer.events[0])

	require.True(t, r.MoveToOld())
	require.Len(t, tracer.events, 2)
	require.Equal(t, traceEvent{index: 0, from: TypeEden, to: TypeOld}, tracer.events[1])

	// Relabeling an Old region is a no-op and emits nothing.
	require.False(t, r.MoveToOld())
	require.Len(t, tracer.events, 2)
}

func TestContinuesHumongousNeverBecomesEdenDirectly(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	objAddr, err := heap.AllocateHumongous(1500, 0, 3)
	require.NoError(t, err)
	require.Equal(t, heap.RegionAt(0).Bottom(), objAddr)

	cont := heap.RegionAt(1)
	require.Equal(t, TypeContinuesHumongous, cont.Type())
	require.Panics(t, func() { cont.SetEden() })

	// Through Free the transition is legal.
	head := heap.RegionAt(0)
	require.Equal(t, 2, heap.FreeHumongous(head))
	require.Equal(t, TypeFree, cont.Type())
	cont.SetEden()
	require.Equal(t, TypeEden, cont.Type())
}

func TestHumongousAllocation(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	free := heap.FreeRegionCount()

	objAddr, err := heap.AllocateHumongous(1500, 1, 3)
	require.NoError(t, err)

	head := heap.RegionAt(0)
	cont := heap.RegionAt(1)
	require.Equal(t, TypeStartsHumongous, head.Type())
	require.Equal(t, TypeContinuesHumongous, cont.Type())
	require.Equal(t, 0, cont.HumongousStartIndex())
	require.Equal(t, head.End(), head.Top())
	require.Equal(t, cont.End(), cont.Top())
	require.Equal(t, free-2, heap.FreeRegionCount())

	// Addresses anywhere inside the object resolve to its single header,
	// across the region boundary.
	require.Equal(t, objAddr, head.BlockStart(objAddr+500))
	require.Equal(t, objAddr, cont.BlockStart(objAddr+1400))

	// The filler block after the object resolves to itself.
	require.Equal(t, objAddr+1500, cont.BlockStart(objAddr+1500))

	require.Equal(t, 2, heap.FreeHumongous(head))
	require.Equal(t, free, heap.FreeRegionCount())
}

func TestHumongousRequiresOversizedObject(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	_, err := heap.AllocateHumongous(100, 0, 1)
	require.Error(t, err)
}

func TestMarkingRotation(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	obj1, err := r.AllocateObject(64, 0, 1)
	require.NoError(t, err)
	obj2, err := r.AllocateObject(64, 0, 1)
	require.NoError(t, err)

	heap.NoteStartOfMarking()
	require.Equal(t, r.Top(), r.NextTAMS())

	heap.NextBitmap().Mark(obj2)
	r.AddNextMarkedBytes(64 * heaputils.WordSize)
	heap.NoteEndOfMarking()

	require.Equal(t, r.Bottom()+128, r.PrevTAMS())
	require.Equal(t, r.Bottom(), r.NextTAMS())
	require.Equal(t, 64*heaputils.WordSize, r.PrevMarkedBytes())
	require.Zero(t, r.NextMarkedBytes())

	require.True(t, r.IsObjDead(obj1))
	require.False(t, r.IsObjDead(obj2))

	// Allocations after the pass are implicitly live.
	obj3, err := r.AllocateObject(64, 0, 1)
	require.NoError(t, err)
	require.False(t, r.IsObjDead(obj3))
	require.True(t, r.ObjAllocatedSinceMarking(obj3))
}

func TestApplyToMarkedObjects(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	var objs []int
	for i := 0; i < 4; i++ {
		addr, err := r.AllocateObject(50, 0, 1)
		require.NoError(t, err)
		objs = append(objs, addr)
	}

	bitmap := heap.NextBitmap()
	bitmap.Mark(objs[0])
	bitmap.Mark(objs[2])

	var visited []int
	r.ApplyToMarkedObjects(bitmap, func(addr int) bool {
		visited = append(visited, addr)
		return true
	})
	require.Equal(t, []int{objs[0], objs[2]}, visited)

	visited = nil
	r.ApplyToMarkedObjects(bitmap, func(addr int) bool {
		visited = append(visited, addr)
		return false
	})
	require.Equal(t, []int{objs[0]}, visited)
}

func TestTargetQueue(t *testing.T) {
	q := NewTargetQueue(1024)
	q.Record(5)
	q.Record(700)
	q.Record(64)
	require.Equal(t, 3, q.Len())

	var offsets []int
	q.Visit(func(offset int) { offsets = append(offsets, offset) })
	require.Equal(t, []int{5, 64, 700}, offsets)

	require.Panics(t, func() { q.Record(5) })
	require.Panics(t, func() { q.Record(1024) })

	q.Reset()
	require.Zero(t, q.Len())
}

func TestMetadataRoundTrip(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()
	_, err := r.AllocateObject(100, 0, 1)
	require.NoError(t, err)
	r.NoteStartOfMarking()
	r.AddNextMarkedBytes(800)

	info := r.InfoAtGC()
	require.Equal(t, TypeOld, info.Type)
	require.Equal(t, int64(r.NextTAMS()), info.NextTAMS)

	other, _ := newTestHeap(t, 4, 1024)
	mirror := other.RegionAt(0)
	mirror.ApplyInfoAtGC(info)
	mirror.ApplySyncData(r.SyncData())
	require.Equal(t, TypeOld, mirror.Type())
	require.Equal(t, r.Top(), mirror.Top())
	require.Equal(t, r.NextMarkedBytes(), mirror.NextMarkedBytes())

	mirror.CompleteCompaction(mirror.Bottom() + 40)
	result := mirror.ResultAtGC()
	require.True(t, result.Compacted)
	require.Equal(t, int64(mirror.Bottom()+40), result.NewTop)

	r.ApplyResultAtGC(result)
	require.Equal(t, r.Bottom()+40, r.Top())
	require.True(t, r.Compacted())
}

func TestVerifyCatchesMissingRemSetEntry(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	a := heap.RegionAt(0)
	b := heap.RegionAt(1)
	a.SetOld()
	b.SetOld()

	src, err := a.AllocateObject(10, 1, 1)
	require.NoError(t, err)
	dst, err := b.AllocateObject(10, 0, 2)
	require.NoError(t, err)
	heap.SetWord(src+1, MakeRef(dst))

	failures := heap.Verify(VerifyFullMarking, 10)
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].Error(), "does not remember")

	b.RemSet().Add(a.Index())
	require.Empty(t, heap.Verify(VerifyFullMarking, 10))
}

func TestVerifyCatchesBadClassID(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()

	addr, err := r.AllocateObject(10, 0, 1)
	require.NoError(t, err)
	heap.SetWord(addr, EncodeHeader(10, 0, 101))

	failures := r.Verify(VerifyFullMarking, 10)
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].Error(), "class id")
}

func TestSameRegionMask(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	require.True(t, heap.SameRegion(0, 1023))
	require.False(t, heap.SameRegion(1023, 1024))
	require.True(t, heap.SameRegion(2048, 3071))
}

func TestStatistics(t *testing.T) {
	heap, _ := newTestHeap(t, 4, 1024)
	r := heap.RegionAt(0)
	r.SetOld()
	_, err := r.AllocateObject(100, 0, 1)
	require.NoError(t, err)
	_, err = r.AllocateObject(50, 0, 1)
	require.NoError(t, err)

	var stats heaputils.DetailedStatistics
	stats.Clear()
	heap.AddStatistics(&stats)

	require.Equal(t, 1, stats.RegionCount)
	require.Equal(t, 2, stats.ObjectCount)
	require.Equal(t, 150*heaputils.WordSize, stats.UsedBytes)
	require.Equal(t, 1, stats.FreeRangeCount)
	require.Equal(t, 100*heaputils.WordSize, stats.ObjectSizeMax)
}
