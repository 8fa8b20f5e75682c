package compact

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/region"
	"golang.org/x/exp/slices"
)

// Compactor runs the stop-the-world compaction pipeline over a collection
// set. Regions are statically partitioned across a fixed worker gang; each
// worker runs the calculate, adjust, and compact phases strictly in order on
// each of its regions. The deferred inter-region fix-up runs serialized
// after every worker has finished, because a forwarding address is only
// trustworthy once every region's calculate phase has completed.
//
// Any invariant break mid-pipeline panics. The pipeline never returns a
// partial result; inconsistent region state cannot be retried.
type Compactor struct {
	heap    *region.Heap
	workers int

	// forwarding holds each collection-set region's object relocation table,
	// populated by calculate and discarded after the fix-up phase. A missing
	// entry means the object does not move.
	forwarding []*swiss.Map[uint64, uint64]
	planned    []int
	deadHeads  []*region.Region
	deadLock   sync.Mutex
}

func NewCompactor(heap *region.Heap, workers int) (*Compactor, error) {
	if heap == nil {
		return nil, errors.New("compactor requires a heap")
	}
	if workers <= 0 {
		return nil, errors.Newf("worker count %d must be positive", workers)
	}
	return &Compactor{heap: heap, workers: workers}, nil
}

// Run compacts the given regions and returns the run's counters. The
// collection set is sorted and statically split across the worker gang; the
// policy layer has already chosen its contents.
func (c *Compactor) Run(cset []uint) Stats {
	sorted := slices.Clone(cset)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			panic(fmt.Sprintf("region %d appears twice in the collection set", sorted[i]))
		}
	}

	c.forwarding = make([]*swiss.Map[uint64, uint64], c.heap.RegionCount())
	c.planned = make([]int, c.heap.RegionCount())
	c.deadHeads = nil

	for _, index := range sorted {
		r := c.heap.RegionAt(index)
		if r.Type().IsFree() {
			panic(fmt.Sprintf("free region %d in the collection set", index))
		}
		c.heap.SetInCSet(index, true)
	}

	workers := c.workers
	if workers > len(sorted) && len(sorted) > 0 {
		workers = len(sorted)
	}

	var wg sync.WaitGroup
	workerStats := make([]Stats, workers)
	chunk := 0
	if workers > 0 {
		chunk = (len(sorted) + workers - 1) / workers
	}
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(sorted) {
			hi = len(sorted)
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w int, owned []uint) {
			defer wg.Done()
			var point Point
			for _, index := range owned {
				r := c.heap.RegionAt(index)
				c.calculate(r, &point)
				c.adjust(r)
				c.compactRegion(r, &workerStats[w])
			}
		}(w, sorted[lo:hi])
	}
	wg.Wait()

	var stats Stats
	for i := range workerStats {
		stats.Add(&workerStats[i])
	}

	// Dead humongous objects found by calculate are reclaimed serially; the
	// free list is not safe for concurrent writers.
	for _, head := range c.deadHeads {
		stats.HumongousRegionsFreed += c.freeDeadHumongous(head)
	}

	stats.InterRegionRefsFixed = c.fixUpInterRegionRefs(sorted)

	for _, index := range sorted {
		c.heap.SetInCSet(index, false)
		c.forwarding[index] = nil
	}
	return stats
}

// calculate assigns every live object its destination and records the moves
// in the region's forwarding table. Humongous heads never move: a live one
// just has its mark dropped, a dead one is queued for reclamation.
func (c *Compactor) calculate(r *region.Region, point *Point) {
	switch {
	case r.Type().IsClosedArchive(), r.Type().IsContinuesHumongous():
		return
	case r.Type().IsStartsHumongous():
		objAddr := r.Bottom()
		if r.IsObjDead(objAddr) {
			c.deadLock.Lock()
			c.deadHeads = append(c.deadHeads, r)
			c.deadLock.Unlock()
			return
		}
		if c.heap.PrevBitmap().IsMarked(objAddr) {
			c.heap.PrevBitmap().ClearMark(objAddr)
		}
		return
	case r.Type().IsOpenArchive():
		// Stable-address isolation: archived objects are adjusted but never
		// relocated.
		return
	}

	fwd := swiss.NewMap[uint64, uint64](64)
	c.forwarding[r.Index()] = fwd

	point.Initialize(r)
	top := r.Top()
	for addr := r.Bottom(); addr < top; {
		size := c.heap.ObjectSizeAt(addr)
		if !r.IsObjDead(addr) {
			dest := point.Forward(size)
			if dest > addr {
				panic(fmt.Sprintf("destination %d above source %d in region %d", dest, addr, r.Index()))
			}
			if dest != addr {
				fwd.Put(uint64(addr), uint64(dest))
			}
		}
		addr += size
	}
	c.planned[r.Index()] = point.Top()
}

// adjust rewrites intra-region reference fields to their forwarded targets
// and queues inter-region fields for the deferred pass. The queue records
// each field at its post-compaction offset, computable now because the
// containing object's own destination is already known.
func (c *Compactor) adjust(r *region.Region) {
	if r.Type().IsClosedArchive() || r.Type().IsContinuesHumongous() {
		return
	}
	if r.Type().IsStartsHumongous() {
		if !r.IsObjDead(r.Bottom()) {
			c.adjustObject(r, r.Bottom(), r.Bottom())
		}
		return
	}

	fwd := c.forwarding[r.Index()]
	top := r.Top()
	for addr := r.Bottom(); addr < top; {
		size := c.heap.ObjectSizeAt(addr)
		if !r.IsObjDead(addr) {
			dest := addr
			if fwd != nil {
				if d, ok := fwd.Get(uint64(addr)); ok {
					dest = int(d)
				}
			}
			c.adjustObject(r, addr, dest)
		}
		addr += size
	}
}

func (c *Compactor) adjustObject(r *region.Region, addr, dest int) {
	base := r.Bottom()
	c.heap.VisitRefFields(addr, func(fieldAddr, target int) {
		if c.heap.SameRegion(base, target) {
			newTarget := target
			if fwd := c.forwarding[r.Index()]; fwd != nil {
				if d, ok := fwd.Get(uint64(target)); ok {
					newTarget = int(d)
				}
			}
			if newTarget != target {
				c.heap.SetWord(fieldAddr, region.MakeRef(newTarget))
			}
			return
		}
		destField := dest + (fieldAddr - addr)
		r.Queue().Record(destField - base)
	})
}

// compactRegion physically slides every live object down to its destination,
// restamps the offset table for the new layout, clears the region's slice of
// the mark bitmap, and installs the new allocation pointer.
func (c *Compactor) compactRegion(r *region.Region, stats *Stats) {
	if r.Type().IsArchive() || r.Type().IsHumongous() {
		if r.Type().IsOpenArchive() {
			// Liveness is stale once other regions have moved; the archive
			// itself stays put.
			c.heap.PrevBitmap().ClearRange(r.Bottom(), r.Top())
		}
		return
	}

	fwd := c.forwarding[r.Index()]
	r.ResetBOT()

	moved := 0
	top := r.Top()
	for addr := r.Bottom(); addr < top; {
		size := c.heap.ObjectSizeAt(addr)
		if !r.IsObjDead(addr) {
			dest := addr
			if fwd != nil {
				if d, ok := fwd.Get(uint64(addr)); ok {
					dest = int(d)
				}
			}
			if dest != addr {
				c.heap.CopyWords(dest, addr, size)
				stats.ObjectsMoved++
				moved += size
			}
			r.UpdateBOTForBlock(dest, dest+size)
		}
		addr += size
	}

	c.heap.PrevBitmap().ClearRange(r.Bottom(), top)
	r.SetCompactedBytes(moved * heaputils.WordSize)
	r.CompleteCompaction(c.planned[r.Index()])
	stats.RegionsCompacted++
	stats.BytesMoved += moved * heaputils.WordSize
}

// fixUpInterRegionRefs is the deferred fourth phase: every queued field now
// sits at its final address, and every target region's forwarding table is
// complete, so cross-region references can be rewritten. Remembered sets are
// rebuilt from the same walk.
func (c *Compactor) fixUpInterRegionRefs(sorted []uint) int {
	fixed := 0
	for _, index := range sorted {
		r := c.heap.RegionAt(index)
		base := r.Bottom()
		r.Queue().Visit(func(offset int) {
			fieldAddr := base + offset
			target, ok := region.RefTarget(c.heap.WordAt(fieldAddr))
			if !ok {
				panic(fmt.Sprintf("queued field at %d in region %d holds a null reference", fieldAddr, index))
			}
			targetRegion := c.heap.RegionFor(target)
			if fwd := c.forwarding[targetRegion.Index()]; fwd != nil {
				if d, ok := fwd.Get(uint64(target)); ok {
					c.heap.SetWord(fieldAddr, region.MakeRef(int(d)))
				}
			}
			targetRegion.RemSet().Add(r.Index())
			fixed++
		})
		r.Queue().Reset()
	}
	return fixed
}

func (c *Compactor) freeDeadHumongous(head *region.Region) int {
	headIndex := int(head.Index())
	c.heap.PrevBitmap().ClearRange(head.Bottom(), head.Top())
	c.heap.SetInCSet(head.Index(), false)
	for i := headIndex + 1; i < c.heap.RegionCount(); i++ {
		r := c.heap.RegionAt(uint(i))
		if !r.Type().IsContinuesHumongous() || r.HumongousStartIndex() != headIndex {
			break
		}
		c.heap.SetInCSet(uint(i), false)
		c.heap.PrevBitmap().ClearRange(r.Bottom(), r.Top())
	}
	return c.heap.FreeHumongous(head)
}
