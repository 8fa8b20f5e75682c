package region

import (
	"github.com/cockroachdb/errors"
)

// VerifyOption selects the liveness oracle a verification pass uses.
type VerifyOption int

const (
	// VerifyPrevMarking treats objects below the previous TAMS as live only
	// when marked in the previous bitmap.
	VerifyPrevMarking VerifyOption = iota
	// VerifyNextMarking uses the in-progress marking instead.
	VerifyNextMarking
	// VerifyFullMarking treats every allocated object as live.
	VerifyFullMarking
)

var verifyOptionMapping = map[VerifyOption]string{
	VerifyPrevMarking: "PrevMarking",
	VerifyNextMarking: "NextMarking",
	VerifyFullMarking: "FullMarking",
}

func (o VerifyOption) String() string {
	str, ok := verifyOptionMapping[o]
	if !ok {
		return "unknown verify option"
	}
	return str
}

func (r *Region) isLiveFor(addr int, option VerifyOption) bool {
	switch option {
	case VerifyPrevMarking:
		return addr >= r.prevTAMS || r.heap.prevBitmap.IsMarked(addr)
	case VerifyNextMarking:
		return addr >= r.nextTAMS || r.heap.nextBitmap.IsMarked(addr)
	default:
		return true
	}
}

// Verify walks the region's objects and checks header sanity, reference
// targets, remembered-set consistency, and the offset table. Verification is
// diagnostic and best-effort: failures accumulate up to maxFailures, then
// the walk aborts early. It never corrects state.
func (r *Region) Verify(option VerifyOption, maxFailures int) []error {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	var failures []error
	capped := func() bool { return len(failures) >= maxFailures }

	top := r.Top()
	for addr := r.bottom; addr < top && !capped(); {
		size, numRefs, classID := DecodeHeader(r.heap.WordAt(addr))
		// A humongous head's single object legitimately extends past the
		// region's own top into the continuation regions.
		if size <= 0 || (addr+size > top && !r.typ.IsStartsHumongous()) {
			failures = append(failures, errors.Newf(
				"region %d: object at %d has size %d words, past top %d", r.index, addr, size, top))
			break
		}

		if r.isLiveFor(addr, option) {
			if classID <= 0 || classID > r.heap.maxClassID {
				failures = append(failures, errors.Newf(
					"region %d: object at %d has class id %d outside (0, %d]", r.index, addr, classID, r.heap.maxClassID))
			}
			for i := 1; i <= numRefs && !capped(); i++ {
				target, ok := RefTarget(r.heap.WordAt(addr + i))
				if !ok {
					continue
				}
				if target < 0 || target >= r.heap.Words() {
					failures = append(failures, errors.Newf(
						"region %d: field at %d points outside the heap, to %d", r.index, addr+i, target))
					continue
				}
				targetRegion := r.heap.RegionFor(target)
				if targetRegion.typ.IsFree() {
					failures = append(failures, errors.Newf(
						"region %d: field at %d points into free region %d", r.index, addr+i, targetRegion.index))
					continue
				}
				if targetRegion.index != r.index && !targetRegion.remSet.Contains(r.index) {
					failures = append(failures, errors.Newf(
						"region %d: field at %d points into region %d, which does not remember region %d",
						r.index, addr+i, targetRegion.index, r.index))
				}
			}
		}
		addr += size
	}

	if !capped() {
		failures = append(failures, r.verifyBOT(maxFailures-len(failures))...)
	}
	return failures
}

// verifyBOT checks the offset table's structural invariants plus the
// contract that lookups at and above top resolve to top.
func (r *Region) verifyBOT(maxFailures int) []error {
	var failures []error

	err := r.botPart.Validate()
	if err != nil {
		failures = append(failures, errors.Wrapf(err, "region %d offset table", r.index))
		if len(failures) >= maxFailures {
			return failures
		}
	}

	top := r.Top()
	probes := []int{top, top + 1, top + (r.end-top)/2, r.end - 1}
	for _, probe := range probes {
		if probe < top || probe >= r.heap.Words() {
			continue
		}
		resolved := r.BlockStart(probe)
		if resolved != top {
			failures = append(failures, errors.Newf(
				"region %d: block start of unallocated address %d is %d, expected top %d", r.index, probe, resolved, top))
			if len(failures) >= maxFailures {
				return failures
			}
		}
	}
	return failures
}

// Verify runs region verification across all non-free regions, pooling the
// failure cap heap-wide.
func (h *Heap) Verify(option VerifyOption, maxFailures int) []error {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	var failures []error
	for _, r := range h.regions {
		if r.typ.IsFree() || r.typ.IsContinuesHumongous() {
			continue
		}
		failures = append(failures, r.Verify(option, maxFailures-len(failures))...)
		if len(failures) >= maxFailures {
			break
		}
	}
	return failures
}
