package compact

// Stats accumulates one compaction run's counters. Each worker fills its own
// instance; the run folds them together before returning.
type Stats struct {
	RegionsCompacted      int
	ObjectsMoved          int
	BytesMoved            int
	HumongousRegionsFreed int
	InterRegionRefsFixed  int
}

func (s *Stats) Add(other *Stats) {
	s.RegionsCompacted += other.RegionsCompacted
	s.ObjectsMoved += other.ObjectsMoved
	s.BytesMoved += other.BytesMoved
	s.HumongousRegionsFreed += other.HumongousRegionsFreed
	s.InterRegionRefsFixed += other.InterRegionRefsFixed
}
