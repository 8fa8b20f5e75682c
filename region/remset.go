package region

// RemSet is a region's remembered set, tracking which other regions hold
// references into it. Granularity is whole regions; card-level precision is
// unnecessary here because the compaction pipeline rescans referencing
// regions through the target queues.
type RemSet struct {
	regions map[uint]struct{}
}

func NewRemSet() *RemSet {
	return &RemSet{regions: map[uint]struct{}{}}
}

// Add records that the region at fromIndex holds a reference into the owner.
func (rs *RemSet) Add(fromIndex uint) {
	rs.regions[fromIndex] = struct{}{}
}

func (rs *RemSet) Contains(fromIndex uint) bool {
	_, ok := rs.regions[fromIndex]
	return ok
}

func (rs *RemSet) Len() int {
	return len(rs.regions)
}

func (rs *RemSet) Clear() {
	rs.regions = map[uint]struct{}{}
}

// ForEach calls fn for every referencing region. Iteration order is not
// defined.
func (rs *RemSet) ForEach(fn func(fromIndex uint)) {
	for index := range rs.regions {
		fn(index)
	}
}
